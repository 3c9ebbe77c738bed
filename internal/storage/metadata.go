package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/exVick/corti-playground/internal/types"
)

// MetadataDB records completed scribe sessions in SQLite.
type MetadataDB struct {
	db *sql.DB
}

// NewMetadataDB opens (and if needed initializes) the session archive.
func NewMetadataDB(dbPath string) (*MetadataDB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		interaction_id TEXT NOT NULL UNIQUE,
		session_name TEXT NOT NULL,
		source TEXT NOT NULL,
		note_path TEXT NOT NULL,
		gdrive_url TEXT,
		created_at DATETIME NOT NULL,
		duration REAL,
		word_count INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_name ON sessions(session_name);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create table: %v", err)
	}

	return &MetadataDB{db: db}, nil
}

// SaveSession records one completed session.
func (mdb *MetadataDB) SaveSession(source string, result *types.NoteResult) error {
	query := `
	INSERT INTO sessions (interaction_id, session_name, source, note_path, gdrive_url, created_at, duration, word_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := mdb.db.Exec(query, result.InteractionID, result.SessionName, source,
		result.LocalPath, result.GDriveURL, time.Now(), result.Duration, result.WordCount)
	if err != nil {
		return fmt.Errorf("failed to save session metadata: %v", err)
	}

	return nil
}

// GetSession retrieves session metadata by interaction ID.
func (mdb *MetadataDB) GetSession(interactionID string) (map[string]interface{}, error) {
	query := `
	SELECT interaction_id, session_name, source, note_path, gdrive_url, created_at, duration, word_count
	FROM sessions WHERE interaction_id = ?
	`

	row := mdb.db.QueryRow(query, interactionID)

	var (
		id, name, source, notePath string
		gdrive                     sql.NullString
		createdAt                  time.Time
		duration                   float64
		wordCount                  int
	)

	err := row.Scan(&id, &name, &source, &notePath, &gdrive, &createdAt, &duration, &wordCount)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %v", err)
	}

	return map[string]interface{}{
		"interaction_id": id,
		"session_name":   name,
		"source":         source,
		"note_path":      notePath,
		"gdrive_url":     gdrive.String,
		"created_at":     createdAt,
		"duration":       duration,
		"word_count":     wordCount,
	}, nil
}

// ListSessions returns the most recent sessions, newest first.
func (mdb *MetadataDB) ListSessions(limit int) ([]map[string]interface{}, error) {
	query := `
	SELECT interaction_id, session_name, source, note_path, gdrive_url, created_at, duration, word_count
	FROM sessions ORDER BY created_at DESC LIMIT ?
	`

	rows, err := mdb.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %v", err)
	}
	defer rows.Close()

	var sessions []map[string]interface{}

	for rows.Next() {
		var (
			id, name, source, notePath string
			gdrive                     sql.NullString
			createdAt                  time.Time
			duration                   float64
			wordCount                  int
		)

		if err := rows.Scan(&id, &name, &source, &notePath, &gdrive, &createdAt, &duration, &wordCount); err != nil {
			continue
		}

		sessions = append(sessions, map[string]interface{}{
			"interaction_id": id,
			"session_name":   name,
			"source":         source,
			"note_path":      notePath,
			"gdrive_url":     gdrive.String,
			"created_at":     createdAt,
			"duration":       duration,
			"word_count":     wordCount,
		})
	}

	return sessions, nil
}

// Close closes the database connection.
func (mdb *MetadataDB) Close() error {
	return mdb.db.Close()
}
