package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/exVick/corti-playground/internal/types"
)

// LocalStorage persists completed notes on the local filesystem.
type LocalStorage struct {
	outputDir string
}

// NewLocalStorage creates a new local storage handler
func NewLocalStorage(outputDir string) *LocalStorage {
	return &LocalStorage{
		outputDir: outputDir,
	}
}

// SaveNote writes the transcript, the generated note document and a
// metadata sidecar to disk, and returns the transcript path.
func (ls *LocalStorage) SaveNote(sessionName string, result *types.NoteResult) (string, error) {
	// Dated directory structure: outputs/2025/01/23/
	now := time.Now()
	dateDir := filepath.Join(ls.outputDir,
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()))

	if err := os.MkdirAll(dateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create date directory: %v", err)
	}

	timestamp := now.Format("20060102_150405")
	baseFilename := fmt.Sprintf("%s_%s", timestamp, sanitizeFilename(sessionName))

	txtPath := filepath.Join(dateDir, baseFilename+".txt")
	notePath := filepath.Join(dateDir, baseFilename+"_note.json")
	metaPath := filepath.Join(dateDir, baseFilename+"_meta.json")

	if err := os.WriteFile(txtPath, []byte(result.Transcript), 0644); err != nil {
		return "", fmt.Errorf("failed to save transcript: %v", err)
	}

	note := map[string]interface{}{
		"summary": result.Summary,
		"codes":   result.Codes,
	}
	noteJSON, err := json.MarshalIndent(note, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal note: %v", err)
	}
	if err := os.WriteFile(notePath, noteJSON, 0644); err != nil {
		return "", fmt.Errorf("failed to save note: %v", err)
	}

	metadata := map[string]interface{}{
		"interaction_id":   result.InteractionID,
		"session_name":     sessionName,
		"duration_seconds": result.Duration,
		"word_count":       result.WordCount,
		"language":         result.Language,
		"created_at":       result.ProcessedAt,
		"transcript_path":  txtPath,
		"note_path":        notePath,
		"gdrive_url":       result.GDriveURL,
	}

	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %v", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0644); err != nil {
		return "", fmt.Errorf("failed to save metadata: %v", err)
	}

	return txtPath, nil
}

// sanitizeFilename removes path separators and caps the length.
func sanitizeFilename(name string) string {
	result := filepath.Base(name)
	if result == "." || result == string(filepath.Separator) {
		result = "session"
	}
	if len(result) > 100 {
		result = result[:100]
	}
	return result
}
