package types

import (
	"encoding/json"
	"time"
)

// Job status constants
const (
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Session source constants
const (
	SourceLive      = "live"
	SourceSimulator = "simulator"
)

// NoteResult is the outcome of the post-session pipeline for one
// completed recording: the assembled transcript plus the vendor's
// summary and code predictions, which are carried opaquely.
type NoteResult struct {
	InteractionID string
	SessionName   string
	Transcript    string
	Summary       json.RawMessage
	Codes         json.RawMessage
	Language      string
	Duration      float64
	WordCount     int
	ProcessedAt   time.Time
	LocalPath     string
	GDriveURL     string
}
