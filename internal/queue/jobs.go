package queue

import (
	"time"

	"github.com/exVick/corti-playground/internal/types"
)

// Job represents one completed recording awaiting note generation.
type Job struct {
	ID            string
	InteractionID string
	SessionName   string
	Source        string
	Transcript    string
	Context       string
	Language      string
	Duration      float64
	Status        string
	Error         error
	Result        *types.NoteResult
	CreatedAt     time.Time
}

// NewJob creates a new job with default values
func NewJob(id, interactionID, sessionName, source, transcript string) *Job {
	return &Job{
		ID:            id,
		InteractionID: interactionID,
		SessionName:   sessionName,
		Source:        source,
		Transcript:    transcript,
		Status:        types.StatusQueued,
		CreatedAt:     time.Now(),
	}
}
