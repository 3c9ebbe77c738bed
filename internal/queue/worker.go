package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/decred/slog"

	"github.com/exVick/corti-playground/internal/storage"
	"github.com/exVick/corti-playground/internal/types"
)

// NoteService produces the clinical documents for a finished
// transcript. Satisfied by corti.Client.
type NoteService interface {
	Summarize(ctx context.Context, transcript, extraContext string) (json.RawMessage, error)
	PredictCodes(ctx context.Context, transcript string) (json.RawMessage, error)
}

// NoteArchiver uploads a finished note to remote storage. Satisfied by
// storage.DriveClient.
type NoteArchiver interface {
	Upload(sessionName string, result *types.NoteResult) (string, error)
}

// WorkerPool manages a pool of workers generating notes for completed
// sessions.
type WorkerPool struct {
	jobQueue     chan *Job
	workerCount  int
	notes        NoteService
	localStorage *storage.LocalStorage
	archiver     NoteArchiver
	db           *storage.MetadataDB
	log          slog.Logger
}

// NewWorkerPool creates a new worker pool. The archiver and db may be
// nil; those steps are then skipped.
func NewWorkerPool(
	workerCount int,
	notes NoteService,
	localStorage *storage.LocalStorage,
	archiver NoteArchiver,
	db *storage.MetadataDB,
	log slog.Logger,
) *WorkerPool {
	return &WorkerPool{
		jobQueue:     make(chan *Job, 100),
		workerCount:  workerCount,
		notes:        notes,
		localStorage: localStorage,
		archiver:     archiver,
		db:           db,
		log:          log,
	}
}

// Start initializes all workers
func (wp *WorkerPool) Start() {
	wp.log.Infof("Starting worker pool with %d workers", wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		go wp.worker(i)
	}
}

// EnqueueJob adds a job to the queue
func (wp *WorkerPool) EnqueueJob(job *Job) {
	job.Status = types.StatusQueued
	job.CreatedAt = time.Now()
	wp.jobQueue <- job
	wp.log.Infof("Job %s enqueued (source: %s, name: %s)", job.ID, job.Source, job.SessionName)
}

// worker processes jobs from the queue
func (wp *WorkerPool) worker(id int) {
	wp.log.Debugf("Worker %d started", id)

	for job := range wp.jobQueue {
		// Panic recovery
		func() {
			defer func() {
				if r := recover(); r != nil {
					wp.log.Errorf("Worker %d: PANIC processing job %s: %v\n%s",
						id, job.ID, r, string(debug.Stack()))
					job.Status = types.StatusFailed
					job.Error = fmt.Errorf("worker panic: %v", r)
				}
			}()

			wp.processJob(id, job)
		}()
	}
}

// processJob runs the complete note pipeline: summary, code
// prediction, local save, remote archive, metadata record.
func (wp *WorkerPool) processJob(workerID int, job *Job) {
	wp.log.Infof("Worker %d: Processing job %s", workerID, job.ID)
	job.Status = types.StatusProcessing

	ctx := context.Background()

	summary, err := wp.notes.Summarize(ctx, job.Transcript, job.Context)
	if err != nil {
		wp.log.Errorf("Worker %d: Summary failed for job %s: %v", workerID, job.ID, err)
		job.Status = types.StatusFailed
		job.Error = fmt.Errorf("summary failed: %v", err)
		return
	}

	codes, err := wp.notes.PredictCodes(ctx, job.Transcript)
	if err != nil {
		wp.log.Errorf("Worker %d: Code prediction failed for job %s: %v", workerID, job.ID, err)
		job.Status = types.StatusFailed
		job.Error = fmt.Errorf("code prediction failed: %v", err)
		return
	}

	result := &types.NoteResult{
		InteractionID: job.InteractionID,
		SessionName:   job.SessionName,
		Transcript:    job.Transcript,
		Summary:       summary,
		Codes:         codes,
		Language:      job.Language,
		Duration:      job.Duration,
		WordCount:     len(strings.Fields(job.Transcript)),
		ProcessedAt:   time.Now(),
	}

	localPath, err := wp.localStorage.SaveNote(job.SessionName, result)
	if err != nil {
		wp.log.Errorf("Worker %d: Local save failed for job %s: %v", workerID, job.ID, err)
		job.Status = types.StatusFailed
		job.Error = fmt.Errorf("local save failed: %v", err)
		return
	}
	result.LocalPath = localPath

	// Remote archive with retry; failure here is not fatal.
	if wp.archiver != nil {
		for attempt := 1; attempt <= 3; attempt++ {
			var driveURL string
			driveURL, err = wp.archiver.Upload(job.SessionName, result)
			if err == nil {
				result.GDriveURL = driveURL
				break
			}
			wp.log.Warnf("Worker %d: Drive upload attempt %d/3 failed: %v", workerID, attempt, err)
			if attempt < 3 {
				time.Sleep(time.Duration(attempt*attempt) * time.Second)
			}
		}
		if err != nil {
			wp.log.Warnf("Worker %d: Drive upload failed after 3 attempts, continuing with local save only", workerID)
		}
	}

	if wp.db != nil {
		if err := wp.db.SaveSession(job.Source, result); err != nil {
			wp.log.Errorf("Worker %d: Database save failed: %v", workerID, err)
		}
	}

	job.Result = result
	job.Status = types.StatusCompleted
	wp.log.Infof("Worker %d: Job %s completed (local: %s, gdrive: %s)",
		workerID, job.ID, localPath, result.GDriveURL)
}
