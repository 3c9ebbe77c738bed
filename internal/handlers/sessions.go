package handlers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/decred/slog"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/exVick/corti-playground/internal/corti"
	"github.com/exVick/corti-playground/internal/queue"
	"github.com/exVick/corti-playground/internal/storage"
	"github.com/exVick/corti-playground/internal/types"
)

// Provisioner creates a vendor interaction and returns the realtime
// channel coordinates. Satisfied by corti.Client.
type Provisioner interface {
	CreateInteraction(ctx context.Context, name string) (*corti.ProvisionedSession, error)
}

// SessionHandler provisions recording sessions and accepts their
// completed transcripts.
type SessionHandler struct {
	provisioner Provisioner
	workerPool  *queue.WorkerPool
	db          *storage.MetadataDB
	simulator   bool
	log         slog.Logger
}

// NewSessionHandler creates a new session handler. With simulator
// enabled the provisioner is bypassed and sessions are pointed at the
// local stream simulator.
func NewSessionHandler(provisioner Provisioner, workerPool *queue.WorkerPool,
	db *storage.MetadataDB, simulator bool, log slog.Logger) *SessionHandler {
	return &SessionHandler{
		provisioner: provisioner,
		workerPool:  workerPool,
		db:          db,
		simulator:   simulator,
		log:         log,
	}
}

// Provision creates a new recording session.
func (h *SessionHandler) Provision(c *fiber.Ctx) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_BAD_REQUEST",
		})
	}
	if req.Name == "" {
		req.Name = "untitled"
	}

	if h.simulator {
		return c.JSON(fiber.Map{
			"interaction_id": "sim-" + uuid.New().String(),
			"websocket_url":  fmt.Sprintf("ws://%s/ws/stream", c.Hostname()),
			"token":          "dev-" + uuid.New().String(),
		})
	}

	sess, err := h.provisioner.CreateInteraction(c.Context(), req.Name)
	if err != nil {
		h.log.Errorf("Session provisioning failed: %v", err)
		return c.Status(502).JSON(fiber.Map{
			"error": "Session provisioning failed",
			"code":  "ERR_UPSTREAM",
		})
	}

	return c.JSON(fiber.Map{
		"interaction_id": sess.InteractionID,
		"websocket_url":  sess.WebsocketURL,
		"token":          sess.Token,
	})
}

// Complete accepts the assembled transcript of a finished recording
// and enqueues note generation.
func (h *SessionHandler) Complete(c *fiber.Ctx) error {
	interactionID := c.Params("id")

	var req struct {
		Name       string  `json:"name"`
		Transcript string  `json:"transcript"`
		Context    string  `json:"context"`
		Language   string  `json:"language"`
		Duration   float64 `json:"duration"`
		Source     string  `json:"source"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_BAD_REQUEST",
		})
	}
	if strings.TrimSpace(req.Transcript) == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "Transcript is empty",
			"code":  "ERR_EMPTY_TRANSCRIPT",
		})
	}
	if req.Name == "" {
		req.Name = "untitled"
	}
	if req.Source == "" {
		req.Source = types.SourceLive
	}

	job := queue.NewJob(uuid.New().String(), interactionID, req.Name, req.Source, req.Transcript)
	job.Context = req.Context
	job.Language = req.Language
	job.Duration = req.Duration

	h.workerPool.EnqueueJob(job)

	return c.JSON(fiber.Map{
		"job_id":  job.ID,
		"status":  "queued",
		"message": "Transcript accepted, note generation started",
	})
}

// List returns the most recent archived sessions.
func (h *SessionHandler) List(c *fiber.Ctx) error {
	sessions, err := h.db.ListSessions(50)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_DATABASE",
		})
	}
	return c.JSON(sessions)
}

// GetNote returns the generated note document for an archived session.
func (h *SessionHandler) GetNote(c *fiber.Ctx) error {
	interactionID := c.Params("id")

	sess, err := h.db.GetSession(interactionID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{
			"error": "Session not found",
			"code":  "ERR_NOT_FOUND",
		})
	}

	txtPath, ok := sess["note_path"].(string)
	if !ok || txtPath == "" {
		return c.Status(404).JSON(fiber.Map{
			"error": "Note path not recorded",
			"code":  "ERR_NOT_FOUND",
		})
	}

	// The archive records the transcript path; the note document sits
	// next to it.
	notePath := strings.TrimSuffix(txtPath, ".txt") + "_note.json"
	content, err := os.ReadFile(notePath)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to read note",
			"code":  "ERR_READ_FAILED",
		})
	}

	c.Set("Content-Type", "application/json")
	return c.Send(content)
}
