package handlers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/decred/slog"
	"github.com/gofiber/fiber/v2"
)

// NoteService is the vendor document surface proxied by the backend.
// Satisfied by corti.Client.
type NoteService interface {
	Summarize(ctx context.Context, transcript, extraContext string) (json.RawMessage, error)
	PredictCodes(ctx context.Context, transcript string) (json.RawMessage, error)
	ExtractFacts(ctx context.Context, text string) (json.RawMessage, error)
}

// NoteHandler proxies summary, code prediction and fact extraction
// requests to the vendor. Responses are passed through opaquely.
type NoteHandler struct {
	svc NoteService
	log slog.Logger
}

// NewNoteHandler creates a new note handler
func NewNoteHandler(svc NoteService, log slog.Logger) *NoteHandler {
	return &NoteHandler{svc: svc, log: log}
}

// Summarize generates a structured note from a transcript.
func (h *NoteHandler) Summarize(c *fiber.Ctx) error {
	var req struct {
		Transcript string `json:"transcript"`
		Context    string `json:"context"`
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

	doc, err := h.svc.Summarize(c.Context(), req.Transcript, req.Context)
	if err != nil {
		h.log.Errorf("Summary request failed: %v", err)
		return c.Status(502).JSON(fiber.Map{
			"error": "Summary generation failed",
			"code":  "ERR_UPSTREAM",
		})
	}

	c.Set("Content-Type", "application/json")
	return c.Send(doc)
}

// PredictCodes returns ranked billing code candidates for a transcript.
func (h *NoteHandler) PredictCodes(c *fiber.Ctx) error {
	var req struct {
		Transcript string `json:"transcript"`
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

	codes, err := h.svc.PredictCodes(c.Context(), req.Transcript)
	if err != nil {
		h.log.Errorf("Code prediction failed: %v", err)
		return c.Status(502).JSON(fiber.Map{
			"error": "Code prediction failed",
			"code":  "ERR_UPSTREAM",
		})
	}

	c.Set("Content-Type", "application/json")
	return c.Send(codes)
}

// ExtractFacts extracts grouped clinical facts from free text.
func (h *NoteHandler) ExtractFacts(c *fiber.Ctx) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_BAD_REQUEST",
		})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "Text is empty",
			"code":  "ERR_EMPTY_TEXT",
		})
	}

	facts, err := h.svc.ExtractFacts(c.Context(), req.Text)
	if err != nil {
		h.log.Errorf("Fact extraction failed: %v", err)
		return c.Status(502).JSON(fiber.Map{
			"error": "Fact extraction failed",
			"code":  "ERR_UPSTREAM",
		})
	}

	c.Set("Content-Type", "application/json")
	return c.Send(facts)
}
