package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/exVick/corti-playground/internal/stream"
)

// Websocket frame types per RFC 6455, shared by the gorilla and
// fasthttp implementations.
const (
	textFrame   = 1
	binaryFrame = 2
)

// StreamConn is the subset of a websocket connection the simulator
// needs. Satisfied by gofiber/websocket and gorilla connections alike.
type StreamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type scriptLine struct {
	text    string
	speaker int
	fact    string
	group   string
}

// defaultScript is a short scripted encounter the simulator replays.
var defaultScript = []scriptLine{
	{text: "Good morning, what brings you in today?", speaker: 0},
	{text: "I've had a sharp pain in my right knee since Tuesday.", speaker: 1,
		fact: "Sharp right knee pain since Tuesday", group: "symptoms"},
	{text: "Any swelling or redness around the joint?", speaker: 0},
	{text: "Some swelling in the evening, no redness.", speaker: 1,
		fact: "Evening swelling of right knee, no redness", group: "symptoms"},
	{text: "Let's get an X-ray and start ibuprofen twice daily.", speaker: 0,
		fact: "Plan: knee X-ray, ibuprofen twice daily", group: "plan"},
}

// Simulator is a local development peer that speaks the vendor
// realtime protocol: it accepts a config handshake, consumes audio
// chunks, and replays a scripted encounter as partial-then-final
// transcript revisions with interleaved facts.
type Simulator struct {
	script  []scriptLine
	dumpDir string
	log     slog.Logger
}

// NewSimulator creates a new stream simulator. When dumpDir is set,
// received audio is written there for inspection; the cleanup
// scheduler sweeps these dumps.
func NewSimulator(dumpDir string, log slog.Logger) *Simulator {
	return &Simulator{script: defaultScript, dumpDir: dumpDir, log: log}
}

// Handle serves one simulator connection from the fiber app.
func (s *Simulator) Handle(c *websocket.Conn) {
	s.Run(c)
}

// Run drives the protocol on an established connection until the
// client ends the session or the connection drops.
func (s *Simulator) Run(conn StreamConn) {
	defer conn.Close()

	sessionID := "sim-" + uuid.New().String()

	// The first frame must be the config message.
	mt, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	msg, ok := stream.ParseMessage(raw)
	if mt != textFrame || !ok || msg.Type != stream.TypeConfig {
		s.write(conn, stream.Message{
			Type:   stream.TypeConfigDenied,
			Reason: "first message must be a config message",
		})
		return
	}

	var cfg stream.ConfigMessage
	if err := json.Unmarshal(raw, &cfg); err != nil ||
		cfg.Configuration.Transcription.PrimaryLanguage == "" {
		s.write(conn, stream.Message{
			Type:   stream.TypeConfigDenied,
			Reason: "missing primary language",
		})
		return
	}

	s.write(conn, stream.Message{Type: stream.TypeConfigAccepted, SessionID: sessionID})
	s.log.Debugf("Simulator session %s accepted (language %s)",
		sessionID, cfg.Configuration.Transcription.PrimaryLanguage)

	var (
		cursor      int
		partialSent bool
		elapsed     float64
		audio       bytes.Buffer
	)
	if s.dumpDir != "" {
		defer s.dumpAudio(sessionID, &audio)
	}

	finalize := func() {
		line := s.script[cursor]
		s.sendSegment(conn, sessionID, cursor, line.text, line.speaker, true)
		if line.fact != "" {
			s.write(conn, stream.Message{
				Type: stream.TypeFacts,
				Facts: []stream.Fact{{
					ID:        fmt.Sprintf("fact-%d", cursor),
					Text:      line.fact,
					Group:     line.group,
					GroupID:   line.group,
					Source:    "core",
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}},
			})
		}
		cursor++
		partialSent = false
	}

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Debugf("Simulator session %s closed: %v", sessionID, err)
			return
		}

		if mt == binaryFrame {
			// Each chunk advances the script: first a partial segment,
			// then its final revision over the same time range.
			elapsed += 0.5
			if s.dumpDir != "" {
				audio.Write(raw)
			}
			if cursor >= len(s.script) {
				continue
			}
			if !partialSent {
				line := s.script[cursor]
				s.sendSegment(conn, sessionID, cursor, partialText(line.text), line.speaker, false)
				partialSent = true
			} else {
				finalize()
			}
			continue
		}

		msg, ok := stream.ParseMessage(raw)
		if !ok {
			continue
		}
		switch msg.Type {
		case stream.TypeFlush:
			if partialSent {
				finalize()
			}
			s.write(conn, stream.Message{Type: stream.TypeFlushed})
		case stream.TypeEnd:
			s.write(conn, stream.Message{Type: stream.TypeUsage, Credits: elapsed / 60})
			s.write(conn, stream.Message{Type: stream.TypeEnded})
			s.log.Debugf("Simulator session %s ended after %.1fs of audio", sessionID, elapsed)
			return
		}
	}
}

// sendSegment emits a transcript batch with one segment. The segment
// id mirrors the vendor quirk of reusing the session id, so consumers
// must key segments by time range.
func (s *Simulator) sendSegment(conn StreamConn, sessionID string, index int,
	text string, speaker int, final bool) {
	start := float64(index) * 3
	s.write(conn, stream.Message{
		Type: stream.TypeTranscript,
		Data: []stream.TranscriptSegment{{
			ID:      sessionID,
			Text:    text,
			Start:   start,
			End:     start + 3,
			IsFinal: final,
			Speaker: speaker,
		}},
	})
}

func (s *Simulator) write(conn StreamConn, msg stream.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(textFrame, b); err != nil {
		s.log.Debugf("Simulator write failed: %v", err)
	}
}

// dumpAudio writes the received audio of one session to the dump
// directory.
func (s *Simulator) dumpAudio(sessionID string, audio *bytes.Buffer) {
	if audio.Len() == 0 {
		return
	}
	path := filepath.Join(s.dumpDir, sessionID+".raw")
	if err := os.WriteFile(path, audio.Bytes(), 0644); err != nil {
		s.log.Warnf("Failed to dump session audio: %v", err)
		return
	}
	s.log.Debugf("Dumped %d bytes of session audio to %s", audio.Len(), path)
}

// partialText returns the first half of an utterance, standing in for
// an in-progress transcription.
func partialText(text string) string {
	words := strings.Fields(text)
	return strings.Join(words[:(len(words)+1)/2], " ")
}
