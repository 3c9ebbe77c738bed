package stream

import (
	"encoding/json"
)

// Message types exchanged on the realtime channel. Outbound control
// messages use lowercase types; the service signals lifecycle events
// with uppercase ones.
const (
	TypeConfig = "config"
	TypeFlush  = "flush"
	TypeEnd    = "end"

	TypeConfigAccepted = "CONFIG_ACCEPTED"
	TypeConfigDenied   = "CONFIG_DENIED"
	TypeTranscript     = "transcript"
	TypeFacts          = "facts"
	TypeError          = "error"
	TypeEnded          = "ENDED"
	TypeUsage          = "usage"
	TypeFlushed        = "flushed"
)

// ConfigMessage is the handshake payload. It must be the first message
// sent on the channel, exactly once, immediately after it opens.
type ConfigMessage struct {
	Type          string        `json:"type"`
	Configuration Configuration `json:"configuration"`
}

type Configuration struct {
	Transcription TranscriptionConfig `json:"transcription"`
	Mode          ModeConfig          `json:"mode"`
}

type TranscriptionConfig struct {
	PrimaryLanguage string        `json:"primaryLanguage"`
	IsDiarization   bool          `json:"isDiarization"`
	IsMultichannel  bool          `json:"isMultichannel"`
	Participants    []Participant `json:"participants"`
}

type Participant struct {
	Channel int    `json:"channel"`
	Role    string `json:"role"`
}

type ModeConfig struct {
	Type         string `json:"type"`
	OutputLocale string `json:"outputLocale"`
}

// NewConfigMessage builds the session handshake: diarization on, single
// channel with one participant of role "multiple", facts mode.
func NewConfigMessage(primaryLanguage, outputLocale string) ConfigMessage {
	return ConfigMessage{
		Type: TypeConfig,
		Configuration: Configuration{
			Transcription: TranscriptionConfig{
				PrimaryLanguage: primaryLanguage,
				IsDiarization:   true,
				IsMultichannel:  false,
				Participants:    []Participant{{Channel: 0, Role: "multiple"}},
			},
			Mode: ModeConfig{
				Type:         "facts",
				OutputLocale: outputLocale,
			},
		},
	}
}

// ControlMessage encodes a bare control message such as flush or end.
func ControlMessage(typ string) []byte {
	b, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: typ})
	return b
}

// TranscriptSegment is a single transcribed interval. The service
// reuses its session-level identifier as the segment id, so segments
// are NOT unique by ID within a session; consumers must key them by
// the (Start, End) time range instead. A given range is revised in
// place as the transcriber upgrades a partial segment to final.
type TranscriptSegment struct {
	ID      string  `json:"id"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	IsFinal bool    `json:"isFinal"`
	Speaker int     `json:"speakerId"`
}

// Fact is an incrementally extracted clinical fact. Facts are keyed by
// ID; a later message with the same ID replaces the earlier one.
type Fact struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Group       string `json:"group"`
	GroupID     string `json:"groupId"`
	IsDiscarded bool   `json:"isDiscarded"`
	Source      string `json:"source"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// ServerError is the payload of an application-level error message.
type ServerError struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  int    `json:"status"`
	Details string `json:"details"`
	Doc     string `json:"doc"`
}

// Detail returns the human-readable error text, falling back to the
// title when no details were provided.
func (e *ServerError) Detail() string {
	if e == nil {
		return ""
	}
	if e.Details != "" {
		return e.Details
	}
	return e.Title
}

// Message is the inbound envelope. Only the fields matching Type are
// populated; everything else is left at its zero value.
type Message struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Data      []TranscriptSegment `json:"data,omitempty"`
	Facts     []Fact              `json:"fact,omitempty"`
	Error     *ServerError        `json:"error,omitempty"`
	Credits   float64             `json:"credits,omitempty"`
}

// ParseMessage decodes an inbound frame. Frames that are not valid
// JSON, or carry no type, report ok=false and are ignored by callers.
func ParseMessage(raw []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, false
	}
	if msg.Type == "" {
		return Message{}, false
	}
	return msg, true
}
