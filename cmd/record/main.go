// Command record captures one ambient scribe session from the
// microphone: it provisions a session through the scribe backend,
// streams audio to the returned realtime endpoint, prints the live
// transcript and extracted facts, and on interrupt runs the ordered
// stop sequence before submitting the assembled transcript for note
// generation.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/decred/slog"

	"github.com/exVick/corti-playground/internal/audio"
	"github.com/exVick/corti-playground/internal/capture"
	"github.com/exVick/corti-playground/internal/stream"
)

func main() {
	var (
		server      = flag.String("server", "http://localhost:8080", "scribe backend address")
		name        = flag.String("name", "", "session name")
		language    = flag.String("language", "en", "primary spoken language")
		locale      = flag.String("locale", "en-US", "output locale for facts")
		deviceID    = flag.String("device", "", "capture device id (default system device)")
		listDevices = flag.Bool("list-devices", false, "list capture devices and exit")
		showLevel   = flag.Bool("level", false, "show a live input level meter")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	backendLog := slog.NewBackend(os.Stderr)
	log := backendLog.Logger("RECD")
	if *verbose {
		log.SetLevel(slog.LevelDebug)
	}

	if *listDevices {
		devices, err := audio.ListCaptureDevices(log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list devices: %v\n", err)
			os.Exit(1)
		}
		for _, d := range devices {
			marker := " "
			if d.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %s  %s\n", marker, d.ID, d.Name)
		}
		return
	}

	if *name == "" {
		*name = "session " + time.Now().Format("2006-01-02 15:04")
	}

	sess, err := provision(*server, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Provisioning failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session %s provisioned\n", sess.InteractionID)

	audioBackend, err := audio.NewMalgoBackend(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Audio backend init failed: %v\n", err)
		os.Exit(1)
	}
	defer audioBackend.Free()

	rec := audio.NewChunkRecorder(audioBackend, audio.RecorderConfig{
		DeviceID: *deviceID,
	}, log)

	transcript := stream.NewAssembler()
	facts := stream.NewFactSet()

	cb := capture.Callbacks{
		OnReady: func(sessionID string) {
			fmt.Printf("Streaming (remote session %s). Press Ctrl-C to stop.\n", sessionID)
		},
		OnTranscript: func(batch []stream.TranscriptSegment) {
			transcript.Add(batch)
			for _, seg := range batch {
				if seg.IsFinal {
					fmt.Printf("[%6.1fs] Speaker %d: %s\n", seg.Start, seg.Speaker, seg.Text)
				}
			}
		},
		OnFacts: func(batch []stream.Fact) {
			facts.Add(batch)
			for _, f := range batch {
				if !f.IsDiscarded {
					fmt.Printf("  fact (%s): %s\n", f.Group, f.Text)
				}
			}
		},
		OnEnded: func() {
			fmt.Println("Remote session ended.")
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "session error: %v\n", err)
		},
	}
	if *showLevel {
		cb.OnLevel = printLevel
	}

	session := capture.New(rec, capture.Config{
		PrimaryLanguage: *language,
		OutputLocale:    *locale,
	}, cb, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = session.Start(ctx, sess.WebsocketURL, sess.Token)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
		os.Exit(1)
	}

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	<-sigint
	fmt.Println("\nStopping...")
	session.Stop()

	if transcript.Len() == 0 {
		fmt.Println("Nothing was transcribed; no note requested.")
		return
	}

	fmt.Printf("Captured %d segments over %.1fs, %d facts.\n",
		transcript.Len(), transcript.Duration(), len(facts.Facts()))

	jobID, err := submit(*server, sess.InteractionID, *name, *language,
		transcript.Text(), transcript.Duration())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Submitting transcript failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Note generation queued (job %s).\n", jobID)
	fmt.Printf("Fetch it later: GET %s/api/sessions/%s/note\n", *server, sess.InteractionID)
}

type provisionedSession struct {
	InteractionID string `json:"interaction_id"`
	WebsocketURL  string `json:"websocket_url"`
	Token         string `json:"token"`
}

// provision asks the backend for a new recording session.
func provision(server, name string) (*provisionedSession, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	resp, err := http.Post(server+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned %s", resp.Status)
	}

	var sess provisionedSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, err
	}
	if sess.WebsocketURL == "" || sess.Token == "" {
		return nil, fmt.Errorf("incomplete provisioning response")
	}
	return &sess, nil
}

// submit posts the assembled transcript for note generation and
// returns the queued job id.
func submit(server, interactionID, name, language, transcript string, duration float64) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"name":       name,
		"transcript": transcript,
		"language":   language,
		"duration":   duration,
		"source":     "live",
	})
	resp, err := http.Post(server+"/api/sessions/"+interactionID+"/complete",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("backend returned %s", resp.Status)
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// printLevel renders a crude input meter on stderr.
func printLevel(level float64) {
	const width = 30
	filled := int(level * width)
	if filled > width {
		filled = width
	}
	fmt.Fprintf(os.Stderr, "\r[%-*s]", width, strings.Repeat("=", filled))
}
