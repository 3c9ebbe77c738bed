package handlers

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"github.com/exVick/corti-playground/internal/stream"
)

func newSimulatorServer(t *testing.T, dumpDir string) *websocket.Conn {
	t.Helper()
	sim := NewSimulator(dumpDir, slog.Disabled)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sim.Run(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) stream.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, ok := stream.ParseMessage(raw)
	if !ok {
		t.Fatalf("unparseable frame: %s", raw)
	}
	return msg
}

func TestSimulatorSession(t *testing.T) {
	conn := newSimulatorServer(t, "")

	if err := conn.WriteJSON(stream.NewConfigMessage("en", "en-US")); err != nil {
		t.Fatalf("write config: %v", err)
	}

	accepted := readMsg(t, conn)
	if accepted.Type != stream.TypeConfigAccepted {
		t.Fatalf("first reply = %s", accepted.Type)
	}
	if accepted.SessionID == "" {
		t.Error("no session id assigned")
	}

	chunk := make([]byte, 320)

	// First chunk yields a partial segment.
	conn.WriteMessage(websocket.BinaryMessage, chunk)
	partial := readMsg(t, conn)
	if partial.Type != stream.TypeTranscript || len(partial.Data) != 1 {
		t.Fatalf("partial = %+v", partial)
	}
	if partial.Data[0].IsFinal {
		t.Error("first segment already final")
	}

	// Second chunk revises the same time range to final.
	conn.WriteMessage(websocket.BinaryMessage, chunk)
	final := readMsg(t, conn)
	if final.Type != stream.TypeTranscript || !final.Data[0].IsFinal {
		t.Fatalf("final = %+v", final)
	}
	if final.Data[0].Start != partial.Data[0].Start || final.Data[0].End != partial.Data[0].End {
		t.Error("final revision changed the time range")
	}
	if len(final.Data[0].Text) <= len(partial.Data[0].Text) {
		t.Error("final text not longer than partial")
	}

	// Third chunk starts the next utterance; flush finalizes it.
	conn.WriteMessage(websocket.BinaryMessage, chunk)
	if msg := readMsg(t, conn); msg.Type != stream.TypeTranscript || msg.Data[0].IsFinal {
		t.Fatalf("expected partial, got %+v", msg)
	}

	conn.WriteMessage(websocket.TextMessage, stream.ControlMessage(stream.TypeFlush))
	if msg := readMsg(t, conn); msg.Type != stream.TypeTranscript || !msg.Data[0].IsFinal {
		t.Fatalf("flush did not finalize, got %+v", msg)
	}
	// The second scripted utterance carries a fact.
	facts := readMsg(t, conn)
	if facts.Type != stream.TypeFacts || len(facts.Facts) != 1 {
		t.Fatalf("facts = %+v", facts)
	}
	if facts.Facts[0].Group == "" {
		t.Error("fact has no group")
	}
	if msg := readMsg(t, conn); msg.Type != stream.TypeFlushed {
		t.Fatalf("expected flushed, got %s", msg.Type)
	}

	// End drains usage then ENDED.
	conn.WriteMessage(websocket.TextMessage, stream.ControlMessage(stream.TypeEnd))
	if msg := readMsg(t, conn); msg.Type != stream.TypeUsage {
		t.Fatalf("expected usage, got %s", msg.Type)
	}
	if msg := readMsg(t, conn); msg.Type != stream.TypeEnded {
		t.Fatalf("expected ENDED, got %s", msg.Type)
	}
}

func TestSimulatorDumpsAudio(t *testing.T) {
	dir := t.TempDir()
	conn := newSimulatorServer(t, dir)

	conn.WriteJSON(stream.NewConfigMessage("en", "en-US"))
	if msg := readMsg(t, conn); msg.Type != stream.TypeConfigAccepted {
		t.Fatalf("first reply = %s", msg.Type)
	}

	conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320))
	readMsg(t, conn) // partial segment

	conn.WriteMessage(websocket.TextMessage, stream.ControlMessage(stream.TypeEnd))
	readMsg(t, conn) // usage
	readMsg(t, conn) // ENDED

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		if len(entries) == 1 {
			if !strings.HasSuffix(entries[0].Name(), ".raw") {
				t.Errorf("dump file = %q", entries[0].Name())
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("audio dump never written")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSimulatorDeniesNonConfig(t *testing.T) {
	conn := newSimulatorServer(t, "")

	conn.WriteMessage(websocket.TextMessage, stream.ControlMessage(stream.TypeFlush))
	msg := readMsg(t, conn)
	if msg.Type != stream.TypeConfigDenied {
		t.Fatalf("reply = %s, want CONFIG_DENIED", msg.Type)
	}
	if msg.Reason == "" {
		t.Error("denial carries no reason")
	}
}

func TestSimulatorDeniesMissingLanguage(t *testing.T) {
	conn := newSimulatorServer(t, "")

	conn.WriteJSON(stream.NewConfigMessage("", "en-US"))
	msg := readMsg(t, conn)
	if msg.Type != stream.TypeConfigDenied {
		t.Fatalf("reply = %s, want CONFIG_DENIED", msg.Type)
	}
}
