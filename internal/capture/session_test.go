package capture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"github.com/exVick/corti-playground/internal/stream"
)

var upgrader = websocket.Upgrader{}

// fakeRecorder stands in for the audio recorder.
type fakeRecorder struct {
	mtx       sync.Mutex
	started   bool
	startErr  error
	stopCount int
	flushes   int
	chunkFn   func([]byte)
	level     float64
}

func (f *fakeRecorder) Start() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeRecorder) EnableChunks(fn func(data []byte)) {
	f.mtx.Lock()
	f.chunkFn = fn
	f.mtx.Unlock()
}

func (f *fakeRecorder) Flush() {
	f.mtx.Lock()
	f.flushes++
	f.mtx.Unlock()
}

func (f *fakeRecorder) Level() float64 {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.level
}

func (f *fakeRecorder) Stop() {
	f.mtx.Lock()
	f.stopCount++
	f.mtx.Unlock()
}

func (f *fakeRecorder) chunksEnabled() bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.chunkFn != nil
}

// emit pushes a chunk as the recorder would; dropped when chunking has
// not been enabled, matching the real recorder.
func (f *fakeRecorder) emit(data []byte) {
	f.mtx.Lock()
	fn := f.chunkFn
	f.mtx.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (f *fakeRecorder) stops() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.stopCount
}

func (f *fakeRecorder) flushCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.flushes
}

// scriptedPeer acts as the remote transcription service.
type scriptedPeer struct {
	denyReason   string
	silent       bool          // never acknowledge flush or end
	flushDelay   time.Duration // delay before the flushed ack
	preFlushMsgs []string      // frames sent just before the flushed ack

	texts  chan string
	binary chan []byte
}

func newScriptedPeer() *scriptedPeer {
	return &scriptedPeer{
		texts:  make(chan string, 32),
		binary: make(chan []byte, 32),
	}
}

func (p *scriptedPeer) run(t *testing.T, conn *websocket.Conn) {
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			select {
			case p.binary <- raw:
			default:
			}
			continue
		}

		msg, ok := stream.ParseMessage(raw)
		if !ok {
			continue
		}
		select {
		case p.texts <- msg.Type:
		default:
		}

		switch msg.Type {
		case stream.TypeConfig:
			if p.denyReason != "" {
				conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"type":"CONFIG_DENIED","reason":"`+p.denyReason+`"}`))
				return
			}
			conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"CONFIG_ACCEPTED","sessionId":"sess-1"}`))
		case stream.TypeFlush:
			if p.silent {
				continue
			}
			time.Sleep(p.flushDelay)
			for _, m := range p.preFlushMsgs {
				conn.WriteMessage(websocket.TextMessage, []byte(m))
			}
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"flushed"}`))
		case stream.TypeEnd:
			if p.silent {
				continue
			}
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ENDED"}`))
			return
		}
	}
}

func newStreamServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "Bearer test-token" {
			t.Errorf("token query = %q, want Bearer prefix", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// sessionEvents collects callback invocations.
type sessionEvents struct {
	ready       chan string
	transcripts chan []stream.TranscriptSegment
	facts       chan []stream.Fact
	levels      chan float64
	errs        chan error
	ended       chan struct{}
}

func newSessionEvents() *sessionEvents {
	return &sessionEvents{
		ready:       make(chan string, 4),
		transcripts: make(chan []stream.TranscriptSegment, 16),
		facts:       make(chan []stream.Fact, 16),
		levels:      make(chan float64, 256),
		errs:        make(chan error, 16),
		ended:       make(chan struct{}, 4),
	}
}

func (e *sessionEvents) callbacks() Callbacks {
	return Callbacks{
		OnReady:      func(id string) { e.ready <- id },
		OnTranscript: func(b []stream.TranscriptSegment) { e.transcripts <- b },
		OnFacts:      func(b []stream.Fact) { e.facts <- b },
		OnLevel: func(lvl float64) {
			select {
			case e.levels <- lvl:
			default:
			}
		},
		OnError: func(err error) { e.errs <- err },
		OnEnded: func() { e.ended <- struct{}{} },
	}
}

func testConfig() Config {
	return Config{
		PrimaryLanguage: "en",
		OutputLocale:    "en",
		FlushGrace:      20 * time.Millisecond,
		FlushTimeout:    500 * time.Millisecond,
		EndedGrace:      50 * time.Millisecond,
		MeterInterval:   5 * time.Millisecond,
	}
}

func startSession(t *testing.T, addr string, rec *fakeRecorder, ev *sessionEvents) *Session {
	t.Helper()
	sess := New(rec, testConfig(), ev.callbacks(), slog.Disabled)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Start(ctx, addr, "test-token"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sess.Stop)
	return sess
}

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error callback")
		return nil
	}
}

func TestStartAndReady(t *testing.T) {
	peer := newScriptedPeer()
	addr := newStreamServer(t, func(c *websocket.Conn) { peer.run(t, c) })

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := startSession(t, addr, rec, ev)

	select {
	case id := <-ev.ready:
		if id != "sess-1" {
			t.Errorf("ready session id = %q, want sess-1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no ready callback")
	}

	if got := sess.Phase(); got != PhaseStreaming {
		t.Errorf("phase = %s, want streaming", got)
	}
	if !rec.chunksEnabled() {
		t.Error("chunk output not wired after acceptance")
	}
}

func TestStartTwiceRejected(t *testing.T) {
	peer := newScriptedPeer()
	addr := newStreamServer(t, func(c *websocket.Conn) { peer.run(t, c) })

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := startSession(t, addr, rec, ev)

	if err := sess.Start(context.Background(), addr, "test-token"); err == nil {
		t.Error("second Start should fail")
	}
}

func TestConfigDenied(t *testing.T) {
	peer := newScriptedPeer()
	peer.denyReason = "quota exceeded"
	addr := newStreamServer(t, func(c *websocket.Conn) { peer.run(t, c) })

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := New(rec, testConfig(), ev.callbacks(), slog.Disabled)

	err := sess.Start(context.Background(), addr, "test-token")
	if err == nil {
		t.Fatal("Start should fail on denial")
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error = %q, want denial reason", err)
	}

	cbErr := recvErr(t, ev.errs)
	if !strings.Contains(cbErr.Error(), "configuration denied") {
		t.Errorf("callback error = %q, want denial", cbErr)
	}

	if got := sess.Phase(); got != PhaseFailed {
		t.Errorf("phase = %s, want failed", got)
	}
	if rec.stops() == 0 {
		t.Error("microphone not released after denial")
	}
	if rec.chunksEnabled() {
		t.Error("chunking must never be enabled on a denied session")
	}
}

func TestNoAudioBeforeAcceptance(t *testing.T) {
	acceptGate := make(chan struct{})
	peer := newScriptedPeer()
	addr := newStreamServer(t, func(c *websocket.Conn) {
		// Hold the acceptance back until the test has tried to emit.
		mt, raw, err := c.ReadMessage()
		if err != nil || mt != websocket.TextMessage {
			return
		}
		if msg, ok := stream.ParseMessage(raw); !ok || msg.Type != stream.TypeConfig {
			t.Errorf("first message = %q, want config", raw)
			return
		}
		<-acceptGate
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONFIG_ACCEPTED"}`))
		peer.run(t, c)
	})

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := New(rec, testConfig(), ev.callbacks(), slog.Disabled)

	startDone := make(chan error, 1)
	go func() {
		startDone <- sess.Start(context.Background(), addr, "test-token")
	}()

	// Audio produced before acceptance is dropped: the output is not
	// even wired yet.
	time.Sleep(50 * time.Millisecond)
	if rec.chunksEnabled() {
		t.Fatal("chunk output wired before CONFIG_ACCEPTED")
	}
	rec.emit([]byte{1, 2, 3})

	close(acceptGate)
	if err := <-startDone; err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()

	rec.emit([]byte{4, 5, 6})
	select {
	case got := <-peer.binary:
		if len(got) != 3 || got[0] != 4 {
			t.Errorf("first binary frame = %v, want the post-acceptance chunk", got)
		}
	case <-time.After(time.Second):
		t.Fatal("post-acceptance chunk never reached the wire")
	}
	select {
	case got := <-peer.binary:
		t.Errorf("unexpected extra binary frame %v (pre-acceptance audio leaked)", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopHappyPath(t *testing.T) {
	peer := newScriptedPeer()
	peer.flushDelay = 100 * time.Millisecond
	addr := newStreamServer(t, func(c *websocket.Conn) { peer.run(t, c) })

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := startSession(t, addr, rec, ev)

	start := time.Now()
	sess.Stop()
	elapsed := time.Since(start)

	// Grace (20ms) + flushed ack (~100ms) + ended grace (50ms); far
	// below the 500ms flush timeout path.
	if elapsed > 400*time.Millisecond {
		t.Errorf("Stop took %s, should resolve on the flushed ack, not the timeout", elapsed)
	}
	if got := sess.Phase(); got != PhaseClosed {
		t.Errorf("phase = %s, want closed", got)
	}
	if rec.flushCount() == 0 {
		t.Error("recorder was never flushed")
	}
	if rec.stops() == 0 {
		t.Error("recorder was never stopped")
	}

	// The peer must have seen config, flush, end in order.
	var seen []string
	for len(seen) < 3 {
		select {
		case typ := <-peer.texts:
			seen = append(seen, typ)
		case <-time.After(time.Second):
			t.Fatalf("peer saw only %v", seen)
		}
	}
	want := []string{stream.TypeConfig, stream.TypeFlush, stream.TypeEnd}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("peer messages = %v, want %v", seen, want)
		}
	}

	select {
	case <-ev.ended:
	case <-time.After(time.Second):
		t.Error("trailing ENDED was not forwarded")
	}
}

func TestStopSilentRemote(t *testing.T) {
	peer := newScriptedPeer()
	peer.silent = true
	addr := newStreamServer(t, func(c *websocket.Conn) { peer.run(t, c) })

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := startSession(t, addr, rec, ev)

	start := time.Now()
	sess.Stop()
	elapsed := time.Since(start)

	// Full bounded path: grace + flush timeout + ended grace.
	min := 500 * time.Millisecond
	if elapsed < min {
		t.Errorf("Stop took %s, want at least the flush timeout", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Stop took %s, want bounded resolution", elapsed)
	}

	// End must have been sent even though flushed never arrived.
	var sawEnd bool
	for !sawEnd {
		select {
		case typ := <-peer.texts:
			sawEnd = typ == stream.TypeEnd
		case <-time.After(time.Second):
			t.Fatal("end control message never sent")
		}
	}

	// Timeouts during stop are expected, never errors.
	select {
	case err := <-ev.errs:
		t.Errorf("unexpected error during silent stop: %v", err)
	default:
	}
}

func TestDispatchContinuesDuringFlushWait(t *testing.T) {
	peer := newScriptedPeer()
	peer.flushDelay = 150 * time.Millisecond
	peer.preFlushMsgs = []string{
		`{"type":"transcript","data":[{"id":"s","text":"tail words","start":9,"end":10,"isFinal":true}]}`,
		`{"type":"facts","fact":[{"id":"f9","text":"follow-up in two weeks","group":"plan"}]}`,
	}
	addr := newStreamServer(t, func(c *websocket.Conn) { peer.run(t, c) })

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := startSession(t, addr, rec, ev)

	sess.Stop()

	select {
	case batch := <-ev.transcripts:
		if batch[0].Text != "tail words" {
			t.Errorf("transcript text = %q", batch[0].Text)
		}
	default:
		t.Error("transcript arriving during flush wait was not delivered")
	}
	select {
	case batch := <-ev.facts:
		if batch[0].ID != "f9" {
			t.Errorf("fact id = %q", batch[0].ID)
		}
	default:
		t.Error("facts arriving during flush wait were not delivered")
	}
}

func TestUnexpectedDisconnect(t *testing.T) {
	addr := newStreamServer(t, func(c *websocket.Conn) {
		mt, _, err := c.ReadMessage()
		if err != nil || mt != websocket.TextMessage {
			return
		}
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONFIG_ACCEPTED"}`))
		time.Sleep(50 * time.Millisecond)
		c.Close()
	})

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := startSession(t, addr, rec, ev)

	err := recvErr(t, ev.errs)
	if !strings.Contains(err.Error(), "connection to transcription service lost") {
		t.Errorf("error = %q, want connection-lost", err)
	}
	if got := sess.Phase(); got != PhaseFailed {
		t.Errorf("phase = %s, want failed", got)
	}

	// Teardown runs exactly once.
	if got := rec.stops(); got != 1 {
		t.Errorf("recorder stopped %d times, want 1", got)
	}

	// Stop after failure returns immediately with no further release.
	sess.Stop()
	if got := rec.stops(); got != 1 {
		t.Errorf("recorder stopped %d times after redundant Stop, want 1", got)
	}
}

func TestHandshakeClosureSurfacesError(t *testing.T) {
	addr := newStreamServer(t, func(c *websocket.Conn) {
		c.ReadMessage() // consume config, never answer
		c.Close()
	})

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := New(rec, testConfig(), ev.callbacks(), slog.Disabled)

	err := sess.Start(context.Background(), addr, "test-token")
	if err == nil {
		t.Fatal("Start should fail when the channel closes mid-handshake")
	}
	if !strings.Contains(err.Error(), "handshake") {
		t.Errorf("error = %q, want handshake closure", err)
	}
	if rec.stops() == 0 {
		t.Error("microphone not released")
	}
}

func TestServiceErrorIsNotFatal(t *testing.T) {
	peer := newScriptedPeer()
	addr := newStreamServer(t, func(c *websocket.Conn) {
		mt, _, err := c.ReadMessage()
		if err != nil || mt != websocket.TextMessage {
			return
		}
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONFIG_ACCEPTED"}`))
		c.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"error","error":{"title":"Overload","details":"transcriber lagging"}}`))
		c.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"transcript","data":[{"id":"s","text":"still here","start":0,"end":1}]}`))
		peer.run(t, c)
	})

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := startSession(t, addr, rec, ev)

	err := recvErr(t, ev.errs)
	if err.Error() != "transcriber lagging" {
		t.Errorf("error = %q, want details text", err)
	}

	select {
	case batch := <-ev.transcripts:
		if batch[0].Text != "still here" {
			t.Errorf("transcript = %q", batch[0].Text)
		}
	case <-time.After(time.Second):
		t.Fatal("streaming did not continue after recoverable error")
	}
	if got := sess.Phase(); got != PhaseStreaming {
		t.Errorf("phase = %s, want streaming", got)
	}
}

func TestLevelMetering(t *testing.T) {
	peer := newScriptedPeer()
	addr := newStreamServer(t, func(c *websocket.Conn) { peer.run(t, c) })

	rec := &fakeRecorder{level: 0.42}
	ev := newSessionEvents()
	sess := startSession(t, addr, rec, ev)

	select {
	case lvl := <-ev.levels:
		if lvl != 0.42 {
			t.Errorf("level = %v, want 0.42", lvl)
		}
	case <-time.After(time.Second):
		t.Fatal("no level callback")
	}

	sess.Stop()

	// Drain anything emitted before the stop request landed, then
	// verify the sampling task stays quiet.
	for {
		select {
		case <-ev.levels:
			continue
		default:
		}
		break
	}
	select {
	case lvl := <-ev.levels:
		t.Errorf("level %v reported after Stop", lvl)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopDuringStartAbortsStart(t *testing.T) {
	addr := newStreamServer(t, func(c *websocket.Conn) {
		// Accept the dial and consume frames, but never acknowledge the
		// configuration.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &fakeRecorder{}
	ev := newSessionEvents()
	sess := New(rec, testConfig(), ev.callbacks(), slog.Disabled)

	startDone := make(chan error, 1)
	go func() {
		startDone <- sess.Start(context.Background(), addr, "test-token")
	}()

	// Let the handshake get underway, then abort early.
	time.Sleep(50 * time.Millisecond)
	sess.Stop()

	select {
	case err := <-startDone:
		if err == nil {
			t.Fatal("Start should fail when the session is stopped before ready")
		}
		if !strings.Contains(err.Error(), "before becoming ready") {
			t.Errorf("error = %q, want stopped-before-ready", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Start did not resolve after Stop")
	}

	if got := sess.Phase(); got != PhaseClosed {
		t.Errorf("phase = %s, want closed", got)
	}
	if rec.stops() == 0 {
		t.Error("microphone not released")
	}
}

func TestStopBeforeStart(t *testing.T) {
	sess := New(&fakeRecorder{}, testConfig(), Callbacks{}, slog.Disabled)
	done := make(chan struct{})
	go func() {
		sess.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop on idle session hung")
	}
}

func TestMicrophoneFailureAbortsStart(t *testing.T) {
	dialed := make(chan struct{}, 1)
	addr := newStreamServer(t, func(c *websocket.Conn) {
		dialed <- struct{}{}
	})

	rec := &fakeRecorder{startErr: errContext("permission denied")}
	sess := New(rec, testConfig(), Callbacks{}, slog.Disabled)

	err := sess.Start(context.Background(), addr, "test-token")
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("Start error = %v, want acquisition failure", err)
	}
	select {
	case <-dialed:
		t.Error("channel was opened despite microphone failure")
	case <-time.After(100 * time.Millisecond):
	}
}

type errContext string

func (e errContext) Error() string { return string(e) }
