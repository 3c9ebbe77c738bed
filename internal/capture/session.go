// Package capture implements the realtime capture session: microphone
// capture, the duplex stream to the transcription service, level
// metering, and the ordered shutdown sequence that flushes in-flight
// audio before tearing down local resources.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"github.com/exVick/corti-playground/internal/stream"
)

// Phase is the session lifecycle phase.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseStreaming
	PhaseStopping
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseStreaming:
		return "streaming"
	case PhaseStopping:
		return "stopping"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Recorder is the slice of the audio recorder the session drives.
// *audio.ChunkRecorder satisfies it.
type Recorder interface {
	Start() error
	EnableChunks(fn func(data []byte))
	Flush()
	Level() float64
	Stop()
}

// Callbacks deliver session events to the presentation layer. All
// callbacks run on the session's event loop, one at a time, so no two
// ever execute concurrently. For the same reason a callback must not
// call Stop directly: Stop waits for the loop the callback is running
// on. Spawn a goroutine to stop from inside a callback. Nil callbacks
// are skipped.
type Callbacks struct {
	OnReady      func(sessionID string)
	OnTranscript func(batch []stream.TranscriptSegment)
	OnFacts      func(batch []stream.Fact)
	OnLevel      func(level float64)
	OnEnded      func()
	OnError      func(err error)
}

// Config configures a session. Zero durations select the defaults.
type Config struct {
	PrimaryLanguage string
	OutputLocale    string

	// Bounded waits of the stop sequence.
	FlushGrace   time.Duration // recorder tail delivery (default 200ms)
	FlushTimeout time.Duration // flushed ack wait (default 8s)
	EndedGrace   time.Duration // trailing ENDED wait (default 1s)

	// MeterInterval is the level sampling cadence (default ~60Hz).
	MeterInterval time.Duration
}

const (
	defaultFlushGrace    = 200 * time.Millisecond
	defaultFlushTimeout  = 8 * time.Second
	defaultEndedGrace    = time.Second
	defaultMeterInterval = 16 * time.Millisecond
)

func (c Config) flushGrace() time.Duration {
	if c.FlushGrace > 0 {
		return c.FlushGrace
	}
	return defaultFlushGrace
}

func (c Config) flushTimeout() time.Duration {
	if c.FlushTimeout > 0 {
		return c.FlushTimeout
	}
	return defaultFlushTimeout
}

func (c Config) endedGrace() time.Duration {
	if c.EndedGrace > 0 {
		return c.EndedGrace
	}
	return defaultEndedGrace
}

func (c Config) meterInterval() time.Duration {
	if c.MeterInterval > 0 {
		return c.MeterInterval
	}
	return defaultMeterInterval
}

type eventKind int

const (
	evMessage eventKind = iota
	evChunk
	evClosed
)

type event struct {
	kind  eventKind
	msg   stream.Message
	chunk []byte
	err   error
}

// stopStage tracks progress through the ordered stop sequence.
type stopStage int

const (
	stageNone stopStage = iota
	stageFlushGrace
	stageAwaitFlushed
	stageEndedGrace
)

// Session is a realtime capture session. It is built for exactly one
// recording attempt: Start may be called once, and a new recording
// requires a new instance.
type Session struct {
	cfg Config
	cb  Callbacks
	rec Recorder
	log slog.Logger

	dialer *websocket.Dialer
	phase  atomic.Int32

	conn    *websocket.Conn
	events  chan event
	stopReq chan struct{}
	closed  chan struct{}
	readyCh chan string
	failCh  chan error

	startResult  sync.Once
	teardownOnce sync.Once

	// Loop-owned state. Only the run loop touches these.
	meter                 *levelTask
	connOpen              bool
	configAccepted        bool
	stoppingIntentionally bool
}

// New creates a session around an already-constructed recorder. The
// recorder is owned by the session from Start onward and is released
// during teardown.
func New(rec Recorder, cfg Config, cb Callbacks, log slog.Logger) *Session {
	return &Session{
		cfg:     cfg,
		cb:      cb,
		rec:     rec,
		log:     log,
		dialer:  websocket.DefaultDialer,
		events:  make(chan event, 64),
		stopReq: make(chan struct{}, 1),
		closed:  make(chan struct{}),
		readyCh: make(chan string, 1),
		failCh:  make(chan error, 1),
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// Start acquires the microphone, opens the stream channel with the
// credential embedded in the address, sends the configuration message
// and waits for the service to accept it. It returns once the session
// is ready (audio is flowing) or with the error that aborted the
// start. After a successful Start, failures are reported through the
// error callback rather than returned.
func (s *Session) Start(ctx context.Context, endpoint, token string) error {
	if !s.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseStarting)) {
		return errors.New("capture session already used; allocate a new one")
	}

	// Microphone first. If acquisition fails no channel is opened.
	if err := s.rec.Start(); err != nil {
		s.phase.Store(int32(PhaseFailed))
		return fmt.Errorf("acquire microphone: %w", err)
	}

	addr, err := stream.EndpointURL(endpoint, token)
	if err != nil {
		s.rec.Stop()
		s.phase.Store(int32(PhaseFailed))
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		s.rec.Stop()
		s.phase.Store(int32(PhaseFailed))
		return fmt.Errorf("open stream channel: %w", err)
	}
	s.conn = conn
	s.connOpen = true

	// The configuration message must be the first thing on the wire.
	cfgMsg := stream.NewConfigMessage(s.cfg.PrimaryLanguage, s.cfg.OutputLocale)
	if err := conn.WriteJSON(cfgMsg); err != nil {
		conn.Close()
		s.rec.Stop()
		s.phase.Store(int32(PhaseFailed))
		return fmt.Errorf("send configuration: %w", err)
	}

	go s.readLoop(conn)
	go s.run()

	select {
	case <-s.readyCh:
		return nil
	case err := <-s.failCh:
		return err
	case <-ctx.Done():
		// Closing the channel unblocks the loop; it fails the pending
		// start through the closure path and tears down.
		conn.Close()
		<-s.closed
		return ctx.Err()
	}
}

// Stop runs the ordered shutdown sequence: cancel level sampling,
// flush the recorder's buffered tail onto the wire, request a remote
// flush and wait for its acknowledgement, request end, wait for a
// trailing ENDED, then tear everything down. Every wait is bounded, so
// Stop always returns. Transcript and fact messages arriving during
// the waits are still delivered. Safe to call more than once.
func (s *Session) Stop() {
	switch s.Phase() {
	case PhaseIdle, PhaseClosed, PhaseFailed:
		return
	}
	select {
	case s.stopReq <- struct{}{}:
	default:
	}
	<-s.closed
}

// onChunk receives compressed chunks from the recorder.
func (s *Session) onChunk(data []byte) {
	s.postEvent(event{kind: evChunk, chunk: data})
}

// readLoop pulls frames off the socket and hands parsed messages to
// the run loop. Unparseable frames are dropped silently.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			s.postEvent(event{kind: evClosed, err: err})
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if msg, ok := stream.ParseMessage(raw); ok {
			s.postEvent(event{kind: evMessage, msg: msg})
		}
	}
}

func (s *Session) postEvent(ev event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// run serializes every event source: inbound messages, recorder
// chunks, meter ticks, the stop request and the stop-sequence timers.
// No callback runs concurrently with another.
func (s *Session) run() {
	s.meter = newLevelTask(s.cfg.meterInterval())

	var (
		stage      = stageNone
		stageTimer *time.Timer
		stageC     <-chan time.Time
	)

	setStage := func(next stopStage, wait time.Duration) {
		stage = next
		if stageTimer != nil {
			stageTimer.Stop()
		}
		stageTimer = time.NewTimer(wait)
		stageC = stageTimer.C
	}

	finish := func(final Phase) {
		if stageTimer != nil {
			stageTimer.Stop()
		}
		// A start still pending at teardown can never become ready;
		// resolve it so the caller is not left waiting. No-op when
		// Start already returned.
		s.failStart(errors.New("session stopped before becoming ready"))
		s.teardown()
		s.phase.Store(int32(final))
		close(s.closed)
	}

	// advancePastFlush moves from the flush wait to the final grace,
	// sending the end control message on the way.
	advancePastFlush := func() {
		if s.connOpen {
			s.send(stream.ControlMessage(stream.TypeEnd))
		}
		setStage(stageEndedGrace, s.cfg.endedGrace())
	}

	for {
		// During the flush wait the dispatch path additionally
		// watches for the flushed acknowledgement; general dispatch
		// is unchanged.
		var also func(stream.Message)
		if stage == stageAwaitFlushed {
			also = func(msg stream.Message) {
				if msg.Type == stream.TypeFlushed {
					advancePastFlush()
				}
			}
		}

		select {
		case <-s.meter.C():
			if s.meter.running() && s.cb.OnLevel != nil {
				s.cb.OnLevel(s.rec.Level())
			}

		case <-s.stopReq:
			if stage != stageNone {
				continue
			}
			// Intent is marked before any resource is touched so the
			// closure path stays quiet from here on.
			s.stoppingIntentionally = true
			s.phase.Store(int32(PhaseStopping))
			s.meter.stop()
			// The recorder's buffered tail needs time to reach the
			// outbound path before the recorder stops.
			s.rec.Flush()
			setStage(stageFlushGrace, s.cfg.flushGrace())

		case <-stageC:
			switch stage {
			case stageFlushGrace:
				s.rec.Stop()
				if !s.connOpen {
					finish(PhaseClosed)
					return
				}
				s.send(stream.ControlMessage(stream.TypeFlush))
				setStage(stageAwaitFlushed, s.cfg.flushTimeout())
			case stageAwaitFlushed:
				// Timeout is not an error; it simply advances the
				// sequence.
				advancePastFlush()
			case stageEndedGrace:
				finish(PhaseClosed)
				return
			}

		case ev := <-s.events:
			switch ev.kind {
			case evChunk:
				if s.configAccepted && s.connOpen {
					s.writeChunk(ev.chunk)
				}

			case evClosed:
				s.connOpen = false
				if s.stoppingIntentionally {
					// Expected closure; nothing more can arrive.
					finish(PhaseClosed)
					return
				}
				if s.configAccepted {
					s.reportError(fmt.Errorf("connection to transcription service lost: %v", ev.err))
					finish(PhaseFailed)
					return
				}
				err := fmt.Errorf("stream channel closed during handshake: %v", ev.err)
				s.reportError(err)
				s.failStart(err)
				finish(PhaseFailed)
				return

			case evMessage:
				switch ev.msg.Type {
				case stream.TypeConfigAccepted:
					if !s.configAccepted {
						s.configAccepted = true
						s.phase.Store(int32(PhaseStreaming))
						s.rec.EnableChunks(s.onChunk)
						if s.cb.OnReady != nil {
							s.cb.OnReady(ev.msg.SessionID)
						}
						s.signalReady(ev.msg.SessionID)
					}
				case stream.TypeConfigDenied:
					reason := ev.msg.Reason
					if reason == "" {
						reason = "no reason given"
					}
					err := fmt.Errorf("configuration denied: %s", reason)
					s.reportError(err)
					s.failStart(err)
					finish(PhaseFailed)
					return
				default:
					s.dispatch(ev.msg, also)
				}
			}
		}
	}
}

// dispatch delivers one inbound message through the normal path. The
// optional also hook lets the stop sequence watch for its flushed
// acknowledgement without replacing general dispatch: transcripts and
// facts arriving during the flush wait are still delivered.
func (s *Session) dispatch(msg stream.Message, also func(stream.Message)) {
	switch msg.Type {
	case stream.TypeTranscript:
		if s.cb.OnTranscript != nil && len(msg.Data) > 0 {
			s.cb.OnTranscript(msg.Data)
		}
	case stream.TypeFacts:
		if s.cb.OnFacts != nil && len(msg.Facts) > 0 {
			s.cb.OnFacts(msg.Facts)
		}
	case stream.TypeError:
		// Application-level errors are surfaced but not fatal; the
		// service may continue after a recoverable error.
		s.reportError(errors.New(msg.Error.Detail()))
	case stream.TypeEnded:
		if s.cb.OnEnded != nil {
			s.cb.OnEnded()
		}
	case stream.TypeUsage, stream.TypeFlushed:
		// Usage carries no payload for this layer; flushed is only
		// meaningful to the also hook below.
	default:
		s.log.Debugf("Ignoring message of unknown type %q", msg.Type)
	}
	if also != nil {
		also(msg)
	}
}

func (s *Session) writeChunk(data []byte) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.log.Warnf("Writing audio chunk: %v", err)
		s.connOpen = false
	}
}

func (s *Session) send(payload []byte) {
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.log.Warnf("Writing control message: %v", err)
		s.connOpen = false
	}
}

func (s *Session) reportError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

func (s *Session) signalReady(sessionID string) {
	s.startResult.Do(func() { s.readyCh <- sessionID })
}

func (s *Session) failStart(err error) {
	s.startResult.Do(func() { s.failCh <- err })
}

// teardown releases every owned resource unconditionally: the
// sampling task, the recorder (which stops the microphone), and the
// channel. Diagnostic state is reset so nothing leaks into a
// hypothetical reuse. Idempotent and safe on every terminal path.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		if s.meter != nil {
			s.meter.stop()
		}
		s.rec.Stop()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connOpen = false
		s.configAccepted = false
		s.stoppingIntentionally = false
	})
}
