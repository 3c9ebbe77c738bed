package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
)

// defaultChunkMS is the cadence at which compressed chunks are emitted.
const defaultChunkMS = 500

// ChunkFunc receives one compressed audio chunk. It is called on the
// recorder's encode goroutine.
type ChunkFunc func(data []byte)

// RecorderConfig configures a ChunkRecorder. Zero values select the
// defaults (system device, 500 ms chunks, opus with PCM fallback).
type RecorderConfig struct {
	DeviceID string
	ChunkMS  int
	Codecs   []Codec
}

// ChunkRecorder captures microphone audio at the fixed profile and
// packages it into compressed chunks on a fixed cadence. The device
// runs, and the level meter updates, from Start until Stop; chunk
// emission only begins once EnableChunks wires up an output, and
// audio captured before that point is dropped, not buffered.
type ChunkRecorder struct {
	backend Backend
	cfg     RecorderConfig
	log     slog.Logger

	codec    Codec
	device   CaptureDevice
	encodeCh chan []int16
	flushCh  chan struct{}
	quitCh   chan struct{}
	doneCh   chan struct{}
	level    atomic.Uint64 // Float64bits of the last RMS level

	int16Bufs sync.Pool

	mtx     sync.Mutex
	chunkFn ChunkFunc
	started bool
	stopped bool
}

// NewChunkRecorder creates a recorder on the given backend. The codec
// is picked from cfg.Codecs in order, falling back through the list
// until the backend can supply an encoder.
func NewChunkRecorder(backend Backend, cfg RecorderConfig, log slog.Logger) *ChunkRecorder {
	if cfg.ChunkMS == 0 {
		cfg.ChunkMS = defaultChunkMS
	}
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = CodecPreference
	}
	return &ChunkRecorder{
		backend:  backend,
		cfg:      cfg,
		log:      log,
		encodeCh: make(chan []int16, 1000/periodMS),
		flushCh:  make(chan struct{}, 1),
		quitCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		int16Bufs: sync.Pool{New: func() interface{} {
			return make([]int16, 0, samplesPerPeriod)
		}},
	}
}

// Start acquires the capture device and begins capturing. Failure to
// acquire the device (no permission, no hardware) is returned to the
// caller; nothing else is touched in that case.
func (r *ChunkRecorder) Start() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.started {
		return errors.New("recorder already started")
	}

	var encoder Encoder
	var codecErr error
	for _, codec := range r.cfg.Codecs {
		enc, err := r.backend.NewEncoder(codec)
		if err != nil {
			r.log.Warnf("Codec %s unavailable: %v", codec, err)
			codecErr = err
			continue
		}
		encoder, r.codec = enc, codec
		break
	}
	if encoder == nil {
		return errors.New("no usable audio codec: " + codecErr.Error())
	}

	device, err := r.backend.InitCapture(r.cfg.DeviceID, r.onFrames)
	if err != nil {
		return err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return err
	}
	r.device = device
	r.started = true

	r.log.Debugf("Capture started (driver %s, codec %s)", r.backend.Name(), r.codec)
	go r.encodeLoop(encoder)
	return nil
}

// EnableChunks wires the chunk output. Until this is called, captured
// audio only feeds the level meter and is discarded.
func (r *ChunkRecorder) EnableChunks(fn func(data []byte)) {
	r.mtx.Lock()
	r.chunkFn = fn
	r.mtx.Unlock()
}

// Flush asks the encode loop to emit its current partial chunk
// immediately instead of waiting for the cadence boundary. Delivery is
// asynchronous relative to this call.
func (r *ChunkRecorder) Flush() {
	select {
	case r.flushCh <- struct{}{}:
	default:
	}
}

// Level reports the most recent RMS magnitude of the raw microphone
// input, normalized to [0,1]. It is meaningful from Start onward,
// regardless of whether chunking is enabled.
func (r *ChunkRecorder) Level() float64 {
	return math.Float64frombits(r.level.Load())
}

// Codec reports the codec selected at Start.
func (r *ChunkRecorder) Codec() Codec {
	return r.codec
}

// Stop releases the capture device and halts the encode loop. It is
// idempotent and safe to call from any state.
func (r *ChunkRecorder) Stop() {
	r.mtx.Lock()
	if !r.started || r.stopped {
		r.mtx.Unlock()
		return
	}
	r.stopped = true
	device := r.device
	r.mtx.Unlock()

	if err := device.Stop(); err != nil {
		r.log.Warnf("Stopping capture device: %v", err)
	}
	device.Uninit()

	// Give any in-flight device callback time to complete.
	time.Sleep(time.Millisecond * periodMS * 2)

	close(r.quitCh)
	<-r.doneCh
	r.level.Store(0)
}

// onFrames runs on the audio driver thread once per capture period.
func (r *ChunkRecorder) onFrames(pcm []byte) {
	buf := r.int16Bufs.Get().([]int16)
	samples := bytesToLES16(pcm, buf)

	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	if n := len(samples); n > 0 {
		r.level.Store(math.Float64bits(math.Sqrt(sum/float64(n)) / 32768))
	}

	r.mtx.Lock()
	enabled := r.chunkFn != nil && !r.stopped
	r.mtx.Unlock()
	if !enabled {
		r.int16Bufs.Put(samples[:0])
		return
	}

	// Never block the driver thread; a full queue means the encoder
	// is behind and this period is dropped.
	select {
	case r.encodeCh <- samples:
	default:
		r.int16Bufs.Put(samples[:0])
	}
}

// encodeLoop compresses captured periods and groups them into chunks
// of cfg.ChunkMS milliseconds.
func (r *ChunkRecorder) encodeLoop(encoder Encoder) {
	defer close(r.doneCh)

	chunkSamples := SampleRate / 1000 * r.cfg.ChunkMS
	encodeBuf := make([]byte, 4096)
	var chunk []byte
	var chunkSampleCount int

	emit := func() {
		if len(chunk) == 0 {
			return
		}
		r.mtx.Lock()
		fn := r.chunkFn
		r.mtx.Unlock()
		if fn != nil {
			out := make([]byte, len(chunk))
			copy(out, chunk)
			fn(out)
		}
		chunk = chunk[:0]
		chunkSampleCount = 0
	}

	for {
		select {
		case samples := <-r.encodeCh:
			encoded, err := encoder.Encode(samples, encodeBuf)
			if err != nil {
				r.log.Warnf("Encoding capture period: %v", err)
				r.int16Bufs.Put(samples[:0])
				continue
			}
			if r.codec == CodecOpus {
				var prefix [2]byte
				binary.BigEndian.PutUint16(prefix[:], uint16(len(encoded)))
				chunk = append(chunk, prefix[:]...)
			}
			chunk = append(chunk, encoded...)
			chunkSampleCount += len(samples)
			r.int16Bufs.Put(samples[:0])

			if chunkSampleCount >= chunkSamples {
				emit()
			}

		case <-r.flushCh:
			emit()

		case <-r.quitCh:
			return
		}
	}
}
