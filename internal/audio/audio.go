package audio

// The capture profile is fixed for scribe sessions and must be agreed
// upon by every part of the pipeline.
const (
	// SampleRate is the capture sample rate in Hz.
	SampleRate = 16000

	// Channels is the number of capture channels.
	Channels = 1

	// periodMS is the captured frame size in milliseconds.
	periodMS = 20

	// sampleSizeBytes is the size of one S16LE PCM sample.
	sampleSizeBytes = 2

	// encodeBitRate is the bitrate (in bps) for the opus encoder.
	encodeBitRate = 32000

	// samplesPerPeriod is the PCM sample count of one capture period.
	samplesPerPeriod = SampleRate / 1000 * periodMS
)

// Codec identifies the compression applied to outbound audio chunks.
type Codec string

const (
	// CodecOpus frames opus packets with a 2-byte big-endian length
	// prefix inside each chunk.
	CodecOpus Codec = "opus"

	// CodecPCM16 sends raw little-endian 16-bit PCM.
	CodecPCM16 Codec = "pcm16"
)

// CodecPreference is the ordered fallback list used when the recorder
// picks a codec. Opus is preferred; raw PCM is the fallback for
// platforms where the opus encoder is unavailable.
var CodecPreference = []Codec{CodecOpus, CodecPCM16}

// DataFunc receives one period of raw S16LE PCM from the capture
// device. It is called on the backend's own thread.
type DataFunc func(pcm []byte)

// CaptureDevice is an open microphone handle.
type CaptureDevice interface {
	Start() error
	Stop() error
	Uninit()
}

// Encoder compresses one period of PCM samples. The returned slice is
// only valid until the next call.
type Encoder interface {
	Encode(pcm []int16, buf []byte) ([]byte, error)
}

// Backend abstracts the audio driver so the recorder can be exercised
// without real hardware.
type Backend interface {
	Name() string
	InitCapture(deviceID string, cb DataFunc) (CaptureDevice, error)
	NewEncoder(codec Codec) (Encoder, error)
	Free() error
}

// Device describes a capture device known to the backend.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

func bytesToLES16(src []byte, dst []int16) []int16 {
	n := len(src) / 2
	for i := 0; i < n; i++ {
		dst = append(dst, int16(src[i*2])|(int16(src[i*2+1])<<8))
	}
	return dst
}

func leS16ToBytes(src []int16, dst []byte) []byte {
	for _, s := range src {
		dst = append(dst, byte(s), byte(s>>8))
	}
	return dst
}
