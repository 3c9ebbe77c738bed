package audio

import (
	"fmt"

	"github.com/companyzero/gopus"
	"github.com/decred/slog"
	"github.com/gen2brain/malgo"
)

// rawFormat needs to match sampleSizeBytes.
var rawFormat = malgo.FormatS16

// malgoBackend is the real audio driver, backed by miniaudio.
type malgoBackend struct {
	ctx *malgo.AllocatedContext
	log slog.Logger
}

// NewMalgoBackend initializes the system audio driver.
func NewMalgoBackend(log slog.Logger) (Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &malgoBackend{ctx: ctx, log: log}, nil
}

func (mb *malgoBackend) Name() string {
	return "malgo"
}

func (mb *malgoBackend) Free() error {
	if err := mb.ctx.Uninit(); err != nil {
		return err
	}
	mb.ctx.Free()
	return nil
}

// InitCapture opens the microphone at the fixed capture profile. An
// empty deviceID selects the system default device.
func (mb *malgoBackend) InitCapture(deviceID string, cb DataFunc) (CaptureDevice, error) {
	if got := malgo.SampleSizeInBytes(rawFormat); got != sampleSizeBytes {
		return nil, fmt.Errorf("malgo raw format has wrong sample size (got %d, want %d)",
			got, sampleSizeBytes)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.SampleRate = SampleRate
	deviceConfig.PeriodSizeInMilliseconds = periodMS
	deviceConfig.Capture.Format = rawFormat
	deviceConfig.Capture.Channels = Channels
	deviceConfig.Alsa.NoMMap = 1
	if deviceID != "" {
		var malgoID malgo.DeviceID
		copy(malgoID[:], deviceID)
		deviceConfig.Capture.DeviceID = malgoID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, inSamples []byte, framecount uint32) {
			readSize := int(framecount) * sampleSizeBytes
			if len(inSamples) < readSize {
				mb.log.Warnf("inSamples buffer has len %d when expected %d",
					len(inSamples), readSize)
				readSize = len(inSamples)
			}
			cb(inSamples[:readSize])
		},
	}

	device, err := malgo.InitDevice(mb.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	return device, nil
}

func (mb *malgoBackend) NewEncoder(codec Codec) (Encoder, error) {
	switch codec {
	case CodecOpus:
		enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
		if err != nil {
			return nil, err
		}
		enc.SetBitrate(encodeBitRate)
		return &opusEncoder{enc: enc}, nil
	case CodecPCM16:
		return pcmEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

type opusEncoder struct {
	enc *gopus.Encoder
}

func (oe *opusEncoder) Encode(pcm []int16, buf []byte) ([]byte, error) {
	return oe.enc.Encode(pcm, len(pcm), buf)
}

// pcmEncoder passes samples through as little-endian bytes.
type pcmEncoder struct{}

func (pcmEncoder) Encode(pcm []int16, buf []byte) ([]byte, error) {
	return leS16ToBytes(pcm, buf[:0]), nil
}

// ListCaptureDevices lists the capture devices known to the system
// driver.
func ListCaptureDevices(log slog.Logger) ([]Device, error) {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
	}()

	devices, err := malgoCtx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}

	res := make([]Device, 0, len(devices))
	seen := make(map[string]struct{}, len(devices))
	for _, dev := range devices {
		full, err := malgoCtx.DeviceInfo(malgo.Capture, dev.ID, malgo.Shared)
		if err != nil {
			log.Warnf("Unable to get audio device info: %v", err)
			continue
		}

		id := string(append([]byte(nil), full.ID[:]...))
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		res = append(res, Device{
			ID:        id,
			Name:      full.Name(),
			IsDefault: full.IsDefault == 1,
		})
	}

	return res, nil
}
