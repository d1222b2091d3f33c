package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// DefaultAlpha is the EMA smoothing coefficient applied to the raw RMS of
// each chunk. Higher values track the signal faster.
const DefaultAlpha = 0.3

// StreamConfig configures an amplitude stream opened with [OpenStream].
type StreamConfig struct {
	// DeviceName selects the capture device by case-insensitive substring
	// match. Empty selects the system default.
	DeviceName string

	// SampleRate in Hz. Defaults to 16000.
	SampleRate int

	// Channels is the capture channel count. Defaults to 1.
	Channels int

	// Alpha is the EMA coefficient. Defaults to [DefaultAlpha].
	Alpha float64

	// BufferSize is the chunk channel capacity. Defaults to 64. When the
	// consumer lags the oldest chunk is dropped so the capture callback
	// never blocks.
	BufferSize int
}

func (cfg *StreamConfig) applyDefaults() {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
}

// errorReporter is implemented by capture devices that can fail mid-stream.
type errorReporter interface {
	Errs() <-chan error
}

// Stream turns a capture device's PCM callbacks into a channel of amplitude
// chunks. The chunk channel is closed when the stream is closed or the
// device fails; after the channel is drained [Stream.Err] reports the cause.
type Stream struct {
	cfg     StreamConfig
	capture CaptureDevice
	chunks  chan Chunk

	mu        sync.Mutex
	err       error
	closed    bool
	closeOnce sync.Once

	// ema is confined to the capture callback.
	ema     float64
	emaInit bool
}

// OpenStream resolves the configured device on ctx, starts capturing, and
// returns the running stream. A failure to resolve or start the device is
// reported as [ErrDeviceUnavailable].
func OpenStream(ctx Context, cfg StreamConfig) (*Stream, error) {
	cfg.applyDefaults()

	device, err := resolveDevice(ctx, cfg.DeviceName)
	if err != nil {
		return nil, err
	}

	capture, err := ctx.NewCapture(device, CaptureConfig{
		SampleRate: uint32(cfg.SampleRate),
		Channels:   uint32(cfg.Channels),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s := &Stream{
		cfg:     cfg,
		capture: capture,
		chunks:  make(chan Chunk, cfg.BufferSize),
	}
	capture.SetCallback(s.onData)

	if err := capture.Start(); err != nil {
		capture.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	if rep, ok := capture.(errorReporter); ok {
		go s.watchErrors(rep.Errs())
	}
	return s, nil
}

// resolveDevice finds a capture device whose name contains name. Empty name
// selects the backend default (nil device).
func resolveDevice(ctx Context, name string) (*DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), strings.ToLower(name)) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no device matching %q", ErrDeviceUnavailable, name)
}

// Chunks returns the amplitude chunk channel. It is closed when the stream
// ends; check [Stream.Err] afterwards to distinguish Close from failure.
func (s *Stream) Chunks() <-chan Chunk { return s.chunks }

// SampleRate returns the stream's sample rate in Hz.
func (s *Stream) SampleRate() int { return s.cfg.SampleRate }

// Channels returns the stream's channel count.
func (s *Stream) Channels() int { return s.cfg.Channels }

// Err returns the capture failure that ended the stream, or nil after a
// clean Close. Only meaningful once the chunk channel is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the capture device and closes the chunk channel. Safe to call
// more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.capture.Stop()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.chunks)
		s.capture.Close()
	})
}

// onData runs on the capture thread. It must never block: when the consumer
// lags, the oldest buffered chunk is dropped in favour of the new one.
func (s *Stream) onData(data []byte, _ uint32) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	rms := RMS(data)
	if !s.emaInit {
		s.ema = rms
		s.emaInit = true
	} else {
		s.ema = s.cfg.Alpha*rms + (1-s.cfg.Alpha)*s.ema
	}

	pcm := make([]byte, len(data))
	copy(pcm, data)
	c := Chunk{
		Timestamp: time.Now(),
		PCM:       pcm,
		Raw:       rms,
		Smoothed:  s.ema,
	}

	select {
	case s.chunks <- c:
	default:
		select {
		case <-s.chunks:
		default:
		}
		select {
		case s.chunks <- c:
		default:
		}
	}
	s.mu.Unlock()
}

// watchErrors terminates the stream when the capture device reports an
// asynchronous failure.
func (s *Stream) watchErrors(errs <-chan error) {
	err, ok := <-errs
	if !ok || err == nil {
		return
	}
	s.mu.Lock()
	s.err = fmt.Errorf("audio: capture failed: %w", err)
	s.mu.Unlock()
	s.Close()
}

// RMS returns the root-mean-square amplitude of 16-bit signed little-endian
// PCM, normalised to [0, 1]. Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}
