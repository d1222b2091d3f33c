// Package audio provides microphone capture and the live amplitude stream
// that drives voice activity detection.
//
// A [Context] enumerates capture devices and opens them; the malgo-backed
// implementation from [NewContext] is used in production while [FakeContext]
// replays canned PCM for tests. A [Stream] wraps an open capture device and
// converts its raw PCM callbacks into a channel of [Chunk] values carrying
// both the instantaneous RMS amplitude and an exponentially smoothed one.
package audio

import (
	"errors"
	"time"
)

// ErrDeviceUnavailable indicates that the requested capture device could not
// be found or opened.
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// DataCallback receives raw 16-bit little-endian PCM from a capture device.
type DataCallback func(data []byte, frameCount uint32)

// CaptureConfig describes the PCM format requested from a capture device.
type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

// DeviceInfo identifies a single capture device.
type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

// Context is the entry point to an audio backend.
type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

// CaptureDevice is a single open microphone.
type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
}

// Chunk is one callback's worth of captured audio together with its
// amplitude measurements. Raw is the RMS of the chunk normalised to [0, 1];
// Smoothed is the exponential moving average over the stream so far.
type Chunk struct {
	Timestamp time.Time
	PCM       []byte
	Raw       float64
	Smoothed  float64
}

// Duration returns the chunk's play time given the stream's format.
func (c Chunk) Duration(sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := len(c.PCM) / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
