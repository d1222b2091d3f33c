package audio

import (
	"encoding/binary"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

// FakeContext is an in-memory audio backend for tests. Captures opened from
// it replay the configured PCM once and then emit silence until stopped.
type FakeContext struct {
	pcm      []byte
	realtime bool
}

// NewFakeContext returns a FakeContext replaying pcm (16-bit LE mono).
// When realtime is true the capture paces chunks at their play rate;
// otherwise the whole recording is delivered synchronously on Start.
func NewFakeContext(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, cfg CaptureConfig) (CaptureDevice, error) {
	sr := int(cfg.SampleRate)
	if sr <= 0 {
		sr = 16000
	}
	return &FakeCapture{pcm: f.pcm, realtime: f.realtime, sampleRate: sr}, nil
}

// FakeCapture replays a fixed PCM recording through the capture callback.
type FakeCapture struct {
	pcm        []byte
	realtime   bool
	sampleRate int

	mu       sync.Mutex
	cb       DataCallback
	err      error
	stopCh   chan struct{}
	feedDone chan struct{}
	errCh    chan error
}

// InjectError arranges for err to be reported on the Errs channel after the
// recording has been fully replayed, simulating a mid-stream device failure.
func (f *FakeCapture) InjectError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Errs reports asynchronous capture failures. The channel is closed when the
// capture stops.
func (f *FakeCapture) Errs() <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errCh == nil {
		f.errCh = make(chan error, 1)
	}
	return f.errCh
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	if f.errCh == nil {
		f.errCh = make(chan error, 1)
	}
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * fakeBytesPerFrame

	interval := time.Millisecond
	if f.realtime {
		interval = time.Duration(fakeFrameSize) * time.Second / time.Duration(f.sampleRate)
	}

	go func() {
		defer close(f.feedDone)
		pos := 0
		silence := make([]byte, chunkBytes)
		for {
			select {
			case <-f.stopCh:
				return
			case <-time.After(interval):
			}
			cb := f.callback()
			if cb == nil {
				continue
			}
			if pos < len(f.pcm) {
				pos = f.feedChunk(cb, pos, chunkBytes)
				continue
			}
			f.mu.Lock()
			err := f.err
			f.err = nil
			f.mu.Unlock()
			if err != nil {
				f.errCh <- err
				return
			}
			cb(silence, fakeFrameSize)
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-feedDone
	f.mu.Lock()
	if f.errCh != nil {
		// Keep the closed channel so late Errs callers observe the close
		// instead of blocking on a fresh one.
		close(f.errCh)
	}
	f.stopCh = nil
	f.mu.Unlock()
}

func (f *FakeCapture) Close() {
	f.Stop()
}

// ConstantPCM builds 16-bit LE mono PCM of the given duration whose every
// sample has amplitude level in [0, 1]. The RMS of the result equals level,
// which makes threshold behaviour in tests exact.
func ConstantPCM(level float64, d time.Duration, sampleRate int) []byte {
	n := int(d.Seconds() * float64(sampleRate))
	sample := int16(level * 32767)
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}
