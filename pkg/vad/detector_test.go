package vad

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/karasumi/aizuchi/pkg/audio"
)

// chunkAt builds a 100 ms mono 16 kHz chunk whose raw and smoothed amplitude
// both equal level. Using identical values keeps threshold arithmetic exact.
func chunkAt(level float64) audio.Chunk {
	return audio.Chunk{
		Timestamp: time.Now(),
		PCM:       audio.ConstantPCM(level, 100*time.Millisecond, 16000),
		Raw:       level,
		Smoothed:  level,
	}
}

func feed(ch chan<- audio.Chunk, level float64, d time.Duration) {
	for i := 0; i < int(d/(100*time.Millisecond)); i++ {
		ch <- chunkAt(level)
	}
}

func testConfig() Config {
	return Config{
		StartThreshold:   0.02,
		SilenceThreshold: 0.01,
		SilenceDuration:  2 * time.Second,
		GracePeriod:      time.Second,
		SampleRate:       16000,
		Channels:         1,
	}
}

func TestDetectorEmitsTrimmedUtterance(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	chunks := make(chan audio.Chunk, 256)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), chunks) }()

	feed(chunks, 0.005, 500*time.Millisecond) // ambient noise
	feed(chunks, 0.05, 1500*time.Millisecond) // speech
	feed(chunks, 0.005, 2500*time.Millisecond)

	var utt Utterance
	select {
	case utt = <-d.Utterances():
	case <-time.After(2 * time.Second):
		t.Fatal("no utterance emitted")
	}

	// Speech is 1.5 s; trimming keeps 200 ms of quiet context on each side.
	want := 1900 * time.Millisecond
	if utt.Duration != want {
		t.Fatalf("want duration %v, got %v", want, utt.Duration)
	}
	if len(utt.PCM) != 19*3200 { // 19 chunks of 100 ms mono 16 kHz
		t.Fatalf("PCM length %d does not match duration %v", len(utt.PCM), utt.Duration)
	}
	if utt.SampleRate != 16000 || utt.Channels != 1 {
		t.Fatalf("unexpected format %d/%d", utt.SampleRate, utt.Channels)
	}

	// Detection resumes on its own.
	if got := d.State(); got != StateMonitoring {
		t.Fatalf("want monitoring after emit, got %v", got)
	}

	close(chunks)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := d.State(); got != StateIdle {
		t.Fatalf("want idle after stream end, got %v", got)
	}
}

func TestDetectorIgnoresQuietAudio(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	chunks := make(chan audio.Chunk, 256)
	go d.Run(context.Background(), chunks)

	// Everything below the start threshold, including chunks above the
	// silence threshold, must never begin a recording.
	feed(chunks, 0.005, time.Second)
	feed(chunks, 0.015, time.Second)
	feed(chunks, 0.005, time.Second)

	select {
	case utt := <-d.Utterances():
		t.Fatalf("utterance emitted from quiet audio: %v", utt.Duration)
	case <-time.After(300 * time.Millisecond):
	}
	if got := d.State(); got != StateMonitoring {
		t.Fatalf("want monitoring, got %v", got)
	}
	close(chunks)
}

func TestDetectorGracePeriodSuppressesSilence(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	chunks := make(chan audio.Chunk, 256)
	go d.Run(context.Background(), chunks)

	// One loud chunk, then immediate silence. Without the grace period the
	// utterance would end 2 s after the trigger; with it, 2 s after the
	// grace expires.
	feed(chunks, 0.05, 100*time.Millisecond)
	feed(chunks, 0.005, 900*time.Millisecond) // inside grace, never counted
	feed(chunks, 0.005, 2*time.Second)        // counted after grace

	select {
	case utt := <-d.Utterances():
		// Only the trigger chunk is above the silence threshold, so trimming
		// keeps it plus 200 ms of context each side.
		if utt.Duration > 600*time.Millisecond {
			t.Fatalf("trimming kept too much: %v", utt.Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no utterance emitted")
	}
	close(chunks)
}

func TestDetectorInterruptedSilenceResetsRun(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	chunks := make(chan audio.Chunk, 512)
	go d.Run(context.Background(), chunks)

	feed(chunks, 0.05, 1500*time.Millisecond)
	feed(chunks, 0.005, 1900*time.Millisecond) // almost enough silence
	feed(chunks, 0.05, 200*time.Millisecond)   // speech resumes, run resets
	feed(chunks, 0.005, 1900*time.Millisecond)

	select {
	case <-d.Utterances():
		t.Fatal("utterance emitted before silence duration was met")
	case <-time.After(300 * time.Millisecond):
	}

	feed(chunks, 0.005, 200*time.Millisecond) // completes a full 2 s run

	select {
	case utt := <-d.Utterances():
		// Both speech stretches plus the quiet gap survive trimming.
		if utt.Duration < 3500*time.Millisecond {
			t.Fatalf("utterance lost interior audio: %v", utt.Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no utterance emitted")
	}
	close(chunks)
}

func TestDetectorDiscardsPartialOnStreamEnd(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	chunks := make(chan audio.Chunk, 64)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), chunks) }()

	feed(chunks, 0.05, 500*time.Millisecond) // recording in progress
	close(chunks)

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case utt, ok := <-d.Utterances():
		if ok {
			t.Fatalf("partial utterance emitted: %v", utt.Duration)
		}
	default:
		t.Fatal("utterance channel not closed")
	}
}

func TestDetectorStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	chunks := make(chan audio.Chunk)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, chunks) }()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if got := d.State(); got != StateIdle {
		t.Fatalf("want idle, got %v", got)
	}
}

func TestTrimKeepsAllQuietBuffer(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	buf := []audio.Chunk{chunkAt(0.001), chunkAt(0.002), chunkAt(0.001)}
	got := trim(buf, cfg)
	if len(got) != len(buf) {
		t.Fatalf("all-quiet buffer must not be trimmed: want %d chunks, got %d", len(buf), len(got))
	}
}

func TestTrimRetainsContextPadding(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	var buf []audio.Chunk
	for i := 0; i < 10; i++ {
		buf = append(buf, chunkAt(0.001)) // 1 s leading quiet
	}
	buf = append(buf, chunkAt(0.05)) // lone loud chunk
	for i := 0; i < 10; i++ {
		buf = append(buf, chunkAt(0.001))
	}

	got := trim(buf, cfg)
	// 200 ms padding = 2 chunks each side, plus the loud chunk.
	if len(got) != 5 {
		t.Fatalf("want 5 chunks after trim, got %d", len(got))
	}
	if got[2].Smoothed != 0.05 {
		t.Fatalf("loud chunk not centred after trim")
	}
}
