// Package vad implements amplitude-based voice activity detection over a
// live audio chunk stream, plus the two-phase threshold calibrator.
//
// The [Detector] watches the smoothed amplitude of incoming chunks. When it
// rises above the start threshold a recording begins, seeded with a short
// pre-roll so the first syllable is not clipped. Once the grace period has
// passed, a continuous run of quiet chunks lasting the silence duration ends
// the recording; the buffer is trimmed and emitted as an [Utterance].
package vad

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/karasumi/aizuchi/pkg/audio"
)

// State is the detector's position in the capture lifecycle.
type State int32

const (
	// StateIdle means no chunk stream is being consumed.
	StateIdle State = iota

	// StateMonitoring means chunks are analysed but not retained beyond the
	// pre-roll window.
	StateMonitoring

	// StateRecording means an utterance is being accumulated.
	StateRecording
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMonitoring:
		return "monitoring"
	case StateRecording:
		return "recording"
	}
	return "unknown"
}

// ContextPadding is the amount of sub-threshold audio retained on each side
// of detected speech: as pre-roll before the trigger chunk and as context
// kept when trimming quiet edges.
const ContextPadding = 200 * time.Millisecond

// Config holds the detection parameters. Zero durations fall back to the
// defaults applied by [New].
type Config struct {
	// StartThreshold is the smoothed amplitude above which speech begins.
	StartThreshold float64

	// SilenceThreshold is the smoothed amplitude below which a chunk counts
	// as silent. Must be below StartThreshold.
	SilenceThreshold float64

	// SilenceDuration is how long the signal must stay continuously below
	// SilenceThreshold to end a recording. Defaults to 2s.
	SilenceDuration time.Duration

	// GracePeriod suppresses silence evaluation for this long after a
	// recording starts, so a pause right after the trigger does not end the
	// utterance prematurely. Defaults to 1s.
	GracePeriod time.Duration

	// MinDuration discards trimmed utterances shorter than this instead of
	// emitting them. Zero disables the guard.
	MinDuration time.Duration

	// SampleRate and Channels describe the PCM format of incoming chunks.
	// Default to 16000 and 1.
	SampleRate int
	Channels   int
}

// Utterance is one contiguous stretch of detected speech, trimmed and ready
// for transcription. The PCM is owned by the receiver.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Duration   time.Duration
	Start      time.Time
}

// Detector is the voice activity state machine. Create with [New], drive it
// with [Detector.Run], and consume [Detector.Utterances].
type Detector struct {
	cfg        Config
	utterances chan Utterance
	state      atomic.Int32
}

// New returns a stopped detector with defaults applied to cfg.
func New(cfg Config) *Detector {
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = 2 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &Detector{
		cfg:        cfg,
		utterances: make(chan Utterance, 8),
	}
}

// State reports the detector's current state. Safe for concurrent use.
func (d *Detector) State() State {
	return State(d.state.Load())
}

// Utterances returns the channel of completed utterances. It is closed when
// Run returns.
func (d *Detector) Utterances() <-chan Utterance { return d.utterances }

// Run consumes chunks until the channel closes or ctx is cancelled. In both
// cases any in-progress recording is discarded without emitting a partial
// utterance. Returns ctx.Err() on cancellation, nil when the stream ended.
func (d *Detector) Run(ctx context.Context, chunks <-chan audio.Chunk) error {
	d.state.Store(int32(StateMonitoring))
	defer d.state.Store(int32(StateIdle))
	defer close(d.utterances)

	var (
		preroll    []audio.Chunk
		prerollDur time.Duration

		recording    []audio.Chunk
		sinceTrigger time.Duration
		silenceRun   time.Duration
		recStart     time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c, ok := <-chunks:
			if !ok {
				return nil
			}
			dur := c.Duration(d.cfg.SampleRate, d.cfg.Channels)

			switch d.State() {
			case StateMonitoring:
				if c.Smoothed > d.cfg.StartThreshold {
					recording = append(recording[:0:0], preroll...)
					recording = append(recording, c)
					sinceTrigger = dur
					silenceRun = 0
					recStart = c.Timestamp
					preroll, prerollDur = nil, 0
					d.state.Store(int32(StateRecording))
					continue
				}
				preroll = append(preroll, c)
				prerollDur += dur
				for len(preroll) > 1 && prerollDur-preroll[0].Duration(d.cfg.SampleRate, d.cfg.Channels) >= ContextPadding {
					prerollDur -= preroll[0].Duration(d.cfg.SampleRate, d.cfg.Channels)
					preroll = preroll[1:]
				}

			case StateRecording:
				recording = append(recording, c)
				sinceTrigger += dur

				// Silence is never evaluated inside the grace period,
				// measured from the trigger chunk.
				if sinceTrigger <= d.cfg.GracePeriod {
					silenceRun = 0
					continue
				}
				if c.Smoothed < d.cfg.SilenceThreshold {
					silenceRun += dur
					if silenceRun >= d.cfg.SilenceDuration {
						utt, ok := d.finalize(recording, recStart)
						recording, sinceTrigger, silenceRun = nil, 0, 0
						d.state.Store(int32(StateMonitoring))
						if ok {
							select {
							case d.utterances <- utt:
							case <-ctx.Done():
								return ctx.Err()
							}
						}
					}
				} else {
					silenceRun = 0
				}
			}
		}
	}
}

// finalize trims quiet edges from the recording and builds the utterance.
// Reports false when the result falls under the minimum duration guard.
func (d *Detector) finalize(recording []audio.Chunk, start time.Time) (Utterance, bool) {
	trimmed := trim(recording, d.cfg)

	var total time.Duration
	var size int
	for _, c := range trimmed {
		total += c.Duration(d.cfg.SampleRate, d.cfg.Channels)
		size += len(c.PCM)
	}
	if d.cfg.MinDuration > 0 && total < d.cfg.MinDuration {
		return Utterance{}, false
	}

	pcm := make([]byte, 0, size)
	for _, c := range trimmed {
		pcm = append(pcm, c.PCM...)
	}
	return Utterance{
		PCM:        pcm,
		SampleRate: d.cfg.SampleRate,
		Channels:   d.cfg.Channels,
		Duration:   total,
		Start:      start,
	}, true
}

// trim removes leading and trailing chunks whose smoothed amplitude is below
// the silence threshold, always retaining up to [ContextPadding] of quiet
// context on each side of the speech. A buffer with no above-threshold chunk
// is returned untouched rather than trimmed to nothing.
func trim(buf []audio.Chunk, cfg Config) []audio.Chunk {
	firstLoud, lastLoud := -1, -1
	for i, c := range buf {
		if c.Smoothed >= cfg.SilenceThreshold {
			if firstLoud == -1 {
				firstLoud = i
			}
			lastLoud = i
		}
	}
	if firstLoud == -1 {
		return buf
	}

	start := firstLoud
	var pad time.Duration
	for start > 0 && pad < ContextPadding {
		start--
		pad += buf[start].Duration(cfg.SampleRate, cfg.Channels)
	}

	end := lastLoud
	pad = 0
	for end < len(buf)-1 && pad < ContextPadding {
		end++
		pad += buf[end].Duration(cfg.SampleRate, cfg.Channels)
	}

	return buf[start : end+1]
}
