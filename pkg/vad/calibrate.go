package vad

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karasumi/aizuchi/pkg/audio"
)

// ErrCalibrationInvalid indicates the measured ambient noise was at least as
// loud as the measured speech, so no usable threshold pair exists.
var ErrCalibrationInvalid = errors.New("vad: calibration invalid")

// DefaultCalibrationPhase is the default length of each calibration phase.
const DefaultCalibrationPhase = 2 * time.Second

// Thresholds is a calibrated start/silence threshold pair.
type Thresholds struct {
	// Start is the amplitude above which speech is detected: the mean RMS
	// observed while the user spoke.
	Start float64

	// Silence is the amplitude below which a chunk counts as silent: the
	// maximum RMS observed while the user stayed quiet.
	Silence float64
}

// Calibrate measures thresholds from a live chunk stream in two strictly
// sequential phases: first the user stays silent for silenceDur, then speaks
// normally for speechDur. Phase lengths are measured in audio time, not wall
// time. Zero durations default to [DefaultCalibrationPhase].
//
// Returns [ErrCalibrationInvalid] when the silence maximum is not strictly
// below the speech mean. The chunk stream closing early is an error: the
// capture must outlive both phases.
func Calibrate(ctx context.Context, chunks <-chan audio.Chunk, sampleRate, channels int, silenceDur, speechDur time.Duration) (Thresholds, error) {
	if silenceDur <= 0 {
		silenceDur = DefaultCalibrationPhase
	}
	if speechDur <= 0 {
		speechDur = DefaultCalibrationPhase
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}

	var (
		silenceMax float64
		speechSum  float64
		speechN    int
		elapsed    time.Duration
	)

	for elapsed < silenceDur+speechDur {
		select {
		case <-ctx.Done():
			return Thresholds{}, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return Thresholds{}, errors.New("vad: calibration stream ended early")
			}
			if elapsed < silenceDur {
				silenceMax = max(silenceMax, c.Raw)
			} else {
				speechSum += c.Raw
				speechN++
			}
			elapsed += c.Duration(sampleRate, channels)
		}
	}

	if speechN == 0 {
		return Thresholds{}, errors.New("vad: no speech samples collected")
	}
	speechMean := speechSum / float64(speechN)

	if silenceMax >= speechMean {
		return Thresholds{}, fmt.Errorf("%w: silence max %.4f >= speech mean %.4f", ErrCalibrationInvalid, silenceMax, speechMean)
	}
	return Thresholds{Start: speechMean, Silence: silenceMax}, nil
}
