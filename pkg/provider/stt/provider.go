// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider receives one complete utterance as raw PCM and returns its
// transcription. Transcription happens remotely (or against a local server
// process); no speech recognition runs in this process.
//
// Implementors must be safe for concurrent use: the orchestrator may overlap
// transcriptions when utterances arrive back to back.
package stt

import "context"

// Request carries one utterance to transcribe.
type Request struct {
	// PCM is 16-bit signed little-endian audio.
	PCM []byte

	// SampleRate in Hz and Channels describe the PCM format.
	SampleRate int
	Channels   int

	// Prompt optionally biases the model with recent conversation context.
	Prompt string
}

// Provider is the abstraction over any transcription backend.
type Provider interface {
	// Transcribe converts req's audio to text. An empty string with a nil
	// error means the audio contained no recognisable speech.
	Transcribe(ctx context.Context, req Request) (string, error)
}
