// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider in unit tests to feed controlled transcripts without a live
// transcription backend. All fields are safe to set before calling any
// method; mutating them during a concurrent call is the caller's
// responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/karasumi/aizuchi/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
// Zero values cause Transcribe to return ("", nil). Set Err to inject errors
// or TranscribeFunc for full per-call control.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe when TranscribeFunc is nil.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if set, overrides Text and Err entirely.
	TranscribeFunc func(ctx context.Context, req stt.Request) (string, error)

	// Calls records every request passed to Transcribe in order.
	Calls []stt.Request
}

// Transcribe records the call and returns the configured transcript.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	fn, text, err := p.TranscribeFunc, p.Text, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return text, err
}

// CallCount returns the number of Transcribe invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
