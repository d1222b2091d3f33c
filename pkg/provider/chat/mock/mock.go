// Package mock provides a test double for the chat.Provider interface.
//
// Use Provider in unit tests to verify what history the orchestrator sends
// and to feed controlled replies without a live agent backend.
package mock

import (
	"context"
	"sync"

	"github.com/karasumi/aizuchi/pkg/provider/chat"
)

// Provider is a mock implementation of chat.Provider.
// Zero values cause Reply to return an empty reply and nil error. Set Err to
// inject errors or ReplyFunc for full per-call control.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Reply when ReplyFunc is nil.
	Response chat.Reply

	// Err, if non-nil, is returned as the error from Reply.
	Err error

	// ReplyFunc, if set, overrides Response and Err entirely.
	ReplyFunc func(ctx context.Context, req chat.Request) (chat.Reply, error)

	// Calls records every request passed to Reply in order.
	Calls []chat.Request
}

// Reply records the call and returns the configured response.
func (p *Provider) Reply(ctx context.Context, req chat.Request) (chat.Reply, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	fn, resp, err := p.ReplyFunc, p.Response, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// CallCount returns the number of Reply invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent request, or a zero request if none.
func (p *Provider) LastCall() chat.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return chat.Request{}
	}
	return p.Calls[len(p.Calls)-1]
}
