// Package eliza provides a chat provider backed by an Eliza-style agent
// server: a small HTTP service exposing a /chat completion endpoint and a
// /memory endpoint for persisting conversation history.
//
// The wire format mirrors the chat-completions convention with one
// extension: the response may carry a "sleep" flag asking the caller to end
// the session after delivering the reply.
package eliza

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/karasumi/aizuchi/pkg/provider/chat"
)

// Compile-time assertion that Provider implements chat.Provider.
var _ chat.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIKey sets a Bearer token sent in the Authorization header.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements chat.Provider against an agent server.
type Provider struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// New creates a Provider for the agent server at baseURL
// (e.g., "http://localhost:3000"). baseURL and model must be non-empty.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("eliza: baseURL must not be empty")
	}
	if model == "" {
		return nil, errors.New("eliza: model must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// chatRequest is the /chat request body.
type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []chat.Message `json:"messages"`
	Stream      bool           `json:"stream"`
	Temperature float64        `json:"temperature"`
}

// chatResponse is the /chat response body.
type chatResponse struct {
	Message chat.Message `json:"message"`
	Sleep   bool         `json:"sleep"`
}

// Reply implements chat.Provider. The system prompt is sent as the first
// message; temperature is pinned to 0 so replies stay deterministic.
func (p *Provider) Reply(ctx context.Context, req chat.Request) (chat.Reply, error) {
	messages := make([]chat.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	body := chatRequest{
		Model:       p.model,
		Messages:    messages,
		Stream:      false,
		Temperature: 0.0,
	}

	var resp chatResponse
	if err := p.post(ctx, "/chat", body, &resp); err != nil {
		return chat.Reply{}, err
	}
	if resp.Message.Content == "" {
		return chat.Reply{}, errors.New("eliza: empty reply from agent server")
	}
	return chat.Reply{Text: resp.Message.Content, EndSession: resp.Sleep}, nil
}

// memoryRequest is the /memory request body.
type memoryRequest struct {
	Model    string         `json:"model"`
	Messages []chat.Message `json:"messages"`
}

// SaveMemory asks the agent server to persist the given history. Called on
// shutdown and before the history is cleared, so long-term memory survives
// the bounded in-process window.
func (p *Provider) SaveMemory(ctx context.Context, messages []chat.Message) error {
	if len(messages) == 0 {
		return nil
	}
	return p.post(ctx, "/memory", memoryRequest{Model: p.model, Messages: messages}, nil)
}

// post sends body as JSON to the given path and optionally decodes the
// response into out.
func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("eliza: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("eliza: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("eliza: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("eliza: %s returned HTTP %d: %s", path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("eliza: parse response: %w", err)
	}
	return nil
}
