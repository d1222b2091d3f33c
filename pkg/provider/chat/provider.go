// Package chat defines the Provider interface for conversational agent
// backends: the component that turns a transcribed user message plus
// conversation history into a reply.
//
// Implementors must be safe for concurrent use and should propagate context
// cancellation promptly.
package chat

import "context"

// Role identifies the author of a [Message].
type Role string

// Message roles, matching the usual chat-completion wire convention.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries everything the agent needs to produce a reply.
type Request struct {
	// Messages is the ordered conversation history, oldest first. The last
	// message is from the user and drives the reply.
	Messages []Message

	// SystemPrompt is the persona instruction injected before the history.
	SystemPrompt string
}

// Reply is the agent's response to one request.
type Reply struct {
	// Text is the reply to deliver to the output channel.
	Text string

	// EndSession reports that the agent wants the session to end after this
	// reply has been delivered.
	EndSession bool
}

// Provider is the abstraction over any conversational agent backend.
type Provider interface {
	Reply(ctx context.Context, req Request) (Reply, error)
}
