// Package vrchat integrates with VRChat over OSC: sending text to the
// in-game chatbox and listening for the avatar's MuteSelf parameter, which
// acts as a remote start/stop switch for monitoring.
package vrchat

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/hypebeast/go-osc/osc"
)

// chatboxAddr is the OSC address VRChat reads chatbox text from.
const chatboxAddr = "/chatbox/input"

// maxChatboxRunes is VRChat's chatbox length limit. Longer messages are
// truncated with an ellipsis.
const maxChatboxRunes = 144

// Chatbox sends text to the VRChat chatbox over OSC/UDP.
type Chatbox struct {
	client *osc.Client
	notify bool
}

// NewChatbox creates a chatbox client for the given "host:port" address,
// typically "127.0.0.1:9000". notify controls the in-game notification sound.
func NewChatbox(addr string, notify bool) (*Chatbox, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("vrchat: chatbox address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("vrchat: chatbox port %q: %w", portStr, err)
	}
	return &Chatbox{client: osc.NewClient(host, port), notify: notify}, nil
}

// Send posts text to the chatbox immediately (bypassing the in-game
// keyboard). Text over the chatbox limit is truncated.
func (c *Chatbox) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := osc.NewMessage(chatboxAddr)
	msg.Append(Truncate(text))
	msg.Append(true) // send immediately, skip the keyboard
	msg.Append(c.notify)
	if err := c.client.Send(msg); err != nil {
		return fmt.Errorf("vrchat: send chatbox: %w", err)
	}
	return nil
}

// Truncate shortens text to the chatbox rune limit, appending an ellipsis
// when anything was cut.
func Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxChatboxRunes {
		return text
	}
	return string(runes[:maxChatboxRunes-1]) + "…"
}
