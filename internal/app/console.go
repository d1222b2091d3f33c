package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Console is the line-based command interface driving the App. It reads
// commands from in (stdin in production) and writes human-readable responses
// to out.
type Console struct {
	app *App
	in  io.Reader
	out io.Writer
}

// NewConsole creates a Console bound to the given app and streams.
func NewConsole(a *App, in io.Reader, out io.Writer) *Console {
	return &Console{app: a, in: in, out: out}
}

// Run reads and executes commands until ctx is done, the input stream ends,
// or the quit command is entered. The blocking stdin read happens in its own
// goroutine so cancellation is honoured promptly.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.printf("aizuchi ready. commands: start, stop, status, say <text>, calibrate, history, clear, quit")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if quit := c.execute(ctx, line); quit {
				return nil
			}
		}
	}
}

// execute runs one command line. Returns true when the console should exit.
func (c *Console) execute(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToLower(cmd) {
	case "":
		// Blank line, ignore.

	case "start":
		if err := c.app.StartMonitoring(); err != nil {
			c.printf("error: %v", err)
			break
		}
		c.printf("monitoring started")

	case "stop":
		c.app.StopMonitoring()
		c.printf("monitoring stopped")

	case "status":
		th := c.app.Thresholds()
		c.printf("state=%s start_threshold=%.4f silence_threshold=%.4f turns=%d",
			c.app.State(), th.Start, th.Silence, len(c.app.History()))

	case "say":
		if arg == "" {
			c.printf("usage: say <text>")
			break
		}
		if err := c.app.SubmitText(ctx, arg); err != nil {
			c.printf("error: %v", err)
		}

	case "calibrate":
		c.printf("calibrating: stay quiet, then speak normally when the second phase starts")
		th, err := c.app.Calibrate(ctx)
		if err != nil {
			if errors.Is(err, ErrBusy) {
				c.printf("wait for the current utterance to finish before calibrating")
			} else {
				c.printf("calibration failed: %v", err)
			}
			break
		}
		c.printf("calibrated: start_threshold=%.4f silence_threshold=%.4f", th.Start, th.Silence)

	case "history":
		turns := c.app.History()
		if len(turns) == 0 {
			c.printf("history is empty")
			break
		}
		for _, t := range turns {
			c.printf("[%s] %s: %s", t.At.Format("15:04:05"), t.Role, t.Text)
		}

	case "clear":
		c.app.ClearHistory(ctx)
		c.printf("history cleared")

	case "quit", "exit":
		return true

	default:
		c.printf("unknown command %q", cmd)
	}
	return false
}

func (c *Console) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(c.out, format+"\n", args...); err != nil {
		slog.Warn("console write failed", "err", err)
	}
}
