package vrchat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hypebeast/go-osc/osc"
)

// MuteParam is the avatar parameter VRChat reports when the player toggles
// their microphone mute.
const MuteParam = "/avatar/parameters/MuteSelf"

// Controller is the monitoring control surface the bridge drives. It is the
// same entry point the console uses; the bridge itself holds no state
// authority.
type Controller interface {
	StartMonitoring() error
	StopMonitoring() error
}

// MuteBridge listens for MuteSelf updates from VRChat and translates edges
// into monitoring requests: muting the in-game mic (true) starts monitoring,
// unmuting (false) stops it. Repeated values are ignored.
type MuteBridge struct {
	addr string
	ctrl Controller

	mu    sync.Mutex
	muted bool
	conn  net.PacketConn
}

// NewMuteBridge creates a bridge listening on addr (typically
// "127.0.0.1:9001", the port VRChat sends OSC output to).
func NewMuteBridge(addr string, ctrl Controller) *MuteBridge {
	return &MuteBridge{addr: addr, ctrl: ctrl}
}

// Serve listens for OSC packets until ctx is cancelled. It returns nil on
// cancellation and the listen error otherwise.
func (b *MuteBridge) Serve(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", b.addr)
	if err != nil {
		return fmt.Errorf("vrchat: listen %s: %w", b.addr, err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	dispatcher := osc.NewStandardDispatcher()
	if err := dispatcher.AddMsgHandler(MuteParam, b.handle); err != nil {
		conn.Close()
		return fmt.Errorf("vrchat: register handler: %w", err)
	}

	server := &osc.Server{Addr: b.addr, Dispatcher: dispatcher}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	err = server.Serve(conn)
	<-done
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *MuteBridge) handle(msg *osc.Message) {
	if len(msg.Arguments) == 0 {
		return
	}
	muted, ok := boolArg(msg.Arguments[0])
	if !ok {
		slog.Warn("mute parameter with non-boolean payload", "arg", msg.Arguments[0])
		return
	}
	b.observe(muted)
}

// observe applies edge detection and forwards transitions to the controller.
// Duplicate values are no-ops.
func (b *MuteBridge) observe(muted bool) {
	b.mu.Lock()
	if muted == b.muted {
		b.mu.Unlock()
		return
	}
	b.muted = muted
	b.mu.Unlock()

	var err error
	if muted {
		slog.Info("in-game mic muted, starting monitoring")
		err = b.ctrl.StartMonitoring()
	} else {
		slog.Info("in-game mic unmuted, stopping monitoring")
		err = b.ctrl.StopMonitoring()
	}
	if err != nil {
		slog.Error("mute bridge control request failed", "muted", muted, "err", err)
	}
}

// boolArg interprets the OSC payload VRChat sends for a bool parameter.
// Some OSC stacks encode booleans as int32 or float32.
func boolArg(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case int32:
		return t != 0, true
	case float32:
		return t != 0, true
	}
	return false, false
}
