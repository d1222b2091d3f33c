package app_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/karasumi/aizuchi/internal/app"
	"github.com/karasumi/aizuchi/internal/config"
	"github.com/karasumi/aizuchi/internal/convlog"
	"github.com/karasumi/aizuchi/pkg/audio"
	"github.com/karasumi/aizuchi/pkg/provider/chat"
	chatmock "github.com/karasumi/aizuchi/pkg/provider/chat/mock"
	sttmock "github.com/karasumi/aizuchi/pkg/provider/stt/mock"
)

// recordingOutput captures everything sent to the output surface.
type recordingOutput struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingOutput) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingOutput) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

// recordingSink captures conversation events.
type recordingSink struct {
	mu     sync.Mutex
	events []convlog.Event
}

func (r *recordingSink) Append(_ context.Context, e convlog.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) Close(context.Context) error { return nil }

func (r *recordingSink) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == convlog.EventError {
			n++
		}
	}
	return n
}

// stoppingSink stops monitoring the moment the agent reply is logged, landing
// a stop in the window between reply acceptance and output delivery.
type stoppingSink struct {
	recordingSink
	app *app.App
}

func (s *stoppingSink) Append(ctx context.Context, e convlog.Event) error {
	if e.Type == convlog.EventConversation && e.Source == "agent" {
		s.app.StopMonitoring()
	}
	return s.recordingSink.Append(ctx, e)
}

// savingAgent is a chat provider that also records SaveMemory calls.
type savingAgent struct {
	chatmock.Provider

	mu    sync.Mutex
	saved [][]chat.Message
}

func (s *savingAgent) SaveMemory(_ context.Context, messages []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, messages)
	return nil
}

// failingContext wraps a FakeContext and injects a capture error into every
// device it opens.
type failingContext struct {
	inner *audio.FakeContext
	err   error
}

func (f *failingContext) Devices() ([]audio.DeviceInfo, error) { return f.inner.Devices() }
func (f *failingContext) Close()                               {}

func (f *failingContext) NewCapture(dev *audio.DeviceInfo, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	capture, err := f.inner.NewCapture(dev, cfg)
	if err != nil {
		return nil, err
	}
	capture.(*audio.FakeCapture).InjectError(f.err)
	return capture, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func newApp(t *testing.T, cfg *config.Config, providers app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func TestVoicePipelineDeliversReply(t *testing.T) {
	t.Parallel()

	var pcm []byte
	pcm = append(pcm, audio.ConstantPCM(0.003, 500*time.Millisecond, 16000)...)
	pcm = append(pcm, audio.ConstantPCM(0.05, 1200*time.Millisecond, 16000)...)
	pcm = append(pcm, audio.ConstantPCM(0.003, 2500*time.Millisecond, 16000)...)

	cfg := config.Default()
	sttp := &sttmock.Provider{Text: "konnichiwa"}
	agent := &chatmock.Provider{Response: chat.Reply{Text: "hai hai"}}
	out := &recordingOutput{}

	a := newApp(t, cfg, app.Providers{
		STT:   sttp,
		Agent: agent,
		Audio: audio.NewFakeContext(pcm, false),
	}, app.WithOutput(out), app.WithSink(&recordingSink{}))

	if err := a.StartMonitoring(); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return len(out.messages()) >= 2
	}, "pipeline did not deliver transcript echo and reply")

	got := out.messages()
	if got[0] != "> konnichiwa" {
		t.Errorf("first message should be the quoted transcript, got %q", got[0])
	}
	if got[1] != "hai hai" {
		t.Errorf("second message should be the agent reply, got %q", got[1])
	}

	waitFor(t, time.Second, func() bool {
		return len(a.History()) == 2
	}, "history should hold the user and agent turns")
	turns := a.History()
	if turns[0].Role != chat.RoleUser || turns[0].Text != "konnichiwa" {
		t.Errorf("first turn: want user konnichiwa, got %+v", turns[0])
	}
	if turns[1].Role != chat.RoleAssistant || turns[1].Text != "hai hai" {
		t.Errorf("second turn: want assistant reply, got %+v", turns[1])
	}

	waitFor(t, time.Second, func() bool {
		return a.State() == app.StateMonitoring
	}, "state should return to monitoring after the pipeline run")
}

func TestStopDuringProcessingDiscardsLateReply(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	agent := &chatmock.Provider{
		ReplyFunc: func(context.Context, chat.Request) (chat.Reply, error) {
			<-release
			return chat.Reply{Text: "too late"}, nil
		},
	}
	out := &recordingOutput{}
	a := newApp(t, config.Default(), app.Providers{Agent: agent},
		app.WithOutput(out), app.WithSink(&recordingSink{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.SubmitText(context.Background(), "are you there")
	}()

	waitFor(t, time.Second, func() bool { return agent.CallCount() == 1 },
		"agent call should be in flight")

	// Stop while the agent call is pending, then let the reply land.
	a.StopMonitoring()
	close(release)
	<-done

	if msgs := out.messages(); len(msgs) != 0 {
		t.Errorf("stale reply must not reach the output, got %v", msgs)
	}
	turns := a.History()
	if len(turns) != 1 || turns[0].Role != chat.RoleUser {
		t.Errorf("stale reply must not append an agent turn, history: %+v", turns)
	}
	if got := a.State(); got != app.StateIdle {
		t.Errorf("state after stop: want idle, got %v", got)
	}
}

func TestEndSessionReplyStopsMonitoring(t *testing.T) {
	t.Parallel()

	agent := &chatmock.Provider{Response: chat.Reply{Text: "oyasumi", EndSession: true}}
	out := &recordingOutput{}
	a := newApp(t, config.Default(), app.Providers{
		STT:   &sttmock.Provider{},
		Agent: agent,
		Audio: audio.NewFakeContext(nil, false),
	}, app.WithOutput(out), app.WithSink(&recordingSink{}))

	if err := a.StartMonitoring(); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	waitFor(t, time.Second, func() bool { return a.State() == app.StateMonitoring },
		"monitoring should be active")

	if err := a.SubmitText(context.Background(), "good night"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	// The farewell goes out first, then the session ends on its own.
	msgs := out.messages()
	if len(msgs) != 1 || msgs[0] != "oyasumi" {
		t.Errorf("want the farewell delivered, got %v", msgs)
	}
	waitFor(t, time.Second, func() bool { return a.State() == app.StateIdle },
		"end-session reply should stop monitoring")
}

func TestStopAfterReplyAcceptedSkipsOutput(t *testing.T) {
	t.Parallel()

	sink := &stoppingSink{}
	agent := &chatmock.Provider{Response: chat.Reply{Text: "okaeri"}}
	out := &recordingOutput{}
	a := newApp(t, config.Default(), app.Providers{Agent: agent},
		app.WithOutput(out), app.WithSink(sink))
	sink.app = a

	if err := a.SubmitText(context.Background(), "tadaima"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	if msgs := out.messages(); len(msgs) != 0 {
		t.Errorf("output after a stop must be skipped, got %v", msgs)
	}
	// The reply itself was accepted before the stop, so both turns remain.
	if turns := a.History(); len(turns) != 2 {
		t.Errorf("want both turns kept, got %+v", turns)
	}
}

func TestStartMonitoringTwiceIsNoOp(t *testing.T) {
	t.Parallel()

	a := newApp(t, config.Default(), app.Providers{
		STT:   &sttmock.Provider{},
		Agent: &chatmock.Provider{},
		Audio: audio.NewFakeContext(nil, false),
	}, app.WithSink(&recordingSink{}))

	if err := a.StartMonitoring(); err != nil {
		t.Fatalf("first StartMonitoring: %v", err)
	}
	if err := a.StartMonitoring(); err != nil {
		t.Fatalf("second StartMonitoring should be a no-op, got: %v", err)
	}
	a.StopMonitoring()
	if got := a.State(); got != app.StateIdle {
		t.Errorf("state after stop: want idle, got %v", got)
	}
}

func TestCaptureFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	a := newApp(t, config.Default(), app.Providers{
		STT:   &sttmock.Provider{},
		Agent: &chatmock.Provider{},
		Audio: &failingContext{
			inner: audio.NewFakeContext(nil, false),
			err:   errors.New("device unplugged"),
		},
	}, app.WithSink(sink))

	if err := a.StartMonitoring(); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return a.State() == app.StateIdle },
		"capture failure should force idle")
	if sink.errorCount() == 0 {
		t.Error("capture failure should be reported to the event sink")
	}
}

func TestCaptureFailureKeepsInFlightRunAlive(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	agent := &chatmock.Provider{
		ReplyFunc: func(context.Context, chat.Request) (chat.Reply, error) {
			<-release
			return chat.Reply{Text: "mada iru yo"}, nil
		},
	}
	sttp := &sttmock.Provider{}
	sink := &recordingSink{}
	out := &recordingOutput{}
	a := newApp(t, config.Default(), app.Providers{
		STT:   sttp,
		Agent: agent,
		Audio: &failingContext{
			inner: audio.NewFakeContext(nil, false),
			err:   errors.New("device unplugged"),
		},
	}, app.WithOutput(out), app.WithSink(sink))

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.SubmitText(context.Background(), "are you still there")
	}()
	waitFor(t, time.Second, func() bool { return agent.CallCount() == 1 },
		"agent call should be in flight")

	if err := a.StartMonitoring(); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return sink.errorCount() > 0 },
		"capture failure should be reported")
	// Window in which a mishandled detector shutdown could fire spurious runs.
	time.Sleep(50 * time.Millisecond)

	close(release)
	<-done

	// The failure must not invalidate the run that was already in flight.
	if msgs := out.messages(); len(msgs) != 1 || msgs[0] != "mada iru yo" {
		t.Errorf("in-flight reply should still be delivered, got %v", msgs)
	}
	if n := sttp.CallCount(); n != 0 {
		t.Errorf("no transcriptions expected without an utterance, got %d", n)
	}
}

func TestHistoryBoundEvictsOldestTurns(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Conversation.MaxHistory = 4
	agent := &chatmock.Provider{Response: chat.Reply{Text: "ok"}}
	a := newApp(t, cfg, app.Providers{Agent: agent}, app.WithSink(&recordingSink{}))

	for _, text := range []string{"one", "two", "three"} {
		if err := a.SubmitText(context.Background(), text); err != nil {
			t.Fatalf("SubmitText(%q): %v", text, err)
		}
	}

	turns := a.History()
	if len(turns) != 4 {
		t.Fatalf("history length: want 4, got %d", len(turns))
	}
	if turns[0].Role != chat.RoleUser || turns[0].Text != "two" {
		t.Errorf("oldest surviving turn: want user 'two', got %+v", turns[0])
	}
	if turns[3].Role != chat.RoleAssistant {
		t.Errorf("newest turn should be the agent reply, got %+v", turns[3])
	}

	// The agent sees the bounded history including the new user turn.
	last := agent.LastCall()
	if len(last.Messages) != 4 {
		t.Errorf("agent context length: want 4, got %d", len(last.Messages))
	}
	if last.Messages[len(last.Messages)-1].Content != "three" {
		t.Errorf("agent context should end with the new user turn, got %+v", last.Messages)
	}
}

func TestClearHistoryHandsTurnsToMemory(t *testing.T) {
	t.Parallel()

	agent := &savingAgent{}
	agent.Response = chat.Reply{Text: "noted"}
	a := newApp(t, config.Default(), app.Providers{Agent: agent}, app.WithSink(&recordingSink{}))

	if err := a.SubmitText(context.Background(), "remember this"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	a.ClearHistory(context.Background())

	if len(a.History()) != 0 {
		t.Errorf("history should be empty after clear, got %d turns", len(a.History()))
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.saved) != 1 || len(agent.saved[0]) != 2 {
		t.Fatalf("cleared turns should be saved once, got %+v", agent.saved)
	}
	if agent.saved[0][0].Content != "remember this" {
		t.Errorf("saved messages should start with the user turn, got %+v", agent.saved[0])
	}
}

func TestShutdownHandsHistoryToMemory(t *testing.T) {
	t.Parallel()

	agent := &savingAgent{}
	agent.Response = chat.Reply{Text: "noted"}
	a := newApp(t, config.Default(), app.Providers{Agent: agent}, app.WithSink(&recordingSink{}))

	if err := a.SubmitText(context.Background(), "remember me"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.saved) != 1 || len(agent.saved[0]) != 2 {
		t.Fatalf("history should be saved once on shutdown, got %+v", agent.saved)
	}
	if agent.saved[0][0].Content != "remember me" {
		t.Errorf("saved messages should start with the user turn, got %+v", agent.saved[0])
	}
}

func TestEvictedTurnsArePersisted(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Conversation.MaxHistory = 2
	agent := &savingAgent{}
	agent.Response = chat.Reply{Text: "ok"}
	a := newApp(t, cfg, app.Providers{Agent: agent}, app.WithSink(&recordingSink{}))

	for _, text := range []string{"one", "two"} {
		if err := a.SubmitText(context.Background(), text); err != nil {
			t.Fatalf("SubmitText(%q): %v", text, err)
		}
	}

	// The first exchange fell off the two-turn window and must reach the
	// agent's memory in order.
	agent.mu.Lock()
	defer agent.mu.Unlock()
	var flat []string
	for _, batch := range agent.saved {
		for _, m := range batch {
			flat = append(flat, m.Content)
		}
	}
	if len(flat) != 2 || flat[0] != "one" || flat[1] != "ok" {
		t.Fatalf("want evicted turns [one ok] persisted, got %v", flat)
	}
}

func TestSubmitTextRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	a := newApp(t, config.Default(), app.Providers{Agent: &chatmock.Provider{}},
		app.WithSink(&recordingSink{}))
	if err := a.SubmitText(context.Background(), "   "); err == nil {
		t.Error("expected error for blank text, got nil")
	}
}

func TestAgentFailureIsRecoverable(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	agent := &chatmock.Provider{Err: errors.New("backend down")}
	out := &recordingOutput{}
	a := newApp(t, config.Default(), app.Providers{Agent: agent},
		app.WithOutput(out), app.WithSink(sink))

	if err := a.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatalf("SubmitText should not surface the agent error, got: %v", err)
	}
	if sink.errorCount() != 1 {
		t.Errorf("agent failure should be reported once, got %d error events", sink.errorCount())
	}
	if len(out.messages()) != 0 {
		t.Errorf("no output expected on agent failure, got %v", out.messages())
	}
	turns := a.History()
	if len(turns) != 1 || turns[0].Role != chat.RoleUser {
		t.Errorf("only the user turn should remain, got %+v", turns)
	}
	if got := a.State(); got != app.StateIdle {
		t.Errorf("state after failed run: want idle, got %v", got)
	}
}

func TestCalibrateUpdatesThresholds(t *testing.T) {
	t.Parallel()

	// Phase lengths aligned to the fake capture's 64 ms chunks so every
	// chunk falls cleanly into one phase.
	cfg := config.Default()
	cfg.VAD.Calibration.SilenceSecs = 2.048
	cfg.VAD.Calibration.SpeechSecs = 2.048

	var pcm []byte
	pcm = append(pcm, audio.ConstantPCM(0.01, 2048*time.Millisecond, 16000)...)
	pcm = append(pcm, audio.ConstantPCM(0.10, 2048*time.Millisecond, 16000)...)

	a := newApp(t, cfg, app.Providers{
		STT:   &sttmock.Provider{},
		Agent: &chatmock.Provider{},
		Audio: audio.NewFakeContext(pcm, false),
	}, app.WithSink(&recordingSink{}))

	th, err := a.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if math.Abs(th.Silence-0.01) > 0.001 {
		t.Errorf("silence threshold: want ~0.01, got %.4f", th.Silence)
	}
	if math.Abs(th.Start-0.10) > 0.001 {
		t.Errorf("start threshold: want ~0.10, got %.4f", th.Start)
	}
	if got := a.Thresholds(); got != th {
		t.Errorf("calibrated thresholds should be installed, got %+v", got)
	}
}

func TestCalibrateWhileMonitoringSuspendsAndResumes(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.VAD.Calibration.SilenceSecs = 2.048
	cfg.VAD.Calibration.SpeechSecs = 2.048
	// Keep the replayed audio below the trigger so the live session stays in
	// plain monitoring while Calibrate is called.
	cfg.VAD.StartThreshold = 0.5
	cfg.VAD.SilenceThreshold = 0.4

	var pcm []byte
	pcm = append(pcm, audio.ConstantPCM(0.01, 2048*time.Millisecond, 16000)...)
	pcm = append(pcm, audio.ConstantPCM(0.10, 2048*time.Millisecond, 16000)...)

	a := newApp(t, cfg, app.Providers{
		STT:   &sttmock.Provider{},
		Agent: &chatmock.Provider{},
		Audio: audio.NewFakeContext(pcm, false),
	}, app.WithSink(&recordingSink{}))

	if err := a.StartMonitoring(); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	th, err := a.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("Calibrate while monitoring: %v", err)
	}
	if math.Abs(th.Silence-0.01) > 0.001 || math.Abs(th.Start-0.10) > 0.001 {
		t.Errorf("thresholds: want ~0.01/~0.10, got %.4f/%.4f", th.Silence, th.Start)
	}
	if got := a.State(); got == app.StateIdle {
		t.Error("monitoring should be resumed after calibration")
	}
}

func TestCalibrateRefusedWhileProcessing(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	agent := &chatmock.Provider{
		ReplyFunc: func(context.Context, chat.Request) (chat.Reply, error) {
			<-release
			return chat.Reply{Text: "matte"}, nil
		},
	}
	a := newApp(t, config.Default(), app.Providers{
		Agent: agent,
		Audio: audio.NewFakeContext(nil, false),
	}, app.WithSink(&recordingSink{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.SubmitText(context.Background(), "chotto")
	}()
	waitFor(t, time.Second, func() bool { return agent.CallCount() == 1 },
		"agent call should be in flight")

	if _, err := a.Calibrate(context.Background()); !errors.Is(err, app.ErrBusy) {
		t.Errorf("want ErrBusy during processing, got: %v", err)
	}
	close(release)
	<-done
}

func TestConsoleCommands(t *testing.T) {
	t.Parallel()

	agent := &chatmock.Provider{Response: chat.Reply{Text: "genki desu"}}
	a := newApp(t, config.Default(), app.Providers{Agent: agent},
		app.WithSink(&recordingSink{}))

	in := strings.NewReader("say how are you\nhistory\nbogus\nquit\n")
	var out strings.Builder
	console := app.NewConsole(a, in, &out)

	if err := console.Run(context.Background()); err != nil {
		t.Fatalf("console run: %v", err)
	}

	output := out.String()
	if !strings.Contains(output, "genki desu") {
		t.Errorf("history listing should show the reply, output:\n%s", output)
	}
	if !strings.Contains(output, `unknown command "bogus"`) {
		t.Errorf("unknown command should be reported, output:\n%s", output)
	}
	if agent.CallCount() != 1 {
		t.Errorf("say should trigger exactly one agent call, got %d", agent.CallCount())
	}
}
