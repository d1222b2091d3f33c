// Package app wires all aizuchi subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run blocks until the context is done, and Shutdown tears
// everything down in order.
//
// All control paths (console commands, the VRChat mute bridge, the agent's
// end-session flag) resolve to the same StartMonitoring/StopMonitoring pair,
// and every asynchronous pipeline completion is validated against an epoch
// counter before it may touch state. A session the user stopped can therefore
// never be resurrected by a late transcription or agent reply.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/karasumi/aizuchi/internal/config"
	"github.com/karasumi/aizuchi/internal/convlog"
	"github.com/karasumi/aizuchi/internal/hotword"
	"github.com/karasumi/aizuchi/internal/observe"
	"github.com/karasumi/aizuchi/pkg/audio"
	"github.com/karasumi/aizuchi/pkg/provider/chat"
	"github.com/karasumi/aizuchi/pkg/provider/stt"
	"github.com/karasumi/aizuchi/pkg/vad"
)

// ErrBusy is returned by Calibrate while an utterance is being recorded or a
// pipeline run is still in flight.
var ErrBusy = errors.New("app: calibration requires no active recording or pipeline run")

// State is the application-level pipeline state.
type State int

const (
	// StateIdle means no monitoring session is active.
	StateIdle State = iota

	// StateMonitoring means live audio is being watched for speech.
	StateMonitoring

	// StateRecording means an utterance is currently being captured.
	StateRecording

	// StateProcessing means at least one pipeline run is in flight.
	StateProcessing
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMonitoring:
		return "monitoring"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Turn is one entry in the bounded conversation history.
type Turn struct {
	Role chat.Role
	Text string
	At   time.Time
}

// Output delivers reply text to the user-facing surface (the VRChat chatbox
// in production; a test double in tests).
type Output interface {
	Send(ctx context.Context, text string) error
}

// memorySaver is implemented by agent providers that support persisting the
// conversation before the history is cleared.
type memorySaver interface {
	SaveMemory(ctx context.Context, messages []chat.Message) error
}

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry. STT may be nil when only text input is used.
type Providers struct {
	STT   stt.Provider
	Agent chat.Provider
	Audio audio.Context
}

// monitor bundles the per-session capture resources. A new one is created on
// every StartMonitoring and discarded on teardown.
type monitor struct {
	stream   *audio.Stream
	detector *vad.Detector
	cancel   context.CancelFunc
	done     chan struct{}
}

// App owns all subsystem lifetimes and orchestrates the voice pipeline.
type App struct {
	cfg       *config.Config
	providers Providers
	output    Output
	sink      convlog.Sink
	metrics   *observe.Metrics
	hotwords  *hotword.Corrector

	// runCtx spans the app lifetime. Pipeline runs derive from it rather
	// than from the monitoring session, so stopping a session never
	// force-cancels an in-flight remote call; the epoch check alone decides
	// whether its result is applied.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu         sync.Mutex
	epoch      int64
	mon        *monitor
	processing int
	history    []Turn
	thresholds vad.Thresholds

	// pipelines tracks in-flight pipeline goroutines for Shutdown.
	pipelines sync.WaitGroup

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithOutput injects the reply output surface.
func WithOutput(o Output) Option {
	return func(a *App) { a.output = o }
}

// WithSink injects the conversation event sink.
func WithSink(s convlog.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics injects a Metrics instance instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App from the config and providers. The agent provider is
// required; STT and audio may be nil when only SubmitText is used.
func New(cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	if providers.Agent == nil {
		return nil, fmt.Errorf("app: agent provider is required")
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	a := &App{
		cfg:       cfg,
		providers: providers,
		runCtx:    runCtx,
		runCancel: runCancel,
		thresholds: vad.Thresholds{
			Start:   cfg.VAD.StartThreshold,
			Silence: cfg.VAD.SilenceThreshold,
		},
	}
	if len(cfg.Conversation.Hotwords) > 0 {
		a.hotwords = hotword.New(cfg.Conversation.Hotwords)
	}
	for _, o := range opts {
		o(a)
	}
	if a.sink == nil {
		a.sink = convlog.NewSlogSink(slog.Default())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// State returns the current application state. Processing takes precedence
// over the capture states because at least one pipeline run is in flight.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.processing > 0 {
		return StateProcessing
	}
	if a.mon == nil {
		return StateIdle
	}
	if a.mon.detector.State() == vad.StateRecording {
		return StateRecording
	}
	return StateMonitoring
}

// Thresholds returns the VAD thresholds currently in effect.
func (a *App) Thresholds() vad.Thresholds {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.thresholds
}

// ─── Monitoring control ──────────────────────────────────────────────────────

// StartMonitoring opens the capture stream and starts voice activity
// detection. Calling it while a session is already active is a no-op.
func (a *App) StartMonitoring() error {
	if a.providers.Audio == nil || a.providers.STT == nil {
		return fmt.Errorf("app: monitoring requires audio and stt providers")
	}

	a.mu.Lock()
	if a.mon != nil {
		a.mu.Unlock()
		slog.Debug("monitoring already active")
		return nil
	}
	th := a.thresholds
	a.mu.Unlock()

	stream, err := audio.OpenStream(a.providers.Audio, audio.StreamConfig{
		DeviceName: a.cfg.Audio.DeviceName,
		SampleRate: a.cfg.Audio.SampleRate,
		Channels:   a.cfg.Audio.Channels,
	})
	if err != nil {
		a.reportError(a.runCtx, fmt.Sprintf("cannot start monitoring: %v", err))
		return fmt.Errorf("app: start monitoring: %w", err)
	}

	detector := vad.New(vad.Config{
		StartThreshold:   th.Start,
		SilenceThreshold: th.Silence,
		SilenceDuration:  a.cfg.VAD.SilenceDuration(),
		GracePeriod:      a.cfg.VAD.GracePeriod(),
		MinDuration:      a.cfg.VAD.MinUtterance(),
		SampleRate:       stream.SampleRate(),
		Channels:         stream.Channels(),
	})

	mctx, cancel := context.WithCancel(a.runCtx)
	m := &monitor{
		stream:   stream,
		detector: detector,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	a.mu.Lock()
	if a.mon != nil {
		// Lost a start/start race; keep the existing session.
		a.mu.Unlock()
		cancel()
		stream.Close()
		return nil
	}
	a.mon = m
	a.mu.Unlock()

	a.metrics.ActiveSessions.Add(mctx, 1)
	go a.consumeUtterances(mctx, detector)
	go a.runDetector(mctx, m)

	slog.Info("monitoring started",
		"start_threshold", th.Start,
		"silence_threshold", th.Silence,
	)
	return nil
}

// StopMonitoring increments the pipeline epoch, then tears the capture
// session down. The epoch bump comes first: any pipeline completion issued
// before this call is stale by the time teardown finishes and will be
// discarded, never applied. Buffered recording audio is dropped without
// emitting an utterance. Safe to call from any state.
func (a *App) StopMonitoring() error {
	a.mu.Lock()
	a.epoch++
	m := a.mon
	a.mon = nil
	a.mu.Unlock()

	if m == nil {
		return nil
	}
	m.cancel()
	m.stream.Close()
	<-m.done

	a.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("monitoring stopped")
	return nil
}

// runDetector drives the detector loop for one monitoring session and handles
// capture failure. When the chunk channel closes because the device failed,
// the session is torn down and the app returns to Idle; in-flight pipeline
// runs keep their epoch and may still complete.
func (a *App) runDetector(ctx context.Context, m *monitor) {
	defer close(m.done)

	if err := m.detector.Run(ctx, m.stream.Chunks()); err != nil {
		// Context cancelled: StopMonitoring owns the teardown.
		return
	}

	cerr := m.stream.Err()
	if cerr == nil {
		// Clean close from StopMonitoring.
		return
	}

	a.mu.Lock()
	current := a.mon == m
	if current {
		a.mon = nil
	}
	a.mu.Unlock()
	if !current {
		return
	}

	m.cancel()
	a.metrics.ActiveSessions.Add(context.Background(), -1)
	a.metrics.RecordPipelineError(ctx, "capture")
	a.reportError(a.runCtx, fmt.Sprintf("audio capture failed, monitoring stopped: %v", cerr))
}

// consumeUtterances launches a pipeline run for each completed utterance.
// The detector closes its utterance channel when it stops, on cancellation
// and on capture failure alike.
func (a *App) consumeUtterances(ctx context.Context, detector *vad.Detector) {
	for {
		select {
		case <-ctx.Done():
			return
		case utt, ok := <-detector.Utterances():
			if !ok {
				return
			}
			a.pipelines.Add(1)
			go func() {
				defer a.pipelines.Done()
				a.runPipeline(a.runCtx, utt)
			}()
		}
	}
}

// ─── Pipeline ────────────────────────────────────────────────────────────────

// runPipeline executes one transcribe→converse→output sequence for a captured
// utterance. Starting a run advances the epoch, so a previous run that has
// not yet committed becomes stale and cannot apply after this one.
func (a *App) runPipeline(ctx context.Context, utt vad.Utterance) {
	a.mu.Lock()
	a.epoch++
	e := a.epoch
	a.processing++
	a.mu.Unlock()
	defer a.endProcessing()

	a.metrics.RecordUtterance(ctx, "voice")
	slog.Debug("utterance captured", "duration", utt.Duration)

	start := time.Now()
	text, err := a.providers.STT.Transcribe(ctx, stt.Request{
		PCM:        utt.PCM,
		SampleRate: utt.SampleRate,
		Channels:   utt.Channels,
	})
	a.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		a.metrics.RecordPipelineError(ctx, "transcription")
		a.reportError(ctx, fmt.Sprintf("transcription failed: %v", err))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		slog.Debug("no recognisable speech in utterance")
		return
	}
	if a.hotwords != nil {
		corrected, n := a.hotwords.Correct(text)
		if n > 0 {
			slog.Debug("hotwords corrected", "count", n, "text", corrected)
		}
		text = corrected
	}

	if a.cfg.VRChat.EchoTranscript && a.output != nil && a.stillCurrent(e) {
		// Best effort: the user's own words, quoted, ahead of the reply.
		if err := a.output.Send(ctx, "> "+text); err != nil {
			slog.Warn("transcript echo failed", "err", err)
		}
	}

	a.converse(ctx, e, text)
}

// SubmitText runs the converse→output sequence for a typed message under the
// current epoch, bypassing capture and transcription entirely. It works in
// any state, including Idle.
func (a *App) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("app: empty text")
	}

	a.mu.Lock()
	e := a.epoch
	a.processing++
	a.mu.Unlock()
	defer a.endProcessing()

	a.metrics.RecordUtterance(ctx, "text")
	a.converse(ctx, e, text)
	return nil
}

// converse sends the user text plus bounded history to the agent and applies
// the reply. Every state mutation re-validates epoch e under the lock; a
// stale completion is counted and dropped without touching history, output,
// or monitoring state.
func (a *App) converse(ctx context.Context, e int64, text string) {
	a.mu.Lock()
	if e != a.epoch {
		a.mu.Unlock()
		a.discardStale(ctx, "transcription")
		return
	}
	evicted := a.appendTurnLocked(Turn{Role: chat.RoleUser, Text: text, At: time.Now()})
	messages := a.historyMessagesLocked()
	a.mu.Unlock()

	a.logEvent(ctx, convlog.EventConversation, "user", text)
	a.persistEvicted(ctx, evicted)

	start := time.Now()
	reply, err := a.providers.Agent.Reply(ctx, chat.Request{
		Messages:     messages,
		SystemPrompt: a.cfg.Conversation.SystemPrompt,
	})
	a.metrics.AgentDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		a.metrics.RecordPipelineError(ctx, "agent")
		a.reportError(ctx, fmt.Sprintf("agent call failed: %v", err))
		return
	}

	a.mu.Lock()
	if e != a.epoch {
		a.mu.Unlock()
		a.discardStale(ctx, "agent")
		return
	}
	evicted = a.appendTurnLocked(Turn{Role: chat.RoleAssistant, Text: reply.Text, At: time.Now()})
	a.mu.Unlock()

	a.logEvent(ctx, convlog.EventConversation, "agent", reply.Text)
	a.persistEvicted(ctx, evicted)

	// A stop that landed after the reply was accepted still wins: the stopped
	// session's output must not reach the chatbox.
	if !a.stillCurrent(e) {
		a.discardStale(ctx, "output")
		return
	}

	if a.output != nil {
		start = time.Now()
		err = a.output.Send(ctx, reply.Text)
		a.metrics.OutputDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			a.metrics.RecordPipelineError(ctx, "output")
			a.reportError(ctx, fmt.Sprintf("output failed: %v", err))
		}
	}

	if reply.EndSession {
		slog.Info("agent ended the session")
		a.StopMonitoring()
	}
}

// stillCurrent reports whether epoch e is still the live epoch.
func (a *App) stillCurrent(e int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return e == a.epoch
}

// discardStale records an intentional stale-completion drop.
func (a *App) discardStale(ctx context.Context, stage string) {
	a.metrics.RecordStaleDrop(ctx)
	slog.Debug("discarded stale pipeline completion", "stage", stage)
}

func (a *App) endProcessing() {
	a.mu.Lock()
	a.processing--
	a.mu.Unlock()
}

// ─── Calibration ─────────────────────────────────────────────────────────────

// Calibrate runs the two-phase threshold calibration over a fresh capture
// stream and, on success, installs the derived thresholds for subsequent
// monitoring sessions. Allowed from Idle or Monitoring; a live monitoring
// session is suspended for the duration and brought back up afterwards. It
// refuses to run mid-recording or while a pipeline run is in flight, and an
// invalid calibration leaves the current thresholds untouched.
func (a *App) Calibrate(ctx context.Context) (vad.Thresholds, error) {
	if a.providers.Audio == nil {
		return vad.Thresholds{}, fmt.Errorf("app: calibration requires an audio provider")
	}

	a.mu.Lock()
	busy := a.processing > 0 ||
		(a.mon != nil && a.mon.detector.State() == vad.StateRecording)
	resume := !busy && a.mon != nil
	a.mu.Unlock()
	if busy {
		return vad.Thresholds{}, ErrBusy
	}

	// The capture device is owned by one consumer at a time.
	if resume {
		if err := a.StopMonitoring(); err != nil {
			return vad.Thresholds{}, fmt.Errorf("app: calibrate: %w", err)
		}
		defer func() {
			if err := a.StartMonitoring(); err != nil {
				slog.Warn("failed to resume monitoring after calibration", "err", err)
			}
		}()
	}

	stream, err := audio.OpenStream(a.providers.Audio, audio.StreamConfig{
		DeviceName: a.cfg.Audio.DeviceName,
		SampleRate: a.cfg.Audio.SampleRate,
		Channels:   a.cfg.Audio.Channels,
	})
	if err != nil {
		return vad.Thresholds{}, fmt.Errorf("app: calibrate: %w", err)
	}
	defer stream.Close()

	th, err := vad.Calibrate(ctx, stream.Chunks(),
		stream.SampleRate(), stream.Channels(),
		a.cfg.VAD.Calibration.SilencePhase(),
		a.cfg.VAD.Calibration.SpeechPhase(),
	)
	if err != nil {
		a.reportError(ctx, fmt.Sprintf("calibration failed: %v", err))
		return vad.Thresholds{}, err
	}

	a.mu.Lock()
	a.thresholds = th
	a.mu.Unlock()

	slog.Info("thresholds calibrated", "start", th.Start, "silence", th.Silence)
	return th, nil
}

// ─── Conversation history ────────────────────────────────────────────────────

// History returns a copy of the conversation history, oldest first.
func (a *App) History() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.history))
	copy(out, a.history)
	return out
}

// ClearHistory empties the conversation history. If the agent provider
// supports persisting memories, the cleared turns are handed to it first,
// best effort.
func (a *App) ClearHistory(ctx context.Context) {
	a.mu.Lock()
	cleared := a.historyMessagesLocked()
	a.history = nil
	a.mu.Unlock()

	if saver, ok := a.providers.Agent.(memorySaver); ok && len(cleared) > 0 {
		if err := saver.SaveMemory(ctx, cleared); err != nil {
			slog.Warn("memory save failed", "err", err)
		}
	}
	slog.Info("conversation history cleared", "turns", len(cleared))
}

// appendTurnLocked appends a turn and evicts the oldest entries beyond the
// configured bound, returning the evicted turns. Caller holds a.mu.
func (a *App) appendTurnLocked(t Turn) []Turn {
	a.history = append(a.history, t)
	max := a.cfg.Conversation.MaxHistory
	if max > 0 && len(a.history) > max {
		evicted := append([]Turn(nil), a.history[:len(a.history)-max]...)
		a.history = a.history[len(a.history)-max:]
		return evicted
	}
	return nil
}

// persistEvicted hands turns that fell off the bounded history window to the
// agent's long-term memory, best effort.
func (a *App) persistEvicted(ctx context.Context, evicted []Turn) {
	if len(evicted) == 0 {
		return
	}
	saver, ok := a.providers.Agent.(memorySaver)
	if !ok {
		return
	}
	messages := make([]chat.Message, 0, len(evicted))
	for _, t := range evicted {
		messages = append(messages, chat.Message{Role: t.Role, Content: t.Text})
	}
	if err := saver.SaveMemory(ctx, messages); err != nil {
		slog.Warn("memory save failed", "turns", len(messages), "err", err)
	}
}

// historyMessagesLocked converts the history to provider messages. Caller
// holds a.mu.
func (a *App) historyMessagesLocked() []chat.Message {
	out := make([]chat.Message, 0, len(a.history))
	for _, t := range a.history {
		out = append(out, chat.Message{Role: t.Role, Content: t.Text})
	}
	return out
}

// ─── Reporting ───────────────────────────────────────────────────────────────

func (a *App) logEvent(ctx context.Context, typ convlog.EventType, source, message string) {
	e := convlog.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
	}
	if err := a.sink.Append(ctx, e); err != nil {
		slog.Warn("event sink append failed", "err", err)
	}
}

func (a *App) reportError(ctx context.Context, message string) {
	a.logEvent(ctx, convlog.EventError, "pipeline", message)
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Run blocks until ctx is done. Monitoring is started and stopped through the
// control surface (console, mute bridge, agent end-session), not by Run.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running")
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown stops monitoring, cancels in-flight pipeline runs, and waits for
// them to drain. The remaining history is handed to the agent's long-term
// memory before the sink closes. It respects the context deadline: if ctx
// expires first, the remaining runs are abandoned and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.StopMonitoring()
		a.runCancel()

		done := make(chan struct{})
		go func() {
			a.pipelines.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			shutdownErr = ctx.Err()
		}

		a.mu.Lock()
		remaining := a.historyMessagesLocked()
		a.mu.Unlock()
		if saver, ok := a.providers.Agent.(memorySaver); ok && len(remaining) > 0 {
			if err := saver.SaveMemory(ctx, remaining); err != nil {
				slog.Warn("memory save failed", "turns", len(remaining), "err", err)
			}
		}

		if err := a.sink.Close(ctx); err != nil {
			slog.Warn("event sink close failed", "err", err)
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
