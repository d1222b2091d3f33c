// Command aizuchi is a headless VRChat voice companion: it listens to the
// microphone, detects utterances, transcribes them, asks a conversational
// agent for a reply, and posts the reply to the in-game chatbox over OSC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/karasumi/aizuchi/internal/app"
	"github.com/karasumi/aizuchi/internal/config"
	"github.com/karasumi/aizuchi/internal/convlog"
	logpg "github.com/karasumi/aizuchi/internal/convlog/postgres"
	"github.com/karasumi/aizuchi/internal/health"
	"github.com/karasumi/aizuchi/internal/observe"
	"github.com/karasumi/aizuchi/pkg/audio"
	"github.com/karasumi/aizuchi/pkg/provider/chat"
	"github.com/karasumi/aizuchi/pkg/provider/chat/anyllm"
	"github.com/karasumi/aizuchi/pkg/provider/chat/eliza"
	"github.com/karasumi/aizuchi/pkg/provider/stt"
	oaistt "github.com/karasumi/aizuchi/pkg/provider/stt/openai"
	"github.com/karasumi/aizuchi/pkg/provider/stt/whispercpp"
	"github.com/karasumi/aizuchi/pkg/vrchat"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (overrides -preset)")
	preset := flag.Int("preset", 0, "preset slot to load from the user config dir (0-9)")
	autostart := flag.Bool("start", false, "start monitoring immediately")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath, *preset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aizuchi: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("aizuchi starting",
		"version", version,
		"log_level", cfg.Server.LogLevel,
		"chatbox_addr", cfg.VRChat.ChatboxAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "aizuchi",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer func() {
		if providers.Audio != nil {
			providers.Audio.Close()
		}
	}()

	// ── Conversation event sink ───────────────────────────────────────────────
	sink, pgSink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to open conversation log", "err", err)
		return 1
	}

	// ── Chatbox output ────────────────────────────────────────────────────────
	chatbox, err := vrchat.NewChatbox(cfg.VRChat.ChatboxAddr, cfg.VRChat.Notify)
	if err != nil {
		slog.Error("failed to set up chatbox client", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, providers,
		app.WithOutput(chatbox),
		app.WithSink(sink),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	if *autostart {
		if err := application.StartMonitoring(); err != nil {
			slog.Error("autostart failed", "err", err)
			return 1
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return application.Run(gctx)
	})

	g.Go(func() error {
		console := app.NewConsole(application, os.Stdin, os.Stdout)
		if err := console.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("console: %w", err)
		}
		// Quit command or stdin EOF ends the whole process.
		stop()
		return nil
	})

	if cfg.VRChat.MuteDetection {
		bridge := vrchat.NewMuteBridge(cfg.VRChat.ListenAddr, application)
		g.Go(func() error {
			if err := bridge.Serve(gctx); err != nil {
				return fmt.Errorf("mute bridge: %w", err)
			}
			return nil
		})
		slog.Info("mute detection active", "listen_addr", cfg.VRChat.ListenAddr)
	}

	if cfg.Server.MetricsAddr != "" {
		var checkers []health.Checker
		if providers.Audio != nil {
			checkers = append(checkers, health.AudioChecker(providers.Audio))
		}
		if pgSink != nil {
			checkers = append(checkers, health.SinkChecker("event_log", pgSink))
		}
		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: serviceMux(checkers)}
		g.Go(func() error {
			<-gctx.Done()
			closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(closeCtx)
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		slog.Info("metrics endpoint active", "addr", cfg.Server.MetricsAddr)
	}

	slog.Info("ready — type 'start' to begin monitoring, Ctrl+C to quit")

	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := application.Shutdown(shutdownCtx); serr != nil {
		slog.Error("shutdown error", "err", serr)
		return 1
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig resolves the effective configuration: an explicit -config path
// wins, otherwise the preset slot is tried, and a missing preset file falls
// back to built-in defaults.
func loadConfig(path string, preset int) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.LoadPreset(preset)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("no config file found, using defaults", "preset", preset)
		return config.Default(), nil
	}
	return cfg, err
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMBackends are the agent backends served through the any-llm client.
var anyLLMBackends = []string{
	"openai", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("whispercpp", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whispercpp.Option
		if entry.Model != "" {
			opts = append(opts, whispercpp.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whispercpp.WithLanguage(lang))
		}
		return whispercpp.New(entry.BaseURL, opts...)
	})

	// ── Agent ─────────────────────────────────────────────────────────────────

	reg.RegisterAgent("eliza", func(entry config.ProviderEntry) (chat.Provider, error) {
		var opts []eliza.Option
		if entry.APIKey != "" {
			opts = append(opts, eliza.WithAPIKey(entry.APIKey))
		}
		return eliza.New(entry.BaseURL, entry.Model, opts...)
	})

	for _, backend := range anyLLMBackends {
		reg.RegisterAgent(backend, func(entry config.ProviderEntry) (chat.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}
}

// buildProviders instantiates the providers named in cfg plus the microphone
// capture backend and returns them for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (app.Providers, error) {
	var ps app.Providers

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return ps, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.Agent.Name; name != "" {
		p, err := reg.CreateAgent(cfg.Providers.Agent)
		if err != nil {
			return ps, fmt.Errorf("create agent provider %q: %w", name, err)
		}
		ps.Agent = p
		slog.Info("provider created", "kind", "agent", "name", name)
	}

	audioCtx, err := audio.NewContext()
	if err != nil {
		slog.Warn("audio backend unavailable, voice input disabled", "err", err)
	} else {
		ps.Audio = audioCtx
	}

	return ps, nil
}

// buildSink assembles the conversation event sink: structured logs always,
// PostgreSQL additionally when a DSN is configured. The postgres sink is also
// returned separately so it can feed the readiness check.
func buildSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (convlog.Sink, *logpg.Sink, error) {
	slogSink := convlog.NewSlogSink(logger)
	if cfg.Log.PostgresDSN == "" {
		return slogSink, nil, nil
	}
	pgSink, err := logpg.Connect(ctx, cfg.Log.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("conversation log connected", "backend", "postgres")
	return convlog.NewMultiSink(slogSink, pgSink), pgSink, nil
}

// serviceMux serves the Prometheus metrics plus health endpoints.
func serviceMux(checkers []health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)
	return mux
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         aizuchi — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Agent", cfg.Providers.Agent.Name, cfg.Providers.Agent.Model)
	printValue("Chatbox", cfg.VRChat.ChatboxAddr)
	if cfg.VRChat.MuteDetection {
		printValue("Mute switch", cfg.VRChat.ListenAddr)
	} else {
		printValue("Mute switch", "(disabled)")
	}
	if cfg.Log.PostgresDSN != "" {
		printValue("Event log", "postgres")
	} else {
		printValue("Event log", "stderr")
	}
	fmt.Printf("║  Thresholds   : %.4f / %.4f       ║\n",
		cfg.VAD.StartThreshold, cfg.VAD.SilenceThreshold)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printValue(kind, value)
}

func printValue(kind, value string) {
	if len(value) > 21 {
		value = value[:18] + "…"
	}
	fmt.Printf("║  %-12s : %-21s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
