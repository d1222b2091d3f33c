package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"openai", "whispercpp"},
	"agent": {"eliza", "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be positive", cfg.Audio.Channels))
	}

	// VAD
	if cfg.VAD.StartThreshold <= 0 {
		errs = append(errs, fmt.Errorf("vad.start_threshold %.4f must be positive", cfg.VAD.StartThreshold))
	}
	if cfg.VAD.SilenceThreshold <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.4f must be positive", cfg.VAD.SilenceThreshold))
	}
	if cfg.VAD.SilenceThreshold >= cfg.VAD.StartThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.4f must be strictly below vad.start_threshold %.4f", cfg.VAD.SilenceThreshold, cfg.VAD.StartThreshold))
	}
	if cfg.VAD.SilenceDurationSecs <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_duration_secs %.2f must be positive", cfg.VAD.SilenceDurationSecs))
	}
	if cfg.VAD.GracePeriodSecs < 0 {
		errs = append(errs, fmt.Errorf("vad.grace_period_secs %.2f must not be negative", cfg.VAD.GracePeriodSecs))
	}
	if cfg.VAD.Calibration.SilenceSecs <= 0 || cfg.VAD.Calibration.SpeechSecs <= 0 {
		errs = append(errs, fmt.Errorf("vad.calibration phases must be positive"))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("agent", cfg.Providers.Agent.Name)
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; voice input will be unavailable")
	}
	if cfg.Providers.Agent.Name == "" {
		slog.Warn("no agent provider configured; replies will be unavailable")
	}

	// Conversation
	if cfg.Conversation.MaxHistory <= 0 {
		errs = append(errs, fmt.Errorf("conversation.max_history %d must be positive", cfg.Conversation.MaxHistory))
	}

	// VRChat addresses
	if _, _, err := net.SplitHostPort(cfg.VRChat.ChatboxAddr); err != nil {
		errs = append(errs, fmt.Errorf("vrchat.chatbox_addr %q: %v", cfg.VRChat.ChatboxAddr, err))
	}
	if cfg.VRChat.MuteDetection {
		if _, _, err := net.SplitHostPort(cfg.VRChat.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("vrchat.listen_addr %q: %v", cfg.VRChat.ListenAddr, err))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
