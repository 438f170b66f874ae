package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dcaud/dcaud/internal/detect"
)

// ValidVADNames lists the engine names shipped with dcaud. [Validate] warns
// about any other name since it may be a typo or a third-party engine.
var ValidVADNames = []string{"silero", "energy"}

// Environment variables consulted by [ApplyEnv].
const (
	EnvDiscordToken   = "DISCORD_TOKEN"
	EnvTargetUsername = "DCAUD_TARGET_USERNAME"
	EnvWebhookURL     = "DCAUD_WEBHOOK_URL"
	EnvPostgresDSN    = "DCAUD_POSTGRES_DSN"
)

// Default returns a config with every tunable at its stock value.
func Default() *Config {
	d := detect.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Discord: DiscordConfig{
			CommandPrefix:      "!",
			SpeakingEndDelayMs: 1000,
		},
		Detection: DetectionConfig{
			SampleRate:                d.SampleRate,
			FrameSamples:              d.FrameSize,
			VoiceProbabilityThreshold: d.VoiceProbabilityThreshold,
			Gain:                      d.Gain,
			SilenceAmplitude:          d.SilenceAmplitude,
			SilenceDebounceMs:         int(d.SilenceDebounce.Milliseconds()),
			MinSilentFrames:           d.MinSilentFrames,
			MaxSilentChunks:           d.MaxSilentChunks,
			StreamTimeoutMs:           int(d.StreamTimeout.Milliseconds()),
			InactivityTimeoutMs:       int(d.InactivityTimeout.Milliseconds()),
			MaxSpeakingDurationMs:     int(d.MaxSpeakingDuration.Milliseconds()),
			MaxIgnoredEvents:          d.MaxIgnoredEvents,
			IgnoredEventWindowMs:      int(d.IgnoredEventWindow.Milliseconds()),
			ScoreTimeoutMs:            int(d.ScoreTimeout.Milliseconds()),
		},
		VAD: VADEntry{
			InitAttempts:  3,
			InitBackoffMs: 500,
		},
		Notify: NotifyConfig{
			TimeoutMs:       5000,
			QueueSize:       64,
			Websocket:       true,
			BreakerFailures: 5,
			BreakerResetMs:  30000,
		},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			ServiceName: "dcaud",
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r on top of [Default], fills
// derived defaults and validates the result. Keys missing from the document
// keep their stock values, so an explicit zero (for example
// max_ignored_events: 0) is preserved.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills fields whose stock value depends on other fields.
func ApplyDefaults(cfg *Config) {
	if cfg.VAD.Name == "" {
		if cfg.VAD.Model != "" {
			cfg.VAD.Name = "silero"
		} else {
			cfg.VAD.Name = "energy"
		}
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Discord.CommandPrefix == "" {
		cfg.Discord.CommandPrefix = "!"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "dcaud"
	}
}

// ApplyEnv overrides secrets and per-deployment values from the
// environment. Unset variables leave the config untouched.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvDiscordToken); ok && v != "" {
		cfg.Discord.Token = v
	}
	if v, ok := os.LookupEnv(EnvTargetUsername); ok {
		cfg.Detection.TargetUsername = v
	}
	if v, ok := os.LookupEnv(EnvWebhookURL); ok && v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v, ok := os.LookupEnv(EnvPostgresDSN); ok && v != "" {
		cfg.Journal.PostgresDSN = v
	}
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.SpeakingEndDelayMs <= 0 {
		errs = append(errs, fmt.Errorf("discord.speaking_end_delay_ms must be positive, got %d", cfg.Discord.SpeakingEndDelayMs))
	}
	if cfg.Discord.AutoJoinChannelID != "" && cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.auto_join_channel_id requires discord.guild_id"))
	}

	// Detection tunables are validated by the detector itself.
	if err := cfg.Detection.Detect().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detection: %w", err))
	}

	// VAD
	validateVADName(cfg.VAD.Name)
	if cfg.VAD.Name == "silero" && cfg.VAD.Model == "" {
		errs = append(errs, errors.New("vad.model is required for the silero engine"))
	}
	if cfg.VAD.InitAttempts < 1 {
		errs = append(errs, fmt.Errorf("vad.init_attempts must be at least 1, got %d", cfg.VAD.InitAttempts))
	}
	if cfg.VAD.InitBackoffMs < 0 {
		errs = append(errs, fmt.Errorf("vad.init_backoff_ms must not be negative, got %d", cfg.VAD.InitBackoffMs))
	}

	// Notify
	if cfg.Notify.WebhookURL != "" {
		u, err := url.Parse(cfg.Notify.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("notify.webhook_url %q must be an absolute http(s) URL", cfg.Notify.WebhookURL))
		}
	}
	if cfg.Notify.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("notify.timeout_ms must be positive, got %d", cfg.Notify.TimeoutMs))
	}
	if cfg.Notify.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("notify.queue_size must be positive, got %d", cfg.Notify.QueueSize))
	}
	if cfg.Notify.BreakerFailures <= 0 {
		errs = append(errs, fmt.Errorf("notify.breaker_failures must be positive, got %d", cfg.Notify.BreakerFailures))
	}
	if cfg.Notify.BreakerResetMs <= 0 {
		errs = append(errs, fmt.Errorf("notify.breaker_reset_ms must be positive, got %d", cfg.Notify.BreakerResetMs))
	}
	if cfg.Notify.WebhookURL == "" && !cfg.Notify.Websocket && cfg.Journal.PostgresDSN == "" {
		slog.Warn("no notification sink configured; speaking transitions will only be logged")
	}

	// Telemetry
	if cfg.Telemetry.Metrics && cfg.Server.ListenAddr == "" {
		slog.Warn("telemetry.metrics is enabled but server.listen_addr is empty; /metrics will not be served")
	}

	return errors.Join(errs...)
}

// validateVADName logs a warning if name is non-empty and not one of
// [ValidVADNames].
func validateVADName(name string) {
	if name == "" || slices.Contains(ValidVADNames, name) {
		return
	}
	slog.Warn("unknown vad engine name, may be a typo or third-party engine",
		"name", name,
		"known", ValidVADNames,
	)
}
