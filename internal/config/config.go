// Package config provides the configuration schema, loader, and VAD engine
// registry for the dcaud speaking detector.
package config

import (
	"time"

	"github.com/dcaud/dcaud/internal/detect"
)

// LogLevel controls log verbosity for the dcaud server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for dcaud.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discord   DiscordConfig   `yaml:"discord"`
	Detection DetectionConfig `yaml:"detection"`
	VAD       VADEntry        `yaml:"vad"`
	Notify    NotifyConfig    `yaml:"notify"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (health, metrics,
	// status, websocket feed). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// DiscordConfig holds the bot credentials and voice behaviour.
type DiscordConfig struct {
	// Token is the bot token. Usually supplied via DISCORD_TOKEN.
	Token string `yaml:"token"`

	// GuildID scopes slash command registration. Empty registers globally.
	GuildID string `yaml:"guild_id"`

	// CommandPrefix prefixes the text commands (join, leave).
	CommandPrefix string `yaml:"command_prefix"`

	// SpeakingEndDelayMs is how long a user may send no packets before the
	// voice adapter reports that they stopped speaking.
	SpeakingEndDelayMs int `yaml:"speaking_end_delay_ms"`

	// AutoJoinChannelID, when set, is joined on startup. Requires GuildID.
	AutoJoinChannelID string `yaml:"auto_join_channel_id"`

	// ControlRoleID restricts join and leave to members holding this role.
	// Empty lets everyone control the bot.
	ControlRoleID string `yaml:"control_role_id"`
}

// DetectionConfig mirrors [detect.Config] with YAML-friendly units.
type DetectionConfig struct {
	// TargetUsername restricts detection to one user. Matching is
	// case-insensitive; empty means every user in the channel.
	TargetUsername string `yaml:"target_username"`

	SampleRate                int     `yaml:"sample_rate"`
	FrameSamples              int     `yaml:"frame_samples"`
	VoiceProbabilityThreshold float64 `yaml:"voice_probability_threshold"`
	Gain                      float64 `yaml:"gain"`
	SilenceAmplitude          int     `yaml:"silence_amplitude"`
	SilenceDebounceMs         int     `yaml:"silence_debounce_ms"`
	MinSilentFrames           int     `yaml:"min_silent_frames"`
	MaxSilentChunks           int     `yaml:"max_silent_chunks"`
	StreamTimeoutMs           int     `yaml:"stream_timeout_ms"`
	InactivityTimeoutMs       int     `yaml:"inactivity_timeout_ms"`
	MaxSpeakingDurationMs     int     `yaml:"max_speaking_duration_ms"`
	MaxIgnoredEvents          int     `yaml:"max_ignored_events"`
	IgnoredEventWindowMs      int     `yaml:"ignored_event_window_ms"`
	ScoreTimeoutMs            int     `yaml:"score_timeout_ms"`
}

// VADEntry selects the voice activity engine. The Name field is used to
// look up the constructor in the [Registry].
type VADEntry struct {
	// Name selects the registered engine ("silero", "energy").
	Name string `yaml:"name"`

	// Model is the path to the model file, if the engine needs one.
	Model string `yaml:"model"`

	// Options holds engine-specific values (e.g. "library_path" for silero,
	// "floor" and "ceiling" for energy).
	Options map[string]any `yaml:"options"`

	// InitAttempts bounds engine construction retries at startup.
	InitAttempts int `yaml:"init_attempts"`

	// InitBackoffMs is the pause between construction attempts.
	InitBackoffMs int `yaml:"init_backoff_ms"`
}

// NotifyConfig configures where speaking transitions are delivered.
type NotifyConfig struct {
	// WebhookURL receives a JSON POST per transition. Empty disables it.
	WebhookURL string `yaml:"webhook_url"`

	// TimeoutMs bounds one delivery to one sink.
	TimeoutMs int `yaml:"timeout_ms"`

	// QueueSize is the number of pending transitions buffered before new
	// ones are dropped.
	QueueSize int `yaml:"queue_size"`

	// Websocket enables the live feed at /ws.
	Websocket bool `yaml:"websocket"`

	// BreakerFailures is the number of consecutive webhook failures that
	// opens the circuit breaker.
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerResetMs is how long the breaker stays open.
	BreakerResetMs int `yaml:"breaker_reset_ms"`
}

// JournalConfig configures the PostgreSQL transition journal.
type JournalConfig struct {
	// PostgresDSN enables the journal when set.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// Metrics enables the Prometheus exporter served at /metrics.
	Metrics bool `yaml:"metrics"`

	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}

// ms converts a millisecond count to a duration.
func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Detect converts the YAML tunables into a [detect.Config].
func (d DetectionConfig) Detect() detect.Config {
	return detect.Config{
		FrameSize:                 d.FrameSamples,
		SampleRate:                d.SampleRate,
		VoiceProbabilityThreshold: d.VoiceProbabilityThreshold,
		Gain:                      d.Gain,
		SilenceAmplitude:          d.SilenceAmplitude,
		SilenceDebounce:           ms(d.SilenceDebounceMs),
		MinSilentFrames:           d.MinSilentFrames,
		MaxSilentChunks:           d.MaxSilentChunks,
		StreamTimeout:             ms(d.StreamTimeoutMs),
		InactivityTimeout:         ms(d.InactivityTimeoutMs),
		MaxSpeakingDuration:       ms(d.MaxSpeakingDurationMs),
		MaxIgnoredEvents:          d.MaxIgnoredEvents,
		IgnoredEventWindow:        ms(d.IgnoredEventWindowMs),
		ScoreTimeout:              ms(d.ScoreTimeoutMs),
	}
}

// SpeakingEndDelay returns the configured delay as a duration.
func (d DiscordConfig) SpeakingEndDelay() time.Duration { return ms(d.SpeakingEndDelayMs) }

// InitBackoff returns the configured backoff as a duration.
func (v VADEntry) InitBackoff() time.Duration { return ms(v.InitBackoffMs) }

// Timeout returns the per-sink delivery timeout.
func (n NotifyConfig) Timeout() time.Duration { return ms(n.TimeoutMs) }

// BreakerReset returns how long the webhook breaker stays open.
func (n NotifyConfig) BreakerReset() time.Duration { return ms(n.BreakerResetMs) }
