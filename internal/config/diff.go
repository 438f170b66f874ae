package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DetectionChanged is true when any detection tunable changed. The new
	// values apply to sessions opened after the reload.
	DetectionChanged bool

	// TargetChanged is true when detection.target_username changed.
	TargetChanged bool
	NewTarget     string

	// RestartRequired lists the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Detection.TargetUsername != new.Detection.TargetUsername {
		d.TargetChanged = true
		d.NewTarget = new.Detection.TargetUsername
	}
	if old.Detection.Detect() != new.Detection.Detect() {
		d.DetectionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if !sameVAD(old.VAD, new.VAD) {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if old.Notify != new.Notify {
		d.RestartRequired = append(d.RestartRequired, "notify")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// sameVAD compares two VAD entries including their options.
func sameVAD(a, b VADEntry) bool {
	if a.Name != b.Name || a.Model != b.Model || a.InitAttempts != b.InitAttempts || a.InitBackoffMs != b.InitBackoffMs {
		return false
	}
	if len(a.Options) == 0 && len(b.Options) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
