package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only the log level and the retention policy are applied without a
// restart; every other changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RetentionChanged bool

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart, e.g. "providers" or "listener".
	RestartRequired []string
}

// Changed reports whether anything differs between the two configs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RetentionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	if old.Memory.RetentionDays != new.Memory.RetentionDays ||
		!slices.Equal(old.Memory.RetentionSources, new.Memory.RetentionSources) {
		d.RetentionChanged = true
	}
	if old.Memory.Backend != new.Memory.Backend ||
		old.Memory.SQLitePath != new.Memory.SQLitePath ||
		old.Memory.PostgresDSN != new.Memory.PostgresDSN ||
		old.Memory.CleanupInterval != new.Memory.CleanupInterval {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}

	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Listener, new.Listener) {
		d.RestartRequired = append(d.RestartRequired, "listener")
	}
	if old.MCP != new.MCP {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}

	return d
}
