package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are reported field by field; everything else is
// collected in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	IntervalChanged bool
	NewInterval     time.Duration

	// EstimatorsChanged is true when band scale or any affect coefficient
	// changed.
	EstimatorsChanged bool
	NewEstimators     EstimatorsConfig

	// RestartRequired names the top-level keys whose changes only take
	// effect after a restart (e.g. "source", "server.listen_addr").
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.IntervalChanged || d.EstimatorsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Tick interval
	if old.Loop.Interval != new.Loop.Interval {
		d.IntervalChanged = true
		d.NewInterval = new.Loop.Interval
	}

	// Estimator tuning
	if old.Estimators != new.Estimators {
		d.EstimatorsChanged = true
		d.NewEstimators = new.Estimators
	}

	// Cold settings
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !sourceEqual(old.Source, new.Source) {
		d.RestartRequired = append(d.RestartRequired, "source")
	}
	if old.Loop.MicGain != new.Loop.MicGain {
		d.RestartRequired = append(d.RestartRequired, "loop.mic_gain")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sourceEqual compares two source blocks, options included.
func sourceEqual(a, b SourceConfig) bool {
	if a.Name != b.Name || a.SampleRate != b.SampleRate || a.FrameSize != b.FrameSize ||
		a.Path != b.Path || a.Loop != b.Loop || a.Channels != b.Channels || a.Backlog != b.Backlog {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
