package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownSourceNames lists the built-in source names.
// Used by [Validate] to warn about unrecognised names.
var KnownSourceNames = []string{SourceSynthetic, SourceWAV, SourcePush, SourceOpus}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Source
	src := cfg.Source
	validateSourceName(src.Name)
	if src.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("source.sample_rate %d must be positive", src.SampleRate))
	}
	if src.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("source.frame_size %d must be positive", src.FrameSize))
	}
	if src.Name == SourceWAV && src.Path == "" {
		errs = append(errs, errors.New("source.path is required when source.name is wav"))
	}
	if src.Channels != 0 && src.Channels != 1 && src.Channels != 2 {
		errs = append(errs, fmt.Errorf("source.channels %d is invalid; valid values: 1, 2", src.Channels))
	}
	if src.Backlog < 0 {
		errs = append(errs, fmt.Errorf("source.backlog %d must not be negative", src.Backlog))
	}
	if src.Path != "" && src.Name != SourceWAV {
		slog.Warn("source.path is only used by the wav source", "source", src.Name)
	}

	// Loop
	if cfg.Loop.Interval < 0 {
		errs = append(errs, fmt.Errorf("loop.interval %s must be positive", cfg.Loop.Interval))
	}
	if cfg.Loop.MicGain < 0 {
		errs = append(errs, fmt.Errorf("loop.mic_gain %.2f must not be negative", cfg.Loop.MicGain))
	}

	// Estimators
	if cfg.Estimators.BandScale < 0 {
		errs = append(errs, fmt.Errorf("estimators.band_scale %.2f must not be negative", cfg.Estimators.BandScale))
	}
	if cfg.Estimators.Affect.CentroidSpreadHz < 0 {
		errs = append(errs, fmt.Errorf("estimators.affect.centroid_spread_hz %.2f must be positive", cfg.Estimators.Affect.CentroidSpreadHz))
	}
	if cfg.Estimators.Affect.ArousalCentroidHz < 0 {
		errs = append(errs, fmt.Errorf("estimators.affect.arousal_centroid_hz %.2f must be positive", cfg.Estimators.Affect.ArousalCentroidHz))
	}

	// History
	if cfg.History.Capacity < 0 {
		errs = append(errs, fmt.Errorf("history.capacity %d must not be negative", cfg.History.Capacity))
	}
	if cfg.History.Buffer < 0 {
		errs = append(errs, fmt.Errorf("history.buffer %d must not be negative", cfg.History.Buffer))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.3f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateSourceName logs a warning if name is non-empty and not one of the
// [KnownSourceNames]. Third-party sources registered at runtime are allowed.
func validateSourceName(name string) {
	if name == "" || slices.Contains(KnownSourceNames, name) {
		return
	}
	slog.Warn("unknown source name; may be a typo or a third-party source",
		"name", name,
		"known", KnownSourceNames,
	)
}
