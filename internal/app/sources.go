package app

import (
	"fmt"

	"github.com/MrWong99/biopulse/internal/config"
	"github.com/MrWong99/biopulse/pkg/audio"
	"github.com/MrWong99/biopulse/pkg/audio/opus"
	"github.com/MrWong99/biopulse/pkg/audio/synth"
	"github.com/MrWong99/biopulse/pkg/audio/wav"
)

// RegisterBuiltinSources registers every source shipped with this module.
func RegisterBuiltinSources(reg *config.Registry) {
	reg.RegisterSource(config.SourceSynthetic, newSyntheticSource)
	reg.RegisterSource(config.SourceWAV, newWAVSource)
	reg.RegisterSource(config.SourcePush, newPushSource)
	reg.RegisterSource(config.SourceOpus, newOpusSource)
}

// newSyntheticSource reads its signal shape from cfg.Options:
//
//	heart_rate_bpm, pulse_amplitude, breathing_bpm, breathing_depth,
//	carrier_hz, carrier_amplitude, noise, seed
func newSyntheticSource(cfg config.SourceConfig) (audio.Source, error) {
	opts := optionReader{name: cfg.Name, values: cfg.Options}

	var synthOpts []synth.Option
	if hr, ok := opts.float("heart_rate_bpm"); ok {
		amp, _ := opts.floatOr("pulse_amplitude", 0.6)
		synthOpts = append(synthOpts, synth.WithPulse(hr, amp))
	}
	if br, ok := opts.float("breathing_bpm"); ok {
		depth, _ := opts.floatOr("breathing_depth", 0.5)
		synthOpts = append(synthOpts, synth.WithBreathing(br, depth))
	}
	if hz, ok := opts.float("carrier_hz"); ok {
		amp, _ := opts.floatOr("carrier_amplitude", 0.05)
		synthOpts = append(synthOpts, synth.WithCarrier(hz, amp))
	}
	if noise, ok := opts.float("noise"); ok {
		seed, _ := opts.floatOr("seed", 1)
		synthOpts = append(synthOpts, synth.WithNoise(noise, uint64(seed)))
	}
	if err := opts.err(); err != nil {
		return nil, err
	}
	return synth.New(cfg.FrameSize, cfg.SampleRate, synthOpts...), nil
}

func newWAVSource(cfg config.SourceConfig) (audio.Source, error) {
	return wav.Open(cfg.Path, cfg.FrameSize,
		wav.WithLoop(cfg.Loop),
		wav.WithSampleRate(cfg.SampleRate),
	)
}

func newPushSource(cfg config.SourceConfig) (audio.Source, error) {
	return audio.NewBuffer(cfg.FrameSize, cfg.SampleRate, audio.WithBacklog(cfg.Backlog)), nil
}

func newOpusSource(cfg config.SourceConfig) (audio.Source, error) {
	return opus.NewSource(cfg.Channels, cfg.FrameSize, cfg.SampleRate, audio.WithBacklog(cfg.Backlog))
}

// optionReader extracts numeric values from a decoded YAML map, remembering
// the first type error.
type optionReader struct {
	name    string
	values  map[string]any
	typeErr error
}

// float returns the value under key as a float64. YAML decodes whole numbers
// as int, so both are accepted.
func (o *optionReader) float(key string) (float64, bool) {
	raw, ok := o.values[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	if o.typeErr == nil {
		o.typeErr = fmt.Errorf("source %q: option %q must be a number, got %T", o.name, key, raw)
	}
	return 0, false
}

func (o *optionReader) floatOr(key string, def float64) (float64, bool) {
	if v, ok := o.float(key); ok {
		return v, true
	}
	return def, false
}

func (o *optionReader) err() error { return o.typeErr }
