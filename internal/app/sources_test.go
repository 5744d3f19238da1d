package app_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/biopulse/internal/app"
	"github.com/MrWong99/biopulse/internal/config"
	"github.com/MrWong99/biopulse/pkg/audio"
)

func TestRegisterBuiltinSources(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltinSources(reg)

	got := reg.SourceNames()
	want := []string{"opus", "push", "synthetic", "wav"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("SourceNames = %v, want %v", got, want)
	}
}

func TestBuiltinSources_Create(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltinSources(reg)

	tests := []struct {
		name     string
		cfg      config.SourceConfig
		ingester bool
		frame    bool
	}{
		{
			name:  "synthetic",
			cfg:   config.SourceConfig{Name: "synthetic", SampleRate: 8000, FrameSize: 64, Options: map[string]any{"heart_rate_bpm": 80, "noise": 0.01, "seed": 7}},
			frame: true,
		},
		{
			name:     "push",
			cfg:      config.SourceConfig{Name: "push", SampleRate: 8000, FrameSize: 64, Backlog: 2},
			ingester: true,
		},
		{
			name:     "opus",
			cfg:      config.SourceConfig{Name: "opus", SampleRate: 16000, FrameSize: 320, Channels: 1},
			ingester: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src, err := reg.CreateSource(tc.cfg)
			if err != nil {
				t.Fatalf("CreateSource: %v", err)
			}
			defer src.Close()

			if _, ok := src.(audio.Ingester); ok != tc.ingester {
				t.Errorf("Ingester = %v, want %v", ok, tc.ingester)
			}
			f, err := src.ReadFrame()
			if tc.frame {
				if err != nil || f.Len() != tc.cfg.FrameSize || f.SampleRate != tc.cfg.SampleRate {
					t.Errorf("ReadFrame = len %d rate %d, %v", f.Len(), f.SampleRate, err)
				}
			} else if !errors.Is(err, audio.ErrNoFrame) {
				t.Errorf("ReadFrame on empty push source err = %v, want ErrNoFrame", err)
			}
		})
	}
}

func TestBuiltinSources_Errors(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltinSources(reg)

	if _, err := reg.CreateSource(config.SourceConfig{Name: "wav", Path: "/nonexistent.wav"}); err == nil {
		t.Error("wav with missing file: want error")
	}
	_, err := reg.CreateSource(config.SourceConfig{Name: "synthetic", Options: map[string]any{"noise": "loud"}})
	if err == nil || !strings.Contains(err.Error(), "noise") {
		t.Errorf("synthetic with string option err = %v, want type error naming the option", err)
	}
}
