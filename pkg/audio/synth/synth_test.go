package synth_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/biopulse/pkg/audio"
	"github.com/MrWong99/biopulse/pkg/audio/synth"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

func TestSource_Deterministic(t *testing.T) {
	t.Parallel()

	a := synth.New(512, 8000, synth.WithNoise(0.01, 42))
	b := synth.New(512, 8000, synth.WithNoise(0.01, 42))
	for range 5 {
		fa, err := a.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		fb, _ := b.ReadFrame()
		for i := range fa.Samples {
			if fa.Samples[i] != fb.Samples[i] {
				t.Fatalf("sample %d differs: %v vs %v", i, fa.Samples[i], fb.Samples[i])
			}
		}
	}
}

func TestSource_PulseTrainDrivesHeartRate(t *testing.T) {
	t.Parallel()

	// 90 BPM at 1 kHz is one spike every 667 samples; a 4000-sample frame
	// holds six of them.
	src := synth.New(4000, 1000,
		synth.WithCarrier(0, 0),
		synth.WithBreathing(0, 0),
		synth.WithPulse(90, 1),
	)
	f, err := src.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.SampleRate != 1000 || len(f.Samples) != 4000 {
		t.Fatalf("frame = %d @ %d, want 4000 @ 1000", len(f.Samples), f.SampleRate)
	}

	// Spikes at 0 (frame edge, ignored), 667, 1334, 2001, 2668, 3335.
	got := biometric.PeakVitalEstimator{}.Estimate(f)
	if got.HeartRateBPM != 90 {
		t.Errorf("HeartRateBPM = %d, want 90", got.HeartRateBPM)
	}
}

func TestSource_AdvancesAcrossFrames(t *testing.T) {
	t.Parallel()

	src := synth.New(100, 1000, synth.WithCarrier(0, 0), synth.WithBreathing(0, 0), synth.WithPulse(60, 1))
	spikes := 0
	for range 25 {
		f, _ := src.ReadFrame()
		for _, v := range f.Samples {
			if v == 1 {
				spikes++
			}
		}
	}
	// 2.5 seconds at 60 BPM: spikes at 0, 1000, 2000.
	if spikes != 3 {
		t.Errorf("spikes = %d, want 3", spikes)
	}
}

func TestSource_Close(t *testing.T) {
	t.Parallel()

	src := synth.New(0, 0)
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := src.ReadFrame(); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("ReadFrame after Close err = %v, want ErrClosed", err)
	}
}
