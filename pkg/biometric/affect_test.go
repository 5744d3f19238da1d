package biometric_test

import (
	"math"
	"testing"

	"github.com/MrWong99/biopulse/pkg/biometric"
)

const eps = 1e-9

func TestAffectEstimator_Silence(t *testing.T) {
	t.Parallel()

	// RMS 0, ZCR 0, centroid defaults to 1000 Hz.
	got := biometric.AffectEstimator{}.Estimate(constantFrame(1024, 44100, 0))
	want := biometric.EmotionVector{
		Valence:   math.Tanh(-1),
		Arousal:   math.Tanh(0.5),
		Dominance: math.Tanh(1),
	}
	if math.Abs(got.Valence-want.Valence) > eps ||
		math.Abs(got.Arousal-want.Arousal) > eps ||
		math.Abs(got.Dominance-want.Dominance) > eps {
		t.Errorf("Estimate(zeros) = %+v, want %+v", got, want)
	}
	if math.Abs(got.Dominance-0.7616) > 1e-4 {
		t.Errorf("Dominance = %v, want ≈0.7616", got.Dominance)
	}
}

func TestAffectEstimator_MatchesFormula(t *testing.T) {
	t.Parallel()

	const sr = 44100
	s := make([]float64, 2048)
	for i := range s {
		s[i] = 0.05 * math.Sin(2*math.Pi*1200*float64(i)/sr)
	}
	f := biometric.AudioFrame{Samples: s, SampleRate: sr}

	rms := biometric.RMS(s)
	zcr := biometric.ZeroCrossingRate(s)
	c := biometric.SpectralCentroid(s, sr)

	got := biometric.AffectEstimator{}.Estimate(f)
	wantV := math.Max(-1, math.Min(1, math.Tanh((c-1000)/500+(zcr-0.1)*10)))
	wantA := math.Max(0, math.Min(1, math.Tanh(rms*100+c/2000)))
	wantD := math.Max(0, math.Min(1, math.Tanh(rms*50+(1-zcr))))

	if math.Abs(got.Valence-wantV) > eps {
		t.Errorf("Valence = %v, want %v", got.Valence, wantV)
	}
	if math.Abs(got.Arousal-wantA) > eps {
		t.Errorf("Arousal = %v, want %v", got.Arousal, wantA)
	}
	if math.Abs(got.Dominance-wantD) > eps {
		t.Errorf("Dominance = %v, want %v", got.Dominance, wantD)
	}
}

func TestAffectEstimator_ZeroCoefficientsUseDefaults(t *testing.T) {
	t.Parallel()

	f := constantFrame(512, 44100, 0.02)
	a := biometric.AffectEstimator{}.Estimate(f)
	b := biometric.AffectEstimator{Coefficients: biometric.DefaultAffectCoefficients()}.Estimate(f)
	if a != b {
		t.Errorf("zero coefficients = %+v, defaults = %+v", a, b)
	}
}

func TestAffectEstimator_CustomCoefficients(t *testing.T) {
	t.Parallel()

	c := biometric.DefaultAffectCoefficients()
	c.DominanceRMSGain = 0
	got := biometric.AffectEstimator{Coefficients: c}.Estimate(constantFrame(512, 44100, 0.5))
	// ZCR is 0 for a constant frame so dominance collapses to tanh(1).
	if math.Abs(got.Dominance-math.Tanh(1)) > eps {
		t.Errorf("Dominance = %v, want tanh(1)", got.Dominance)
	}
}

func TestSpectralCentroid(t *testing.T) {
	t.Parallel()

	if got := biometric.SpectralCentroid(nil, 44100); got != biometric.DefaultCentroidHz {
		t.Errorf("empty = %v, want %v", got, biometric.DefaultCentroidHz)
	}
	// A single non-zero sample at index 2 of 4 sits at (2/4)·(sr/2).
	got := biometric.SpectralCentroid([]float64{0, 0, -1, 0}, 8000)
	if math.Abs(got-2000) > eps {
		t.Errorf("centroid = %v, want 2000", got)
	}
}

func TestZeroCrossingRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []float64
		want    float64
	}{
		{"empty", nil, 0},
		{"single", []float64{1}, 0},
		{"zeros", []float64{0, 0, 0}, 0},
		{"alternating", []float64{1, -1, 1, -1, 1}, 1},
		{"one change", []float64{-1, -1, 0, 0, 0}, 0.25},
	}
	for _, tc := range tests {
		if got := biometric.ZeroCrossingRate(tc.samples); math.Abs(got-tc.want) > eps {
			t.Errorf("%s: ZeroCrossingRate = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRMSAndMicLevel(t *testing.T) {
	t.Parallel()

	if got := biometric.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := biometric.RMS([]float64{3, -4, 3, -4}); math.Abs(got-math.Sqrt(12.5)) > eps {
		t.Errorf("RMS = %v, want %v", got, math.Sqrt(12.5))
	}
	if got := biometric.MicLevel([]float64{0.05, -0.05}, 10); math.Abs(got-0.5) > eps {
		t.Errorf("MicLevel = %v, want 0.5", got)
	}
	if got := biometric.MicLevel([]float64{1, -1}, 10); got != 1 {
		t.Errorf("MicLevel loud = %v, want 1", got)
	}
}

func TestClamp(t *testing.T) {
	t.Parallel()

	if got := biometric.Clamp(math.NaN(), -1, 1); got != -1 {
		t.Errorf("Clamp(NaN) = %v, want -1", got)
	}
	if got := biometric.Clamp(2, 0, 1); got != 1 {
		t.Errorf("Clamp(2) = %v, want 1", got)
	}
	if got := biometric.Clamp(-2, 0, 1); got != 0 {
		t.Errorf("Clamp(-2) = %v, want 0", got)
	}
}
