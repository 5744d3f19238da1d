package biometric

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultCentroidHz is returned by [SpectralCentroid] for a frame with no
// energy at all.
const DefaultCentroidHz = 1000.0

// RMS returns the root-mean-square amplitude of samples, or 0 when empty.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(samples, samples) / float64(len(samples)))
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose sign
// differs. Zero counts as positive. Frames shorter than two samples have no
// pairs and yield 0.
func ZeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] < 0) != (samples[i] < 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// SpectralCentroid approximates spectral brightness as the magnitude-weighted
// mean over a synthetic linear frequency axis, freq_i = (i/N)·sampleRate/2.
// This is a time-domain proxy and not a transform; it returns
// [DefaultCentroidHz] when the frame carries no energy.
func SpectralCentroid(samples []float64, sampleRate int) float64 {
	n := len(samples)
	if n == 0 {
		return DefaultCentroidHz
	}
	nyquist := float64(sampleRate) / 2
	var weighted, total float64
	for i, x := range samples {
		mag := math.Abs(x)
		weighted += (float64(i) / float64(n)) * nyquist * mag
		total += mag
	}
	if total == 0 {
		return DefaultCentroidHz
	}
	return weighted / total
}

// Clamp limits v to [lo, hi]. NaN collapses to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MicLevel maps the frame's RMS to a [0, 1] loudness value for level meters.
// gain scales RMS before clamping; speech at a typical distance sits around
// RMS 0.05, so a gain of 10 puts it near the middle of the meter.
func MicLevel(samples []float64, gain float64) float64 {
	return Clamp(RMS(samples)*gain, 0, 1)
}
