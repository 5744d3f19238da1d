package biometric

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultBandScale converts mean squared amplitude into the [0, 1] band
// power range.
const DefaultBandScale = 10.0

// BandPowerEstimator produces a five-band power estimate standing in for EEG
// spectral analysis. Band edges are mapped linearly onto sample indices
// relative to Nyquist (index = N·freq/(sampleRate/2)) and the mean squared
// amplitude over that index window is used as the band's power. It is a
// proxy; no frequency transform is performed.
type BandPowerEstimator struct {
	// Scale multiplies the mean power before clamping. Zero means
	// [DefaultBandScale].
	Scale float64
}

// Estimate returns the band powers for f. Every value lies in [0, 1]; a band
// whose window is empty reports 0.
func (e BandPowerEstimator) Estimate(f AudioFrame) BandPowers {
	scale := e.Scale
	if scale == 0 {
		scale = DefaultBandScale
	}
	var out BandPowers
	for _, b := range Bands {
		lo, hi := BandWindow(b, len(f.Samples), f.SampleRate)
		out.set(b, windowPower(f.Samples[lo:hi], scale))
	}
	return out
}

// BandWindow returns the half-open index window [lo, hi) covering band b for a
// frame of n samples at sampleRate. The window is clipped to the frame and is
// empty when the sample rate is not positive.
func BandWindow(b Band, n, sampleRate int) (lo, hi int) {
	if n == 0 || sampleRate <= 0 {
		return 0, 0
	}
	minHz, maxHz := b.Range()
	nyquist := float64(sampleRate) / 2
	lo = clampInt(int(math.Floor(float64(n)*minHz/nyquist)), 0, n)
	hi = clampInt(int(math.Floor(float64(n)*maxHz/nyquist)), 0, n)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func windowPower(window []float64, scale float64) float64 {
	if len(window) == 0 {
		return 0
	}
	return Clamp(floats.Dot(window, window)/float64(len(window))*scale, 0, 1)
}
