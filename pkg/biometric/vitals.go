package biometric

import "math"

const (
	// MinHeartRateBPM and MaxHeartRateBPM bound every heart-rate estimate.
	MinHeartRateBPM = 60
	MaxHeartRateBPM = 120

	// MinBreathingRateBPM and MaxBreathingRateBPM bound every breathing-rate
	// estimate.
	MinBreathingRateBPM = 8
	MaxBreathingRateBPM = 20

	// DefaultHeartRateBPM is reported when fewer than two peaks are found.
	DefaultHeartRateBPM = 60

	// DefaultBreathingRateBPM is reported when fewer than three peaks are found.
	DefaultBreathingRateBPM = 12

	// peakThresholdFactor scales frame RMS into the peak detection threshold.
	peakThresholdFactor = 1.5
)

// PeakVitalEstimator derives heart and breathing rate from the amplitude
// envelope of a frame using energy-threshold peak detection. The zero value
// is ready to use.
type PeakVitalEstimator struct{}

// Estimate returns the vitals for f. The result always lies within
// [MinHeartRateBPM, MaxHeartRateBPM] and
// [MinBreathingRateBPM, MaxBreathingRateBPM].
func (PeakVitalEstimator) Estimate(f AudioFrame) VitalEstimate {
	peaks := DetectPeaks(f.Samples)
	return VitalEstimate{
		HeartRateBPM:     heartRate(peaks, f.SampleRate),
		BreathingRateBPM: breathingRate(peaks, f.SampleRate),
	}
}

// DetectPeaks returns the indices of local maxima that rise above
// 1.5 × RMS. The first and last sample are never peaks. A silent frame has a
// zero threshold and no sample strictly above it, so it yields no peaks.
func DetectPeaks(samples []float64) []int {
	if len(samples) < 3 {
		return nil
	}
	threshold := peakThresholdFactor * RMS(samples)
	var peaks []int
	for i := 1; i < len(samples)-1; i++ {
		x := samples[i]
		if x > threshold && x > samples[i-1] && x > samples[i+1] {
			peaks = append(peaks, i)
		}
	}
	return peaks
}

// heartRate converts the mean spacing of the whole peak train into BPM.
func heartRate(peaks []int, sampleRate int) int {
	if len(peaks) < 2 || sampleRate <= 0 {
		return DefaultHeartRateBPM
	}
	meanDistance := float64(peaks[len(peaks)-1]-peaks[0]) / float64(len(peaks)-1)
	bpm := float64(sampleRate) / meanDistance * 60
	return clampBPM(bpm, MinHeartRateBPM, MaxHeartRateBPM, DefaultHeartRateBPM)
}

// breathingRate groups every other peak to pick up a slower periodicity than
// the primary train. The ×30 scale compensates for the halved apparent
// frequency of the grouping.
func breathingRate(peaks []int, sampleRate int) int {
	if len(peaks) < 3 || sampleRate <= 0 {
		return DefaultBreathingRateBPM
	}
	var sum float64
	var n int
	for i := 2; i < len(peaks); i += 2 {
		sum += float64(peaks[i] - peaks[i-2])
		n++
	}
	meanDelta := sum / float64(n)
	bpm := float64(sampleRate) / meanDelta * 30
	return clampBPM(bpm, MinBreathingRateBPM, MaxBreathingRateBPM, DefaultBreathingRateBPM)
}

func clampBPM(bpm float64, lo, hi, fallback int) int {
	if math.IsNaN(bpm) {
		return fallback
	}
	if math.IsInf(bpm, 1) || bpm > float64(hi) {
		return hi
	}
	return clampInt(int(math.Round(bpm)), lo, hi)
}
