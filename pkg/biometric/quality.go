package biometric

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// flatStdDev is the standard deviation below which a frame is treated as
// constant and the shape statistics are reported as 0.
const flatStdDev = 1e-12

// QualityEstimator computes per-frame distribution statistics and a crude
// DC-to-variance SNR. All moments are population moments. The zero value is
// ready to use.
type QualityEstimator struct{}

// Estimate returns the signal quality of f. Empty frames yield the zero value.
func (QualityEstimator) Estimate(f AudioFrame) SignalQuality {
	x := f.Samples
	if len(x) == 0 {
		return SignalQuality{}
	}

	mean, variance := stat.PopMeanVariance(x, nil)
	q := SignalQuality{
		Mean:             mean,
		Variance:         variance,
		StdDev:           math.Sqrt(variance),
		ZeroCrossingRate: ZeroCrossingRate(x),
	}
	if q.StdDev < flatStdDev {
		q.Variance, q.StdDev = 0, 0
		return q
	}

	q.Skewness = stat.Moment(3, x, nil) / math.Pow(q.StdDev, 3)
	q.Kurtosis = stat.Moment(4, x, nil) / math.Pow(q.StdDev, 4)
	if mean != 0 {
		q.SNRdB = 10 * math.Log10(mean*mean/variance)
	}
	return q
}
