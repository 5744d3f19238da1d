package loop

import "github.com/MrWong99/biopulse/pkg/biometric"

// Estimator names used in metrics, spans and [EstimatorFault].
const (
	nameVitals  = "vitals"
	nameBands   = "bands"
	nameAffect  = "affect"
	nameQuality = "quality"
)

// VitalsEstimator derives heart and breathing rate from a frame.
type VitalsEstimator interface {
	Estimate(frame biometric.AudioFrame) biometric.VitalEstimate
}

// BandsEstimator derives the five band powers from a frame.
type BandsEstimator interface {
	Estimate(frame biometric.AudioFrame) biometric.BandPowers
}

// AffectEstimator derives valence, arousal and dominance from a frame.
type AffectEstimator interface {
	Estimate(frame biometric.AudioFrame) biometric.EmotionVector
}

// QualityEstimator derives signal statistics from a frame.
type QualityEstimator interface {
	Estimate(frame biometric.AudioFrame) biometric.SignalQuality
}

// Estimators is the set of estimators run against every frame. All of them
// must treat the frame as read-only; they run concurrently on the same
// samples.
type Estimators struct {
	Vitals  VitalsEstimator
	Bands   BandsEstimator
	Affect  AffectEstimator
	Quality QualityEstimator
}

// DefaultEstimators returns the stock estimators with default tuning.
func DefaultEstimators() Estimators {
	return Estimators{
		Vitals:  biometric.PeakVitalEstimator{},
		Bands:   biometric.BandPowerEstimator{},
		Affect:  biometric.AffectEstimator{},
		Quality: biometric.QualityEstimator{},
	}
}

// merge returns e with nil fields filled from base.
func (e Estimators) merge(base Estimators) Estimators {
	if e.Vitals == nil {
		e.Vitals = base.Vitals
	}
	if e.Bands == nil {
		e.Bands = base.Bands
	}
	if e.Affect == nil {
		e.Affect = base.Affect
	}
	if e.Quality == nil {
		e.Quality = base.Quality
	}
	return e
}
