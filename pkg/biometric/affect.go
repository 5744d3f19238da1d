package biometric

import "math"

// AffectCoefficients are the empirically chosen constants of the affect
// heuristic:
//
//	valence   = tanh((centroid − CentroidRefHz)/CentroidSpreadHz + (zcr − ZCRRef)·ZCRGain)
//	arousal   = tanh(rms·ArousalRMSGain + centroid/ArousalCentroidHz)
//	dominance = tanh(rms·DominanceRMSGain + (1 − zcr))
//
// They are not derived from a model. The defaults reproduce the reference
// behaviour and should be changed only for experimentation.
type AffectCoefficients struct {
	CentroidRefHz     float64
	CentroidSpreadHz  float64
	ZCRRef            float64
	ZCRGain           float64
	ArousalRMSGain    float64
	ArousalCentroidHz float64
	DominanceRMSGain  float64
}

// DefaultAffectCoefficients returns the reference coefficient set.
func DefaultAffectCoefficients() AffectCoefficients {
	return AffectCoefficients{
		CentroidRefHz:     1000,
		CentroidSpreadHz:  500,
		ZCRRef:            0.1,
		ZCRGain:           10,
		ArousalRMSGain:    100,
		ArousalCentroidHz: 2000,
		DominanceRMSGain:  50,
	}
}

// normalized returns c with defaults substituted for the zero value and for
// zero divisors.
func (c AffectCoefficients) normalized() AffectCoefficients {
	def := DefaultAffectCoefficients()
	if c == (AffectCoefficients{}) {
		return def
	}
	if c.CentroidSpreadHz == 0 {
		c.CentroidSpreadHz = def.CentroidSpreadHz
	}
	if c.ArousalCentroidHz == 0 {
		c.ArousalCentroidHz = def.ArousalCentroidHz
	}
	return c
}

// AffectEstimator maps frame statistics (RMS, zero-crossing rate and an
// approximate spectral centroid) onto a bounded VAD vector. It is a
// heuristic, not a trained classifier.
type AffectEstimator struct {
	// Coefficients tunes the mapping. The zero value means
	// [DefaultAffectCoefficients].
	Coefficients AffectCoefficients
}

// Estimate returns the emotion vector for f with valence in [-1, 1] and
// arousal and dominance in [0, 1].
func (e AffectEstimator) Estimate(f AudioFrame) EmotionVector {
	c := e.Coefficients.normalized()
	rms := RMS(f.Samples)
	zcr := ZeroCrossingRate(f.Samples)
	centroid := SpectralCentroid(f.Samples, f.SampleRate)

	valence := math.Tanh((centroid-c.CentroidRefHz)/c.CentroidSpreadHz + (zcr-c.ZCRRef)*c.ZCRGain)
	arousal := math.Tanh(rms*c.ArousalRMSGain + centroid/c.ArousalCentroidHz)
	dominance := math.Tanh(rms*c.DominanceRMSGain + (1 - zcr))

	return EmotionVector{
		Valence:   Clamp(valence, -1, 1),
		Arousal:   Clamp(arousal, 0, 1),
		Dominance: Clamp(dominance, 0, 1),
	}
}
