// Package biometric holds the per-frame estimators that turn a single channel
// of microphone audio into bounded biometric estimates: heart and breathing
// rate, five EEG-style band powers, a valence/arousal/dominance emotion vector
// and a handful of signal-quality statistics.
//
// Every estimator is a pure function of one [AudioFrame]. None of them keep
// state between calls, mutate the frame, or return out-of-range values;
// degenerate input (silence, empty frames, a zero sample rate) collapses to
// documented defaults instead of an error.
//
// The estimates are heuristics over an audio signal, not clinical
// measurements.
package biometric

// DefaultSampleRate is the sample rate assumed when a source does not report
// one. Most browser and desktop capture devices run at 44.1 kHz.
const DefaultSampleRate = 44100

// AudioFrame is a fixed-length block of mono samples in roughly [-1, 1].
//
// A frame is read-only once captured. Estimators receive the same frame
// concurrently and must never write to Samples.
type AudioFrame struct {
	// Samples holds the signed amplitude values in capture order.
	Samples []float64

	// SampleRate is the device-reported rate in Hz.
	SampleRate int
}

// Len returns the number of samples in the frame.
func (f AudioFrame) Len() int { return len(f.Samples) }

// VitalEstimate holds heart and breathing rate in beats (breaths) per minute.
type VitalEstimate struct {
	HeartRateBPM     int `json:"heart_rate_bpm"`
	BreathingRateBPM int `json:"breathing_rate_bpm"`
}

// Band names one of the five canonical EEG frequency bands.
type Band int

const (
	BandDelta Band = iota
	BandTheta
	BandAlpha
	BandBeta
	BandGamma
)

// Bands lists every [Band] in ascending frequency order.
var Bands = []Band{BandDelta, BandTheta, BandAlpha, BandBeta, BandGamma}

// String returns the lower-case band name.
func (b Band) String() string {
	switch b {
	case BandDelta:
		return "delta"
	case BandTheta:
		return "theta"
	case BandAlpha:
		return "alpha"
	case BandBeta:
		return "beta"
	case BandGamma:
		return "gamma"
	default:
		return "unknown"
	}
}

// Range returns the band's frequency bounds in Hz.
func (b Band) Range() (minHz, maxHz float64) {
	switch b {
	case BandDelta:
		return 0.5, 4
	case BandTheta:
		return 4, 8
	case BandAlpha:
		return 8, 13
	case BandBeta:
		return 13, 30
	case BandGamma:
		return 30, 100
	default:
		return 0, 0
	}
}

// BandPowers holds a relative power value in [0, 1] per band. It is a plain
// value type so that copies handed to sinks never alias each other.
type BandPowers struct {
	Delta float64 `json:"delta"`
	Theta float64 `json:"theta"`
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// Get returns the power for b, or 0 for an unknown band.
func (p BandPowers) Get(b Band) float64 {
	switch b {
	case BandDelta:
		return p.Delta
	case BandTheta:
		return p.Theta
	case BandAlpha:
		return p.Alpha
	case BandBeta:
		return p.Beta
	case BandGamma:
		return p.Gamma
	}
	return 0
}

// set stores v for b. Unknown bands are ignored.
func (p *BandPowers) set(b Band, v float64) {
	switch b {
	case BandDelta:
		p.Delta = v
	case BandTheta:
		p.Theta = v
	case BandAlpha:
		p.Alpha = v
	case BandBeta:
		p.Beta = v
	case BandGamma:
		p.Gamma = v
	}
}

// EmotionVector is a point in the valence/arousal/dominance affect space.
type EmotionVector struct {
	// Valence is pleasantness in [-1, 1].
	Valence float64 `json:"valence"`

	// Arousal is activation in [0, 1].
	Arousal float64 `json:"arousal"`

	// Dominance is perceived control in [0, 1].
	Dominance float64 `json:"dominance"`
}

// SignalQuality summarises the statistical shape of one frame.
type SignalQuality struct {
	Mean             float64 `json:"mean"`
	Variance         float64 `json:"variance"`
	StdDev           float64 `json:"std_dev"`
	Skewness         float64 `json:"skewness"`
	Kurtosis         float64 `json:"kurtosis"`
	ZeroCrossingRate float64 `json:"zero_crossing_rate"`

	// SNRdB is 10·log10(mean²/variance), or 0 when either term is zero.
	SNRdB float64 `json:"snr_db"`
}

// BiometricSample is the aggregate produced once per loop tick. Samples are
// built once and never modified afterwards; sinks receive them by value.
type BiometricSample struct {
	Vitals   VitalEstimate `json:"vitals"`
	Bands    BandPowers    `json:"bands"`
	Emotion  EmotionVector `json:"emotion"`
	Quality  SignalQuality `json:"quality"`
	MicLevel float64       `json:"mic_level"`

	// TimestampMs is the Unix time in milliseconds when the sample was assembled.
	TimestampMs int64 `json:"timestamp_ms"`
}

// FeatureDimensions is the length of the vector returned by
// [BiometricSample.FeatureVector].
const FeatureDimensions = 8

// FeatureVector flattens the bounded parts of the sample (five band powers
// followed by valence, arousal and dominance) for similarity search.
func (s BiometricSample) FeatureVector() []float32 {
	return []float32{
		float32(s.Bands.Delta),
		float32(s.Bands.Theta),
		float32(s.Bands.Alpha),
		float32(s.Bands.Beta),
		float32(s.Bands.Gamma),
		float32(s.Emotion.Valence),
		float32(s.Emotion.Arousal),
		float32(s.Emotion.Dominance),
	}
}
