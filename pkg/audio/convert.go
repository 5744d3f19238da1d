package audio

import (
	"encoding/binary"
	"math"
)

// pcm16Scale converts between int16 and float samples in [-1, 1).
const pcm16Scale = 32768.0

// PCM16ToFloat decodes little-endian int16 PCM into float samples in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcm16Scale
	}
	return out
}

// Int16ToFloat converts int16 samples into float samples in [-1, 1).
func Int16ToFloat(pcm []int16) []float64 {
	out := make([]float64, len(pcm))
	for i, s := range pcm {
		out[i] = float64(s) / pcm16Scale
	}
	return out
}

// FloatToPCM16 encodes float samples as little-endian int16 PCM, clamping to
// the int16 range.
func FloatToPCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(s * pcm16Scale)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. Incomplete
// trailing frames are dropped. channels ≤ 1 returns the input unchanged.
func Downmix(interleaved []float64, channels int) []float64 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float64, frames)
	for i := range frames {
		var sum float64
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Equal or non-positive rates return the input unchanged.
func Resample(samples []float64, srcRate, dstRate int) []float64 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float64, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
