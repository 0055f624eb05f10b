package audio

import (
	"encoding/binary"
	"math"
)

// PCM16ToFloat32 converts little-endian int16 samples to floats in [-1, 1)
// by dividing by 32768. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// PCM16ToFloat64 is PCM16ToFloat32 at float64 precision.
func PCM16ToFloat64(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// Float64ToPCM16 converts normalized samples back to int16 little-endian
// bytes, clamping out-of-range values.
func Float64ToPCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clampSample(s)))
	}
	return out
}

// Float32ToInts converts normalized samples to int16-range ints, the layout
// go-audio buffers expect.
func Float32ToInts(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		out[i] = int(clampSample(float64(s)))
	}
	return out
}

func clampSample(s float64) int16 {
	v := math.Round(s * 32768.0)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
