package encoder

import (
	"encoding/binary"
	"math"
)

// Peak band targeted by volume normalization.
const (
	MinPeak = 0.2
	MaxPeak = 0.8
)

// NormalizeVolume scales interleaved little-endian float32 samples in place so
// that the chunk's peak amplitude lies within [MinPeak, MaxPeak]. Silent
// chunks are left untouched. It returns the applied gain.
func NormalizeVolume(data []byte) float64 {
	n := len(data) / 4

	var peak float32
	for i := 0; i < n; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}

	if peak == 0 || math.IsNaN(float64(peak)) {
		return 1
	}

	target := min(max(peak, MinPeak), MaxPeak)
	if target == peak {
		return 1
	}

	gain := target / peak
	for i := 0; i < n; i++ {
		off := i * 4
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(v*gain))
	}
	return float64(gain)
}
