// Package audio implements the client-side capture/playback pipeline:
// fixed-size PCM frames, silence gating, echo-correlation suppression, a
// bounded jitter queue, and playback with silence fill on underrun.
package audio

import (
	"encoding/binary"
	"math"
)

// NormalizeFrame forces a payload to exactly size bytes: short frames are
// zero-padded on the trailing end, long frames are truncated. Applied before
// transmit and before playback enqueue, so a buggy or lossy peer can never
// corrupt downstream framing.
func NormalizeFrame(data []byte, size int) []byte {
	if len(data) == size {
		return data
	}
	if len(data) > size {
		return data[:size]
	}
	out := make([]byte, size)
	copy(out, data)
	return out
}

// Samples decodes little-endian signed 16-bit PCM into floats scaled to
// [-1, 1). An odd trailing byte is ignored.
func Samples(data []byte) []float64 {
	n := len(data) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float64(s) / 32768.0
	}
	return out
}

// Peak returns the maximum absolute sample value of a decoded frame.
func Peak(samples []float64) float64 {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return peak
}

// Correlation computes the normalized zero-lag cross-correlation of two
// sample sequences, comparing only the shared prefix. The epsilon keeps the
// division defined for all-zero frames. Result is in [-1, 1].
func Correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}

	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	return dot / (math.Sqrt(na)*math.Sqrt(nb) + 1e-10)
}
