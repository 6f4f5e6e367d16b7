package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// RMS computes the root-mean-square energy of a PCM16 frame, normalized to
// [0, 1] against full scale. Empty frames have zero energy.
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(frame))) / 32768.0
}

// BytesToPCM16 reinterprets little-endian PCM bytes as samples. A trailing
// odd byte is dropped.
func BytesToPCM16(raw []byte) []int16 {
	n := len(raw) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

// PCM16ToBytes serializes samples as little-endian PCM bytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(s))
	}
	return out
}

// PCM16Duration reports the play time of a mono sample run at the given rate.
func PCM16Duration(samples int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Resample16 converts mono PCM16 between sample rates by nearest-sample
// selection. Recognition input is commonly 16 kHz while capture runs higher;
// quality is sufficient for speech recognition, not for playback.
func Resample16(in []int16, fromRate, toRate int) []int16 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		src := int(int64(i) * int64(fromRate) / int64(toRate))
		if src >= len(in) {
			src = len(in) - 1
		}
		out[i] = in[src]
	}
	return out
}
