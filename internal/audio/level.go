package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Level is one reading of the live input meter
type Level struct {
	// RMS and Peak are normalized to [0,1]
	RMS  float64   `json:"rms"`
	Peak float64   `json:"peak"`
	At   time.Time `json:"at"`
}

// Percent maps the reading onto a 0-100 meter. Plain RMS of speech and claps
// sits far below full scale, so the value is boosted and clamped.
func (l Level) Percent() int {
	p := int(math.Round(l.RMS * 400))
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// measureLevel computes RMS and peak of s16le PCM
func measureLevel(pcm []byte) (rms, peak float64) {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0, 0
	}

	var sumSquares float64
	var maxAbs int
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sumSquares += float64(v * v)
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}

	rms = math.Sqrt(sumSquares/float64(samples)) / 32768.0
	peak = float64(maxAbs) / 32768.0
	if peak > 1 {
		peak = 1
	}
	return rms, peak
}
