package quant

import (
	"math"

	"github.com/samcharles93/crush/internal/tensor"
)

// Clip search walks a fixed grid of shrink ratios from the top down.
const (
	clipGrid      = 200
	clipMaxShrink = 0.2
)

// SearchClip grid-searches the clip quantile for w that minimizes the mean
// squared reconstruction error under cfg. Candidates run from 1.0 downward
// in steps of 1/clipGrid, stopping at 1-clipMaxShrink (exclusive); on equal
// loss the earlier, higher ratio wins.
//
// The search itself always evaluates dequantized candidates with double
// quantization disabled, whatever cfg asks for; cfg.Quantile is ignored. w
// is not modified, and the caller decides whether to apply the returned
// ratio.
func SearchClip(w *tensor.Mat, cfg Config) (float32, error) {
	cfg = cfg.normalized()
	cfg.ReturnInt = false
	cfg.DoubleQuant = DoubleQuantConfig{}
	cfg.Quantile = 1.0
	if cfg.Bits <= 0 {
		return 0, ErrBadBits
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	steps := int(clipMaxShrink * clipGrid)
	best := math.Inf(1)
	bestRatio := float32(1.0)
	for i := 0; i < steps; i++ {
		ratio := 1 - float32(i)/float32(clipGrid)
		c := cfg
		c.Quantile = ratio
		st, err := Quantize(w, c)
		if err != nil {
			return 0, err
		}
		if loss := tensor.MSE(w, &st.Weight); loss < best {
			best = loss
			bestRatio = ratio
		}
	}
	return bestRatio, nil
}
