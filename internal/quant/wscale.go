package quant

import (
	"fmt"

	"github.com/samcharles93/crush/internal/tensor"
)

// QuantizeWithScale integer-codes w against externally supplied per-group
// scales instead of deriving them, for callers that tuned scale and
// zero-point elsewhere. zero may be nil for symmetric scales. groupSize
// follows the same convention as Config.GroupSize; the trailing partial
// group shares the last scale column.
//
// The output holds raw codes: unlike the self-scaling quantizers no range
// clamp is applied, the supplied scale is trusted to cover the data.
func QuantizeWithScale(w, scale *tensor.Mat, zero *tensor.Mat, groupSize int, dtype DType) (tensor.Mat, error) {
	if scale.R != w.R {
		return tensor.Mat{}, fmt.Errorf("quant: scale rows %d != weight rows %d", scale.R, w.R)
	}
	if zero != nil && (zero.R != scale.R || zero.C != scale.C) {
		return tensor.Mat{}, fmt.Errorf("quant: zero shape [%d %d] != scale shape [%d %d]",
			zero.R, zero.C, scale.R, scale.C)
	}
	var cb *codebook
	if dtype.IsCodebook() {
		var err error
		if cb, err = codebookFor(dtype); err != nil {
			return tensor.Mat{}, err
		}
	}

	out := w.Clone()
	g := groupSize
	if g == WholeRow || g <= 0 || g > out.C {
		g = out.C
	}
	for i := 0; i < out.R; i++ {
		row := out.Row(i)
		srow := scale.Row(i)
		var zrow []float32
		if zero != nil {
			zrow = zero.Row(i)
		}
		for start := 0; start < out.C; start += g {
			end := min(start+g, out.C)
			k := min(start/g, scale.C-1)
			seg := row[start:end]
			if cb != nil {
				codebookRow(seg, srow[k], cb, true)
				continue
			}
			s := srow[k]
			var zp float32
			if zrow != nil {
				zp = zrow[k]
			}
			for j, v := range seg {
				seg[j] = roundEven(v/s + zp)
			}
		}
	}
	return out, nil
}
