package quant

import (
	"fmt"
	"math"

	"github.com/samcharles93/crush/internal/tensor"
)

// GridOptions control the output form of a grid quantizer.
type GridOptions struct {
	// ReturnInt emits integer codes instead of dequantized values.
	ReturnInt bool
	// KeepScale stops before dequantization so the caller can requantize the
	// scale tensor first. For codebook types the weight then holds the
	// representable levels unless ReturnInt is also set.
	KeepScale bool
	// FullRange applies to the symmetric grid only: scale by the full signed
	// range and flip the scale sign when |max| exceeds |min|.
	FullRange bool
}

// coded reports whether the weight output holds codes/levels rather than
// dequantized values.
func (o GridOptions) coded() bool { return o.ReturnInt || o.KeepScale }

// GridResult is the output of quantizing a block whose rows each form one
// quantization group.
type GridResult struct {
	// Weight holds integer codes (or codebook levels) when the options
	// request coded output, otherwise the dequantized approximation. Its
	// shape always equals the input shape.
	Weight tensor.Mat
	// Scale holds one scale per row.
	Scale []float32
	// Zero holds one zero-point per row for the asymmetric uniform grid and
	// is nil otherwise.
	Zero []float32
}

func roundEven(v float32) float32 {
	return float32(math.RoundToEven(float64(v)))
}

// QuantizeCodebook quantizes each row of w onto the codebook of dtype.
// The per-row scale is max|row| * quantile / max(levels); values are assigned
// to the level whose midpoint-bounded interval contains them.
func QuantizeCodebook(w *tensor.Mat, quantile float32, dtype DType, opts GridOptions) (GridResult, error) {
	cb, err := codebookFor(dtype)
	if err != nil {
		return GridResult{}, err
	}
	out := w.Clone()
	scale := make([]float32, out.R)
	for i := 0; i < out.R; i++ {
		row := out.Row(i)
		s := tensor.AbsMax(row) * quantile / cb.max
		scale[i] = s
		codebookRow(row, s, cb, opts.ReturnInt)
		if !opts.coded() {
			for j := range row {
				row[j] *= s
			}
		}
	}
	return GridResult{Weight: out, Scale: scale}, nil
}

// codebookRow maps a row onto codebook levels (or codes) in place, dividing
// by the supplied scale first. A NaN quotient (all-zero row gives scale 0)
// matches no interval and becomes 0, matching the reference tie-breaking.
func codebookRow(row []float32, scale float32, cb *codebook, toCodes bool) {
	for j, v := range row {
		idx := cb.index(v / scale)
		switch {
		case idx < 0:
			row[j] = 0
		case toCodes:
			row[j] = float32(cb.codes[idx])
		default:
			row[j] = cb.levels[idx]
		}
	}
}

// QuantizeAsym quantizes each row of w on the asymmetric uniform grid
// [0, 2^bits-1] with a per-row scale and zero-point.
func QuantizeAsym(w *tensor.Mat, bits int, quantile float32, opts GridOptions) (GridResult, error) {
	if bits <= 0 {
		return GridResult{}, fmt.Errorf("%w: got %d", ErrBadBits, bits)
	}
	maxq := float32(uint64(1)<<uint(bits)) - 1
	out := w.Clone()
	scale := make([]float32, out.R)
	zero := make([]float32, out.R)
	for i := 0; i < out.R; i++ {
		row := out.Row(i)
		lo, hi := tensor.MinMax(row)
		wmin := min(lo, 0) * quantile
		wmax := max(hi, 0) * quantile
		if wmin == 0 && wmax == 0 {
			// degenerate all-zero row: substitute a canonical [-1, 1] range
			// instead of dividing by zero
			wmin, wmax = -1, 1
		}
		s := (wmax - wmin) / maxq
		zp := roundEven(-wmin / s)
		scale[i] = s
		zero[i] = zp
		for j, v := range row {
			q := roundEven(v/s) + zp
			row[j] = clamp(q, 0, maxq)
		}
		if !opts.coded() {
			for j := range row {
				row[j] = (row[j] - zp) * s
			}
		}
	}
	return GridResult{Weight: out, Scale: scale, Zero: zero}, nil
}

// QuantizeSym quantizes each row of w on the symmetric uniform grid
// [-2^(bits-1), 2^(bits-1)-1]. No zero-point is produced.
//
// With FullRange the scale uses the full signed range (wmax / 2^(bits-1))
// and is negated when |max(row)| > |min(row)|, so the dominant side of the
// distribution lands on the longer half of the code range.
func QuantizeSym(w *tensor.Mat, bits int, quantile float32, opts GridOptions) (GridResult, error) {
	if bits <= 0 {
		return GridResult{}, fmt.Errorf("%w: got %d", ErrBadBits, bits)
	}
	maxq := float32(int64(1)<<uint(bits-1)) - 1
	minq := -float32(int64(1) << uint(bits-1))
	if bits == 1 {
		// documented edge case: the two codes swap roles
		maxq = float32(int64(1) << uint(bits-1))
		minq = float32(int64(1)<<uint(bits-1)) - 1
	}
	out := w.Clone()
	scale := make([]float32, out.R)
	for i := 0; i < out.R; i++ {
		row := out.Row(i)
		lo, hi := tensor.MinMax(row)
		flip := abs32(hi) > abs32(lo)
		wmax := max(abs32(hi), abs32(lo)) * quantile
		if wmax == 0 {
			wmax = 1
		}
		var s float32
		if opts.FullRange {
			s = wmax / (-minq)
			if flip {
				s = -s
			}
		} else {
			s = wmax / maxq
		}
		scale[i] = s
		for j, v := range row {
			row[j] = clamp(roundEven(v/s), minq, maxq)
		}
		if !opts.coded() {
			for j := range row {
				row[j] *= s
			}
		}
	}
	return GridResult{Weight: out, Scale: scale}, nil
}

// QuantizeRows dispatches one grid quantization call where each row of w is
// one group: codebook types route to the codebook path (the scheme is
// ignored), everything else to the uniform grid selected by scheme.
// bits must be positive; a non-positive value is a configuration error.
func QuantizeRows(w *tensor.Mat, bits int, scheme Scheme, dtype DType, quantile float32, opts GridOptions) (GridResult, error) {
	if bits <= 0 {
		return GridResult{}, fmt.Errorf("%w: got %d", ErrBadBits, bits)
	}
	if dtype.IsCodebook() {
		return QuantizeCodebook(w, quantile, dtype, opts)
	}
	if scheme == SchemeSym {
		return QuantizeSym(w, bits, quantile, opts)
	}
	return QuantizeAsym(w, bits, quantile, opts)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
