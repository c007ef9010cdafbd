package quant

import (
	"fmt"

	"github.com/samcharles93/crush/internal/tensor"
)

// ScaleQuant is the integer-coded representation of a scale tensor produced
// by double quantization with integer output.
type ScaleQuant struct {
	// Code holds the second-level integer codes of the mean-centered scale,
	// shaped like the scale it replaces.
	Code tensor.Mat
	// Scale is the second-level scale, one row.
	Scale tensor.Mat
	// Mean is the global mean removed from the scale before the second pass.
	Mean float32
}

// QuantState bundles the outputs of one group-wise quantization call. It is
// produced once and read by reconstruction or by the double-quantization
// pass; it is never mutated after creation.
type QuantState struct {
	// Weight holds integer codes when ReturnInt is set, otherwise the
	// dequantized approximation. Its shape always equals the input shape.
	Weight tensor.Mat
	// Scale has shape [rows, ceil(cols/groupSize)]. It is empty when
	// ScaleQuant carries the coded representation instead.
	Scale tensor.Mat
	// Zero is present only for the asymmetric uniform grid, shaped like
	// Scale.
	Zero *tensor.Mat
	// ScaleQuant is set when double quantization returned integer scale
	// codes.
	ScaleQuant *ScaleQuant
}

// Quantize applies group-wise weight quantization to w per cfg and returns a
// fresh QuantState; w itself is never modified.
//
// Rows are split into contiguous column groups of cfg.GroupSize sharing one
// scale (and zero-point). A group size of WholeRow, or one exceeding the row
// length, treats the whole row as a single group. A row length that is not a
// multiple of the group size yields one smaller trailing group.
//
// cfg.Bits <= 0 is an explicit no-op: the input is returned unchanged (as a
// copy) with no scale metadata.
func Quantize(w *tensor.Mat, cfg Config) (QuantState, error) {
	cfg = cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return QuantState{}, err
	}
	if cfg.Bits <= 0 {
		return QuantState{Weight: w.Clone()}, nil
	}
	if !w.Compact() {
		compact := w.Clone()
		w = &compact
	}

	rows, cols := w.R, w.C
	g := cfg.GroupSize
	if g == WholeRow || g > cols {
		g = cols
	}
	ng := (cols + g - 1) / g
	opts := GridOptions{
		ReturnInt: cfg.ReturnInt,
		KeepScale: cfg.DoubleQuant.Enabled,
		FullRange: cfg.FullRange,
	}

	var (
		out   tensor.Mat
		scale tensor.Mat
		zero  *tensor.Mat
		err   error
	)
	if cols%g == 0 {
		out, scale, zero, err = quantizeExact(w, g, cfg, opts)
	} else {
		out, scale, zero, err = quantizeSplit(w, g, cfg, opts)
	}
	if err != nil {
		return QuantState{}, err
	}

	if !cfg.DoubleQuant.Enabled {
		return QuantState{Weight: out, Scale: scale, Zero: zero}, nil
	}
	return doubleQuantize(out, scale, zero, g, rows, ng, cfg)
}

// quantizeExact handles row lengths that are an exact multiple of the group
// size: the block is re-viewed as [rows*numGroups, groupSize] and quantized
// in a single dispatch.
func quantizeExact(w *tensor.Mat, g int, cfg Config, opts GridOptions) (tensor.Mat, tensor.Mat, *tensor.Mat, error) {
	rows, cols := w.R, w.C
	ng := cols / g
	grouped := w.Reshape(rows*ng, g)
	res, err := QuantizeRows(&grouped, cfg.Bits, cfg.Scheme, cfg.DType, cfg.Quantile, opts)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, nil, err
	}
	out := res.Weight.Reshape(rows, cols)
	scale := tensor.NewMatFromData(rows, ng, res.Scale)
	var zero *tensor.Mat
	if res.Zero != nil {
		z := tensor.NewMatFromData(rows, ng, res.Zero)
		zero = &z
	}
	return out, scale, zero, nil
}

// quantizeSplit handles the remainder case: a head of whole groups and a
// tail group of the remaining columns, quantized separately and concatenated
// column-wise. The tail contributes exactly one extra scale/zero column.
func quantizeSplit(w *tensor.Mat, g int, cfg Config, opts GridOptions) (tensor.Mat, tensor.Mat, *tensor.Mat, error) {
	rows, cols := w.R, w.C
	headCols := cols / g * g
	headGroups := headCols / g
	ng := headGroups + 1

	head := tensor.NewMat(rows, headCols)
	tail := tensor.NewMat(rows, cols-headCols)
	for i := 0; i < rows; i++ {
		src := w.Row(i)
		copy(head.Row(i), src[:headCols])
		copy(tail.Row(i), src[headCols:])
	}

	headGrouped := head.Reshape(rows*headGroups, g)
	res1, err := QuantizeRows(&headGrouped, cfg.Bits, cfg.Scheme, cfg.DType, cfg.Quantile, opts)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, nil, err
	}
	res2, err := QuantizeRows(&tail, cfg.Bits, cfg.Scheme, cfg.DType, cfg.Quantile, opts)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, nil, err
	}

	out := tensor.NewMat(rows, cols)
	headOut := res1.Weight.Reshape(rows, headCols)
	for i := 0; i < rows; i++ {
		dst := out.Row(i)
		copy(dst[:headCols], headOut.Row(i))
		copy(dst[headCols:], res2.Weight.Row(i))
	}

	scale := tensor.NewMat(rows, ng)
	for i := 0; i < rows; i++ {
		srow := scale.Row(i)
		copy(srow[:headGroups], res1.Scale[i*headGroups:(i+1)*headGroups])
		srow[headGroups] = res2.Scale[i]
	}
	var zero *tensor.Mat
	if res1.Zero != nil {
		z := tensor.NewMat(rows, ng)
		for i := 0; i < rows; i++ {
			zrow := z.Row(i)
			copy(zrow[:headGroups], res1.Zero[i*headGroups:(i+1)*headGroups])
			zrow[headGroups] = res2.Zero[i]
		}
		zero = &z
	}
	return out, scale, zero, nil
}

// doubleQuantize re-quantizes the scale tensor of a completed first pass and
// finishes the outer result. The scale is flattened to a single row first:
// at this level the tensor is small enough that per-row grouping is
// unnecessary. An asymmetric second-level scheme is converted to symmetric
// by removing the global mean, which avoids a second-level zero-point.
//
// The shape of the weight block is never affected; only the numeric fidelity
// of the scale used to reconstruct it changes.
func doubleQuantize(out, scale tensor.Mat, zero *tensor.Mat, g, rows, ng int, cfg Config) (QuantState, error) {
	dq := cfg.DoubleQuant
	flat := scale.Reshape(1, rows*ng)

	var mean float32
	innerScheme := dq.Scheme
	if innerScheme == SchemeAsym {
		mean = tensor.Mean(&scale)
		for i := range flat.Data {
			flat.Data[i] -= mean
		}
		innerScheme = SchemeSym
	}

	inner, err := Quantize(&flat, Config{
		Bits:      dq.Bits,
		GroupSize: dq.GroupSize,
		Scheme:    innerScheme,
		DType:     dq.DType,
		Quantile:  1.0,
		ReturnInt: *dq.ReturnInt,
	})
	if err != nil {
		return QuantState{}, fmt.Errorf("double quant: %w", err)
	}

	if *dq.ReturnInt {
		// Validate guarantees cfg.ReturnInt here; the weight codes pair with
		// the coded scale representation.
		sq := &ScaleQuant{
			Code:  inner.Weight.Reshape(rows, ng),
			Scale: inner.Scale,
			Mean:  mean,
		}
		return QuantState{Weight: out, Zero: zero, ScaleQuant: sq}, nil
	}

	requant := inner.Weight
	if dq.Scheme == SchemeAsym {
		for i := range requant.Data {
			requant.Data[i] += mean
		}
	}
	scale = requant.Reshape(rows, ng)

	if cfg.ReturnInt {
		return QuantState{Weight: out, Scale: scale, Zero: zero}, nil
	}
	dequantize(&out, &scale, zero, g)
	return QuantState{Weight: out, Scale: scale, Zero: zero}, nil
}

// dequantize reconstructs w in place from integer codes, group by group:
// subtract the group zero-point (when present) and multiply by the group
// scale. The trailing group may be shorter than g.
func dequantize(w, scale *tensor.Mat, zero *tensor.Mat, g int) {
	for i := 0; i < w.R; i++ {
		row := w.Row(i)
		srow := scale.Row(i)
		for k := 0; k < scale.C; k++ {
			start := k * g
			end := min(start+g, w.C)
			seg := row[start:end]
			if zero != nil {
				zp := zero.Row(i)[k]
				for j := range seg {
					seg[j] -= zp
				}
			}
			s := srow[k]
			for j := range seg {
				seg[j] *= s
			}
		}
	}
}
