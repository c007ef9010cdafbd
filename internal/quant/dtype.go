// Package quant implements weight-only quantization of 2D weight matrices:
// uniform symmetric/asymmetric integer grids, non-uniform 4-bit codebooks
// (NF4 and the FP4 families), group-wise scale/zero-point metadata, double
// quantization of the scale tensor, and clip-ratio search.
//
// All operations treat matrix rows as independent quantization units and
// never mix values across rows.
package quant

import (
	"errors"
	"fmt"
)

// Scheme selects the uniform integer grid layout. Codebook data types
// ignore the scheme.
type Scheme uint8

const (
	SchemeAsym Scheme = iota
	SchemeSym
)

func (s Scheme) String() string {
	switch s {
	case SchemeAsym:
		return "asym"
	case SchemeSym:
		return "sym"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// ParseScheme converts a scheme name to a Scheme.
func ParseScheme(s string) (Scheme, error) {
	switch s {
	case "asym", "":
		return SchemeAsym, nil
	case "sym":
		return SchemeSym, nil
	default:
		return 0, fmt.Errorf("quant: unknown scheme %q", s)
	}
}

// DType selects the target representation for quantized values.
type DType uint8

const (
	// DTypeInt is the uniform integer grid; bit width comes from Config.Bits.
	DTypeInt DType = iota
	// DTypeNF4 is the 16-level NormalFloat codebook from QLoRA.
	DTypeNF4
	// DTypeFP4 is the bitsandbytes FP4 codebook.
	DTypeFP4
	// DTypeFP4E2M1 is the e2m1 FP4 codebook.
	DTypeFP4E2M1
)

func (d DType) String() string {
	switch d {
	case DTypeInt:
		return "int"
	case DTypeNF4:
		return "nf4"
	case DTypeFP4:
		return "fp4"
	case DTypeFP4E2M1:
		return "fp4_e2m1"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// IsCodebook reports whether the data type quantizes onto a fixed set of
// non-uniform levels rather than an integer grid.
func (d DType) IsCodebook() bool {
	switch d {
	case DTypeNF4, DTypeFP4, DTypeFP4E2M1:
		return true
	default:
		return false
	}
}

// ParseDType converts a data type name to a DType. "fp4_e2m1_bnb" is an
// accepted alias for the bitsandbytes table.
func ParseDType(s string) (DType, error) {
	switch s {
	case "int", "":
		return DTypeInt, nil
	case "nf4":
		return DTypeNF4, nil
	case "fp4", "fp4_e2m1_bnb":
		return DTypeFP4, nil
	case "fp4_e2m1":
		return DTypeFP4E2M1, nil
	default:
		return 0, fmt.Errorf("quant: unknown dtype %q", s)
	}
}

var errNotCodebook = errors.New("quant: dtype has no codebook")

// codebook holds the fixed, sorted quantization levels of a non-uniform data
// type together with the matching signed integer codes.  mids caches the
// midpoints between consecutive levels; quantization assigns each value to
// the level whose midpoint-bounded interval contains it.
type codebook struct {
	levels []float32
	codes  []int8
	mids   []float32
	max    float32 // largest level, used for row scaling
}

func newCodebook(levels []float32, codes []int8) *codebook {
	if len(levels) != len(codes) {
		panic("quant: codebook level/code length mismatch")
	}
	mids := make([]float32, len(levels)-1)
	for i := range mids {
		mids[i] = (levels[i] + levels[i+1]) / 2
	}
	return &codebook{
		levels: levels,
		codes:  codes,
		mids:   mids,
		max:    levels[len(levels)-1],
	}
}

// index returns the level index for a scaled value, or -1 when the value is
// NaN and matches no interval.  The first interval is closed below, interior
// intervals are left-open/right-closed, and the last is open above; this
// keeps tie-breaking on exact midpoints deterministic.
func (cb *codebook) index(v float32) int {
	if v <= cb.mids[0] {
		return 0
	}
	last := len(cb.levels) - 1
	if v > cb.mids[len(cb.mids)-1] {
		return last
	}
	for i := 1; i < last; i++ {
		if v > cb.mids[i-1] && v <= cb.mids[i] {
			return i
		}
	}
	return -1 // NaN
}

// NF4 levels are from the QLoRA paper: the quantiles of a standard normal
// distribution, normalized to [-1, 1].
var nf4Levels = []float32{
	-1.0,
	-0.6961928009986877,
	-0.5250730514526367,
	-0.39491748809814453,
	-0.28444138169288635,
	-0.18477343022823334,
	-0.09105003625154495,
	0.0,
	0.07958029955625534,
	0.16093020141124725,
	0.24611230194568634,
	0.33791524171829224,
	0.44070982933044434,
	0.5626170039176941,
	0.7229568362236023,
	1.0,
}

var fp4Levels = []float32{
	-12.0, -8.0, -6.0, -4.0, -3.0, -2.0, -0.0625,
	0,
	0.0625, 2.0, 3.0, 4.0, 6.0, 8.0, 12.0,
}

var fp4E2M1Levels = []float32{
	-6.0, -4.0, -3.0, -2.0, -1.5, -1.0, -0.0625,
	0,
	0.0625, 1.0, 1.5, 2.0, 3.0, 4.0, 6.0,
}

// Codes parallel the level tables above. The 4-bit two's-complement pattern
// of each code is the storage nibble for the corresponding level.
var (
	nf4Codes     = []int8{7, 1, 2, 3, 4, 5, 6, 0, -8, -7, -6, -5, -4, -3, -2, -1}
	fp4Codes     = []int8{-5, -6, -3, -4, -1, -2, -7, 0, 1, 6, 7, 4, 5, 2, 3}
	fp4E2M1Codes = []int8{-1, -2, -3, -4, -5, -6, -7, 0, 1, 2, 3, 4, 5, 6, 7}
)

var codebooks = map[DType]*codebook{
	DTypeNF4:     newCodebook(nf4Levels, nf4Codes),
	DTypeFP4:     newCodebook(fp4Levels, fp4Codes),
	DTypeFP4E2M1: newCodebook(fp4E2M1Levels, fp4E2M1Codes),
}

func codebookFor(d DType) (*codebook, error) {
	cb, ok := codebooks[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNotCodebook, d)
	}
	return cb, nil
}

// Levels returns a copy of the codebook levels for a non-uniform data type.
func Levels(d DType) ([]float32, error) {
	cb, err := codebookFor(d)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(cb.levels))
	copy(out, cb.levels)
	return out, nil
}

// Codes returns a copy of the integer codes for a non-uniform data type,
// indexed identically to Levels.
func Codes(d DType) ([]int8, error) {
	cb, err := codebookFor(d)
	if err != nil {
		return nil, err
	}
	out := make([]int8, len(cb.codes))
	copy(out, cb.codes)
	return out, nil
}
