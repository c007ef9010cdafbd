package quant

import (
	"errors"
	"fmt"
)

// WholeRow is the sentinel group size meaning "one group per row".
const WholeRow = -1

// Defaults for the second-level pass over the scale tensor.
const (
	defaultDoubleQuantBits      = 8
	defaultDoubleQuantGroupSize = 256
)

var (
	ErrBadQuantile  = errors.New("quant: quantile must be in (0, 1]")
	ErrBadGroupSize = errors.New("quant: group size must be positive or WholeRow")
	ErrBadBits      = errors.New("quant: bits must be positive")
)

// DoubleQuantConfig configures the recursive second quantization pass applied
// to the scale tensor of the first pass.
type DoubleQuantConfig struct {
	Enabled   bool
	Bits      int
	GroupSize int
	Scheme    Scheme
	DType     DType
	// ReturnInt selects integer scale codes for the second pass.  When unset
	// it follows Config.ReturnInt.
	ReturnInt *bool
}

// Config enumerates every recognized quantization option with its default.
// It replaces ad-hoc option bags: a Config is validated once on entry to
// Quantize and passed through unchanged.
type Config struct {
	Bits      int
	GroupSize int // WholeRow, or a positive column count per group
	Scheme    Scheme
	DType     DType
	Quantile  float32
	ReturnInt bool
	FullRange bool

	DoubleQuant DoubleQuantConfig
}

// DefaultConfig returns the baseline 4-bit asymmetric per-row configuration.
func DefaultConfig() Config {
	return Config{
		Bits:      4,
		GroupSize: WholeRow,
		Scheme:    SchemeAsym,
		DType:     DTypeInt,
		Quantile:  1.0,
	}
}

// normalized fills unset double-quant fields with their defaults.
func (c Config) normalized() Config {
	if c.DoubleQuant.Enabled {
		if c.DoubleQuant.Bits == 0 {
			c.DoubleQuant.Bits = defaultDoubleQuantBits
		}
		if c.DoubleQuant.GroupSize == 0 {
			c.DoubleQuant.GroupSize = defaultDoubleQuantGroupSize
		}
		if c.DoubleQuant.ReturnInt == nil {
			v := c.ReturnInt
			c.DoubleQuant.ReturnInt = &v
		}
	}
	return c
}

// Validate checks the configuration. Bits <= 0 is intentionally allowed here:
// Quantize treats it as an explicit no-op rather than an error.
func (c Config) Validate() error {
	if c.Quantile <= 0 || c.Quantile > 1 {
		return fmt.Errorf("%w: got %v", ErrBadQuantile, c.Quantile)
	}
	if c.GroupSize == 0 || c.GroupSize < WholeRow {
		return fmt.Errorf("%w: got %d", ErrBadGroupSize, c.GroupSize)
	}
	switch c.DType {
	case DTypeInt, DTypeNF4, DTypeFP4, DTypeFP4E2M1:
	default:
		return fmt.Errorf("quant: unknown dtype %s", c.DType)
	}
	if c.DoubleQuant.Enabled {
		dq := c.DoubleQuant
		if dq.Bits < 0 {
			return fmt.Errorf("double quant: %w: got %d", ErrBadBits, dq.Bits)
		}
		// GroupSize 0 means "use default"; only values below the sentinel
		// are invalid.
		if dq.GroupSize < WholeRow {
			return fmt.Errorf("double quant: %w: got %d", ErrBadGroupSize, dq.GroupSize)
		}
		switch dq.DType {
		case DTypeInt, DTypeNF4, DTypeFP4, DTypeFP4E2M1:
		default:
			return fmt.Errorf("double quant: unknown dtype %s", dq.DType)
		}
		if dq.ReturnInt != nil && *dq.ReturnInt && !c.ReturnInt {
			return errors.New("quant: integer scale codes require ReturnInt on the weight pass")
		}
	}
	return nil
}
