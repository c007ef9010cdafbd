package tensor

import "math/rand"

// Mat represents a dense row-major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row-major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out-of-range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.  The stride is set to the
// number of columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i-th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Clone returns a compact copy of the matrix.  The copy has stride equal to
// the column count even when the source is a strided view.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Compact reports whether rows are laid out back to back with no gap.
func (m *Mat) Compact() bool {
	return m.Stride == m.C
}

// Reshape returns a view over the same backing data with a new shape.
// The matrix must be compact and the element count must be preserved.
func (m *Mat) Reshape(r, c int) Mat {
	if !m.Compact() {
		panic("reshape of strided matrix")
	}
	if r*c != m.R*m.C {
		panic("reshape element count mismatch")
	}
	return Mat{R: r, C: c, Stride: c, Data: m.Data}
}

// FillRand fills the matrix with reproducible pseudo-random values in (-1,1).
// The seed controls the random sequence; multiple calls with the same seed
// produce identical matrices.
func (m *Mat) FillRand(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] = (rng.Float32() - 0.5) * 2
		}
	}
}
