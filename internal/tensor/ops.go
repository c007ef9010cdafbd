package tensor

// MSE computes the mean squared error between two matrices of identical
// shape.  Accumulation is done in float64 so the result is stable across
// summation orders.
func MSE(a, b *Mat) float64 {
	if a.R != b.R || a.C != b.C {
		panic("shape mismatch for MSE")
	}
	if a.R == 0 || a.C == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < a.R; i++ {
		ra := a.Row(i)
		rb := b.Row(i)
		for j := range ra {
			d := float64(ra[j] - rb[j])
			sum += d * d
		}
	}
	return sum / float64(a.R*a.C)
}

// Mean returns the arithmetic mean of all elements.
func Mean(m *Mat) float32 {
	if m.R == 0 || m.C == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < m.R; i++ {
		for _, v := range m.Row(i) {
			sum += float64(v)
		}
	}
	return float32(sum / float64(m.R*m.C))
}

// AbsMax returns max(|x|) over the slice, or 0 for an empty slice.
func AbsMax(x []float32) float32 {
	var m float32
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// MinMax returns the minimum and maximum of the slice.
// Both are 0 for an empty slice.
func MinMax(x []float32) (float32, float32) {
	if len(x) == 0 {
		return 0, 0
	}
	lo, hi := x[0], x[0]
	for _, v := range x[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
