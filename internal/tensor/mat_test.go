package tensor

import "testing"

func TestRowView(t *testing.T) {
	t.Parallel()
	m := NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	row := m.Row(1)
	if len(row) != 3 {
		t.Fatalf("row length: got %d, want 3", len(row))
	}
	if row[0] != 4 || row[2] != 6 {
		t.Fatalf("unexpected row contents: %v", row)
	}
	row[1] = 50
	if m.Data[4] != 50 {
		t.Fatal("row view did not alias the backing data")
	}
}

func TestCloneIndependence(t *testing.T) {
	t.Parallel()
	m := NewMatFromData(2, 2, []float32{1, 2, 3, 4})
	c := m.Clone()
	c.Data[0] = 99
	if m.Data[0] != 1 {
		t.Fatal("clone shares backing data with source")
	}
	if c.R != m.R || c.C != m.C || c.Stride != c.C {
		t.Fatalf("clone shape: got %dx%d stride %d", c.R, c.C, c.Stride)
	}
}

func TestCloneStridedView(t *testing.T) {
	t.Parallel()
	// a 2x2 view over the first two columns of a 2x3 matrix
	base := NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	view := Mat{R: 2, C: 2, Stride: 3, Data: base.Data}
	c := view.Clone()
	want := []float32{1, 2, 4, 5}
	for i, v := range want {
		if c.Data[i] != v {
			t.Fatalf("clone of strided view: got %v, want %v", c.Data, want)
		}
	}
}

func TestReshape(t *testing.T) {
	t.Parallel()
	m := NewMatFromData(2, 6, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	g := m.Reshape(4, 3)
	if g.R != 4 || g.C != 3 {
		t.Fatalf("reshape shape: got %dx%d", g.R, g.C)
	}
	if g.Row(2)[0] != 6 {
		t.Fatalf("reshape data: got %v", g.Row(2))
	}
	// reshape is a view, not a copy
	g.Row(0)[0] = 42
	if m.Data[0] != 42 {
		t.Fatal("reshape did not alias the backing data")
	}
}

func TestMSE(t *testing.T) {
	t.Parallel()
	a := NewMatFromData(1, 4, []float32{1, 2, 3, 4})
	b := NewMatFromData(1, 4, []float32{1, 2, 3, 6})
	got := MSE(&a, &b)
	if got != 1.0 {
		t.Fatalf("MSE: got %v, want 1.0", got)
	}
	if MSE(&a, &a) != 0 {
		t.Fatal("MSE of identical matrices should be 0")
	}
}

func TestMinMaxAbsMax(t *testing.T) {
	t.Parallel()
	x := []float32{-3, 0.5, 2, -0.25}
	lo, hi := MinMax(x)
	if lo != -3 || hi != 2 {
		t.Fatalf("MinMax: got (%v, %v)", lo, hi)
	}
	if AbsMax(x) != 3 {
		t.Fatalf("AbsMax: got %v", AbsMax(x))
	}
	lo, hi = MinMax(nil)
	if lo != 0 || hi != 0 {
		t.Fatalf("MinMax(nil): got (%v, %v)", lo, hi)
	}
}
