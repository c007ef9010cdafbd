package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/samcharles93/crush/internal/tensor"
)

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "w.safetensors")

	a := tensor.NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	b := tensor.NewMatFromData(1, 4, []float32{-0.5, 0, 0.5, 1.25})
	if err := WriteF32(path, map[string]tensor.Mat{"layer.a": a, "layer.b": b}); err != nil {
		t.Fatalf("WriteF32: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	names := f.Names()
	if len(names) != 2 || names[0] != "layer.a" || names[1] != "layer.b" {
		t.Fatalf("Names() = %v", names)
	}

	got, err := f.Matrix("layer.a")
	if err != nil {
		t.Fatalf("Matrix: %v", err)
	}
	if got.R != 2 || got.C != 3 {
		t.Fatalf("shape [%d %d], want [2 3]", got.R, got.C)
	}
	for i := 0; i < 2; i++ {
		for j, v := range got.Row(i) {
			if v != a.Row(i)[j] {
				t.Fatalf("a[%d][%d] = %v, want %v", i, j, v, a.Row(i)[j])
			}
		}
	}
}

func TestMatrixPromotesVector(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "v.safetensors")
	v := tensor.NewMatFromData(1, 3, []float32{7, 8, 9})
	if err := WriteF32(path, map[string]tensor.Mat{"bias": v}); err != nil {
		t.Fatalf("WriteF32: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := f.Matrix("bias")
	if err != nil {
		t.Fatalf("Matrix: %v", err)
	}
	if got.R != 1 || got.C != 3 {
		t.Fatalf("shape [%d %d], want [1 3]", got.R, got.C)
	}
}

func TestFloat32DecodesHalfPrecision(t *testing.T) {
	t.Parallel()
	cases := []struct {
		dtype string
		enc   func(float32) uint16
	}{
		{"BF16", func(v float32) uint16 { return uint16(math.Float32bits(v) >> 16) }},
		{"F16", f32ToFP16},
	}
	vals := []float32{0, 1, -1, 0.5, 2.5, -4}
	for _, tc := range cases {
		path := filepath.Join(t.TempDir(), tc.dtype+".safetensors")
		writeRawTensor(t, path, "w", tc.dtype, []int{1, len(vals)}, encodeU16(vals, tc.enc))

		f, err := Open(path)
		if err != nil {
			t.Fatalf("%s: Open: %v", tc.dtype, err)
		}
		got, _, err := f.Float32("w")
		if err != nil {
			t.Fatalf("%s: Float32: %v", tc.dtype, err)
		}
		for i, v := range got {
			if v != vals[i] {
				t.Fatalf("%s: element %d = %v, want %v", tc.dtype, i, v, vals[i])
			}
		}
	}
}

func TestRejectsUnknownDType(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "i8.safetensors")
	writeRawTensor(t, path, "w", "I8", []int{1, 4}, []byte{1, 2, 3, 4})
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := f.Float32("w"); err == nil {
		t.Fatalf("expected an error for dtype I8")
	}
}

func TestMissingTensor(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "m.safetensors")
	if err := WriteF32(path, map[string]tensor.Mat{"a": tensor.NewMat(1, 1)}); err != nil {
		t.Fatalf("WriteF32: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.Matrix("nope"); err == nil {
		t.Fatalf("expected an error for a missing tensor")
	}
}

// writeRawTensor builds a one-tensor file with an arbitrary dtype payload.
func writeRawTensor(t *testing.T, path, name, dtype string, shape []int, payload []byte) {
	t.Helper()
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	header := fmt.Sprintf(`{%q:{"dtype":%q,"shape":[%s],"data_offsets":[0,%d]}}`,
		name, dtype, strings.Join(dims, ","), len(payload))
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func encodeU16(vals []float32, enc func(float32) uint16) []byte {
	var buf []byte
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint16(buf, enc(v))
	}
	return buf
}

// f32ToFP16 converts exactly representable test values; it does not round.
func f32ToFP16(v float32) uint16 {
	bits := math.Float32bits(v)
	sign := uint16(bits>>16) & 0x8000
	if v == 0 {
		return sign
	}
	exp := int32(bits>>23&0xFF) - 127 + 15
	frac := uint16(bits >> 13 & 0x3FF)
	return sign | uint16(exp)<<10 | frac
}
