// Package safetensors reads and writes the safetensors checkpoint format.
// Reads decode F32, F16 and BF16 payloads to float32; writes always emit
// F32, which is what a fake-quantized checkpoint needs.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/crush/internal/tensor"
)

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened checkpoint: the parsed header plus the byte offset where
// tensor data begins. Tensor payloads are read on demand.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, err
	}
	delete(raw, "__metadata__")

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
	}, nil
}

// Names returns all tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

func (f *File) readRaw(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if t.End < t.Start {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// Float32 reads a tensor's payload decoded to float32, whatever its stored
// dtype.
func (f *File) Float32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.readRaw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	var elemSize int
	var decode func(i int) float32
	switch info.DType {
	case "F32":
		elemSize = 4
		decode = func(i int) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "BF16":
		elemSize = 2
		decode = func(i int) float32 {
			return bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "F16":
		elemSize = 2
		decode = func(i int) float32 {
			return fp16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	default:
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	if len(raw) != n*elemSize {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: payload size %d does not match shape", name, len(raw))
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = decode(i)
	}
	return out, info, nil
}

// Matrix reads a tensor as a 2D matrix. A 1D tensor becomes a single row;
// higher ranks are rejected since quantization operates on weight matrices.
func (f *File) Matrix(name string) (tensor.Mat, error) {
	data, info, err := f.Float32(name)
	if err != nil {
		return tensor.Mat{}, err
	}
	switch len(info.Shape) {
	case 1:
		return tensor.NewMatFromData(1, info.Shape[0], data), nil
	case 2:
		return tensor.NewMatFromData(info.Shape[0], info.Shape[1], data), nil
	default:
		return tensor.Mat{}, fmt.Errorf("tensor %s: rank %d not supported, want 1 or 2", name, len(info.Shape))
	}
}

// WriteF32 writes tensors to path as an F32 safetensors file. Tensor names
// are stored in sorted order with contiguous data offsets.
func WriteF32(path string, tensors map[string]tensor.Mat) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorHeader, len(tensors))
	var off int64
	for _, name := range names {
		m := tensors[name]
		size := int64(m.R*m.C) * 4
		header[name] = tensorHeader{
			DType:       "F32",
			Shape:       []int{m.R, m.C},
			DataOffsets: []int64{off, off + size},
		}
		off += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	buf := make([]byte, 0, 4096)
	for _, name := range names {
		m := tensors[name]
		buf = buf[:0]
		for i := 0; i < m.R; i++ {
			for _, v := range m.Row(i) {
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
			}
		}
		if _, err := f.Write(buf); err != nil {
			return fmt.Errorf("write tensor %s: %w", name, err)
		}
	}
	return f.Close()
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func fp16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
