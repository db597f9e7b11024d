// Package safetensors reads and writes the safetensors checkpoint format: an
// 8-byte little-endian header length, a JSON header describing each tensor,
// then the raw tensor bytes.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"

	"bertemb/internal/weights"
)

const metadataKey = "__metadata__"

type tensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// File is a safetensors checkpoint held in memory. Tensors are decoded to
// float64 on access.
type File struct {
	infos map[string]tensorInfo
	data  []byte
}

// Open reads the whole checkpoint at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: %w", err)
	}
	return Parse(data)
}

// Parse decodes a checkpoint already in memory.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too small: %d bytes", len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if uint64(len(data)-8) < headerLen {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size", headerLen)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("safetensors: failed to parse header: %w", err)
	}

	body := data[8+headerLen:]
	infos := make(map[string]tensorInfo, len(header))
	for name, raw := range header {
		if name == metadataKey {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin < 0 || end < begin || end > len(body) {
			return nil, fmt.Errorf("safetensors: tensor %s: offsets %v out of range", name, info.DataOffsets)
		}
		infos[name] = info
	}
	return &File{infos: infos, data: body}, nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.infos))
	for name := range f.infos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor decodes the named tensor.
func (f *File) Tensor(name string) (*weights.Tensor, error) {
	info, ok := f.infos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", weights.ErrNotFound, name)
	}
	raw := f.data[info.DataOffsets[0]:info.DataOffsets[1]]

	n := 1
	for _, d := range info.Shape {
		if d <= 0 {
			return nil, fmt.Errorf("safetensors: tensor %s: invalid shape %v", name, info.Shape)
		}
		n *= d
	}
	size, err := elementSize(info.Dtype)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
	}
	if len(raw) != n*size {
		return nil, fmt.Errorf("safetensors: tensor %s: %d bytes for shape %v %s", name, len(raw), info.Shape, info.Dtype)
	}

	out := make([]float64, n)
	switch info.Dtype {
	case "F64":
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case "F32":
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case "F16":
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32())
		}
	case "BF16":
		for i := range out {
			bits := uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16
			out[i] = float64(math.Float32frombits(bits))
		}
	}
	return &weights.Tensor{Shape: append([]int(nil), info.Shape...), Data: out}, nil
}

func elementSize(dtype string) (int, error) {
	switch dtype {
	case "F64":
		return 8, nil
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

// Write encodes tensors into w using dtype ("F32", "F16" or "F64").
func Write(w io.Writer, tensors map[string]*weights.Tensor, dtype string) error {
	size, err := elementSize(dtype)
	if err != nil {
		return err
	}
	if dtype == "BF16" {
		return fmt.Errorf("safetensors: writing %s is not supported", dtype)
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(tensors))
	var body bytes.Buffer
	for _, name := range names {
		t := tensors[name]
		begin := body.Len()
		buf := make([]byte, size)
		for _, v := range t.Data {
			switch dtype {
			case "F64":
				binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			case "F32":
				binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
			case "F16":
				binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(float32(v)).Bits())
			}
			body.Write(buf)
		}
		header[name] = tensorInfo{Dtype: dtype, Shape: t.Shape, DataOffsets: [2]int{begin, body.Len()}}
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	for _, b := range [][]byte{lenBuf[:], hb, body.Bytes()} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}
