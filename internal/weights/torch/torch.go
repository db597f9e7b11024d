// Package torch reads PyTorch pickle checkpoints (pytorch_model.bin) into a
// weights.Store.
package torch

import (
	"fmt"
	"sort"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"bertemb/internal/weights"
)

// File holds the tensors of a loaded state dict.
type File struct {
	tensors map[string]*pytorch.Tensor
}

// Open unpickles the state dict at path.
func Open(path string) (*File, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("torch: %w", err)
	}
	f := &File{tensors: make(map[string]*pytorch.Tensor)}
	add := func(k, v any) {
		name, ok := k.(string)
		if !ok {
			return
		}
		if t, ok := v.(*pytorch.Tensor); ok {
			f.tensors[name] = t
		}
	}
	switch dict := pt.(type) {
	case *types.Dict:
		for _, k := range dict.Keys() {
			add(k, dict.MustGet(k))
		}
	case *types.OrderedDict:
		for e := dict.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			add(entry.Key, entry.Value)
		}
	default:
		return nil, fmt.Errorf("torch: %s: expected a state dict, got %T", path, pt)
	}
	return f, nil
}

func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor copies the named tensor out of its storage as float64.
func (f *File) Tensor(name string) (*weights.Tensor, error) {
	t, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", weights.ErrNotFound, name)
	}

	n := 1
	for _, d := range t.Size {
		if d <= 0 {
			return nil, fmt.Errorf("torch: tensor %s: invalid shape %v", name, t.Size)
		}
		n *= d
	}
	if !contiguous(t.Size, t.Stride) {
		return nil, fmt.Errorf("torch: tensor %s: non-contiguous strides %v", name, t.Stride)
	}

	var out []float64
	var err error
	switch s := t.Source.(type) {
	case *pytorch.DoubleStorage:
		out, err = widen(s.Data, t.StorageOffset, n)
	case *pytorch.FloatStorage:
		out, err = widen(s.Data, t.StorageOffset, n)
	case *pytorch.HalfStorage:
		out, err = widen(s.Data, t.StorageOffset, n)
	case *pytorch.BFloat16Storage:
		out, err = widen(s.Data, t.StorageOffset, n)
	default:
		return nil, fmt.Errorf("torch: tensor %s: unsupported storage %T", name, t.Source)
	}
	if err != nil {
		return nil, fmt.Errorf("torch: tensor %s: %w", name, err)
	}
	return &weights.Tensor{Shape: append([]int(nil), t.Size...), Data: out}, nil
}

// widen copies n elements starting at offset out of a storage buffer.
func widen[T float32 | float64](data []T, offset, n int) ([]float64, error) {
	if offset < 0 || offset+n > len(data) {
		return nil, fmt.Errorf("storage of %d elements too small for %d at offset %d", len(data), n, offset)
	}
	out := make([]float64, n)
	for i, v := range data[offset : offset+n] {
		out[i] = float64(v)
	}
	return out, nil
}

func contiguous(size, stride []int) bool {
	if len(stride) != len(size) {
		return false
	}
	want := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != want {
			return false
		}
		want *= size[i]
	}
	return true
}
