package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pdevine/tensor"

	"github.com/portrayml/portray/nn"
)

// LoadTorch imports a reference PyTorch checkpoint. The file is expected
// to hold a dict with any subset of the three group keys, each mapping
// parameter names to tensors. Missing groups are skipped, like Load.
func LoadTorch(path string) (*Checkpoint, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", path, err)
	}

	ckpt := &Checkpoint{}
	if ckpt.ImageAdapter, err = torchGroup(obj, groupImageAdapter); err != nil {
		return nil, err
	}
	if ckpt.TextAdapter, err = torchGroup(obj, groupTextAdapter); err != nil {
		return nil, err
	}
	if ckpt.CrossAttention, err = torchGroup(obj, groupCrossAttention); err != nil {
		return nil, err
	}
	if ckpt.ImageAdapter == nil && ckpt.TextAdapter == nil && ckpt.CrossAttention == nil {
		return nil, fmt.Errorf("checkpoint: %s contains none of the known state groups", path)
	}
	return ckpt, nil
}

// torchGroup extracts one state group from the unpickled top-level dict.
// Returns nil with no error when the group is absent.
func torchGroup(obj any, key string) (map[string]*tensor.Dense, error) {
	entry, ok := dictGet(obj, key)
	if !ok {
		return nil, nil
	}
	out := make(map[string]*tensor.Dense)
	if err := eachDictEntry(entry, func(name string, value any) error {
		t, ok := value.(*pytorch.Tensor)
		if !ok {
			return fmt.Errorf("checkpoint: %s.%s is %T, not a tensor", key, name, value)
		}
		converted, err := torchTensor(t)
		if err != nil {
			return fmt.Errorf("checkpoint: %s.%s: %w", key, name, err)
		}
		out[name] = converted
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func dictGet(obj any, key string) (any, bool) {
	switch d := obj.(type) {
	case *types.Dict:
		return d.Get(key)
	case *types.OrderedDict:
		if entry, ok := d.Map[key]; ok {
			return entry.Value, true
		}
		return nil, false
	default:
		return nil, false
	}
}

func eachDictEntry(obj any, fn func(key string, value any) error) error {
	switch d := obj.(type) {
	case *types.Dict:
		for _, entry := range *d {
			key, ok := entry.Key.(string)
			if !ok {
				return fmt.Errorf("checkpoint: non-string key %v", entry.Key)
			}
			if err := fn(key, entry.Value); err != nil {
				return err
			}
		}
		return nil
	case *types.OrderedDict:
		for key, entry := range d.Map {
			name, ok := key.(string)
			if !ok {
				return fmt.Errorf("checkpoint: non-string key %v", key)
			}
			if err := fn(name, entry.Value); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("checkpoint: state group is %T, not a dict", obj)
	}
}

// torchTensor converts an unpickled tensor to a dense float32 tensor,
// materializing the storage view described by size, stride and offset.
func torchTensor(t *pytorch.Tensor) (*tensor.Dense, error) {
	var storage []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		storage = s.Data
	case *pytorch.HalfStorage:
		storage = s.Data
	case *pytorch.BFloat16Storage:
		storage = s.Data
	case *pytorch.DoubleStorage:
		storage = make([]float32, len(s.Data))
		for i, v := range s.Data {
			storage[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}

	if len(t.Size) == 0 {
		return nil, fmt.Errorf("scalar tensors are not supported")
	}
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	data := make([]float32, n)
	idx := make([]int, len(t.Size))
	for i := 0; i < n; i++ {
		src := t.StorageOffset
		for d, j := range idx {
			src += j * t.Stride[d]
		}
		if src < 0 || src >= len(storage) {
			return nil, fmt.Errorf("storage index %d out of range", src)
		}
		data[i] = storage[src]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return nn.FromSlice(data, t.Size...)
}
