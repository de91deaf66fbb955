package checkpoint

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/portrayml/portray/nn"
)

func TestTorchTensorContiguous(t *testing.T) {
	src := &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{1, 2, 3, 4, 5, 6}},
		Size:   []int{2, 3},
		Stride: []int{3, 1},
	}
	got, err := torchTensor(src)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, nn.Floats(got)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestTorchTensorStridedView(t *testing.T) {
	// A transposed 2x3 view over the same storage: strides (1, 3).
	src := &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{1, 2, 3, 4, 5, 6}},
		Size:   []int{3, 2},
		Stride: []int{1, 3},
	}
	got, err := torchTensor(src)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 4, 2, 5, 3, 6}, nn.Floats(got)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestTorchTensorOffsetAndDouble(t *testing.T) {
	src := &pytorch.Tensor{
		Source:        &pytorch.DoubleStorage{Data: []float64{0, 0, 1.5, 2.5}},
		Size:          []int{2},
		Stride:        []int{1},
		StorageOffset: 2,
	}
	got, err := torchTensor(src)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1.5, 2.5}, nn.Floats(got)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestTorchTensorRejectsBadViews(t *testing.T) {
	overrun := &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{1, 2}},
		Size:   []int{4},
		Stride: []int{1},
	}
	if _, err := torchTensor(overrun); err == nil {
		t.Error("accepted a view past the end of storage")
	}

	scalar := &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{1}},
	}
	if _, err := torchTensor(scalar); err == nil {
		t.Error("accepted a scalar tensor")
	}
}

func TestTorchGroupFromDict(t *testing.T) {
	weights := types.NewDict()
	weights.Set("mapping_0.0.weight", &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{1, 2}},
		Size:   []int{2},
		Stride: []int{1},
	})

	top := types.NewDict()
	top.Set(groupImageAdapter, weights)

	got, err := torchGroup(top, groupImageAdapter)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("group has %d tensors, want 1", len(got))
	}
	if diff := cmp.Diff([]float32{1, 2}, nn.Floats(got["mapping_0.0.weight"])); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// Absent groups come back nil without an error.
	missing, err := torchGroup(top, groupTextAdapter)
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("absent group is non-nil")
	}
}

func TestTorchGroupRejectsNonTensorValues(t *testing.T) {
	weights := types.NewDict()
	weights.Set("mapping_0.0.weight", "not a tensor")
	top := types.NewDict()
	top.Set(groupImageAdapter, weights)

	if _, err := torchGroup(top, groupImageAdapter); err == nil {
		t.Error("accepted a non-tensor group entry")
	}
}
