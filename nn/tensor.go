// Package nn provides the float32 tensor helpers and trainable layers used
// by the adapter and the sampling pipeline. Tensors are plain
// *tensor.Dense values; all elementwise math runs over the backing slice.
package nn

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
)

// Zeros returns a zero-filled float32 tensor of the given shape.
func Zeros(shape ...int) *tensor.Dense {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float32, n)))
}

// FromSlice wraps data in a tensor of the given shape. The slice is used
// directly, not copied.
func FromSlice(data []float32, shape ...int) (*tensor.Dense, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("nn: invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if len(data) != n {
		return nil, fmt.Errorf("nn: %d elements do not fit shape %v", len(data), shape)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

// Floats returns the backing slice of t.
func Floats(t *tensor.Dense) []float32 {
	if v, ok := t.Data().([]float32); ok {
		return v
	}
	// Single-element tensors report their data as a scalar.
	return []float32{t.Data().(float32)}
}

// Clone returns a deep copy of t.
func Clone(t *tensor.Dense) *tensor.Dense {
	return t.Clone().(*tensor.Dense)
}

// Add returns a + b elementwise. Shapes must agree exactly; there is no
// broadcasting here.
func Add(a, b *tensor.Dense) (*tensor.Dense, error) {
	if !a.Shape().Eq(b.Shape()) {
		return nil, fmt.Errorf("nn: add shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	av, bv := Floats(a), Floats(b)
	out := make([]float32, len(av))
	for i := range av {
		out[i] = av[i] + bv[i]
	}
	return FromSlice(out, a.Shape()...)
}

// Sub returns a - b elementwise.
func Sub(a, b *tensor.Dense) (*tensor.Dense, error) {
	if !a.Shape().Eq(b.Shape()) {
		return nil, fmt.Errorf("nn: sub shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	av, bv := Floats(a), Floats(b)
	out := make([]float32, len(av))
	for i := range av {
		out[i] = av[i] - bv[i]
	}
	return FromSlice(out, a.Shape()...)
}

// Scale returns t * s elementwise.
func Scale(t *tensor.Dense, s float32) *tensor.Dense {
	tv := Floats(t)
	out := make([]float32, len(tv))
	for i := range tv {
		out[i] = tv[i] * s
	}
	res, _ := FromSlice(out, t.Shape()...)
	return res
}

// Clamp limits every element of t to [lo, hi].
func Clamp(t *tensor.Dense, lo, hi float32) *tensor.Dense {
	tv := Floats(t)
	out := make([]float32, len(tv))
	for i, v := range tv {
		switch {
		case v < lo:
			out[i] = lo
		case v > hi:
			out[i] = hi
		default:
			out[i] = v
		}
	}
	res, _ := FromSlice(out, t.Shape()...)
	return res
}

// SliceSeq returns t[:, from:to, :] for a (batch, seq, dim) tensor.
func SliceSeq(t *tensor.Dense, from, to int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("nn: slice expects a 3-d tensor, got %v", shape)
	}
	b, s, d := shape[0], shape[1], shape[2]
	if from < 0 || to > s || from >= to {
		return nil, fmt.Errorf("nn: slice [%d:%d] out of range for sequence length %d", from, to, s)
	}
	tv := Floats(t)
	n := to - from
	out := make([]float32, b*n*d)
	for i := 0; i < b; i++ {
		src := (i*s + from) * d
		dst := i * n * d
		copy(out[dst:dst+n*d], tv[src:src+n*d])
	}
	return FromSlice(out, b, n, d)
}

// ConcatSeq concatenates (batch, seq_i, dim) tensors along the sequence
// axis, preserving order.
func ConcatSeq(ts []*tensor.Dense) (*tensor.Dense, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("nn: concat of zero tensors")
	}
	first := ts[0].Shape()
	if len(first) != 3 {
		return nil, fmt.Errorf("nn: concat expects 3-d tensors, got %v", first)
	}
	b, d := first[0], first[2]
	total := 0
	for _, t := range ts {
		shape := t.Shape()
		if len(shape) != 3 || shape[0] != b || shape[2] != d {
			return nil, fmt.Errorf("nn: concat shape mismatch %v vs %v", shape, first)
		}
		total += shape[1]
	}
	out := make([]float32, b*total*d)
	for i := 0; i < b; i++ {
		dst := i * total * d
		for _, t := range ts {
			s := t.Shape()[1]
			tv := Floats(t)
			copy(out[dst:dst+s*d], tv[i*s*d:(i+1)*s*d])
			dst += s * d
		}
	}
	return FromSlice(out, b, total, d)
}

// MeanPool averages a (batch, seq, dim) tensor over the sequence axis,
// keeping the axis: the result is (batch, 1, dim).
func MeanPool(t *tensor.Dense) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("nn: mean pool expects a 3-d tensor, got %v", shape)
	}
	b, s, d := shape[0], shape[1], shape[2]
	tv := Floats(t)
	out := make([]float32, b*d)
	for i := 0; i < b; i++ {
		for j := 0; j < s; j++ {
			row := (i*s + j) * d
			for k := 0; k < d; k++ {
				out[i*d+k] += tv[row+k]
			}
		}
	}
	inv := float32(1) / float32(s)
	for i := range out {
		out[i] *= inv
	}
	return FromSlice(out, b, 1, d)
}

// HasNaN reports whether t contains a NaN or Inf value.
func HasNaN(t *tensor.Dense) bool {
	for _, v := range Floats(t) {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}
