package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear is a fully connected layer, y = x*W + b. The weight is stored
// (in, out) row-major so the forward pass is a single GEMM; the exported
// state uses the conventional (out, in) layout.
type Linear struct {
	weight []float32 // (in, out)
	bias   []float32 // (out)
	in     int
	out    int
}

// NewLinear returns a Linear layer with weights drawn uniformly from
// ±1/sqrt(in), matching the reference initialization.
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		weight: make([]float32, in*out),
		bias:   make([]float32, out),
		in:     in,
		out:    out,
	}
	bound := 1 / float32(math.Sqrt(float64(in)))
	for i := range l.weight {
		l.weight[i] = (rng.Float32()*2 - 1) * bound
	}
	for i := range l.bias {
		l.bias[i] = (rng.Float32()*2 - 1) * bound
	}
	return l
}

// Forward applies the layer to the trailing axis of x.
func (l *Linear) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	d := shape[len(shape)-1]
	if d != l.in {
		return nil, fmt.Errorf("nn: linear expects input width %d, got %d", l.in, d)
	}
	rows := 1
	for _, v := range shape[:len(shape)-1] {
		rows *= v
	}
	out := make([]float32, rows*l.out)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: rows, Cols: l.in, Stride: l.in, Data: Floats(x)},
		blas32.General{Rows: l.in, Cols: l.out, Stride: l.out, Data: l.weight},
		0,
		blas32.General{Rows: rows, Cols: l.out, Stride: l.out, Data: out})
	for r := 0; r < rows; r++ {
		row := out[r*l.out : (r+1)*l.out]
		for i := range row {
			row[i] += l.bias[i]
		}
	}
	outShape := append(append([]int{}, shape[:len(shape)-1]...), l.out)
	return FromSlice(out, outShape...)
}

// State writes the layer parameters into dst under prefix, in the
// conventional (out, in) weight layout.
func (l *Linear) State(prefix string, dst map[string]*tensor.Dense) {
	w := make([]float32, len(l.weight))
	for i := 0; i < l.in; i++ {
		for o := 0; o < l.out; o++ {
			w[o*l.in+i] = l.weight[i*l.out+o]
		}
	}
	wt, _ := FromSlice(w, l.out, l.in)
	b := make([]float32, l.out)
	copy(b, l.bias)
	bt, _ := FromSlice(b, l.out)
	dst[prefix+".weight"] = wt
	dst[prefix+".bias"] = bt
}

// LoadState restores the layer parameters from src under prefix. Both
// entries must be present and shaped (out, in) and (out).
func (l *Linear) LoadState(prefix string, src map[string]*tensor.Dense) error {
	wt, ok := src[prefix+".weight"]
	if !ok {
		return fmt.Errorf("nn: missing %s.weight", prefix)
	}
	if !wt.Shape().Eq(tensor.Shape{l.out, l.in}) {
		return fmt.Errorf("nn: %s.weight has shape %v, want (%d, %d)", prefix, wt.Shape(), l.out, l.in)
	}
	bt, ok := src[prefix+".bias"]
	if !ok {
		return fmt.Errorf("nn: missing %s.bias", prefix)
	}
	if bt.Shape()[0] != l.out || bt.Shape().TotalSize() != l.out {
		return fmt.Errorf("nn: %s.bias has shape %v, want (%d)", prefix, bt.Shape(), l.out)
	}
	w := Floats(wt)
	for o := 0; o < l.out; o++ {
		for i := 0; i < l.in; i++ {
			l.weight[i*l.out+o] = w[o*l.in+i]
		}
	}
	copy(l.bias, Floats(bt))
	return nil
}

// LayerNorm normalizes the trailing axis to zero mean and unit variance,
// then applies a learned elementwise affine.
type LayerNorm struct {
	weight []float32
	bias   []float32
	dim    int
	eps    float32
}

// NewLayerNorm returns a LayerNorm over the trailing axis of width dim,
// initialized to the identity affine.
func NewLayerNorm(dim int) *LayerNorm {
	n := &LayerNorm{
		weight: make([]float32, dim),
		bias:   make([]float32, dim),
		dim:    dim,
		eps:    1e-5,
	}
	for i := range n.weight {
		n.weight[i] = 1
	}
	return n
}

// Forward applies the normalization to the trailing axis of x.
func (n *LayerNorm) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	if shape[len(shape)-1] != n.dim {
		return nil, fmt.Errorf("nn: layernorm expects width %d, got %d", n.dim, shape[len(shape)-1])
	}
	xv := Floats(x)
	out := make([]float32, len(xv))
	for r := 0; r < len(xv); r += n.dim {
		row := xv[r : r+n.dim]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(n.dim)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(n.dim)
		inv := 1 / math.Sqrt(variance+float64(n.eps))
		for i, v := range row {
			out[r+i] = float32((float64(v)-mean)*inv)*n.weight[i] + n.bias[i]
		}
	}
	return FromSlice(out, shape...)
}

// State writes the affine parameters into dst under prefix.
func (n *LayerNorm) State(prefix string, dst map[string]*tensor.Dense) {
	w := make([]float32, n.dim)
	copy(w, n.weight)
	b := make([]float32, n.dim)
	copy(b, n.bias)
	wt, _ := FromSlice(w, n.dim)
	bt, _ := FromSlice(b, n.dim)
	dst[prefix+".weight"] = wt
	dst[prefix+".bias"] = bt
}

// LoadState restores the affine parameters from src under prefix.
func (n *LayerNorm) LoadState(prefix string, src map[string]*tensor.Dense) error {
	wt, ok := src[prefix+".weight"]
	if !ok {
		return fmt.Errorf("nn: missing %s.weight", prefix)
	}
	bt, ok := src[prefix+".bias"]
	if !ok {
		return fmt.Errorf("nn: missing %s.bias", prefix)
	}
	if wt.Shape().TotalSize() != n.dim || bt.Shape().TotalSize() != n.dim {
		return fmt.Errorf("nn: %s affine has %d/%d elements, want %d", prefix, wt.Shape().TotalSize(), bt.Shape().TotalSize(), n.dim)
	}
	copy(n.weight, Floats(wt))
	copy(n.bias, Floats(bt))
	return nil
}

// LeakyReLU applies max(x, slope*x) elementwise.
func LeakyReLU(x *tensor.Dense, slope float32) *tensor.Dense {
	xv := Floats(x)
	out := make([]float32, len(xv))
	for i, v := range xv {
		if v >= 0 {
			out[i] = v
		} else {
			out[i] = v * slope
		}
	}
	res, _ := FromSlice(out, x.Shape()...)
	return res
}
