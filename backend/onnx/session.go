// Package onnx hosts the frozen base models as ONNX Runtime sessions and
// adapts them to the pipeline interfaces. Sessions are inference-only;
// gradient requests from training-mode sampling are ignored.
package onnx

import (
	"fmt"
	"sync"

	"github.com/pdevine/tensor"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/portrayml/portray/nn"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// InitRuntime initializes the ONNX Runtime environment once. It is
// called implicitly when the first session is created.
func InitRuntime() error {
	runtimeOnce.Do(func() {
		runtimeErr = ort.InitializeEnvironment()
	})
	return runtimeErr
}

// DestroyRuntime releases the ONNX Runtime environment. Call at program
// shutdown, after all sessions are closed.
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// Options configures session execution.
type Options struct {
	// NumThreads caps intra-op parallelism. 0 lets the runtime decide.
	NumThreads int

	// UseGPU appends the CUDA execution provider. On failure the
	// session silently falls back to CPU.
	UseGPU      bool
	GPUDeviceID int
}

// session wraps one ONNX model with named inputs and outputs.
type session struct {
	inner   *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func newSession(modelPath string, inputs, outputs []string, opts Options) (*session, error) {
	if err := InitRuntime(); err != nil {
		return nil, fmt.Errorf("onnx: init runtime: %w", err)
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	defer sessOpts.Destroy()

	if opts.NumThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			return nil, fmt.Errorf("onnx: set threads: %w", err)
		}
	}
	if opts.UseGPU {
		if cudaOpts, err := ort.NewCUDAProviderOptions(); err == nil {
			_ = cudaOpts.Update(map[string]string{
				"device_id": fmt.Sprintf("%d", opts.GPUDeviceID),
			})
			_ = sessOpts.AppendExecutionProviderCUDA(cudaOpts)
			cudaOpts.Destroy()
		}
	}

	inner, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("onnx: open %s: %w", modelPath, err)
	}
	return &session{inner: inner, inputs: inputs, outputs: outputs}, nil
}

// run executes the model. The runtime allocates the outputs, which are
// copied into dense tensors and released before returning.
func (s *session) run(inputs []ort.ArbitraryTensor) ([]*tensor.Dense, error) {
	if len(inputs) != len(s.inputs) {
		return nil, fmt.Errorf("onnx: got %d inputs, model takes %d", len(inputs), len(s.inputs))
	}

	outputs := make([]ort.ArbitraryTensor, len(s.outputs))
	if err := s.inner.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}

	results := make([]*tensor.Dense, len(outputs))
	for i, out := range outputs {
		value, ok := out.(*ort.Tensor[float32])
		if !ok {
			destroyAll(outputs)
			return nil, fmt.Errorf("onnx: output %s is not float32", s.outputs[i])
		}
		shape := value.GetShape()
		dims := make([]int, len(shape))
		for d, v := range shape {
			dims[d] = int(v)
		}
		data := make([]float32, len(value.GetData()))
		copy(data, value.GetData())
		t, err := nn.FromSlice(data, dims...)
		if err != nil {
			destroyAll(outputs)
			return nil, fmt.Errorf("onnx: output %s: %w", s.outputs[i], err)
		}
		results[i] = t
	}
	destroyAll(outputs)
	return results, nil
}

func (s *session) close() {
	if s.inner != nil {
		s.inner.Destroy()
		s.inner = nil
	}
}

func destroyAll(tensors []ort.ArbitraryTensor) {
	for _, t := range tensors {
		if t != nil {
			t.Destroy()
		}
	}
}

// floatInput converts a dense tensor into a runtime input tensor. The
// caller owns the result and must Destroy it after Run.
func floatInput(t *tensor.Dense) (*ort.Tensor[float32], error) {
	dims := t.Shape()
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		shape[i] = int64(d)
	}
	return ort.NewTensor(shape, nn.Floats(t))
}

// int64Input packs a rectangular id batch into a (B, S) input tensor.
func int64Input(ids [][]int64) (*ort.Tensor[int64], error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("onnx: empty id batch")
	}
	seq := len(ids[0])
	data := make([]int64, 0, len(ids)*seq)
	for i, row := range ids {
		if len(row) != seq {
			return nil, fmt.Errorf("onnx: ragged id batch: row %d has %d ids, want %d", i, len(row), seq)
		}
		data = append(data, row...)
	}
	return ort.NewTensor(ort.Shape{int64(len(ids)), int64(seq)}, data)
}

// scalarInput wraps a single int64, used for the denoiser timestep.
func scalarInput(v int64) (*ort.Tensor[int64], error) {
	return ort.NewTensor(ort.Shape{1}, []int64{v})
}
