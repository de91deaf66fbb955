package onnx

import (
	"context"
	"fmt"

	"github.com/pdevine/tensor"
	ort "github.com/yalue/onnxruntime_go"
)

// VisionEncoderConfig names the graph inputs and outputs of an exported
// image encoder. The encoder must expose its per-layer hidden states as
// separate outputs, ordered from the first layer up.
type VisionEncoderConfig struct {
	ModelPath string

	// PixelsInput is the NCHW pixel input, default "pixel_values".
	PixelsInput string

	// LastOutput is the final hidden-state output, default
	// "last_hidden_state".
	LastOutput string

	// HiddenOutputs name the per-layer hidden-state outputs in layer
	// order, e.g. "hidden_states.0" .. "hidden_states.11".
	HiddenOutputs []string

	Options Options
}

// VisionEncoder runs a frozen image encoder, returning the final hidden
// state and the per-layer stack the adapters select from.
type VisionEncoder struct {
	sess   *session
	hidden int
}

// NewVisionEncoder opens an image-encoder session.
func NewVisionEncoder(cfg VisionEncoderConfig) (*VisionEncoder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx: vision encoder needs a model path")
	}
	if cfg.PixelsInput == "" {
		cfg.PixelsInput = "pixel_values"
	}
	if cfg.LastOutput == "" {
		cfg.LastOutput = "last_hidden_state"
	}
	if len(cfg.HiddenOutputs) == 0 {
		return nil, fmt.Errorf("onnx: vision encoder needs hidden-state outputs")
	}

	outputs := append([]string{cfg.LastOutput}, cfg.HiddenOutputs...)
	sess, err := newSession(cfg.ModelPath, []string{cfg.PixelsInput}, outputs, cfg.Options)
	if err != nil {
		return nil, err
	}
	return &VisionEncoder{sess: sess, hidden: len(cfg.HiddenOutputs)}, nil
}

// Encode returns the final hidden state plus the per-layer hidden states.
func (e *VisionEncoder) Encode(ctx context.Context, pixels *tensor.Dense) (*tensor.Dense, []*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	input, err := floatInput(pixels)
	if err != nil {
		return nil, nil, fmt.Errorf("onnx: pixel input: %w", err)
	}
	defer input.Destroy()

	results, err := e.sess.run([]ort.ArbitraryTensor{input})
	if err != nil {
		return nil, nil, err
	}
	return results[0], results[1:], nil
}

// Close releases the session.
func (e *VisionEncoder) Close() {
	e.sess.close()
}
