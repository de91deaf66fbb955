package onnx

import (
	"context"
	"fmt"

	"github.com/pdevine/tensor"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/portrayml/portray/pipeline"
)

// DenoiserConfig names the graph surface of an exported noise predictor.
type DenoiserConfig struct {
	ModelPath string

	SampleInput   string // default "sample"
	TimestepInput string // default "timestep"
	TextInput     string // default "encoder_hidden_states"
	ImageInput    string // default "image_hidden_states"
	Output        string // default "noise_pred"

	// InChannels is the latent channel count, default 4.
	InChannels int

	Options Options
}

// Denoiser runs the frozen noise predictor with its visual
// cross-attention inputs. Gradient requests are ignored; the exported
// graph is inference-only.
type Denoiser struct {
	sess       *session
	inChannels int
}

// NewDenoiser opens a denoiser session.
func NewDenoiser(cfg DenoiserConfig) (*Denoiser, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx: denoiser needs a model path")
	}
	if cfg.SampleInput == "" {
		cfg.SampleInput = "sample"
	}
	if cfg.TimestepInput == "" {
		cfg.TimestepInput = "timestep"
	}
	if cfg.TextInput == "" {
		cfg.TextInput = "encoder_hidden_states"
	}
	if cfg.ImageInput == "" {
		cfg.ImageInput = "image_hidden_states"
	}
	if cfg.Output == "" {
		cfg.Output = "noise_pred"
	}
	if cfg.InChannels == 0 {
		cfg.InChannels = 4
	}

	sess, err := newSession(cfg.ModelPath,
		[]string{cfg.SampleInput, cfg.TimestepInput, cfg.TextInput, cfg.ImageInput},
		[]string{cfg.Output}, cfg.Options)
	if err != nil {
		return nil, err
	}
	return &Denoiser{sess: sess, inChannels: cfg.InChannels}, nil
}

// Predict returns the predicted noise residual for the latent at the
// given timestep under the dual conditioning streams.
func (d *Denoiser) Predict(ctx context.Context, latent *tensor.Dense, timestep int, text, image *tensor.Dense, _ pipeline.PredictOptions) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sample, err := floatInput(latent)
	if err != nil {
		return nil, fmt.Errorf("onnx: sample input: %w", err)
	}
	defer sample.Destroy()

	step, err := scalarInput(int64(timestep))
	if err != nil {
		return nil, fmt.Errorf("onnx: timestep input: %w", err)
	}
	defer step.Destroy()

	textIn, err := floatInput(text)
	if err != nil {
		return nil, fmt.Errorf("onnx: text input: %w", err)
	}
	defer textIn.Destroy()

	imageIn, err := floatInput(image)
	if err != nil {
		return nil, fmt.Errorf("onnx: image input: %w", err)
	}
	defer imageIn.Destroy()

	results, err := d.sess.run([]ort.ArbitraryTensor{sample, step, textIn, imageIn})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// InChannels returns the latent channel count.
func (d *Denoiser) InChannels() int {
	return d.inChannels
}

// Close releases the session.
func (d *Denoiser) Close() {
	d.sess.close()
}
