package onnx

import (
	"context"
	"fmt"

	"github.com/pdevine/tensor"
	ort "github.com/yalue/onnxruntime_go"
)

// defaultScalingFactor matches the Stable Diffusion v1 autoencoder.
const defaultScalingFactor = 0.18215

// AutoencoderConfig names two exported graphs: the encoder, which
// samples a latent from the posterior, and the decoder.
type AutoencoderConfig struct {
	EncodeModelPath string
	DecodeModelPath string

	PixelsInput  string // default "pixel_values"
	LatentInput  string // default "latent"
	LatentOutput string // default "latent"
	PixelsOutput string // default "pixel_values"

	// ScalingFactor converts raw latents to the solver's working scale.
	// 0 selects the Stable Diffusion default.
	ScalingFactor float32

	Options Options
}

// Autoencoder moves between pixel and latent space through a pair of
// frozen sessions.
type Autoencoder struct {
	encode  *session
	decode  *session
	scaling float32
}

// NewAutoencoder opens the encode and decode sessions.
func NewAutoencoder(cfg AutoencoderConfig) (*Autoencoder, error) {
	if cfg.EncodeModelPath == "" || cfg.DecodeModelPath == "" {
		return nil, fmt.Errorf("onnx: autoencoder needs both model paths")
	}
	if cfg.PixelsInput == "" {
		cfg.PixelsInput = "pixel_values"
	}
	if cfg.LatentInput == "" {
		cfg.LatentInput = "latent"
	}
	if cfg.LatentOutput == "" {
		cfg.LatentOutput = "latent"
	}
	if cfg.PixelsOutput == "" {
		cfg.PixelsOutput = "pixel_values"
	}
	if cfg.ScalingFactor == 0 {
		cfg.ScalingFactor = defaultScalingFactor
	}

	encode, err := newSession(cfg.EncodeModelPath, []string{cfg.PixelsInput}, []string{cfg.LatentOutput}, cfg.Options)
	if err != nil {
		return nil, err
	}
	decode, err := newSession(cfg.DecodeModelPath, []string{cfg.LatentInput}, []string{cfg.PixelsOutput}, cfg.Options)
	if err != nil {
		encode.close()
		return nil, err
	}
	return &Autoencoder{encode: encode, decode: decode, scaling: cfg.ScalingFactor}, nil
}

// Encode samples a latent for the given pixels.
func (a *Autoencoder) Encode(ctx context.Context, pixels *tensor.Dense) (*tensor.Dense, error) {
	return a.runOne(ctx, a.encode, pixels)
}

// Decode reconstructs pixels from a latent.
func (a *Autoencoder) Decode(ctx context.Context, latent *tensor.Dense) (*tensor.Dense, error) {
	return a.runOne(ctx, a.decode, latent)
}

// ScalingFactor returns the latent scaling factor.
func (a *Autoencoder) ScalingFactor() float32 {
	return a.scaling
}

func (a *Autoencoder) runOne(ctx context.Context, sess *session, t *tensor.Dense) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input, err := floatInput(t)
	if err != nil {
		return nil, fmt.Errorf("onnx: autoencoder input: %w", err)
	}
	defer input.Destroy()

	results, err := sess.run([]ort.ArbitraryTensor{input})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// Close releases both sessions.
func (a *Autoencoder) Close() {
	a.encode.close()
	a.decode.close()
}
