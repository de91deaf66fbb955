// Package pipeline assembles the dual conditioning streams and runs the
// guided reverse-diffusion loop over a set of frozen base models. The
// frozen models are read-only and may be shared across concurrent calls;
// the two adapters are the only trainable resources and must not be
// mutated while a call is in flight.
package pipeline

import (
	"context"

	"github.com/pdevine/tensor"
)

// PredictOptions carries per-evaluation flags to the denoiser.
type PredictOptions struct {
	// EnableGrad asks the host runtime to record gradients for this
	// evaluation. During training-mode sampling it is set on the final
	// step only; inference-only backends ignore it.
	EnableGrad bool
}

// Tokenizer maps prompt strings to fixed-length token-id sequences.
type Tokenizer interface {
	Encode(prompts []string) ([][]int64, error)
}

// VisionEncoder encodes pixels to a final hidden-state stack plus the
// per-layer hidden states, ordered from the first layer up. Every tensor
// is (batch, seq, dim) with the global representation at position 0.
type VisionEncoder interface {
	Encode(ctx context.Context, pixels *tensor.Dense) (last *tensor.Dense, hidden []*tensor.Dense, err error)
}

// TextEncoder produces text hidden states. EncodeWithTokens substitutes
// the given adapter tokens at the per-item placeholder position; Encode is
// the plain path used for the unconditional stream.
type TextEncoder interface {
	Encode(ctx context.Context, ids [][]int64) (*tensor.Dense, error)
	EncodeWithTokens(ctx context.Context, ids [][]int64, tokens *tensor.Dense, placeholder []int) (*tensor.Dense, error)
}

// Denoiser predicts the noise residual for a latent at a timestep, driven
// by the dual conditioning streams: text hidden states for the standard
// cross-attention and adapter tokens for the visual cross-attention path.
type Denoiser interface {
	Predict(ctx context.Context, latent *tensor.Dense, timestep int, text, image *tensor.Dense, opts PredictOptions) (*tensor.Dense, error)
	InChannels() int
}

// Autoencoder moves between pixel and latent space. Encode samples from
// the latent distribution; the scaling factor converts between the raw
// latent and the solver's working scale.
type Autoencoder interface {
	Encode(ctx context.Context, pixels *tensor.Dense) (*tensor.Dense, error)
	Decode(ctx context.Context, latent *tensor.Dense) (*tensor.Dense, error)
	ScalingFactor() float32
}

// Scheduler is the multistep solver contract. A fresh instance is
// constructed per sampling call; Step may keep internal history between
// calls within one trajectory.
type Scheduler interface {
	SetTimesteps(n int) error
	Timesteps() []int
	InitNoiseSigma() float32
	ScaleModelInput(sample *tensor.Dense, t int) *tensor.Dense
	AddNoise(sample, noise *tensor.Dense, t int) (*tensor.Dense, error)
	Step(modelOutput *tensor.Dense, t int, sample *tensor.Dense) (*tensor.Dense, error)
	InitNoise(shape []int, seed int64) *tensor.Dense
}

// Adapter turns a stack of vision-encoder hidden states into conditioning
// tokens. Satisfied by *adapter.MultiTokenAdapter.
type Adapter interface {
	Forward(embs []*tensor.Dense) (*tensor.Dense, error)
	NumTokens() int
}
