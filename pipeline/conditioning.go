package pipeline

import (
	"context"
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/portrayml/portray/nn"
)

// conditioning holds the four embedding streams consumed by the sampler,
// built fresh per call.
type conditioning struct {
	textCond    *tensor.Dense
	imageCond   *tensor.Dense
	textUncond  *tensor.Dense
	imageUncond *tensor.Dense
}

// buildConditioning runs the frozen vision encoder on the real and the
// all-zero conditioning image, feeds the selected hidden-state stack
// through both adapters, and produces the conditional and unconditional
// text streams. The unconditional text stream comes from an empty prompt
// through the plain encoder path, not from the text adapter.
func (p *Pipeline) buildConditioning(ctx context.Context, in *Inputs) (*conditioning, error) {
	batch := in.ClipPixelValues.Shape()[0]

	last, hidden, err := p.Vision.Encode(ctx, in.ClipPixelValues)
	if err != nil {
		return nil, fmt.Errorf("vision encoder: %w", err)
	}
	zero := nn.Zeros(in.ClipPixelValues.Shape()...)
	lastUncond, hiddenUncond, err := p.Vision.Encode(ctx, zero)
	if err != nil {
		return nil, fmt.Errorf("vision encoder (unconditional): %w", err)
	}

	embs := selectLayers(last, hidden, p.VisionLayers)
	embsUncond := selectLayers(lastUncond, hiddenUncond, p.VisionLayers)

	conceptTokens, err := p.TextAdapter.Forward(embs)
	if err != nil {
		return nil, fmt.Errorf("text adapter: %w", err)
	}
	imageCond, err := p.ImageAdapter.Forward(embs)
	if err != nil {
		return nil, fmt.Errorf("image adapter: %w", err)
	}
	imageUncond, err := p.ImageAdapter.Forward(embsUncond)
	if err != nil {
		return nil, fmt.Errorf("image adapter (unconditional): %w", err)
	}

	textCond, err := p.Text.EncodeWithTokens(ctx, in.TokenIDs, conceptTokens, in.PlaceholderIndex)
	if err != nil {
		return nil, fmt.Errorf("text encoder: %w", err)
	}

	uncondIDs, err := p.Tokenizer.Encode(make([]string, batch))
	if err != nil {
		return nil, fmt.Errorf("tokenizer (empty prompt): %w", err)
	}
	textUncond, err := p.Text.Encode(ctx, uncondIDs)
	if err != nil {
		return nil, fmt.Errorf("text encoder (unconditional): %w", err)
	}

	return &conditioning{
		textCond:    textCond,
		imageCond:   imageCond,
		textUncond:  textUncond,
		imageUncond: imageUncond,
	}, nil
}

// selectLayers picks the final hidden-state stack plus the configured
// intermediate layers, in order. Indices beyond the encoder's depth are
// skipped rather than rejected so shallower encoders degrade gracefully;
// the adapters must have been constructed for the reduced count.
func selectLayers(last *tensor.Dense, hidden []*tensor.Dense, indices []int) []*tensor.Dense {
	out := make([]*tensor.Dense, 0, len(indices)+1)
	out = append(out, last)
	for _, i := range indices {
		if i >= 0 && i < len(hidden) {
			out = append(out, hidden[i])
		}
	}
	return out
}
