// Package adapter maps stacked vision-encoder hidden states to a short
// sequence of conditioning tokens in the denoiser's cross-attention
// embedding space. Two independent instances exist per pipeline: one
// produces substitute embeddings for the text stream, the other feeds the
// visual cross-attention path directly.
package adapter

import (
	"fmt"
	"math/rand"

	"github.com/pdevine/tensor"

	"github.com/portrayml/portray/nn"
)

// hiddenDim is the width of both intermediate projections in each branch.
const hiddenDim = 1024

// Config describes the adapter's tensor contract.
type Config struct {
	// ClipEmbeddingDim is the width of the vision-encoder hidden states.
	ClipEmbeddingDim int
	// CrossAttentionDim is the width of the denoiser's cross-attention
	// embedding space.
	CrossAttentionDim int
	// NumTokens is the number of conditioning tokens produced, one per
	// selected vision-encoder layer. Fixed at construction; Forward must
	// be called with exactly this many embeddings.
	NumTokens int
}

// branch is the feed-forward stack
// linear -> norm -> leaky relu -> linear -> norm -> leaky relu -> linear.
// State keys use the reference checkpoint's sequential indices.
type branch struct {
	fc1 *nn.Linear
	ln1 *nn.LayerNorm
	fc2 *nn.Linear
	ln2 *nn.LayerNorm
	fc3 *nn.Linear
}

func newBranch(in, out int, rng *rand.Rand) *branch {
	return &branch{
		fc1: nn.NewLinear(in, hiddenDim, rng),
		ln1: nn.NewLayerNorm(hiddenDim),
		fc2: nn.NewLinear(hiddenDim, hiddenDim, rng),
		ln2: nn.NewLayerNorm(hiddenDim),
		fc3: nn.NewLinear(hiddenDim, out, rng),
	}
}

func (b *branch) forward(x *tensor.Dense) (*tensor.Dense, error) {
	h, err := b.fc1.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = b.ln1.Forward(h); err != nil {
		return nil, err
	}
	h = nn.LeakyReLU(h, 0.01)
	if h, err = b.fc2.Forward(h); err != nil {
		return nil, err
	}
	if h, err = b.ln2.Forward(h); err != nil {
		return nil, err
	}
	h = nn.LeakyReLU(h, 0.01)
	return b.fc3.Forward(h)
}

func (b *branch) state(prefix string, dst map[string]*tensor.Dense) {
	b.fc1.State(prefix+".0", dst)
	b.ln1.State(prefix+".1", dst)
	b.fc2.State(prefix+".3", dst)
	b.ln2.State(prefix+".4", dst)
	b.fc3.State(prefix+".6", dst)
}

func (b *branch) loadState(prefix string, src map[string]*tensor.Dense) error {
	if err := b.fc1.LoadState(prefix+".0", src); err != nil {
		return err
	}
	if err := b.ln1.LoadState(prefix+".1", src); err != nil {
		return err
	}
	if err := b.fc2.LoadState(prefix+".3", src); err != nil {
		return err
	}
	if err := b.ln2.LoadState(prefix+".4", src); err != nil {
		return err
	}
	return b.fc3.LoadState(prefix+".6", src)
}

// MultiTokenAdapter holds one {global, patch} branch pair per conditioning
// token. The pairs live in a fixed-size slice and are addressed
// positionally; layer-index order is significant and must match the order
// the embeddings were selected upstream.
type MultiTokenAdapter struct {
	cfg    Config
	global []*branch
	patch  []*branch
}

// New builds an adapter for cfg. The branches share no parameters: each
// selected layer captures a different abstraction level and gets its own
// projection.
func New(cfg Config, rng *rand.Rand) (*MultiTokenAdapter, error) {
	if cfg.ClipEmbeddingDim <= 0 || cfg.CrossAttentionDim <= 0 {
		return nil, fmt.Errorf("adapter: invalid embedding dims %d -> %d", cfg.ClipEmbeddingDim, cfg.CrossAttentionDim)
	}
	if cfg.NumTokens <= 0 {
		return nil, fmt.Errorf("adapter: token count must be positive, got %d", cfg.NumTokens)
	}
	a := &MultiTokenAdapter{
		cfg:    cfg,
		global: make([]*branch, cfg.NumTokens),
		patch:  make([]*branch, cfg.NumTokens),
	}
	for i := range a.global {
		a.global[i] = newBranch(cfg.ClipEmbeddingDim, cfg.CrossAttentionDim, rng)
		a.patch[i] = newBranch(cfg.ClipEmbeddingDim, cfg.CrossAttentionDim, rng)
	}
	return a, nil
}

// NumTokens returns the number of conditioning tokens the adapter emits.
func (a *MultiTokenAdapter) NumTokens() int { return a.cfg.NumTokens }

// Config returns the adapter's construction parameters.
func (a *MultiTokenAdapter) Config() Config { return a.cfg }

// Forward maps one (batch, seq, clipDim) embedding per selected layer to a
// (batch, NumTokens, crossAttnDim) token sequence. Position 0 of each
// embedding is the global representation and feeds the global branch; the
// remaining positions feed the patch branch and are mean-pooled.
func (a *MultiTokenAdapter) Forward(embs []*tensor.Dense) (*tensor.Dense, error) {
	if len(embs) != a.cfg.NumTokens {
		return nil, fmt.Errorf("adapter: built for %d tokens, got %d embeddings", a.cfg.NumTokens, len(embs))
	}
	batch := -1
	for i, emb := range embs {
		shape := emb.Shape()
		if len(shape) != 3 {
			return nil, fmt.Errorf("adapter: embedding %d is %d-d, want (batch, seq, dim)", i, len(shape))
		}
		if shape[1] < 2 {
			return nil, fmt.Errorf("adapter: embedding %d has no patch positions (seq=%d)", i, shape[1])
		}
		if shape[2] != a.cfg.ClipEmbeddingDim {
			return nil, fmt.Errorf("adapter: embedding %d has width %d, want %d", i, shape[2], a.cfg.ClipEmbeddingDim)
		}
		if batch == -1 {
			batch = shape[0]
		} else if shape[0] != batch {
			return nil, fmt.Errorf("adapter: embedding %d has batch %d, others have %d", i, shape[0], batch)
		}
	}

	outputs := make([]*tensor.Dense, len(embs))
	for i, emb := range embs {
		seq := emb.Shape()[1]
		cls, err := nn.SliceSeq(emb, 0, 1)
		if err != nil {
			return nil, err
		}
		patches, err := nn.SliceSeq(emb, 1, seq)
		if err != nil {
			return nil, err
		}
		g, err := a.global[i].forward(cls)
		if err != nil {
			return nil, fmt.Errorf("adapter: global branch %d: %w", i, err)
		}
		p, err := a.patch[i].forward(patches)
		if err != nil {
			return nil, fmt.Errorf("adapter: patch branch %d: %w", i, err)
		}
		if p, err = nn.MeanPool(p); err != nil {
			return nil, err
		}
		if outputs[i], err = nn.Add(g, p); err != nil {
			return nil, err
		}
	}
	return nn.ConcatSeq(outputs)
}

// State returns all parameters keyed in the reference checkpoint layout,
// mapping_{i}.* for global branches and mapping_patch_{i}.* for patch
// branches.
func (a *MultiTokenAdapter) State() map[string]*tensor.Dense {
	dst := make(map[string]*tensor.Dense)
	for i := range a.global {
		a.global[i].state(fmt.Sprintf("mapping_%d", i), dst)
		a.patch[i].state(fmt.Sprintf("mapping_patch_%d", i), dst)
	}
	return dst
}

// LoadState restores all parameters from a state map produced by State or
// imported from a reference checkpoint. Every branch entry must be present.
func (a *MultiTokenAdapter) LoadState(src map[string]*tensor.Dense) error {
	for i := range a.global {
		if err := a.global[i].loadState(fmt.Sprintf("mapping_%d", i), src); err != nil {
			return err
		}
		if err := a.patch[i].loadState(fmt.Sprintf("mapping_patch_%d", i), src); err != nil {
			return err
		}
	}
	return nil
}
