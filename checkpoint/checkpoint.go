// Package checkpoint persists and restores the trainable state of a
// personalization run: the two adapter parameter sets and the filtered
// subset of denoiser weights belonging to the injected cross-attention
// projections. The native container is a single GGUF file; reference
// PyTorch checkpoints can be imported as well.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pdevine/tensor"
)

const (
	groupImageAdapter   = "image_adapter"
	groupTextAdapter    = "text_adapter"
	groupCrossAttention = "cross_attention_adapter"

	// FileName is the fixed name of the final checkpoint.
	FileName = "portray.gguf"
)

// StepFileName returns the name of an intermediate checkpoint, with the
// step number zero-padded to six digits.
func StepFileName(step int) string {
	return fmt.Sprintf("portray_%06d.gguf", step)
}

// Checkpoint holds the three state groups. Any group may be nil; absent
// groups are simply not written, and not restored on load.
type Checkpoint struct {
	ImageAdapter   map[string]*tensor.Dense
	TextAdapter    map[string]*tensor.Dense
	CrossAttention map[string]*tensor.Dense
}

// StateLoader restores parameters from a state map. Satisfied by the
// adapters and by denoiser backends with loadable weights.
type StateLoader interface {
	LoadState(map[string]*tensor.Dense) error
}

// Apply restores each present group into the corresponding loader. A nil
// loader or a missing group skips that group; partial checkpoints are
// valid by design.
func (c *Checkpoint) Apply(imageAdapter, textAdapter, denoiser StateLoader) error {
	if imageAdapter != nil && c.ImageAdapter != nil {
		if err := imageAdapter.LoadState(c.ImageAdapter); err != nil {
			return fmt.Errorf("checkpoint: image adapter: %w", err)
		}
	}
	if textAdapter != nil && c.TextAdapter != nil {
		if err := textAdapter.LoadState(c.TextAdapter); err != nil {
			return fmt.Errorf("checkpoint: text adapter: %w", err)
		}
	}
	if denoiser != nil && c.CrossAttention != nil {
		if err := denoiser.LoadState(c.CrossAttention); err != nil {
			return fmt.Errorf("checkpoint: cross attention: %w", err)
		}
	}
	return nil
}

// FilterCrossAttention keeps only the denoiser parameters belonging to
// the injected cross-attention query/key/value projections.
func FilterCrossAttention(state map[string]*tensor.Dense) map[string]*tensor.Dense {
	out := make(map[string]*tensor.Dense)
	for key, value := range state {
		if !strings.Contains(key, "attn2") {
			continue
		}
		if strings.Contains(key, "processor") ||
			strings.Contains(key, "to_q") ||
			strings.Contains(key, "to_k") ||
			strings.Contains(key, "to_v") {
			out[key] = value
		}
	}
	return out
}

// Save writes the checkpoint to path atomically: the file is staged next
// to the destination and renamed into place.
func Save(path string, ckpt *Checkpoint) error {
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(tmp)

	err = writeGGUF(f, ckpt)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// SaveProgress writes the checkpoint into dir, using the fixed final name
// when step is negative and the step-suffixed name otherwise. It returns
// the path written.
func SaveProgress(dir string, ckpt *Checkpoint, step int) (string, error) {
	name := FileName
	if step >= 0 {
		name = StepFileName(step)
	}
	path := filepath.Join(dir, name)
	if err := Save(path, ckpt); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads a checkpoint from path. Each of the three groups is loaded
// independently; a file carrying only some groups yields a Checkpoint
// with the other maps nil.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()

	tensors, err := readGGUF(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	ckpt := &Checkpoint{}
	for name, t := range tensors {
		group, key, ok := strings.Cut(name, ".")
		if !ok {
			return nil, fmt.Errorf("checkpoint: tensor %q has no group prefix", name)
		}
		switch group {
		case groupImageAdapter:
			if ckpt.ImageAdapter == nil {
				ckpt.ImageAdapter = make(map[string]*tensor.Dense)
			}
			ckpt.ImageAdapter[key] = t
		case groupTextAdapter:
			if ckpt.TextAdapter == nil {
				ckpt.TextAdapter = make(map[string]*tensor.Dense)
			}
			ckpt.TextAdapter[key] = t
		case groupCrossAttention:
			if ckpt.CrossAttention == nil {
				ckpt.CrossAttention = make(map[string]*tensor.Dense)
			}
			ckpt.CrossAttention[key] = t
		default:
			return nil, fmt.Errorf("checkpoint: unknown group %q", group)
		}
	}
	return ckpt, nil
}

// groups returns the non-nil state groups with their prefixes, in a
// stable order.
func (c *Checkpoint) groups() []struct {
	prefix string
	state  map[string]*tensor.Dense
} {
	return []struct {
		prefix string
		state  map[string]*tensor.Dense
	}{
		{groupImageAdapter, c.ImageAdapter},
		{groupTextAdapter, c.TextAdapter},
		{groupCrossAttention, c.CrossAttention},
	}
}
