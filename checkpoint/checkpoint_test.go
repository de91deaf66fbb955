package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdevine/tensor"

	"github.com/portrayml/portray/nn"
)

func mustTensor(t *testing.T, data []float32, shape ...int) *tensor.Dense {
	t.Helper()
	d, err := nn.FromSlice(data, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func sampleCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	return &Checkpoint{
		ImageAdapter: map[string]*tensor.Dense{
			"mapping_0.0.weight": mustTensor(t, []float32{1, 2, 3, 4, 5, 6}, 3, 2),
			"mapping_0.0.bias":   mustTensor(t, []float32{0.5, -0.5, 1}, 3),
		},
		TextAdapter: map[string]*tensor.Dense{
			"mapping_patch_0.6.weight": mustTensor(t, []float32{-1, -2, -3, -4}, 2, 2),
		},
		CrossAttention: map[string]*tensor.Dense{
			"down_blocks.0.attn2.processor.to_k_ip.weight": mustTensor(t, []float32{9, 8, 7, 6}, 4),
		},
	}
}

func diffGroups(want, got map[string]*tensor.Dense) string {
	if len(want) != len(got) {
		return fmt.Sprintf("group has %d tensors, want %d", len(got), len(want))
	}
	for key, w := range want {
		g, ok := got[key]
		if !ok {
			return fmt.Sprintf("missing tensor %q", key)
		}
		if !w.Shape().Eq(g.Shape()) {
			return fmt.Sprintf("%s: shape %v, want %v", key, g.Shape(), w.Shape())
		}
		if diff := cmp.Diff(nn.Floats(w), nn.Floats(g)); diff != "" {
			return fmt.Sprintf("%s: %s", key, diff)
		}
	}
	return ""
}

func TestSaveLoadRoundTrip(t *testing.T) {
	want := sampleCheckpoint(t)
	path := filepath.Join(t.TempDir(), FileName)
	if err := Save(path, want); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := diffGroups(want.ImageAdapter, got.ImageAdapter); diff != "" {
		t.Errorf("image adapter: %s", diff)
	}
	if diff := diffGroups(want.TextAdapter, got.TextAdapter); diff != "" {
		t.Errorf("text adapter: %s", diff)
	}
	if diff := diffGroups(want.CrossAttention, got.CrossAttention); diff != "" {
		t.Errorf("cross attention: %s", diff)
	}
}

func TestSavePartialCheckpoint(t *testing.T) {
	want := &Checkpoint{
		TextAdapter: map[string]*tensor.Dense{
			"mapping_1.3.bias": mustTensor(t, []float32{1, 2, 3}, 3),
		},
	}
	path := filepath.Join(t.TempDir(), FileName)
	if err := Save(path, want); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.ImageAdapter != nil || got.CrossAttention != nil {
		t.Error("absent groups came back non-nil")
	}
	if diff := diffGroups(want.TextAdapter, got.TextAdapter); diff != "" {
		t.Errorf("text adapter: %s", diff)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := Save(filepath.Join(dir, FileName), sampleCheckpoint(t)); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != FileName {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("directory contains %v, want only %s", names, FileName)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.gguf")
	if err := os.WriteFile(path, []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("loaded a non-GGUF file")
	}
}

type recordingLoader struct {
	loaded map[string]*tensor.Dense
	err    error
}

func (r *recordingLoader) LoadState(state map[string]*tensor.Dense) error {
	r.loaded = state
	return r.err
}

func TestApply(t *testing.T) {
	ckpt := sampleCheckpoint(t)
	img, txt, den := &recordingLoader{}, &recordingLoader{}, &recordingLoader{}

	if err := ckpt.Apply(img, txt, den); err != nil {
		t.Fatal(err)
	}
	if len(img.loaded) != 2 || len(txt.loaded) != 1 || len(den.loaded) != 1 {
		t.Errorf("loaded sizes = %d/%d/%d, want 2/1/1", len(img.loaded), len(txt.loaded), len(den.loaded))
	}
}

func TestApplySkipsMissingGroupsAndNilLoaders(t *testing.T) {
	ckpt := &Checkpoint{
		TextAdapter: map[string]*tensor.Dense{
			"mapping_0.0.bias": mustTensor(t, []float32{1}, 1),
		},
	}
	txt := &recordingLoader{}
	if err := ckpt.Apply(nil, txt, nil); err != nil {
		t.Fatal(err)
	}
	if len(txt.loaded) != 1 {
		t.Error("text adapter group was not applied")
	}

	// A failing loader surfaces its error.
	bad := &recordingLoader{err: fmt.Errorf("boom")}
	if err := ckpt.Apply(nil, bad, nil); err == nil {
		t.Error("Apply swallowed a loader error")
	}
}

func TestFilterCrossAttention(t *testing.T) {
	state := map[string]*tensor.Dense{
		"down_blocks.0.attn2.processor.to_k_ip.weight": mustTensor(t, []float32{1}, 1),
		"down_blocks.0.attn2.to_q.weight":              mustTensor(t, []float32{2}, 1),
		"down_blocks.0.attn2.to_out.0.weight":          mustTensor(t, []float32{3}, 1),
		"down_blocks.0.attn1.to_q.weight":              mustTensor(t, []float32{4}, 1),
		"mid_block.attn2.to_v.weight":                  mustTensor(t, []float32{5}, 1),
	}
	got := FilterCrossAttention(state)

	for _, want := range []string{
		"down_blocks.0.attn2.processor.to_k_ip.weight",
		"down_blocks.0.attn2.to_q.weight",
		"mid_block.attn2.to_v.weight",
	} {
		if _, ok := got[want]; !ok {
			t.Errorf("filter dropped %q", want)
		}
	}
	for key := range got {
		if strings.Contains(key, "attn1") || strings.Contains(key, "to_out") {
			t.Errorf("filter kept %q", key)
		}
	}
	if len(got) != 3 {
		t.Errorf("filter kept %d tensors, want 3", len(got))
	}
}

func TestSaveProgress(t *testing.T) {
	dir := t.TempDir()
	ckpt := sampleCheckpoint(t)

	path, err := SaveProgress(dir, ckpt, 1500)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "portray_001500.gguf" {
		t.Errorf("step checkpoint name = %s", filepath.Base(path))
	}

	path, err = SaveProgress(dir, ckpt, -1)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != FileName {
		t.Errorf("final checkpoint name = %s, want %s", filepath.Base(path), FileName)
	}

	if _, err := Load(path); err != nil {
		t.Errorf("final checkpoint does not load back: %v", err)
	}
}

func TestStepFileName(t *testing.T) {
	if got := StepFileName(42); got != "portray_000042.gguf" {
		t.Errorf("StepFileName(42) = %s", got)
	}
}
