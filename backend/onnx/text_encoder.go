package onnx

import (
	"context"
	"fmt"

	"github.com/pdevine/tensor"
	ort "github.com/yalue/onnxruntime_go"
)

// TextEncoderConfig names two exported text-encoder graphs: the plain
// one over token ids, and a substitution variant that additionally takes
// replacement embeddings and the per-item position they land on.
type TextEncoderConfig struct {
	// ModelPath is the plain encoder; ids -> hidden states.
	ModelPath string

	// SubstituteModelPath takes (ids, tokens, positions) and splices the
	// token embeddings in before the transformer stack.
	SubstituteModelPath string

	IDsInput       string // default "input_ids"
	TokensInput    string // default "inputs_embeds"
	PositionsInput string // default "positions"
	Output         string // default "last_hidden_state"

	Options Options
}

// TextEncoder runs the frozen text encoder. The substitution path feeds
// adapter tokens into the prompt at the placeholder position.
type TextEncoder struct {
	plain *session
	subst *session
}

// NewTextEncoder opens the text-encoder sessions.
func NewTextEncoder(cfg TextEncoderConfig) (*TextEncoder, error) {
	if cfg.ModelPath == "" || cfg.SubstituteModelPath == "" {
		return nil, fmt.Errorf("onnx: text encoder needs both model paths")
	}
	if cfg.IDsInput == "" {
		cfg.IDsInput = "input_ids"
	}
	if cfg.TokensInput == "" {
		cfg.TokensInput = "inputs_embeds"
	}
	if cfg.PositionsInput == "" {
		cfg.PositionsInput = "positions"
	}
	if cfg.Output == "" {
		cfg.Output = "last_hidden_state"
	}

	plain, err := newSession(cfg.ModelPath, []string{cfg.IDsInput}, []string{cfg.Output}, cfg.Options)
	if err != nil {
		return nil, err
	}
	subst, err := newSession(cfg.SubstituteModelPath,
		[]string{cfg.IDsInput, cfg.TokensInput, cfg.PositionsInput},
		[]string{cfg.Output}, cfg.Options)
	if err != nil {
		plain.close()
		return nil, err
	}
	return &TextEncoder{plain: plain, subst: subst}, nil
}

// Encode returns hidden states for the given token ids.
func (e *TextEncoder) Encode(ctx context.Context, ids [][]int64) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := int64Input(ids)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	results, err := e.plain.run([]ort.ArbitraryTensor{input})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// EncodeWithTokens encodes ids with the adapter tokens substituted at
// each item's placeholder position.
func (e *TextEncoder) EncodeWithTokens(ctx context.Context, ids [][]int64, tokens *tensor.Dense, placeholder []int) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(placeholder) != len(ids) {
		return nil, fmt.Errorf("onnx: %d placeholder positions for %d prompts", len(placeholder), len(ids))
	}

	idsInput, err := int64Input(ids)
	if err != nil {
		return nil, err
	}
	defer idsInput.Destroy()

	tokensInput, err := floatInput(tokens)
	if err != nil {
		return nil, fmt.Errorf("onnx: token input: %w", err)
	}
	defer tokensInput.Destroy()

	positions := make([]int64, len(placeholder))
	for i, p := range placeholder {
		positions[i] = int64(p)
	}
	posInput, err := ort.NewTensor(ort.Shape{int64(len(positions))}, positions)
	if err != nil {
		return nil, fmt.Errorf("onnx: position input: %w", err)
	}
	defer posInput.Destroy()

	results, err := e.subst.run([]ort.ArbitraryTensor{idsInput, tokensInput, posInput})
	if err != nil {
		return nil, err
	}
	if got, want := results[0].Shape()[0], len(ids); got != want {
		return nil, fmt.Errorf("onnx: encoder returned batch %d, want %d", got, want)
	}
	return results[0], nil
}

// Close releases both sessions.
func (e *TextEncoder) Close() {
	e.plain.close()
	e.subst.close()
}
