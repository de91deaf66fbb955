package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdevine/tensor"

	"github.com/portrayml/portray/nn"
)

// Pipeline holds explicit handles to the frozen base models and the two
// trainable adapters. Construct once, share freely across calls.
type Pipeline struct {
	Tokenizer    Tokenizer
	Vision       VisionEncoder
	Text         TextEncoder
	Denoiser     Denoiser
	Autoencoder  Autoencoder
	TextAdapter  Adapter
	ImageAdapter Adapter

	// NewScheduler constructs a fresh solver per sampling call, typically
	// from the base model's persisted scheduler configuration.
	NewScheduler func() Scheduler

	// VisionLayers selects the intermediate vision-encoder hidden states
	// appended after the final stack, in adapter token order. Indices
	// beyond the encoder's depth are skipped.
	VisionLayers []int

	Logger *slog.Logger
}

// Inputs is one batch of subject conditioning.
type Inputs struct {
	// PixelValues is the (batch, 3, H, W) autoencoder input in [-1, 1].
	// Only read when generating from a noised real image.
	PixelValues *tensor.Dense
	// ClipPixelValues is the (batch, 3, S, S) vision-encoder input.
	ClipPixelValues *tensor.Dense
	// TokenIDs are the fixed-length prompt token ids, one row per batch
	// item, each containing the concept placeholder token.
	TokenIDs [][]int64
	// PlaceholderIndex is the position of the placeholder token per batch
	// item.
	PlaceholderIndex []int
}

// GenerateConfig holds all options for one sampling call.
type GenerateConfig struct {
	// Steps is the number of denoising steps (default 100). Each step
	// evaluates the denoiser twice.
	Steps int
	// GuidanceScale blends the conditional and unconditional predictions.
	// 1 degenerates to the pure conditional prediction (default 1).
	GuidanceScale float32
	// LatentSize is the spatial size of the latent (default 64).
	LatentSize int
	// Seed makes the initial latent reproducible when non-negative
	// (default -1, unseeded).
	Seed int64
	// FromNoisedImage starts from the encoded real image noised to the
	// first timestep instead of pure noise.
	FromNoisedImage bool
	// TrainingMode enables gradient recording on the final step only;
	// every earlier step runs gradient-free.
	TrainingMode bool
	// Progress is called after each completed step.
	Progress func(step, total int)

	seedSet bool
}

func (c *GenerateConfig) applyDefaults() {
	if c.Steps <= 0 {
		c.Steps = 100
	}
	if c.GuidanceScale <= 0 {
		c.GuidanceScale = 1
	}
	if c.LatentSize <= 0 {
		c.LatentSize = 64
	}
	if c.Seed == 0 && !c.seedSet {
		c.Seed = -1
	}
}

// WithSeed marks the seed as explicitly set, so a zero seed is honored.
func (c GenerateConfig) WithSeed(seed int64) GenerateConfig {
	c.Seed = seed
	c.seedSet = true
	return c
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) validate(in *Inputs, cfg *GenerateConfig) error {
	if in == nil || in.ClipPixelValues == nil {
		return fmt.Errorf("pipeline: missing conditioning image")
	}
	clipShape := in.ClipPixelValues.Shape()
	if len(clipShape) != 4 {
		return fmt.Errorf("pipeline: conditioning image is %d-d, want (batch, channels, h, w)", len(clipShape))
	}
	batch := clipShape[0]
	if len(in.TokenIDs) != batch {
		return fmt.Errorf("pipeline: %d prompts for batch of %d images", len(in.TokenIDs), batch)
	}
	if len(in.PlaceholderIndex) != batch {
		return fmt.Errorf("pipeline: %d placeholder indices for batch of %d", len(in.PlaceholderIndex), batch)
	}
	for i, idx := range in.PlaceholderIndex {
		if idx < 0 || idx >= len(in.TokenIDs[i]) {
			return fmt.Errorf("pipeline: placeholder index %d out of range for prompt %d of length %d", idx, i, len(in.TokenIDs[i]))
		}
	}
	if cfg.FromNoisedImage {
		if in.PixelValues == nil {
			return fmt.Errorf("pipeline: from-noised-image requires pixel values")
		}
		if in.PixelValues.Shape()[0] != batch {
			return fmt.Errorf("pipeline: pixel batch %d does not match conditioning batch %d", in.PixelValues.Shape()[0], batch)
		}
	}
	return nil
}

// Generate runs the guided reverse-diffusion process and returns the
// decoded image batch with pixel values clamped to [-1, 1]. Any failure
// inside a step aborts the whole call; the trajectory is not recoverable
// mid-flight.
func (p *Pipeline) Generate(ctx context.Context, in *Inputs, cfg GenerateConfig) (*tensor.Dense, error) {
	cfg.applyDefaults()
	if err := p.validate(in, &cfg); err != nil {
		return nil, err
	}

	sched := p.NewScheduler()
	if err := sched.SetTimesteps(cfg.Steps); err != nil {
		return nil, err
	}

	cond, err := p.buildConditioning(ctx, in)
	if err != nil {
		return nil, err
	}

	batch := in.ClipPixelValues.Shape()[0]
	noise := sched.InitNoise([]int{batch, p.Denoiser.InChannels(), cfg.LatentSize, cfg.LatentSize}, cfg.Seed)

	latents := noise
	if cfg.FromNoisedImage {
		encoded, err := p.Autoencoder.Encode(ctx, in.PixelValues)
		if err != nil {
			return nil, fmt.Errorf("autoencoder encode: %w", err)
		}
		encoded = nn.Scale(encoded, p.Autoencoder.ScalingFactor())
		if latents, err = sched.AddNoise(encoded, noise, sched.Timesteps()[0]); err != nil {
			return nil, err
		}
	}
	latents = nn.Scale(latents, sched.InitNoiseSigma())

	timesteps := sched.Timesteps()
	start := time.Now()
	for i, t := range timesteps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		stepStart := time.Now()

		opts := PredictOptions{EnableGrad: cfg.TrainingMode && i == len(timesteps)-1}
		input := sched.ScaleModelInput(latents, t)

		noiseUncond, err := p.Denoiser.Predict(ctx, input, t, cond.textUncond, cond.imageUncond, opts)
		if err != nil {
			return nil, fmt.Errorf("denoiser (unconditional, step %d): %w", i, err)
		}
		noiseCond, err := p.Denoiser.Predict(ctx, input, t, cond.textCond, cond.imageCond, opts)
		if err != nil {
			return nil, fmt.Errorf("denoiser (conditional, step %d): %w", i, err)
		}

		guided, err := guide(noiseUncond, noiseCond, cfg.GuidanceScale)
		if err != nil {
			return nil, err
		}
		if latents, err = sched.Step(guided, t, latents); err != nil {
			return nil, fmt.Errorf("scheduler step %d: %w", i, err)
		}

		p.logger().Debug("denoise step", "step", i+1, "total", len(timesteps), "timestep", t, "elapsed", time.Since(stepStart))
		if cfg.Progress != nil {
			cfg.Progress(i+1, len(timesteps))
		}
	}

	latents = nn.Scale(latents, 1/p.Autoencoder.ScalingFactor())
	decoded, err := p.Autoencoder.Decode(ctx, latents)
	if err != nil {
		return nil, fmt.Errorf("autoencoder decode: %w", err)
	}
	p.logger().Info("generated image batch", "batch", batch, "steps", cfg.Steps, "guidance", cfg.GuidanceScale, "elapsed", time.Since(start))
	return nn.Clamp(decoded, -1, 1), nil
}

// guide combines the two predictions with classifier-free guidance:
// uncond + scale * (cond - uncond).
func guide(uncond, cond *tensor.Dense, scale float32) (*tensor.Dense, error) {
	if scale == 1 {
		// The unconditional term cancels; skip the arithmetic so the
		// result is bit-identical to the conditional prediction.
		if !uncond.Shape().Eq(cond.Shape()) {
			return nil, fmt.Errorf("pipeline: guidance shape mismatch %v vs %v", uncond.Shape(), cond.Shape())
		}
		return cond, nil
	}
	diff, err := nn.Sub(cond, uncond)
	if err != nil {
		return nil, fmt.Errorf("pipeline: guidance: %w", err)
	}
	return nn.Add(uncond, nn.Scale(diff, scale))
}
