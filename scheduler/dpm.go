// Package scheduler implements the DPM-Solver++ multistep solver that
// drives the reverse diffusion process. The solver is resampled to the
// requested step count regardless of its training-time step count, keeps a
// short model-output history across Step calls, and is otherwise
// stateless: construct a fresh instance per sampling call.
package scheduler

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/floats"

	"github.com/portrayml/portray/nn"
)

// Config mirrors the solver's persisted configuration. Zero fields are
// replaced with the defaults the base model was trained with.
type Config struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"`
	BetaStart         float64 `json:"beta_start"`
	BetaEnd           float64 `json:"beta_end"`
	BetaSchedule      string  `json:"beta_schedule"` // "scaled_linear" or "linear"
	SolverOrder       int     `json:"solver_order"`
	// LowerOrderFinal forces a first-order final step for short schedules,
	// which stabilizes trajectories under 15 steps.
	LowerOrderFinal bool `json:"lower_order_final"`
}

// DefaultConfig returns the Stable Diffusion training configuration.
func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      "scaled_linear",
		SolverOrder:       2,
		LowerOrderFinal:   true,
	}
}

// DPMSolverMultistep integrates the probability-flow ODE with the
// DPM-Solver++ second-order multistep update, predicting epsilon.
type DPMSolverMultistep struct {
	cfg Config

	alphaT  []float64 // sqrt(alphas_cumprod), indexed by train timestep
	sigmaT  []float64 // sqrt(1 - alphas_cumprod)
	lambdaT []float64 // log(alpha/sigma)

	timesteps      []int
	prevX0         *tensor.Dense // previous step's data prediction
	lowerOrderNums int
}

// FromConfig builds a solver from cfg, filling unset fields with the
// defaults. This matches reconstructing the solver from another
// scheduler's persisted configuration.
func FromConfig(cfg Config) (*DPMSolverMultistep, error) {
	def := DefaultConfig()
	if cfg.NumTrainTimesteps <= 0 {
		cfg.NumTrainTimesteps = def.NumTrainTimesteps
	}
	if cfg.BetaStart <= 0 {
		cfg.BetaStart = def.BetaStart
	}
	if cfg.BetaEnd <= 0 {
		cfg.BetaEnd = def.BetaEnd
	}
	if cfg.BetaSchedule == "" {
		cfg.BetaSchedule = def.BetaSchedule
	}
	if cfg.SolverOrder <= 0 {
		cfg.SolverOrder = def.SolverOrder
	}
	if cfg.SolverOrder > 2 {
		return nil, fmt.Errorf("scheduler: solver order %d not supported (max 2)", cfg.SolverOrder)
	}

	n := cfg.NumTrainTimesteps
	betas := make([]float64, n)
	switch cfg.BetaSchedule {
	case "scaled_linear":
		floats.Span(betas, math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd))
		for i, b := range betas {
			betas[i] = b * b
		}
	case "linear":
		floats.Span(betas, cfg.BetaStart, cfg.BetaEnd)
	default:
		return nil, fmt.Errorf("scheduler: unknown beta schedule %q", cfg.BetaSchedule)
	}

	s := &DPMSolverMultistep{
		cfg:     cfg,
		alphaT:  make([]float64, n),
		sigmaT:  make([]float64, n),
		lambdaT: make([]float64, n),
	}
	cumprod := 1.0
	for i, b := range betas {
		cumprod *= 1 - b
		s.alphaT[i] = math.Sqrt(cumprod)
		s.sigmaT[i] = math.Sqrt(1 - cumprod)
		s.lambdaT[i] = math.Log(s.alphaT[i]) - math.Log(s.sigmaT[i])
	}
	return s, nil
}

// SetTimesteps resamples the training schedule to n inference steps. The
// resulting timesteps are strictly decreasing.
func (s *DPMSolverMultistep) SetTimesteps(n int) error {
	if n <= 0 {
		return fmt.Errorf("scheduler: step count must be positive, got %d", n)
	}
	if n > s.cfg.NumTrainTimesteps {
		return fmt.Errorf("scheduler: %d steps exceeds the %d training timesteps", n, s.cfg.NumTrainTimesteps)
	}
	// linspace over [0, train-1] with n+1 points, reversed, final point
	// (zero) dropped.
	s.timesteps = make([]int, n)
	last := float64(s.cfg.NumTrainTimesteps - 1)
	for i := 0; i < n; i++ {
		s.timesteps[i] = int(math.Round(last * float64(n-i) / float64(n)))
		if i > 0 && s.timesteps[i] >= s.timesteps[i-1] {
			return fmt.Errorf("scheduler: %d steps collapse onto duplicate timesteps", n)
		}
	}
	s.prevX0 = nil
	s.lowerOrderNums = 0
	return nil
}

// Timesteps returns the current inference schedule in descending order.
func (s *DPMSolverMultistep) Timesteps() []int { return s.timesteps }

// InitNoiseSigma returns the scale applied to the initial latent. The
// DPM-Solver++ parameterization starts from unit-variance noise.
func (s *DPMSolverMultistep) InitNoiseSigma() float32 { return 1 }

// ScaleModelInput rescales the latent before a denoiser evaluation. The
// DPM-Solver++ parameterization needs no rescaling; the method exists to
// satisfy the solver contract.
func (s *DPMSolverMultistep) ScaleModelInput(sample *tensor.Dense, t int) *tensor.Dense {
	return sample
}

// AddNoise performs a single forward-diffusion step to timestep t.
func (s *DPMSolverMultistep) AddNoise(sample, noise *tensor.Dense, t int) (*tensor.Dense, error) {
	if t < 0 || t >= s.cfg.NumTrainTimesteps {
		return nil, fmt.Errorf("scheduler: timestep %d out of range", t)
	}
	if !sample.Shape().Eq(noise.Shape()) {
		return nil, fmt.Errorf("scheduler: sample shape %v does not match noise shape %v", sample.Shape(), noise.Shape())
	}
	sv, nv := nn.Floats(sample), nn.Floats(noise)
	out := make([]float32, len(sv))
	a, sig := float32(s.alphaT[t]), float32(s.sigmaT[t])
	for i := range sv {
		out[i] = a*sv[i] + sig*nv[i]
	}
	return nn.FromSlice(out, sample.Shape()...)
}

// InitNoise returns a Gaussian latent of the given shape. A non-negative
// seed makes the draw reproducible.
func (s *DPMSolverMultistep) InitNoise(shape []int, seed int64) *tensor.Dense {
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	t, _ := nn.FromSlice(data, shape...)
	return t
}

// Step advances the latent from timestep t to the next timestep in the
// schedule given the (guided) epsilon prediction. The solver keeps the
// previous data prediction as multistep history; everything else is
// recomputed per call.
func (s *DPMSolverMultistep) Step(modelOutput *tensor.Dense, t int, sample *tensor.Dense) (*tensor.Dense, error) {
	idx := -1
	for i, ts := range s.timesteps {
		if ts == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("scheduler: timestep %d is not in the schedule (call SetTimesteps first)", t)
	}
	if !modelOutput.Shape().Eq(sample.Shape()) {
		return nil, fmt.Errorf("scheduler: model output shape %v does not match sample shape %v", modelOutput.Shape(), sample.Shape())
	}

	// Epsilon to data prediction: x0 = (x - sigma*eps) / alpha.
	ev, xv := nn.Floats(modelOutput), nn.Floats(sample)
	x0 := make([]float32, len(xv))
	a, sig := float32(s.alphaT[t]), float32(s.sigmaT[t])
	for i := range xv {
		x0[i] = (xv[i] - sig*ev[i]) / a
	}

	prevT := 0
	if idx+1 < len(s.timesteps) {
		prevT = s.timesteps[idx+1]
	}

	finalLowerOrder := s.cfg.LowerOrderFinal && idx == len(s.timesteps)-1 && len(s.timesteps) < 15
	useFirstOrder := s.cfg.SolverOrder == 1 || s.lowerOrderNums < 1 || s.prevX0 == nil || finalLowerOrder

	h := s.lambdaT[prevT] - s.lambdaT[t]
	sigmaRatio := float32(s.sigmaT[prevT] / s.sigmaT[t])
	alphaCoeff := float32(s.alphaT[prevT] * (math.Exp(-h) - 1))

	out := make([]float32, len(xv))
	if useFirstOrder {
		for i := range xv {
			out[i] = sigmaRatio*xv[i] - alphaCoeff*x0[i]
		}
	} else {
		// Second-order multistep update from the current and previous
		// data predictions.
		t1 := s.timesteps[idx-1]
		h0 := s.lambdaT[t] - s.lambdaT[t1]
		r0 := float32(h0 / h)
		pv := nn.Floats(s.prevX0)
		for i := range xv {
			d0 := x0[i]
			d1 := (x0[i] - pv[i]) / r0
			out[i] = sigmaRatio*xv[i] - alphaCoeff*d0 - 0.5*alphaCoeff*d1
		}
	}

	s.prevX0, _ = nn.FromSlice(x0, sample.Shape()...)
	if s.lowerOrderNums < s.cfg.SolverOrder {
		s.lowerOrderNums++
	}
	return nn.FromSlice(out, sample.Shape()...)
}
