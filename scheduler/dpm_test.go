package scheduler

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/portrayml/portray/nn"
)

func newSolver(t *testing.T) *DPMSolverMultistep {
	t.Helper()
	s, err := FromConfig(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFromConfigDefaults(t *testing.T) {
	// A zero config is filled with the training defaults.
	s, err := FromConfig(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if s.cfg.NumTrainTimesteps != 1000 {
		t.Errorf("train timesteps = %d, want 1000", s.cfg.NumTrainTimesteps)
	}
	if s.cfg.BetaSchedule != "scaled_linear" {
		t.Errorf("beta schedule = %q, want scaled_linear", s.cfg.BetaSchedule)
	}
	if s.cfg.SolverOrder != 2 {
		t.Errorf("solver order = %d, want 2", s.cfg.SolverOrder)
	}
}

func TestFromConfigRejectsBadConfig(t *testing.T) {
	if _, err := FromConfig(Config{SolverOrder: 3}); err == nil {
		t.Error("accepted solver order 3")
	}
	if _, err := FromConfig(Config{BetaSchedule: "cosine"}); err == nil {
		t.Error("accepted unknown beta schedule")
	}
}

func TestNoiseSchedule(t *testing.T) {
	s := newSolver(t)

	// alpha decreases, sigma increases, both in (0, 1), and
	// alpha^2 + sigma^2 = 1 at every timestep.
	for i := 0; i < s.cfg.NumTrainTimesteps; i++ {
		if s.alphaT[i] <= 0 || s.alphaT[i] >= 1 {
			t.Fatalf("alpha[%d] = %g out of (0, 1)", i, s.alphaT[i])
		}
		if s.sigmaT[i] <= 0 || s.sigmaT[i] >= 1 {
			t.Fatalf("sigma[%d] = %g out of (0, 1)", i, s.sigmaT[i])
		}
		sum := s.alphaT[i]*s.alphaT[i] + s.sigmaT[i]*s.sigmaT[i]
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("alpha^2+sigma^2 at %d = %g, want 1", i, sum)
		}
		if i > 0 && s.alphaT[i] >= s.alphaT[i-1] {
			t.Fatalf("alpha not decreasing at %d", i)
		}
	}
}

func TestSetTimesteps(t *testing.T) {
	s := newSolver(t)
	for _, n := range []int{1, 10, 25, 100, 250} {
		if err := s.SetTimesteps(n); err != nil {
			t.Fatalf("SetTimesteps(%d): %v", n, err)
		}
		ts := s.Timesteps()
		if len(ts) != n {
			t.Fatalf("SetTimesteps(%d) produced %d timesteps", n, len(ts))
		}
		if ts[0] != s.cfg.NumTrainTimesteps-1 {
			t.Errorf("first timestep = %d, want %d", ts[0], s.cfg.NumTrainTimesteps-1)
		}
		for i := 1; i < len(ts); i++ {
			if ts[i] >= ts[i-1] {
				t.Fatalf("timesteps not strictly decreasing at %d: %d >= %d", i, ts[i], ts[i-1])
			}
		}
		if last := ts[len(ts)-1]; last < 0 {
			t.Errorf("final timestep = %d, want >= 0", last)
		}
	}

	if err := s.SetTimesteps(0); err == nil {
		t.Error("accepted zero steps")
	}
	if err := s.SetTimesteps(1001); err == nil {
		t.Error("accepted more steps than training timesteps")
	}
}

func TestInitNoiseDeterminism(t *testing.T) {
	s := newSolver(t)
	shape := []int{1, 4, 8, 8}

	a := s.InitNoise(shape, 42)
	b := s.InitNoise(shape, 42)
	if diff := cmp.Diff(nn.Floats(a), nn.Floats(b)); diff != "" {
		t.Errorf("same seed produced different noise:\n%s", diff)
	}

	c := s.InitNoise(shape, 43)
	if cmp.Equal(nn.Floats(a), nn.Floats(c)) {
		t.Error("different seeds produced identical noise")
	}
}

func TestAddNoise(t *testing.T) {
	s := newSolver(t)
	sample, _ := nn.FromSlice([]float32{1, 1, 1, 1}, 1, 4)
	noise, _ := nn.FromSlice([]float32{1, -1, 1, -1}, 1, 4)

	got, err := s.AddNoise(sample, noise, 500)
	if err != nil {
		t.Fatal(err)
	}
	a, sig := float32(s.alphaT[500]), float32(s.sigmaT[500])
	want := []float32{a + sig, a - sig, a + sig, a - sig}
	if diff := cmp.Diff(want, nn.Floats(got)); diff != "" {
		t.Errorf("AddNoise mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.AddNoise(sample, noise, 1000); err == nil {
		t.Error("accepted out-of-range timestep")
	}
	short, _ := nn.FromSlice([]float32{1, 1}, 1, 2)
	if _, err := s.AddNoise(sample, short, 500); err == nil {
		t.Error("accepted mismatched noise shape")
	}
}

func TestStepRequiresSchedule(t *testing.T) {
	s := newSolver(t)
	if err := s.SetTimesteps(10); err != nil {
		t.Fatal(err)
	}
	sample := s.InitNoise([]int{1, 4, 2, 2}, 1)
	eps := s.InitNoise([]int{1, 4, 2, 2}, 2)

	if _, err := s.Step(eps, 12345, sample); err == nil {
		t.Error("accepted timestep outside the schedule")
	}
	bad := s.InitNoise([]int{1, 4, 2, 3}, 3)
	if _, err := s.Step(bad, s.Timesteps()[0], sample); err == nil {
		t.Error("accepted mismatched model output shape")
	}
}

func TestStepTrajectoryShrinksNoise(t *testing.T) {
	// With a perfect epsilon prediction equal to the injected noise, the
	// trajectory must converge toward the clean sample.
	s := newSolver(t)
	const steps = 20
	if err := s.SetTimesteps(steps); err != nil {
		t.Fatal(err)
	}

	clean, _ := nn.FromSlice([]float32{0.5, -0.5, 0.25, -0.25}, 1, 4)
	noise := s.InitNoise([]int{1, 4}, 11)

	sample, err := s.AddNoise(clean, noise, s.Timesteps()[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, ts := range s.Timesteps() {
		sample, err = s.Step(noise, ts, sample)
		if err != nil {
			t.Fatal(err)
		}
	}

	// The endpoint keeps the timestep-0 noise floor, roughly
	// sqrt(beta_0) of the injected noise.
	cv, sv, nv := nn.Floats(clean), nn.Floats(sample), nn.Floats(noise)
	for i := range cv {
		bound := 0.01 + 0.05*math.Abs(float64(nv[i]))
		if math.Abs(float64(sv[i]-cv[i])) > bound {
			t.Errorf("element %d = %g, want near %g", i, sv[i], cv[i])
		}
	}
}

func TestStepDeterminism(t *testing.T) {
	run := func() []float32 {
		s := newSolver(t)
		if err := s.SetTimesteps(8); err != nil {
			t.Fatal(err)
		}
		sample := s.InitNoise([]int{1, 4, 2, 2}, 21)
		eps := s.InitNoise([]int{1, 4, 2, 2}, 22)
		for _, ts := range s.Timesteps() {
			var err error
			sample, err = s.Step(eps, ts, sample)
			if err != nil {
				t.Fatal(err)
			}
		}
		return nn.Floats(sample)
	}

	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("identical trajectories differ:\n%s", diff)
	}
}

func TestSetTimestepsResetsHistory(t *testing.T) {
	s := newSolver(t)
	if err := s.SetTimesteps(5); err != nil {
		t.Fatal(err)
	}
	sample := s.InitNoise([]int{1, 4}, 31)
	eps := s.InitNoise([]int{1, 4}, 32)
	if _, err := s.Step(eps, s.Timesteps()[0], sample); err != nil {
		t.Fatal(err)
	}
	if s.prevX0 == nil {
		t.Fatal("step did not record history")
	}

	if err := s.SetTimesteps(5); err != nil {
		t.Fatal(err)
	}
	if s.prevX0 != nil || s.lowerOrderNums != 0 {
		t.Error("SetTimesteps did not reset the multistep history")
	}
}
