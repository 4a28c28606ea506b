package diffusion

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"scoreprior/internal/measurement"
)

func isotropicPrior(t *testing.T, dim int) *GaussianDenoiser {
	t.Helper()
	g, err := NewGaussianDenoiser(make([]float64, dim), 1, nil, VP{})
	if err != nil {
		t.Fatalf("prior: %v", err)
	}
	return g
}

func TestSamplerRecoversFullyObservedSignal(t *testing.T) {
	prior := isotropicPrior(t, 4)
	y := []float64{0.8, -0.4, 0.1, 1.2}
	s := Sampler{Schedule: VP{}, Steps: 64}

	rng := rand.New(rand.NewSource(3))
	x, err := s.Sample(rng, prior, y, measurement.Identity{Dim: 4}, 1e-8)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	for i := range y {
		if math.Abs(x[i]-y[i]) > 1e-2 {
			t.Fatalf("x[%d] = %g, want %g within 1e-2", i, x[i], y[i])
		}
	}
}

func TestSamplerDeterministicWhenEtaZero(t *testing.T) {
	prior := isotropicPrior(t, 3)
	s := Sampler{Schedule: VP{}, Steps: 16}
	y := []float64{1, 0, -1}

	a, err := s.Sample(rand.New(rand.NewSource(7)), prior, y, measurement.Identity{Dim: 3}, 0.1)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	b, err := s.Sample(rand.New(rand.NewSource(7)), prior, y, measurement.Identity{Dim: 3}, 0.1)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed diverged at %d: %g vs %g", i, a[i], b[i])
		}
	}
}

func TestSamplerHalfMaskReproducesObservedCoordinates(t *testing.T) {
	prior := isotropicPrior(t, 6)
	op := measurement.FirstHalf(6)
	y := []float64{0.9, -0.6, 0.3}
	s := Sampler{Schedule: VP{}, Steps: 256}

	rng := rand.New(rand.NewSource(17))
	x, err := s.Sample(rng, prior, y, op, 1e-4)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	got := op.Apply(x)
	for i := range y {
		if math.Abs(got[i]-y[i]) > 5e-2 {
			t.Fatalf("A*x[%d] = %g, want %g within 5e-2", i, got[i], y[i])
		}
	}
	for i := 3; i < 6; i++ {
		if math.IsNaN(x[i]) || math.IsInf(x[i], 0) {
			t.Fatalf("unobserved x[%d] = %g", i, x[i])
		}
	}
}

// The mask operator takes the elementwise guidance path; an equivalent dense
// matrix goes through conjugate gradients. Both must agree.
func TestSamplerGuidancePathsAgree(t *testing.T) {
	prior := isotropicPrior(t, 4)
	s := Sampler{Schedule: VP{}, Steps: 12}
	y := []float64{0.5, -0.25}
	mask := measurement.Mask{Dim: 4, Indices: []int{0, 2}}

	m := mat.NewDense(2, 4, nil)
	m.Set(0, 0, 1)
	m.Set(1, 2, 1)
	dense := measurement.Dense{M: m}

	a, err := s.Sample(rand.New(rand.NewSource(11)), prior, y, mask, 0.05)
	if err != nil {
		t.Fatalf("mask sample: %v", err)
	}
	b, err := s.Sample(rand.New(rand.NewSource(11)), prior, y, dense, 0.05)
	if err != nil {
		t.Fatalf("dense sample: %v", err)
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-6 {
			t.Fatalf("guidance paths disagree at %d: %g vs %g", i, a[i], b[i])
		}
	}
}

func TestSamplerUnconditionalWithNilOperator(t *testing.T) {
	prior := isotropicPrior(t, 3)
	s := Sampler{Schedule: VP{}, Steps: 8, Eta: 1}
	x, err := s.Sample(rand.New(rand.NewSource(5)), prior, nil, nil, 0)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if len(x) != 3 {
		t.Fatalf("sample length = %d, want 3", len(x))
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("x[%d] = %g", i, v)
		}
	}
}

func TestSamplerSingleStep(t *testing.T) {
	prior := isotropicPrior(t, 2)
	s := Sampler{Schedule: VP{}, Steps: 1}
	x, err := s.Sample(rand.New(rand.NewSource(13)), prior, []float64{1, -1}, measurement.Identity{Dim: 2}, 0.1)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("x[%d] = %g", i, v)
		}
	}
}

func TestSamplerRejectsBadInput(t *testing.T) {
	prior := isotropicPrior(t, 3)
	s := Sampler{Schedule: VP{}}
	if _, err := s.Sample(rand.New(rand.NewSource(1)), prior, nil, nil, 0); err == nil {
		t.Fatalf("steps=0 accepted")
	}
	s.Steps = 4
	mask := measurement.Mask{Dim: 3, Indices: []int{0}}
	if _, err := s.Sample(rand.New(rand.NewSource(1)), prior, []float64{1, 2}, mask, 0.1); err == nil {
		t.Fatalf("observation length mismatch accepted")
	}
}

func TestConjGradSolvesMaskSystem(t *testing.T) {
	op := measurement.Mask{Dim: 4, Indices: []int{1, 3}}
	b := []float64{2, -6}
	sigmaY, vt := 0.5, 0.25
	w, err := solveGram(op, b, sigmaY, vt)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	// For a mask, A·Aᵀ = I, so (sigmaY + vt)·w = b exactly.
	for i := range b {
		want := b[i] / (sigmaY + vt)
		if math.Abs(w[i]-want) > 1e-8 {
			t.Fatalf("w[%d] = %g, want %g", i, w[i], want)
		}
	}
}
