package train

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"

	"scoreprior/internal/dataset"
	"scoreprior/internal/diffusion"
	"scoreprior/internal/nn"
)

func testDenoiser(t *testing.T, seed int64) *diffusion.Denoiser {
	t.Helper()
	net, err := nn.NewUNet(nn.Config{
		InChannels:  1,
		OutChannels: 1,
		HidChannels: []int{4},
		HidBlocks:   []int{1},
		KernelSize:  [2]int{3, 3},
		EmbFeatures: 4,
	}, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("unet: %v", err)
	}
	return diffusion.NewDenoiser(net, diffusion.VP{}, 2, 2, 1)
}

func testSignals(rng *rand.Rand, n int) *dataset.Signals {
	s := &dataset.Signals{Height: 2, Width: 2, Channels: 1}
	for i := 0; i < n; i++ {
		x := make([]float64, 4)
		for j := range x {
			x[j] = rng.NormFloat64()
		}
		s.X = append(s.X, x)
	}
	return s
}

func TestRunProducesCheckpointTrees(t *testing.T) {
	d := testDenoiser(t, 1)
	rng := rand.New(rand.NewSource(2))
	cfg := Config{
		Epochs:    2,
		BatchSize: 2,
		LR:        1e-3,
		Clip:      10,
		EMADecay:  0.9,
		Workers:   2,
	}

	var reports []Report
	out, err := Run(context.Background(), zerolog.Nop(), cfg, d,
		testSignals(rng, 6), testSignals(rng, 4), nil,
		diffusion.Sampler{Schedule: diffusion.VP{}, Steps: 2}, rng,
		func(r Report) { reports = append(reports, r) })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.Losses) != 2 || len(out.ValLosses) != 2 {
		t.Fatalf("loss history lengths = (%d, %d), want (2, 2)", len(out.Losses), len(out.ValLosses))
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	leaves := d.Network.Leaves()
	if len(out.Params) != len(leaves) || len(out.EMA) != len(leaves) {
		t.Fatalf("tree sizes = (%d, %d), want %d leaves", len(out.Params), len(out.EMA), len(leaves))
	}
	for i, l := range leaves {
		if len(out.Params[i]) != len(l.Value) || len(out.EMA[i]) != len(l.Value) {
			t.Fatalf("leaf %q tree length mismatch", l.Name)
		}
	}
	for _, loss := range out.Losses {
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Fatalf("loss = %g", loss)
		}
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	d := testDenoiser(t, 3)
	rng := rand.New(rand.NewSource(4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, zerolog.Nop(), Config{Epochs: 1, BatchSize: 2, LR: 1e-3, EMADecay: 0.9}, d,
		testSignals(rng, 4), nil, nil, diffusion.Sampler{Schedule: diffusion.VP{}, Steps: 2}, rng, nil)
	if err == nil {
		t.Fatalf("canceled context accepted")
	}
}

func TestRunValidationSkippedWithoutTestSet(t *testing.T) {
	d := testDenoiser(t, 5)
	rng := rand.New(rand.NewSource(6))
	out, err := Run(context.Background(), zerolog.Nop(),
		Config{Epochs: 1, BatchSize: 2, LR: 1e-3, EMADecay: 0.9}, d,
		testSignals(rng, 4), nil, nil, diffusion.Sampler{Schedule: diffusion.VP{}, Steps: 2}, rng, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !math.IsNaN(out.ValLosses[0]) {
		t.Fatalf("val loss = %g without a test set, want NaN", out.ValLosses[0])
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	d := testDenoiser(t, 7)
	rng := rand.New(rand.NewSource(8))
	sampler := diffusion.Sampler{Schedule: diffusion.VP{}, Steps: 2}

	if _, err := Run(context.Background(), zerolog.Nop(), Config{Epochs: 0, BatchSize: 2}, d,
		testSignals(rng, 4), nil, nil, sampler, rng, nil); err == nil {
		t.Fatalf("zero epochs accepted")
	}
	if _, err := Run(context.Background(), zerolog.Nop(), Config{Epochs: 1, BatchSize: 8}, d,
		testSignals(rng, 4), nil, nil, sampler, rng, nil); err == nil {
		t.Fatalf("batch larger than dataset accepted")
	}
}

func TestPerturbationsInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	eps, ts := perturbations(rng, 200, 3)
	if len(eps) != 200 || len(ts) != 200 {
		t.Fatalf("batch sizes = (%d, %d), want (200, 200)", len(eps), len(ts))
	}
	var sum float64
	for _, v := range ts {
		if v <= 0 || v >= 1 {
			t.Fatalf("t = %g outside (0, 1)", v)
		}
		sum += v
	}
	// Beta(3,3) has mean 1/2.
	if mean := sum / 200; math.Abs(mean-0.5) > 0.08 {
		t.Fatalf("mean t = %g, want near 0.5", mean)
	}
}

func TestLeafValueRoundTrip(t *testing.T) {
	leaves := []*nn.Leaf{
		{Name: "a", Value: []float64{1, 2}},
		{Name: "b", Value: []float64{3}},
	}
	vals := LeafValues(leaves)
	vals[0][0] = 10
	if leaves[0].Value[0] != 1 {
		t.Fatalf("LeafValues aliases the leaf storage")
	}
	SetLeafValues(leaves, vals)
	if leaves[0].Value[0] != 10 {
		t.Fatalf("SetLeafValues did not copy back")
	}
}

func TestOrderedGradsZeroFillsUntouchedLeaves(t *testing.T) {
	leaves := []*nn.Leaf{
		{Name: "a", Value: []float64{1, 2}},
		{Name: "b", Value: []float64{3}},
	}
	gradMap := map[*nn.Leaf][]float64{leaves[1]: {7}}
	out := OrderedGrads(leaves, gradMap)
	if len(out) != 2 {
		t.Fatalf("tree size = %d, want 2", len(out))
	}
	if out[0][0] != 0 || out[0][1] != 0 {
		t.Fatalf("untouched leaf grads = %v, want zeros", out[0])
	}
	if out[1][0] != 7 {
		t.Fatalf("touched leaf grad = %g, want 7", out[1][0])
	}
}
