package nn

import (
	"math"
	"math/rand"
	"testing"

	"scoreprior/internal/tensor"
)

func testConfig() Config {
	return Config{
		InChannels:  1,
		OutChannels: 1,
		HidChannels: []int{4, 8},
		HidBlocks:   []int{1, 1},
		KernelSize:  [2]int{3, 3},
		EmbFeatures: 4,
		Heads:       map[int]int{1: 2},
	}
}

func TestUNetForwardShape(t *testing.T) {
	u, err := NewUNet(testConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	x := tensor.New(4, 4, 1)
	for i := range x.Data {
		x.Data[i] = float64(i) / 16
	}
	y := u.Forward(nil, x, 0.5)
	if !y.Val.SameShape(x) {
		t.Fatalf("output shape = %v, want %v", y.Val.Shape, x.Shape)
	}
	for i, v := range y.Val.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("out[%d] = %g", i, v)
		}
	}
}

func TestUNetForwardDeterministic(t *testing.T) {
	a, err := NewUNet(testConfig(), rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := NewUNet(testConfig(), rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	x := tensor.New(4, 4, 1)
	x.Data[5] = 1
	ya := a.Forward(nil, x, 0.3)
	yb := b.Forward(nil, x, 0.3)
	for i := range ya.Val.Data {
		if ya.Val.Data[i] != yb.Val.Data[i] {
			t.Fatalf("same seed, different output at %d", i)
		}
	}
}

func TestUNetLeafOrderStable(t *testing.T) {
	a, err := NewUNet(testConfig(), rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := NewUNet(testConfig(), rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	la, lb := a.Leaves(), b.Leaves()
	if len(la) != len(lb) || len(la) == 0 {
		t.Fatalf("leaf counts = %d, %d", len(la), len(lb))
	}
	for i := range la {
		if la[i].Name != lb[i].Name {
			t.Fatalf("leaf %d name %q vs %q", i, la[i].Name, lb[i].Name)
		}
		if len(la[i].Value) != len(lb[i].Value) {
			t.Fatalf("leaf %q length %d vs %d", la[i].Name, len(la[i].Value), len(lb[i].Value))
		}
	}
	if a.NumParams() == 0 {
		t.Fatalf("no parameters")
	}
}

func TestUNetConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"empty stages", func(c *Config) { c.HidChannels = nil; c.HidBlocks = nil }},
		{"stage length mismatch", func(c *Config) { c.HidBlocks = []int{1} }},
		{"odd embedding", func(c *Config) { c.EmbFeatures = 5 }},
		{"tiny embedding", func(c *Config) { c.EmbFeatures = 2 }},
		{"heads out of range", func(c *Config) { c.Heads = map[int]int{5: 2} }},
		{"zero heads", func(c *Config) { c.Heads = map[int]int{1: 0} }},
		{"heads not dividing channels", func(c *Config) { c.Heads = map[int]int{1: 3} }},
	}
	for _, c := range cases {
		cfg := testConfig()
		c.mod(&cfg)
		if _, err := NewUNet(cfg, rand.New(rand.NewSource(1))); err == nil {
			t.Fatalf("%s: config accepted", c.name)
		}
	}
}

// Seed the output gradient with the forward value so the tape computes the
// gradient of 0.5*sum(y^2), then compare a sample of parameter gradients
// against central finite differences.
func TestUNetBackwardMatchesFiniteDifference(t *testing.T) {
	cfg := Config{
		InChannels:  1,
		OutChannels: 1,
		HidChannels: []int{2},
		HidBlocks:   []int{1},
		KernelSize:  [2]int{3, 3},
		EmbFeatures: 4,
	}
	u, err := NewUNet(cfg, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	x := tensor.New(2, 2, 1)
	rng := rand.New(rand.NewSource(6))
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	const tNoise = 0.4

	loss := func() float64 {
		y := u.Forward(nil, x, tNoise)
		var s float64
		for _, v := range y.Val.Data {
			s += v * v
		}
		return 0.5 * s
	}

	tr := NewTrace(false, nil)
	y := u.Forward(tr, x, tNoise)
	g := y.Grad()
	copy(g.Data, y.Val.Data)
	tr.Backward()

	const h = 1e-5
	leaves := u.Leaves()
	for trial := 0; trial < 8; trial++ {
		leaf := leaves[rng.Intn(len(leaves))]
		i := rng.Intn(len(leaf.Value))
		grad := tr.LeafGrad(leaf)

		orig := leaf.Value[i]
		leaf.Value[i] = orig + h
		up := loss()
		leaf.Value[i] = orig - h
		down := loss()
		leaf.Value[i] = orig

		want := (up - down) / (2 * h)
		if math.Abs(grad[i]-want) > 1e-4*(1+math.Abs(want)) {
			t.Fatalf("%s grad[%d] = %g, finite difference %g", leaf.Name, i, grad[i], want)
		}
	}
}

func TestTraceGradReduction(t *testing.T) {
	leaf := &Leaf{Name: "w", Value: []float64{0, 0}}
	a := NewTrace(false, nil)
	b := NewTrace(false, nil)
	copy(a.LeafGrad(leaf), []float64{1, 2})
	copy(b.LeafGrad(leaf), []float64{10, 20})

	dst := make(map[*Leaf][]float64)
	a.AddGradsInto(dst)
	b.AddGradsInto(dst)
	if dst[leaf][0] != 11 || dst[leaf][1] != 22 {
		t.Fatalf("reduced grads = %v, want [11 22]", dst[leaf])
	}
}

func TestNilTraceIsInference(t *testing.T) {
	var tr *Trace
	if tr.Training() {
		t.Fatalf("nil trace reports training")
	}
	// push on a nil trace is a no-op, not a panic.
	tr.push(func() {})
}
