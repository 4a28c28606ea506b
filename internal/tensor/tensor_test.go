package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func TestFlattenUnflattenShareData(t *testing.T) {
	x := From([]float64{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	flat := Flatten(x)
	if len(flat) != 6 {
		t.Fatalf("flat length = %d, want 6", len(flat))
	}
	back := Unflatten(flat, 1, 2, 3)
	if !back.SameShape(x) {
		t.Fatalf("unflatten shape = %v, want %v", back.Shape, x.Shape)
	}
	flat[0] = 42
	if x.Data[0] != 42 {
		t.Fatalf("flatten copied data, want shared backing array")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	x := From([]float64{1, 2, 3, 4}, 2, 2, 1)
	y := x.Clone()
	y.Data[0] = -1
	if x.Data[0] != 1 {
		t.Fatalf("clone shares data with original")
	}
}

func TestConv2DIdentityKernel(t *testing.T) {
	x := From([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, 3, 3, 1)
	w := New(3, 3, 1, 1)
	w.Data[4] = 1 // center tap only
	y := Conv2D(x, w, nil, 1)
	for i := range x.Data {
		if y.Data[i] != x.Data[i] {
			t.Fatalf("y[%d] = %g, want %g", i, y.Data[i], x.Data[i])
		}
	}
}

func TestConv2DStrideHalvesOutput(t *testing.T) {
	x := New(4, 4, 2)
	w := New(3, 3, 2, 3)
	y := Conv2D(x, w, []float64{1, 2, 3}, 2)
	if y.Shape[0] != 2 || y.Shape[1] != 2 || y.Shape[2] != 3 {
		t.Fatalf("output shape = %v, want [2 2 3]", y.Shape)
	}
	// Zero input leaves only the bias in every output pixel.
	for p := 0; p < 4; p++ {
		for co := 0; co < 3; co++ {
			if got := y.Data[p*3+co]; got != float64(co+1) {
				t.Fatalf("pixel %d channel %d = %g, want %g", p, co, got, float64(co+1))
			}
		}
	}
}

func TestConv2DBackwardMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := New(4, 5, 2)
	w := New(3, 3, 2, 3)
	b := make([]float64, 3)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	for i := range w.Data {
		w.Data[i] = rng.NormFloat64() * 0.3
	}
	for i := range b {
		b[i] = rng.NormFloat64() * 0.1
	}

	loss := func() float64 {
		y := Conv2D(x, w, b, 1)
		var s float64
		for _, v := range y.Data {
			s += v * v
		}
		return 0.5 * s
	}

	y := Conv2D(x, w, b, 1)
	dy := y.Clone() // dL/dy = y for L = 0.5*sum(y^2)
	dw := New(w.Shape...)
	db := make([]float64, 3)
	dx := Conv2DBackward(x, w, dy, dw, db, 1)

	const h = 1e-5
	checks := []struct {
		name string
		data []float64
		grad []float64
	}{
		{"input", x.Data, dx.Data},
		{"kernel", w.Data, dw.Data},
		{"bias", b, db},
	}
	for _, c := range checks {
		for trial := 0; trial < 5; trial++ {
			i := rng.Intn(len(c.data))
			orig := c.data[i]
			c.data[i] = orig + h
			up := loss()
			c.data[i] = orig - h
			down := loss()
			c.data[i] = orig
			want := (up - down) / (2 * h)
			if math.Abs(c.grad[i]-want) > 1e-4*(1+math.Abs(want)) {
				t.Fatalf("%s grad[%d] = %g, finite difference %g", c.name, i, c.grad[i], want)
			}
		}
	}
}

func TestLayerNormRowStats(t *testing.T) {
	x := From([]float64{1, 2, 3, 4, 10, 20, 30, 40}, 2, 1, 4)
	y := LayerNorm(x)
	for r := 0; r < 2; r++ {
		row := y.Data[r*4 : (r+1)*4]
		var mean, varc float64
		for _, v := range row {
			mean += v
		}
		mean /= 4
		for _, v := range row {
			varc += (v - mean) * (v - mean)
		}
		varc /= 4
		if math.Abs(mean) > 1e-12 {
			t.Fatalf("row %d mean = %g, want 0", r, mean)
		}
		if math.Abs(varc-1) > 1e-3 {
			t.Fatalf("row %d variance = %g, want 1", r, varc)
		}
	}
}

func TestLayerNormBackwardMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := New(2, 2, 3)
	dy := New(2, 2, 3)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
		dy.Data[i] = rng.NormFloat64()
	}
	dx := LayerNormBackward(x, dy)

	loss := func() float64 {
		y := LayerNorm(x)
		var s float64
		for i, v := range y.Data {
			s += v * dy.Data[i]
		}
		return s
	}

	const h = 1e-6
	for trial := 0; trial < 8; trial++ {
		i := rng.Intn(len(x.Data))
		orig := x.Data[i]
		x.Data[i] = orig + h
		up := loss()
		x.Data[i] = orig - h
		down := loss()
		x.Data[i] = orig
		want := (up - down) / (2 * h)
		if math.Abs(dx.Data[i]-want) > 1e-4*(1+math.Abs(want)) {
			t.Fatalf("dx[%d] = %g, finite difference %g", i, dx.Data[i], want)
		}
	}
}

func TestSiLUBackwardMatchesFiniteDifference(t *testing.T) {
	x := From([]float64{-2, -0.5, 0, 0.5, 2, 5}, 1, 1, 6)
	dy := From([]float64{1, 1, 1, 1, 1, 1}, 1, 1, 6)
	dx := SiLUBackward(x, dy)
	const h = 1e-6
	for i, v := range x.Data {
		up := (v + h) * sigmoid(v+h)
		down := (v - h) * sigmoid(v-h)
		want := (up - down) / (2 * h)
		if math.Abs(dx.Data[i]-want) > 1e-6 {
			t.Fatalf("dx[%d] = %g, finite difference %g", i, dx.Data[i], want)
		}
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := []float64{1, 2, 3, 1000, 1001, 1002}
	y := Softmax(x, 2, 3)
	for r := 0; r < 2; r++ {
		var sum float64
		for _, v := range y[r*3 : (r+1)*3] {
			sum += v
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Fatalf("row %d sum = %g, want 1", r, sum)
		}
	}
	// The shifted row must match the small one: softmax is translation
	// invariant and must not overflow.
	for i := 0; i < 3; i++ {
		if math.Abs(y[i]-y[3+i]) > 1e-12 {
			t.Fatalf("softmax not shift invariant: %g vs %g", y[i], y[3+i])
		}
	}
}

func TestSoftmaxBackwardMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x := make([]float64, 6)
	g := make([]float64, 6)
	for i := range x {
		x[i] = rng.NormFloat64()
		g[i] = rng.NormFloat64()
	}
	y := Softmax(x, 2, 3)
	dx := SoftmaxBackward(y, g, 2, 3)

	loss := func() float64 {
		p := Softmax(x, 2, 3)
		var s float64
		for i := range p {
			s += p[i] * g[i]
		}
		return s
	}
	const h = 1e-6
	for i := range x {
		orig := x[i]
		x[i] = orig + h
		up := loss()
		x[i] = orig - h
		down := loss()
		x[i] = orig
		want := (up - down) / (2 * h)
		if math.Abs(dx[i]-want) > 1e-6 {
			t.Fatalf("dx[%d] = %g, finite difference %g", i, dx[i], want)
		}
	}
}

func TestUpsampleNearestRoundTrip(t *testing.T) {
	x := From([]float64{1, 2, 3, 4}, 2, 2, 1)
	y := UpsampleNearest(x, 2)
	if y.Shape[0] != 4 || y.Shape[1] != 4 {
		t.Fatalf("upsample shape = %v, want [4 4 1]", y.Shape)
	}
	if y.Data[0] != 1 || y.Data[1] != 1 || y.Data[4] != 1 || y.Data[5] != 1 {
		t.Fatalf("top-left block not replicated: %v", y.Data[:6])
	}
	dx := UpsampleNearestBackward(y, 2)
	for i, v := range x.Data {
		if dx.Data[i] != 4*v {
			t.Fatalf("backward[%d] = %g, want %g", i, dx.Data[i], 4*v)
		}
	}
}
