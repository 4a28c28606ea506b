package nn

import (
	"math"
	"math/rand"

	"scoreprior/internal/tensor"
)

// Block is one stage element of the backbone. Plain layers ignore the
// time-embedding argument; residual and attention blocks consume it.
type Block interface {
	Apply(tr *Trace, x, temb *Var) *Var
	Leaves() []*Leaf
}

// Linear maps the channel (last) axis of its input through W·x + b.
// Weight layout is [in, out].
type Linear struct {
	In, Out int
	W, B    *Leaf
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	return &Linear{
		In:  in,
		Out: out,
		W:   initLeaf(name+".weight", in*out, in, rng),
		B:   &Leaf{Name: name + ".bias", Value: make([]float64, out)},
	}
}

func (l *Linear) Leaves() []*Leaf { return []*Leaf{l.W, l.B} }

func (l *Linear) Apply(tr *Trace, x, _ *Var) *Var {
	rows := x.Val.Numel() / l.In
	shape := append(append([]int{}, x.Val.Shape[:len(x.Val.Shape)-1]...), l.Out)
	out := tensor.New(shape...)
	for r := 0; r < rows; r++ {
		src := x.Val.Data[r*l.In : (r+1)*l.In]
		dst := out.Data[r*l.Out : (r+1)*l.Out]
		copy(dst, l.B.Value)
		for i, xv := range src {
			if xv == 0 {
				continue
			}
			row := l.W.Value[i*l.Out : (i+1)*l.Out]
			for o := range dst {
				dst[o] += xv * row[o]
			}
		}
	}
	y := NewVar(out)
	tr.push(func() {
		dW := tr.LeafGrad(l.W)
		dB := tr.LeafGrad(l.B)
		dy := y.Grad()
		dx := x.Grad()
		for r := 0; r < rows; r++ {
			src := x.Val.Data[r*l.In : (r+1)*l.In]
			g := dy.Data[r*l.Out : (r+1)*l.Out]
			dsrc := dx.Data[r*l.In : (r+1)*l.In]
			for o, gv := range g {
				dB[o] += gv
			}
			for i, xv := range src {
				wrow := l.W.Value[i*l.Out : (i+1)*l.Out]
				dwrow := dW[i*l.Out : (i+1)*l.Out]
				var acc float64
				for o, gv := range g {
					acc += wrow[o] * gv
					dwrow[o] += xv * gv
				}
				dsrc[i] += acc
			}
		}
	})
	return y
}

// Conv is a same-padded 2-D convolution; Stride 2 doubles as the
// downsampling projection between stages.
type Conv struct {
	KH, KW, CIn, COut, Stride int

	W, B *Leaf
}

func NewConv(name string, cin, cout, kh, kw, stride int, rng *rand.Rand) *Conv {
	return &Conv{
		KH: kh, KW: kw, CIn: cin, COut: cout, Stride: stride,
		W: initLeaf(name+".weight", kh*kw*cin*cout, kh*kw*cin, rng),
		B: &Leaf{Name: name + ".bias", Value: make([]float64, cout)},
	}
}

func (c *Conv) Leaves() []*Leaf { return []*Leaf{c.W, c.B} }

func (c *Conv) kernel() *tensor.Tensor {
	return tensor.From(c.W.Value, c.KH, c.KW, c.CIn, c.COut)
}

func (c *Conv) Apply(tr *Trace, x, _ *Var) *Var {
	out := tensor.Conv2D(x.Val, c.kernel(), c.B.Value, c.Stride)
	y := NewVar(out)
	tr.push(func() {
		dw := tensor.From(tr.LeafGrad(c.W), c.KH, c.KW, c.CIn, c.COut)
		dx := tensor.Conv2DBackward(x.Val, c.kernel(), y.Grad(), dw, tr.LeafGrad(c.B), c.Stride)
		addInto(x.Grad().Data, dx.Data)
	})
	return y
}

// Upsample undoes a stride-2 projection: nearest-neighbor resample followed
// by a convolution back to the shallower stage's width.
type Upsample struct {
	Factor int
	Conv   *Conv
}

func NewUpsample(name string, cin, cout, kh, kw, factor int, rng *rand.Rand) *Upsample {
	return &Upsample{
		Factor: factor,
		Conv:   NewConv(name+".conv", cin, cout, kh, kw, 1, rng),
	}
}

func (u *Upsample) Leaves() []*Leaf { return u.Conv.Leaves() }

func (u *Upsample) Apply(tr *Trace, x, temb *Var) *Var {
	up := NewVar(tensor.UpsampleNearest(x.Val, u.Factor))
	tr.push(func() {
		dx := tensor.UpsampleNearestBackward(up.Grad(), u.Factor)
		addInto(x.Grad().Data, dx.Data)
	})
	return u.Conv.Apply(tr, up, temb)
}

// PosEmbedding adds a fixed 2-D sine/cosine positional code. No parameters;
// backward is the identity.
type PosEmbedding struct{}

func (PosEmbedding) Leaves() []*Leaf { return nil }

func (PosEmbedding) Apply(tr *Trace, x, _ *Var) *Var {
	h, w, c := x.Val.Shape[0], x.Val.Shape[1], x.Val.Shape[2]
	out := x.Val.Clone()
	quarter := c / 4
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			dst := out.Data[(i*w+j)*c : (i*w+j+1)*c]
			for k := 0; k < quarter; k++ {
				wk := math.Pi / math.Pow(1e4, float64(k)/float64(quarter))
				dst[k] += math.Sin(wk * float64(i))
				dst[quarter+k] += math.Cos(wk * float64(i))
				dst[2*quarter+k] += math.Sin(wk * float64(j))
				dst[3*quarter+k] += math.Cos(wk * float64(j))
			}
		}
	}
	y := NewVar(out)
	tr.push(func() {
		addInto(x.Grad().Data, y.Grad().Data)
	})
	return y
}

func initLeaf(name string, size, fanIn int, rng *rand.Rand) *Leaf {
	bound := 1 / math.Sqrt(float64(fanIn))
	v := make([]float64, size)
	for i := range v {
		v[i] = (2*rng.Float64() - 1) * bound
	}
	return &Leaf{Name: name, Value: v}
}

func addInto(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}
