package nn

import (
	"math"
	"math/rand"

	"scoreprior/internal/tensor"
)

// Modulation derives per-channel scale/shift/gate vectors (a, b, c) from the
// noise-level embedding through a two-layer feed-forward. The output
// projection starts near zero so modulated blocks open as near-identities.
type Modulation struct {
	Channels int
	fc1, fc2 *Linear
}

func NewModulation(name string, channels, embFeatures int, rng *rand.Rand) *Modulation {
	m := &Modulation{
		Channels: channels,
		fc1:      NewLinear(name+".fc1", embFeatures, embFeatures, rng),
		fc2:      NewLinear(name+".fc2", embFeatures, 3*channels, rng),
	}
	for i := range m.fc2.W.Value {
		m.fc2.W.Value[i] *= 1e-2
	}
	return m
}

func (m *Modulation) Leaves() []*Leaf {
	return append(m.fc1.Leaves(), m.fc2.Leaves()...)
}

// Apply returns the concatenated [3C] modulation vector for one embedding.
func (m *Modulation) Apply(tr *Trace, temb *Var) *Var {
	h := m.fc1.Apply(tr, temb, nil)
	h = siLU(tr, h)
	return m.fc2.Apply(tr, h, nil)
}

// ResBlock is LayerNorm → (a+1)·x+b → conv → SiLU → dropout → conv, gated by
// c and added back to the input.
type ResBlock struct {
	Channels   int
	Dropout    float64
	mod        *Modulation
	conv1      *Conv
	conv2      *Conv
}

func NewResBlock(name string, channels, embFeatures, kh, kw int, dropout float64, rng *rand.Rand) *ResBlock {
	return &ResBlock{
		Channels: channels,
		Dropout:  dropout,
		mod:      NewModulation(name+".mod", channels, embFeatures, rng),
		conv1:    NewConv(name+".conv1", channels, channels, kh, kw, 1, rng),
		conv2:    NewConv(name+".conv2", channels, channels, kh, kw, 1, rng),
	}
}

func (r *ResBlock) Leaves() []*Leaf {
	out := r.mod.Leaves()
	out = append(out, r.conv1.Leaves()...)
	out = append(out, r.conv2.Leaves()...)
	return out
}

func (r *ResBlock) Apply(tr *Trace, x, temb *Var) *Var {
	m := r.mod.Apply(tr, temb)
	y := layerNorm(tr, x)
	y = modScaleShift(tr, y, m, r.Channels)
	y = r.conv1.Apply(tr, y, nil)
	y = siLU(tr, y)
	y = dropout(tr, y, r.Dropout)
	y = r.conv2.Apply(tr, y, nil)
	y = modGate(tr, y, m, r.Channels)
	return addVar(tr, x, y)
}

// AttBlock wraps multi-head self-attention over flattened spatial positions
// in the same modulation pattern as ResBlock.
type AttBlock struct {
	Channels, Heads int
	mod             *Modulation
	wq, wk, wv, wo  *Leaf
}

func NewAttBlock(name string, channels, embFeatures, heads int, rng *rand.Rand) *AttBlock {
	return &AttBlock{
		Channels: channels,
		Heads:    heads,
		mod:      NewModulation(name+".mod", channels, embFeatures, rng),
		wq:       initLeaf(name+".wq", channels*channels, channels, rng),
		wk:       initLeaf(name+".wk", channels*channels, channels, rng),
		wv:       initLeaf(name+".wv", channels*channels, channels, rng),
		wo:       initLeaf(name+".wo", channels*channels, channels, rng),
	}
}

func (a *AttBlock) Leaves() []*Leaf {
	return append(a.mod.Leaves(), a.wq, a.wk, a.wv, a.wo)
}

func (a *AttBlock) Apply(tr *Trace, x, temb *Var) *Var {
	m := a.mod.Apply(tr, temb)
	y := layerNorm(tr, x)
	y = modScaleShift(tr, y, m, a.Channels)
	y = a.attend(tr, y)
	y = modGate(tr, y, m, a.Channels)
	return addVar(tr, x, y)
}

func (a *AttBlock) attend(tr *Trace, x *Var) *Var {
	c := a.Channels
	s := x.Val.Numel() / c
	dk := c / a.Heads
	scale := 1 / math.Sqrt(float64(dk))

	q := matMul(x.Val.Data, a.wq.Value, s, c, c)
	k := matMul(x.Val.Data, a.wk.Value, s, c, c)
	v := matMul(x.Val.Data, a.wv.Value, s, c, c)

	probs := make([][]float64, a.Heads)
	concat := make([]float64, s*c)
	for h := 0; h < a.Heads; h++ {
		qh := headView(q, s, c, h, dk)
		kh := headView(k, s, c, h, dk)
		vh := headView(v, s, c, h, dk)
		scores := matMulTB(qh, kh, s, dk, s)
		for i := range scores {
			scores[i] *= scale
		}
		p := tensor.Softmax(scores, s, s)
		probs[h] = p
		oh := matMul(p, vh, s, s, dk)
		headStore(concat, oh, s, c, h, dk)
	}
	outData := matMul(concat, a.wo.Value, s, c, c)
	y := NewVar(tensor.From(outData, x.Val.Shape...))

	tr.push(func() {
		dy := y.Grad().Data
		dWo := tr.LeafGrad(a.wo)
		addInto(dWo, matMulTA(concat, dy, s, c, c))
		dConcat := matMulTB(dy, a.wo.Value, s, c, c)

		dq := make([]float64, s*c)
		dkv := make([]float64, s*c)
		dvv := make([]float64, s*c)
		for h := 0; h < a.Heads; h++ {
			qh := headView(q, s, c, h, dk)
			kh := headView(k, s, c, h, dk)
			vh := headView(v, s, c, h, dk)
			doh := headView(dConcat, s, c, h, dk)
			p := probs[h]

			dP := matMulTB(doh, vh, s, dk, s)
			dVh := matMulTA(p, doh, s, s, dk)
			dS := tensor.SoftmaxBackward(p, dP, s, s)
			for i := range dS {
				dS[i] *= scale
			}
			dQh := matMul(dS, kh, s, s, dk)
			dKh := matMulTA(dS, qh, s, s, dk)

			headStore(dq, dQh, s, c, h, dk)
			headStore(dkv, dKh, s, c, h, dk)
			headStore(dvv, dVh, s, c, h, dk)
		}

		addInto(tr.LeafGrad(a.wq), matMulTA(x.Val.Data, dq, s, c, c))
		addInto(tr.LeafGrad(a.wk), matMulTA(x.Val.Data, dkv, s, c, c))
		addInto(tr.LeafGrad(a.wv), matMulTA(x.Val.Data, dvv, s, c, c))

		dx := x.Grad().Data
		addInto(dx, matMulTB(dq, a.wq.Value, s, c, c))
		addInto(dx, matMulTB(dkv, a.wk.Value, s, c, c))
		addInto(dx, matMulTB(dvv, a.wv.Value, s, c, c))
	})
	return y
}

// headView copies head h's [S, dk] slice out of an [S, C] matrix.
func headView(m []float64, s, c, h, dk int) []float64 {
	out := make([]float64, s*dk)
	for i := 0; i < s; i++ {
		copy(out[i*dk:(i+1)*dk], m[i*c+h*dk:i*c+(h+1)*dk])
	}
	return out
}

// headStore writes an [S, dk] head matrix back into its [S, C] columns.
func headStore(dst, src []float64, s, c, h, dk int) {
	for i := 0; i < s; i++ {
		copy(dst[i*c+h*dk:i*c+(h+1)*dk], src[i*dk:(i+1)*dk])
	}
}

// matMul returns a[m,k] · b[k,n].
func matMul(a, b []float64, m, k, n int) []float64 {
	out := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			brow := b[p*n : (p+1)*n]
			orow := out[i*n : (i+1)*n]
			for j := range brow {
				orow[j] += av * brow[j]
			}
		}
	}
	return out
}

// matMulTA returns aᵀ[k,m] · b[m,n] for a[m,k].
func matMulTA(a, b []float64, m, k, n int) []float64 {
	out := make([]float64, k*n)
	for i := 0; i < m; i++ {
		arow := a[i*k : (i+1)*k]
		brow := b[i*n : (i+1)*n]
		for p, av := range arow {
			if av == 0 {
				continue
			}
			orow := out[p*n : (p+1)*n]
			for j, bv := range brow {
				orow[j] += av * bv
			}
		}
	}
	return out
}

// matMulTB returns a[m,k] · bᵀ[k,n] for b[n,k].
func matMulTB(a, b []float64, m, k, n int) []float64 {
	out := make([]float64, m*n)
	for i := 0; i < m; i++ {
		arow := a[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			brow := b[j*k : (j+1)*k]
			var acc float64
			for p, av := range arow {
				acc += av * brow[p]
			}
			out[i*n+j] = acc
		}
	}
	return out
}

func layerNorm(tr *Trace, x *Var) *Var {
	y := NewVar(tensor.LayerNorm(x.Val))
	tr.push(func() {
		dx := tensor.LayerNormBackward(x.Val, y.Grad())
		addInto(x.Grad().Data, dx.Data)
	})
	return y
}

func siLU(tr *Trace, x *Var) *Var {
	y := NewVar(tensor.SiLU(x.Val))
	tr.push(func() {
		dx := tensor.SiLUBackward(x.Val, y.Grad())
		addInto(x.Grad().Data, dx.Data)
	})
	return y
}

func dropout(tr *Trace, x *Var, rate float64) *Var {
	if !tr.Training() || rate <= 0 {
		return x
	}
	keep := 1 - rate
	mask := make([]float64, len(x.Val.Data))
	out := tensor.New(x.Val.Shape...)
	for i, v := range x.Val.Data {
		if tr.rng.Float64() < keep {
			mask[i] = 1 / keep
			out.Data[i] = v * mask[i]
		}
	}
	y := NewVar(out)
	tr.push(func() {
		dx := x.Grad().Data
		dy := y.Grad().Data
		for i, m := range mask {
			dx[i] += dy[i] * m
		}
	})
	return y
}

func addVar(tr *Trace, a, b *Var) *Var {
	out := a.Val.Clone()
	addInto(out.Data, b.Val.Data)
	y := NewVar(out)
	tr.push(func() {
		addInto(a.Grad().Data, y.Grad().Data)
		addInto(b.Grad().Data, y.Grad().Data)
	})
	return y
}

// modScaleShift applies y = (a_ch + 1)·x + b_ch per channel, where a and b
// are the first two thirds of the modulation vector m.
func modScaleShift(tr *Trace, x, m *Var, channels int) *Var {
	out := tensor.New(x.Val.Shape...)
	for i, v := range x.Val.Data {
		ch := i % channels
		out.Data[i] = (m.Val.Data[ch]+1)*v + m.Val.Data[channels+ch]
	}
	y := NewVar(out)
	tr.push(func() {
		dx := x.Grad().Data
		dm := m.Grad().Data
		dy := y.Grad().Data
		for i, v := range x.Val.Data {
			ch := i % channels
			dx[i] += (m.Val.Data[ch] + 1) * dy[i]
			dm[ch] += v * dy[i]
			dm[channels+ch] += dy[i]
		}
	})
	return y
}

// modGate applies y = c_ch·x with c the final third of the modulation vector.
func modGate(tr *Trace, x, m *Var, channels int) *Var {
	out := tensor.New(x.Val.Shape...)
	for i, v := range x.Val.Data {
		ch := i % channels
		out.Data[i] = m.Val.Data[2*channels+ch] * v
	}
	y := NewVar(out)
	tr.push(func() {
		dx := x.Grad().Data
		dm := m.Grad().Data
		dy := y.Grad().Data
		for i, v := range x.Val.Data {
			ch := i % channels
			dx[i] += m.Val.Data[2*channels+ch] * dy[i]
			dm[2*channels+ch] += v * dy[i]
		}
	})
	return y
}
