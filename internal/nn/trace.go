// Package nn implements the denoiser backbone: a noise-conditional U-Net
// assembled from residual and attention blocks. Layers expose a pure forward
// pass; gradients are computed by a tape of backward closures recorded during
// a traced forward pass, so inference can run concurrently across samples
// while training owns a private tape per sample.
package nn

import (
	"math/rand"

	"scoreprior/internal/tensor"
)

// Leaf is one named parameter vector of the network. The training loop treats
// the ordered leaf list as the canonical parameter tree for the optimizer,
// EMA shadow and checkpoints.
type Leaf struct {
	Name  string
	Value []float64
}

// Var is a tensor tracked by a Trace. Grad is allocated lazily; untracked
// (inference) passes never touch it.
type Var struct {
	Val  *tensor.Tensor
	grad *tensor.Tensor
}

func NewVar(t *tensor.Tensor) *Var {
	return &Var{Val: t}
}

// Grad returns the gradient buffer, allocating it on first use.
func (v *Var) Grad() *tensor.Tensor {
	if v.grad == nil {
		v.grad = tensor.New(v.Val.Shape...)
	}
	return v.grad
}

// Trace records backward closures during a forward pass. A nil *Trace means
// plain inference: no closures, no dropout bookkeeping. Traces are not safe
// for concurrent use; callers run one trace per goroutine and reduce the
// per-leaf gradients afterwards.
type Trace struct {
	train bool
	rng   *rand.Rand
	ops   []func()
	grads map[*Leaf][]float64
}

// NewTrace starts a tape. train toggles stochastic layers (dropout); rng is
// the explicit randomness handle they draw from.
func NewTrace(train bool, rng *rand.Rand) *Trace {
	return &Trace{
		train: train,
		rng:   rng,
		grads: make(map[*Leaf][]float64),
	}
}

// Training reports whether stochastic layers are active for this pass.
func (tr *Trace) Training() bool {
	return tr != nil && tr.train
}

func (tr *Trace) push(fn func()) {
	if tr == nil {
		return
	}
	tr.ops = append(tr.ops, fn)
}

// LeafGrad returns the trace-local gradient buffer for a parameter leaf.
func (tr *Trace) LeafGrad(l *Leaf) []float64 {
	g, ok := tr.grads[l]
	if !ok {
		g = make([]float64, len(l.Value))
		tr.grads[l] = g
	}
	return g
}

// Backward runs the recorded closures in reverse order. The caller seeds the
// output Var's gradient first.
func (tr *Trace) Backward() {
	for i := len(tr.ops) - 1; i >= 0; i-- {
		tr.ops[i]()
	}
}

// AddGradsInto reduces this trace's parameter gradients into dst, keyed by
// leaf identity. dst maps each leaf to an accumulator of the same length.
func (tr *Trace) AddGradsInto(dst map[*Leaf][]float64) {
	for leaf, g := range tr.grads {
		acc, ok := dst[leaf]
		if !ok {
			acc = make([]float64, len(g))
			dst[leaf] = acc
		}
		for i, v := range g {
			acc[i] += v
		}
	}
}
