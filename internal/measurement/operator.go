// Package measurement wraps the known linear forward operators that map a
// latent signal to its observed data. Operators are pure and fixed for the
// lifetime of a sampling or fitting call.
package measurement

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ShapeError reports an operator/observation dimension inconsistency. It is
// fatal and never retried.
type ShapeError struct {
	What      string
	Got, Want int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("measurement: %s length mismatch: got=%d want=%d", e.What, e.Got, e.Want)
}

// Operator is a linear map from a d-dimensional signal to an m-dimensional
// observation. Adjoint is the transpose map.
type Operator interface {
	InDim() int
	OutDim() int
	Apply(x []float64) []float64
	Adjoint(y []float64) []float64
}

// DiagonalGramer is an optional capability: operators whose Gram matrix
// A·Aᵀ is diagonal expose its diagonal, letting the sampler's guidance
// solve run elementwise instead of iteratively.
type DiagonalGramer interface {
	DiagonalGram() []float64
}

// Check validates a signal/observation pair against an operator before a
// sampling or fitting call.
func Check(op Operator, signalDim, obsDim int) error {
	if op == nil {
		return nil
	}
	if signalDim != op.InDim() {
		return &ShapeError{What: "signal", Got: signalDim, Want: op.InDim()}
	}
	if obsDim != op.OutDim() {
		return &ShapeError{What: "observation", Got: obsDim, Want: op.OutDim()}
	}
	return nil
}

// Identity observes the full signal.
type Identity struct {
	Dim int
}

func (p Identity) InDim() int  { return p.Dim }
func (p Identity) OutDim() int { return p.Dim }

func (p Identity) Apply(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	return out
}

func (p Identity) Adjoint(y []float64) []float64 {
	out := make([]float64, len(y))
	copy(out, y)
	return out
}

func (p Identity) DiagonalGram() []float64 {
	g := make([]float64, p.Dim)
	for i := range g {
		g[i] = 1
	}
	return g
}

// Mask observes a fixed subset of signal coordinates.
type Mask struct {
	Dim     int
	Indices []int
}

func (m Mask) InDim() int  { return m.Dim }
func (m Mask) OutDim() int { return len(m.Indices) }

func (m Mask) Apply(x []float64) []float64 {
	out := make([]float64, len(m.Indices))
	for i, idx := range m.Indices {
		out[i] = x[idx]
	}
	return out
}

func (m Mask) Adjoint(y []float64) []float64 {
	out := make([]float64, m.Dim)
	for i, idx := range m.Indices {
		out[idx] = y[i]
	}
	return out
}

func (m Mask) DiagonalGram() []float64 {
	g := make([]float64, len(m.Indices))
	for i := range g {
		g[i] = 1
	}
	return g
}

// Dense wraps an arbitrary m×d matrix operator.
type Dense struct {
	M *mat.Dense
}

func (d Dense) InDim() int {
	_, c := d.M.Dims()
	return c
}

func (d Dense) OutDim() int {
	r, _ := d.M.Dims()
	return r
}

func (d Dense) Apply(x []float64) []float64 {
	r, c := d.M.Dims()
	out := make([]float64, r)
	v := mat.NewVecDense(c, x)
	res := mat.NewVecDense(r, out)
	res.MulVec(d.M, v)
	return out
}

func (d Dense) Adjoint(y []float64) []float64 {
	r, c := d.M.Dims()
	out := make([]float64, c)
	v := mat.NewVecDense(r, y)
	res := mat.NewVecDense(c, out)
	res.MulVec(d.M.T(), v)
	return out
}
