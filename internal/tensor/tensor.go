// Package tensor provides flat float64 tensors and the NHWC kernels the
// denoiser backbone is built from. Kernels come in forward/backward pairs;
// forward functions are pure so inference can fan out across goroutines.
package tensor

import (
	"fmt"
)

// Tensor is an n-dimensional float64 array in row-major order.
// Spatial tensors use NHWC layout without the batch axis: [H, W, C].
type Tensor struct {
	Shape []int
	Data  []float64
}

func New(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return &Tensor{Shape: shape, Data: make([]float64, size)}
}

func From(data []float64, shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	if size != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Shape: shape, Data: data}
}

func (t *Tensor) Numel() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

func (t *Tensor) Clone() *Tensor {
	d := make([]float64, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Shape: append([]int{}, t.Shape...), Data: d}
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Flatten returns the signal as a flat vector. The data is shared, not
// copied; Unflatten with the original spatial shape is the exact inverse.
func Flatten(t *Tensor) []float64 {
	return t.Data
}

// Unflatten reshapes a flat signal back to its spatial [H, W, C] form.
func Unflatten(x []float64, height, width, channels int) *Tensor {
	return From(x, height, width, channels)
}
