package tensor

import "math"

const normEps = 1e-5

// LayerNorm normalizes the channel (last) axis of an [..., C] tensor to zero
// mean and unit variance. There is no learned affine; the backbone's
// modulation supplies scale and shift instead.
func LayerNorm(x *Tensor) *Tensor {
	c := x.Shape[len(x.Shape)-1]
	out := New(x.Shape...)
	for off := 0; off < len(x.Data); off += c {
		src := x.Data[off : off+c]
		dst := out.Data[off : off+c]
		var mean float64
		for _, v := range src {
			mean += v
		}
		mean /= float64(c)
		var varc float64
		for _, v := range src {
			d := v - mean
			varc += d * d
		}
		varc /= float64(c)
		inv := 1 / math.Sqrt(varc+normEps)
		for i, v := range src {
			dst[i] = (v - mean) * inv
		}
	}
	return out
}

// LayerNormBackward propagates dy through LayerNorm given the original input.
func LayerNormBackward(x, dy *Tensor) *Tensor {
	c := x.Shape[len(x.Shape)-1]
	n := float64(c)
	dx := New(x.Shape...)
	for off := 0; off < len(x.Data); off += c {
		src := x.Data[off : off+c]
		g := dy.Data[off : off+c]
		dst := dx.Data[off : off+c]

		var mean float64
		for _, v := range src {
			mean += v
		}
		mean /= n
		var varc float64
		for _, v := range src {
			d := v - mean
			varc += d * d
		}
		varc /= n
		inv := 1 / math.Sqrt(varc+normEps)

		var sumG, sumGY float64
		for i, v := range src {
			y := (v - mean) * inv
			sumG += g[i]
			sumGY += g[i] * y
		}
		for i, v := range src {
			y := (v - mean) * inv
			dst[i] = inv * (g[i] - sumG/n - y*sumGY/n)
		}
	}
	return dx
}

// SiLU applies x*sigmoid(x) elementwise.
func SiLU(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = v * sigmoid(v)
	}
	return out
}

// SiLUBackward propagates dy through SiLU given the original input.
func SiLUBackward(x, dy *Tensor) *Tensor {
	dx := New(x.Shape...)
	for i, v := range x.Data {
		s := sigmoid(v)
		dx.Data[i] = dy.Data[i] * (s + v*s*(1-s))
	}
	return dx
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

// Softmax normalizes each row of an [R, C] matrix stored flat.
func Softmax(x []float64, rows, cols int) []float64 {
	out := make([]float64, len(x))
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		dst := out[r*cols : (r+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(v - max)
			dst[i] = e
			sum += e
		}
		for i := range dst {
			dst[i] /= sum
		}
	}
	return out
}

// SoftmaxBackward propagates dy through Softmax given the softmax output.
func SoftmaxBackward(y, dy []float64, rows, cols int) []float64 {
	dx := make([]float64, len(y))
	for r := 0; r < rows; r++ {
		yr := y[r*cols : (r+1)*cols]
		gr := dy[r*cols : (r+1)*cols]
		dr := dx[r*cols : (r+1)*cols]
		var dot float64
		for i := range yr {
			dot += yr[i] * gr[i]
		}
		for i := range yr {
			dr[i] = yr[i] * (gr[i] - dot)
		}
	}
	return dx
}
