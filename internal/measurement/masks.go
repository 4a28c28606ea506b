package measurement

import (
	"math"
	"math/rand"
)

// FirstHalf masks in the first half of the signal coordinates.
func FirstHalf(dim int) Mask {
	idx := make([]int, dim/2)
	for i := range idx {
		idx[i] = i
	}
	return Mask{Dim: dim, Indices: idx}
}

// Random keeps each coordinate independently with probability keep.
func Random(rng *rand.Rand, dim int, keep float64) Mask {
	var idx []int
	for i := 0; i < dim; i++ {
		if rng.Float64() < keep {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		idx = []int{rng.Intn(dim)}
	}
	return Mask{Dim: dim, Indices: idx}
}

// HorizontalBand subsamples whole rows of an [H, W, C] signal at an
// acceleration factor r, always keeping a centered band of rows. This is the
// spatial analogue of the frequency-subsampling masks used for accelerated
// MRI reconstruction.
func HorizontalBand(rng *rand.Rand, height, width, channels, r int) Mask {
	if r < 1 {
		r = 1
	}
	prob := 200.0 / float64(320*r-120)
	band := int(math.Ceil(60 / float64(r)))

	keep := make([]bool, height)
	for i := range keep {
		keep[i] = rng.Float64() < prob
	}
	for i := height/2 - band; i < height/2+band; i++ {
		if i >= 0 && i < height {
			keep[i] = true
		}
	}

	var idx []int
	for i, k := range keep {
		if !k {
			continue
		}
		for j := 0; j < width*channels; j++ {
			idx = append(idx, i*width*channels+j)
		}
	}
	return Mask{Dim: height * width * channels, Indices: idx}
}
