package tensor

// Conv2D applies a 2-D convolution to an [H, W, Cin] input with an
// [Kh, Kw, Cin, Cout] kernel, "same" padding (k/2 per side) and the given
// stride. The output is [(H+2p-Kh)/s+1, (W+2p-Kw)/s+1, Cout].
func Conv2D(x, w *Tensor, b []float64, stride int) *Tensor {
	h, wd, cin := x.Shape[0], x.Shape[1], x.Shape[2]
	kh, kw, cout := w.Shape[0], w.Shape[1], w.Shape[3]
	ph, pw := kh/2, kw/2

	oh := (h+2*ph-kh)/stride + 1
	ow := (wd+2*pw-kw)/stride + 1
	out := New(oh, ow, cout)

	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			dst := out.Data[(oy*ow+ox)*cout : (oy*ow+ox+1)*cout]
			if b != nil {
				copy(dst, b)
			}
			for ky := 0; ky < kh; ky++ {
				iy := oy*stride + ky - ph
				if iy < 0 || iy >= h {
					continue
				}
				for kx := 0; kx < kw; kx++ {
					ix := ox*stride + kx - pw
					if ix < 0 || ix >= wd {
						continue
					}
					src := x.Data[(iy*wd+ix)*cin : (iy*wd+ix+1)*cin]
					wk := w.Data[((ky*kw+kx)*cin)*cout : ((ky*kw+kx)*cin+cin)*cout]
					for ci := 0; ci < cin; ci++ {
						xv := src[ci]
						if xv == 0 {
							continue
						}
						row := wk[ci*cout : (ci+1)*cout]
						for co := 0; co < cout; co++ {
							dst[co] += xv * row[co]
						}
					}
				}
			}
		}
	}
	return out
}

// Conv2DBackward propagates dy through Conv2D. It returns the input
// gradient and accumulates kernel and bias gradients into dw and db.
func Conv2DBackward(x, w, dy *Tensor, dw *Tensor, db []float64, stride int) *Tensor {
	h, wd, cin := x.Shape[0], x.Shape[1], x.Shape[2]
	kh, kw, cout := w.Shape[0], w.Shape[1], w.Shape[3]
	ph, pw := kh/2, kw/2
	oh, ow := dy.Shape[0], dy.Shape[1]

	dx := New(h, wd, cin)

	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			g := dy.Data[(oy*ow+ox)*cout : (oy*ow+ox+1)*cout]
			if db != nil {
				for co := 0; co < cout; co++ {
					db[co] += g[co]
				}
			}
			for ky := 0; ky < kh; ky++ {
				iy := oy*stride + ky - ph
				if iy < 0 || iy >= h {
					continue
				}
				for kx := 0; kx < kw; kx++ {
					ix := ox*stride + kx - pw
					if ix < 0 || ix >= wd {
						continue
					}
					src := x.Data[(iy*wd+ix)*cin : (iy*wd+ix+1)*cin]
					dsrc := dx.Data[(iy*wd+ix)*cin : (iy*wd+ix+1)*cin]
					base := ((ky*kw + kx) * cin) * cout
					for ci := 0; ci < cin; ci++ {
						wrow := w.Data[base+ci*cout : base+(ci+1)*cout]
						dwrow := dw.Data[base+ci*cout : base+(ci+1)*cout]
						xv := src[ci]
						var acc float64
						for co := 0; co < cout; co++ {
							acc += wrow[co] * g[co]
							dwrow[co] += xv * g[co]
						}
						dsrc[ci] += acc
					}
				}
			}
		}
	}
	return dx
}

// UpsampleNearest doubles (or scales by factor) the spatial axes of an
// [H, W, C] tensor by nearest-neighbor replication.
func UpsampleNearest(x *Tensor, factor int) *Tensor {
	h, w, c := x.Shape[0], x.Shape[1], x.Shape[2]
	out := New(h*factor, w*factor, c)
	for oy := 0; oy < h*factor; oy++ {
		iy := oy / factor
		for ox := 0; ox < w*factor; ox++ {
			ix := ox / factor
			copy(
				out.Data[(oy*w*factor+ox)*c:(oy*w*factor+ox+1)*c],
				x.Data[(iy*w+ix)*c:(iy*w+ix+1)*c],
			)
		}
	}
	return out
}

// UpsampleNearestBackward sums output gradients over each replication group.
func UpsampleNearestBackward(dy *Tensor, factor int) *Tensor {
	oh, ow, c := dy.Shape[0], dy.Shape[1], dy.Shape[2]
	h, w := oh/factor, ow/factor
	dx := New(h, w, c)
	for oy := 0; oy < oh; oy++ {
		iy := oy / factor
		for ox := 0; ox < ow; ox++ {
			ix := ox / factor
			src := dy.Data[(oy*ow+ox)*c : (oy*ow+ox+1)*c]
			dst := dx.Data[(iy*w+ix)*c : (iy*w+ix+1)*c]
			for ci := 0; ci < c; ci++ {
				dst[ci] += src[ci]
			}
		}
	}
	return dx
}
