package cpu

// Feature maps are stored channel-last: value (y, x, ch) of an h×w×c map lives
// at [(y*w+x)*c + ch].

// Conv2D convolves src[h×w×cin] with a k×k kernel. wT holds the kernel as
// [cin*k*k × cout] with rows ordered (channel, ky, kx). The output map is
// written to dst with bias added when non-nil; its size is returned.
func (c *Context) Conv2D(dst, src []float32, h, w, cin int, wT []float32, cout, k, stride, pad int, bias []float32) (oh, ow int) {
	oh = (h+2*pad-k)/stride + 1
	ow = (w+2*pad-k)/stride + 1
	patch := cin * k * k

	cols := c.Get(oh * ow * patch)
	defer c.Put(cols)

	c.Parallel(oh*ow, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			oy, ox := p/ow, p%ow
			row := cols[p*patch : (p+1)*patch]
			for ch := 0; ch < cin; ch++ {
				for ky := 0; ky < k; ky++ {
					iy := oy*stride + ky - pad
					for kx := 0; kx < k; kx++ {
						ix := ox*stride + kx - pad
						v := float32(0)
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							v = src[(iy*w+ix)*cin+ch]
						}
						row[(ch*k+ky)*k+kx] = v
					}
				}
			}
		}
	})

	c.Linear(dst, cols, oh*ow, patch, wT, cout, bias)
	return oh, ow
}

// ConvTranspose2x2 upsamples src[h×w×cin] by a 2×2 stride-2 transposed
// convolution. wgt is laid out [cin × cout × 2 × 2]. dst receives the
// (2h)×(2w)×cout map.
func (c *Context) ConvTranspose2x2(dst, src []float32, h, w, cin int, wgt []float32, cout int, bias []float32) {
	tmp := c.Get(h * w * cout * 4)
	defer c.Put(tmp)

	c.MatMul(tmp, src, h*w, cin, wgt, cout*4)

	ow := 2 * w
	c.Parallel(h*w, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			y, x := p/w, p%w
			in := tmp[p*cout*4 : (p+1)*cout*4]
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					out := dst[((2*y+dy)*ow+2*x+dx)*cout:]
					for o := 0; o < cout; o++ {
						v := in[o*4+dy*2+dx]
						if bias != nil {
							v += bias[o]
						}
						out[o] = v
					}
				}
			}
		}
	})
}
