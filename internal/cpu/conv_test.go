package cpu

import (
	"math"
	"testing"
)

// naiveConv evaluates a [cout × cin × k × k] kernel directly on a channel-last map.
func naiveConv(src []float32, h, w, cin int, wgt []float32, cout, k, stride, pad int) ([]float32, int, int) {
	oh := (h+2*pad-k)/stride + 1
	ow := (w+2*pad-k)/stride + 1
	out := make([]float32, oh*ow*cout)
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			for o := 0; o < cout; o++ {
				var s float32
				for ch := 0; ch < cin; ch++ {
					for ky := 0; ky < k; ky++ {
						for kx := 0; kx < k; kx++ {
							iy, ix := oy*stride+ky-pad, ox*stride+kx-pad
							if iy < 0 || iy >= h || ix < 0 || ix >= w {
								continue
							}
							s += src[(iy*w+ix)*cin+ch] * wgt[((o*cin+ch)*k+ky)*k+kx]
						}
					}
				}
				out[(oy*ow+ox)*cout+o] = s
			}
		}
	}
	return out, oh, ow
}

func packKernel(wgt []float32, cout, patch int) []float32 {
	out := make([]float32, len(wgt))
	for o := 0; o < cout; o++ {
		for p := 0; p < patch; p++ {
			out[p*cout+o] = wgt[o*patch+p]
		}
	}
	return out
}

func TestConv2D(t *testing.T) {
	tests := []struct {
		name                     string
		h, w, cin, cout, k, s, p int
	}{
		{"patchify", 8, 8, 3, 5, 4, 4, 0},
		{"3x3 same", 5, 6, 4, 3, 3, 1, 1},
		{"1x1", 3, 3, 6, 2, 1, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := fill(tt.h*tt.w*tt.cin, 0.2)
			wgt := fill(tt.cout*tt.cin*tt.k*tt.k, 0.9)
			want, oh, ow := naiveConv(src, tt.h, tt.w, tt.cin, wgt, tt.cout, tt.k, tt.s, tt.p)

			dst := make([]float32, oh*ow*tt.cout)
			ctx := NewContext(3)
			gh, gw := ctx.Conv2D(dst, src, tt.h, tt.w, tt.cin, packKernel(wgt, tt.cout, tt.cin*tt.k*tt.k), tt.cout, tt.k, tt.s, tt.p, nil)
			if gh != oh || gw != ow {
				t.Fatalf("output size %dx%d, want %dx%d", gh, gw, oh, ow)
			}
			for i := range want {
				if math.Abs(float64(dst[i]-want[i])) > 1e-4 {
					t.Fatalf("index %d: got %v, want %v", i, dst[i], want[i])
				}
			}
		})
	}
}

func TestConvTranspose2x2(t *testing.T) {
	h, w, cin, cout := 2, 3, 4, 2
	src := fill(h*w*cin, 0.4)
	wgt := fill(cin*cout*4, 1.3) // [cin × cout × 2 × 2]
	bias := []float32{0.5, -0.5}

	dst := make([]float32, 4*h*w*cout)
	NewContext(2).ConvTranspose2x2(dst, src, h, w, cin, wgt, cout, bias)

	ow := 2 * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					for o := 0; o < cout; o++ {
						want := bias[o]
						for c := 0; c < cin; c++ {
							want += src[(y*w+x)*cin+c] * wgt[((c*cout+o)*2+dy)*2+dx]
						}
						got := dst[((2*y+dy)*ow+2*x+dx)*cout+o]
						if math.Abs(float64(got-want)) > 1e-5 {
							t.Fatalf("(%d,%d,%d): got %v, want %v", 2*y+dy, 2*x+dx, o, got, want)
						}
					}
				}
			}
		}
	}
}
