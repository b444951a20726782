// Package postprocess turns decoder logit grids into thresholded, scored and
// ranked single-channel masks at the original image resolution.
package postprocess

import (
	"fmt"
	"image"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-sam/internal/config"
)

// Candidate is one decoder output: a MaskSize×MaskSize logit grid and its
// predicted IoU.
type Candidate struct {
	Token  int
	Logits []float32
	IoU    float32
}

// Geometry relates the logit grid to the original image. The encoder input is
// InputSize square with the resized image in its top-left corner.
type Geometry struct {
	MaskSize      int
	InputSize     int
	Width         int
	Height        int
	ResizedWidth  int
	ResizedHeight int
}

func (g Geometry) Validate() error {
	switch {
	case g.MaskSize <= 0 || g.InputSize <= 0:
		return fmt.Errorf("invalid grid sizes %d/%d", g.MaskSize, g.InputSize)
	case g.Width <= 0 || g.Height <= 0:
		return fmt.Errorf("invalid image size %dx%d", g.Width, g.Height)
	case g.ResizedWidth <= 0 || g.ResizedWidth > g.InputSize || g.ResizedHeight <= 0 || g.ResizedHeight > g.InputSize:
		return fmt.Errorf("invalid resized size %dx%d for input %d", g.ResizedWidth, g.ResizedHeight, g.InputSize)
	}
	return nil
}

// Mask is a rendered output mask. Pix holds exactly two values, on and off.
type Mask struct {
	Token     int
	Width     int
	Height    int
	Pix       []uint8
	IoU       float32
	Stability float32
	Score     float32 // IoU + Stability, the ranking key
	BBox      image.Rectangle
}

// Stats counts what happened to the candidates of one Process call.
type Stats struct {
	Candidates int
	Emitted    int
	LowIoU     int
	Unstable   int
}

// Process upscales, scores, filters and ranks candidates. An empty result is a
// valid outcome. Candidates are processed on up to threads goroutines; the
// result does not depend on the thread count.
func Process(cands []Candidate, g Geometry, t config.Thresholds, on, off uint8, threads int) ([]Mask, Stats, error) {
	stats := Stats{Candidates: len(cands)}
	if err := g.Validate(); err != nil {
		return nil, stats, err
	}
	for _, c := range cands {
		if len(c.Logits) != g.MaskSize*g.MaskSize {
			return nil, stats, fmt.Errorf("candidate %d: %d logits, expected %d", c.Token, len(c.Logits), g.MaskSize*g.MaskSize)
		}
	}

	masks := make([]*Mask, len(cands))
	var eg errgroup.Group
	eg.SetLimit(max(threads, 1))
	for i, c := range cands {
		eg.Go(func() error {
			iou := clamp01(c.IoU)
			if t.IoU > 0 && iou < t.IoU {
				return nil
			}
			values := Upscale(c.Logits, g)
			stability := Stability(values, t.Mask, t.StabilityOffset)
			if t.Stability > 0 && stability < t.Stability {
				return nil
			}
			pix, bbox := Render(values, g.Width, g.Height, t.Mask, on, off)
			masks[i] = &Mask{
				Token:     c.Token,
				Width:     g.Width,
				Height:    g.Height,
				Pix:       pix,
				IoU:       iou,
				Stability: stability,
				Score:     iou + stability,
				BBox:      bbox,
			}
			return nil
		})
	}
	_ = eg.Wait()

	out := make([]Mask, 0, len(cands))
	for i, m := range masks {
		if m != nil {
			out = append(out, *m)
			continue
		}
		if iou := clamp01(cands[i].IoU); t.IoU > 0 && iou < t.IoU {
			stats.LowIoU++
		} else {
			stats.Unstable++
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Score > out[b].Score
	})
	stats.Emitted = len(out)
	return out, stats, nil
}

func clamp01(v float32) float32 {
	if v != v || v < 0 {
		return 0
	}
	return min(v, 1)
}

// Upscale maps a logit grid to the original image: bilinear to the encoder
// input size, crop away the padding, bilinear to Width×Height.
func Upscale(logits []float32, g Geometry) []float32 {
	full := resize(logits, g.MaskSize, g.MaskSize, g.MaskSize, g.InputSize, g.InputSize)
	return resize(full, g.InputSize, g.ResizedWidth, g.ResizedHeight, g.Width, g.Height)
}

// resize bilinearly maps the top-left sw×sh region of src (row stride stride)
// onto a dw×dh grid, sampling at pixel centers.
func resize(src []float32, stride, sw, sh, dw, dh int) []float32 {
	x0, x1, fx := axis(sw, dw)
	y0, y1, fy := axis(sh, dh)

	dst := make([]float32, dw*dh)
	for y := 0; y < dh; y++ {
		top := src[y0[y]*stride:]
		bot := src[y1[y]*stride:]
		wy := fy[y]
		row := dst[y*dw : (y+1)*dw]
		for x := range row {
			wx := fx[x]
			a := (1-wx)*top[x0[x]] + wx*top[x1[x]]
			b := (1-wx)*bot[x0[x]] + wx*bot[x1[x]]
			row[x] = (1-wy)*a + wy*b
		}
	}
	return dst
}

func axis(src, dst int) (i0, i1 []int, f []float32) {
	scale := float32(src) / float32(dst)
	i0 = make([]int, dst)
	i1 = make([]int, dst)
	f = make([]float32, dst)
	for i := 0; i < dst; i++ {
		s := max((float32(i)+0.5)*scale-0.5, 0)
		lo := min(int(s), src-1)
		i0[i] = lo
		i1[i] = min(lo+1, src-1)
		f[i] = s - float32(lo)
	}
	return i0, i1, f
}

// Stability is the IoU between the masks binarized at threshold+offset and
// threshold-offset. It is 0 when both are empty.
func Stability(values []float32, threshold, offset float32) float32 {
	hi, lo := threshold+offset, threshold-offset
	var inter, union int
	for _, v := range values {
		if v > hi {
			inter++
		}
		if v > lo {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float32(inter) / float32(union)
}

// Render binarizes values at threshold into on/off pixels and returns the
// bounding box of the foreground (empty when there is none).
func Render(values []float32, width, height int, threshold float32, on, off uint8) ([]uint8, image.Rectangle) {
	pix := make([]uint8, width*height)
	minX, minY, maxX, maxY := width, height, -1, -1
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			if values[i] > threshold {
				pix[i] = on
				minX, maxX = min(minX, x), max(maxX, x)
				minY, maxY = min(minY, y), max(maxY, y)
			} else {
				pix[i] = off
			}
		}
	}
	if maxX < 0 {
		return pix, image.Rectangle{}
	}
	return pix, image.Rect(minX, minY, maxX+1, maxY+1)
}

// Gray wraps a mask as an 8-bit grayscale image.
func (m *Mask) Gray() *image.Gray {
	return &image.Gray{Pix: m.Pix, Stride: m.Width, Rect: image.Rect(0, 0, m.Width, m.Height)}
}
