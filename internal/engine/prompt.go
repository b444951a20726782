package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-sam/internal/config"
	"github.com/23skdu/longbow-sam/internal/model"
)

// Point labels understood by the prompt encoder.
const (
	LabelBackground = 0
	LabelForeground = 1
)

func validatePoints(points []config.Point) error {
	if len(points) == 0 {
		return inputError("decode", "points", "at least one point is required")
	}
	for i, p := range points {
		if p.Label != LabelBackground && p.Label != LabelForeground {
			return inputError("decode", "points", fmt.Sprintf("point %d: label %d is not 0 or 1", i, p.Label))
		}
		if !finite(p.X) || !finite(p.Y) {
			return inputError("decode", "points", fmt.Sprintf("point %d: non-finite coordinates (%g, %g)", i, p.X, p.Y))
		}
	}
	return nil
}

func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

// fourier maps a coordinate pair in [0,1]² through the random Fourier
// projection into out[0:half] = sin and out[half:2*half] = cos.
func fourier(out []float32, x, y float32, gauss []float32) {
	half := len(gauss) / 2
	x, y = 2*x-1, 2*y-1
	for j := 0; j < half; j++ {
		v := 2 * math.Pi * float64(x*gauss[j]+y*gauss[half+j])
		out[j] = float32(math.Sin(v))
		out[half+j] = float32(math.Cos(v))
	}
}

// encodePoints returns the sparse prompt embedding: one row per point followed
// by a padding row carrying the not-a-point embedding. Coordinates are in
// original image pixels and are mapped into the resized input frame.
func encodePoints(m *model.Model, points []config.Point, emb *Embedding) []float32 {
	o := m.Hparams.EncOutChans
	size := float32(m.Hparams.ImageSize)
	gauss := m.Store.Data(m.Prompt.PEGaussian)
	sx := float32(emb.ResizedWidth) / float32(emb.Width)
	sy := float32(emb.ResizedHeight) / float32(emb.Height)

	out := make([]float32, (len(points)+1)*o)
	for i, p := range points {
		row := out[i*o : (i+1)*o]
		fourier(row, (p.X*sx+0.5)/size, (p.Y*sy+0.5)/size, gauss)
		label := m.Store.Data(m.Prompt.PointEmbeds[p.Label])
		for j := range row {
			row[j] += label[j]
		}
	}
	copy(out[len(points)*o:], m.Store.Data(m.Prompt.NotAPoint))
	return out
}

// denseEmbedding broadcasts the no-mask embedding over the grid.
func denseEmbedding(m *model.Model) []float32 {
	o := m.Hparams.EncOutChans
	n := m.Hparams.GridSize() * m.Hparams.GridSize()
	noMask := m.Store.Data(m.Prompt.NoMask)
	out := make([]float32, n*o)
	for i := 0; i < n; i++ {
		copy(out[i*o:(i+1)*o], noMask)
	}
	return out
}

// imagePositionalEncoding is the Fourier encoding of every grid cell center,
// grid²×EncOutChans channel-last. It depends only on the weights.
func imagePositionalEncoding(m *model.Model) []float32 {
	o := m.Hparams.EncOutChans
	g := m.Hparams.GridSize()
	gauss := m.Store.Data(m.Prompt.PEGaussian)
	out := make([]float32, g*g*o)
	for y := 0; y < g; y++ {
		for x := 0; x < g; x++ {
			i := y*g + x
			fourier(out[i*o:(i+1)*o], (float32(x)+0.5)/float32(g), (float32(y)+0.5)/float32(g), gauss)
		}
	}
	return out
}
