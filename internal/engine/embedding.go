package engine

import (
	"fmt"

	"github.com/23skdu/longbow-sam/internal/config"
)

// Embedding is the encoder output for one image together with the geometry
// needed to map prompts and masks back to that image. It is immutable once
// produced and may be shared between sessions of the same model.
type Embedding struct {
	Grid     int // cells per side
	Channels int
	Data     []float32 // Grid²×Channels, channel-last

	Width         int
	Height        int
	ResizedWidth  int
	ResizedHeight int
}

// Validate checks that e fits a model with hparams h.
func (e *Embedding) Validate(h config.Hparams) error {
	switch {
	case e == nil:
		return fmt.Errorf("nil embedding")
	case e.Grid != h.GridSize() || e.Channels != h.EncOutChans:
		return fmt.Errorf("embedding %dx%dx%d does not match model grid %d with %d channels", e.Grid, e.Grid, e.Channels, h.GridSize(), h.EncOutChans)
	case len(e.Data) != e.Grid*e.Grid*e.Channels:
		return fmt.Errorf("embedding holds %d values, expected %d", len(e.Data), e.Grid*e.Grid*e.Channels)
	case e.Width <= 0 || e.Height <= 0:
		return fmt.Errorf("embedding image size %dx%d", e.Width, e.Height)
	}
	if w, hh := resizedSize(e.Width, e.Height, h.ImageSize); w != e.ResizedWidth || hh != e.ResizedHeight {
		return fmt.Errorf("embedding resized size %dx%d, expected %dx%d", e.ResizedWidth, e.ResizedHeight, w, hh)
	}
	return nil
}
