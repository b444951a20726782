package config

import (
	"fmt"
)

// Hparams describes the architecture of a loaded segmentation model.
type Hparams struct {
	EncState    int // encoder width
	EncLayers   int
	EncHeads    int
	EncOutChans int // neck output channels, also the decoder width
	PtEmbd      int // learned point embeddings (pos, neg, box corners)
	DecHeads    int
	DecLayers   int
	DecMLPDim   int
	MaskTokens  int
	FType       int

	ImageSize  int
	PatchSize  int
	WindowSize int

	Eps                   float32
	EpsDecoderTransformer float32
}

// Default returns the ViT-B architecture.
func Default() Hparams {
	return Hparams{
		EncState:    768,
		EncLayers:   12,
		EncHeads:    12,
		EncOutChans: 256,
		PtEmbd:      4,
		DecHeads:    8,
		DecLayers:   2,
		DecMLPDim:   2048,
		MaskTokens:  4,
		FType:       1,

		ImageSize:  1024,
		PatchSize:  16,
		WindowSize: 14,

		Eps:                   1e-6,
		EpsDecoderTransformer: 1e-5,
	}
}

// globalAttn lists the layers that attend over the whole grid, keyed by encoder width.
var globalAttn = map[int][]int{
	768:  {2, 5, 8, 11},
	1024: {5, 11, 17, 23},
	1280: {7, 15, 23, 31},
}

// GlobalAttnIndices returns the global attention layer indices for the encoder width.
func (h Hparams) GlobalAttnIndices() ([]int, error) {
	idx, ok := globalAttn[h.EncState]
	if !ok {
		return nil, fmt.Errorf("unsupported encoder width: %d (must be 768, 1024 or 1280)", h.EncState)
	}
	out := make([]int, len(idx))
	copy(out, idx)
	return out, nil
}

// IsGlobal reports whether layer il uses global attention.
func (h Hparams) IsGlobal(il int) bool {
	for _, g := range globalAttn[h.EncState] {
		if g == il {
			return true
		}
	}
	return false
}

func (h Hparams) HeadDim() int {
	return h.EncState / h.EncHeads
}

// GridSize is the number of patches per side of the input image.
func (h Hparams) GridSize() int {
	return h.ImageSize / h.PatchSize
}

// MaskSize is the side of the low-resolution logit grid produced by the decoder.
func (h Hparams) MaskSize() int {
	return h.GridSize() * 4
}

// DecInternalDim is the projection width used by decoder cross attention.
func (h Hparams) DecInternalDim() int {
	return h.EncOutChans / 2
}

func (h Hparams) Validate() error {
	if h.EncState <= 0 {
		return fmt.Errorf("invalid n_enc_state: %d (must be positive)", h.EncState)
	}
	if _, err := h.GlobalAttnIndices(); err != nil {
		return err
	}
	if h.EncLayers <= 0 {
		return fmt.Errorf("invalid n_enc_layer: %d (must be positive)", h.EncLayers)
	}
	if h.EncHeads <= 0 {
		return fmt.Errorf("invalid n_enc_head: %d (must be positive)", h.EncHeads)
	}
	if h.EncState%h.EncHeads != 0 {
		return fmt.Errorf("n_enc_state %d not divisible by n_enc_head %d", h.EncState, h.EncHeads)
	}
	if h.EncOutChans <= 0 || h.EncOutChans%8 != 0 {
		return fmt.Errorf("invalid n_enc_out_chans: %d (must be a positive multiple of 8)", h.EncOutChans)
	}
	if h.PtEmbd < 2 {
		return fmt.Errorf("invalid n_pt_embd: %d (must be >= 2)", h.PtEmbd)
	}
	if h.DecHeads <= 0 {
		return fmt.Errorf("invalid n_dec_heads: %d (must be positive)", h.DecHeads)
	}
	if h.DecInternalDim()%h.DecHeads != 0 {
		return fmt.Errorf("decoder internal dim %d not divisible by n_dec_heads %d", h.DecInternalDim(), h.DecHeads)
	}
	if h.DecLayers <= 0 {
		return fmt.Errorf("invalid decoder layers: %d (must be positive)", h.DecLayers)
	}
	if h.DecMLPDim <= 0 {
		return fmt.Errorf("invalid decoder mlp dim: %d (must be positive)", h.DecMLPDim)
	}
	if h.MaskTokens < 2 {
		return fmt.Errorf("invalid mask tokens: %d (must be >= 2)", h.MaskTokens)
	}
	if h.PatchSize <= 0 {
		return fmt.Errorf("invalid patch size: %d (must be positive)", h.PatchSize)
	}
	if h.ImageSize <= 0 || h.ImageSize%h.PatchSize != 0 {
		return fmt.Errorf("invalid image size: %d (must be a positive multiple of patch size %d)", h.ImageSize, h.PatchSize)
	}
	if h.WindowSize <= 0 {
		return fmt.Errorf("invalid window size: %d (must be positive)", h.WindowSize)
	}
	if h.Eps <= 0 || h.EpsDecoderTransformer <= 0 {
		return fmt.Errorf("invalid eps: %g/%g (must be positive)", h.Eps, h.EpsDecoderTransformer)
	}
	return nil
}
