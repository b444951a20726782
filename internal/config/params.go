package config

import (
	"fmt"
	"runtime"
)

// Point is a click prompt in original-image pixel coordinates.
type Point struct {
	X     float32
	Y     float32
	Label int // 1 foreground, 0 background
}

// Thresholds control mask binarization and candidate filtering.
type Thresholds struct {
	Mask            float32 `json:"mask"`
	IoU             float32 `json:"iou"`
	Stability       float32 `json:"stability"`
	StabilityOffset float32 `json:"stability_offset"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Mask:            0.0,
		IoU:             0.88,
		Stability:       0.95,
		StabilityOffset: 1.0,
	}
}

// Params holds the runtime settings of a segmentation run.
type Params struct {
	Seed    int64
	Threads int

	Model  string
	Input  string
	Output string

	Thresholds Thresholds

	Eps                   float32
	EpsDecoderTransformer float32

	Points []Point

	MaskOn  uint8
	MaskOff uint8
}

func DefaultParams() Params {
	h := Default()
	return Params{
		Seed:                  -1,
		Threads:               min(4, runtime.NumCPU()),
		Model:                 "sam_vit_b-ggml-model-f16.bin",
		Input:                 "img.jpg",
		Output:                "img",
		Thresholds:            DefaultThresholds(),
		Eps:                   h.Eps,
		EpsDecoderTransformer: h.EpsDecoderTransformer,
		Points:                []Point{{X: 414.375, Y: 162.796875, Label: 1}},
		MaskOn:                255,
		MaskOff:               0,
	}
}

func (p *Params) Validate() error {
	if p.Threads <= 0 {
		return fmt.Errorf("invalid n_threads: %d (must be positive)", p.Threads)
	}
	if p.Model == "" {
		return fmt.Errorf("model path is empty")
	}
	if p.Thresholds.StabilityOffset < 0 {
		return fmt.Errorf("invalid stability_score_offset: %g (must be >= 0)", p.Thresholds.StabilityOffset)
	}
	if p.Eps <= 0 || p.EpsDecoderTransformer <= 0 {
		return fmt.Errorf("invalid eps: %g/%g (must be positive)", p.Eps, p.EpsDecoderTransformer)
	}
	return nil
}

// ApplyTo copies the runtime-tunable epsilons onto the model hparams.
func (p *Params) ApplyTo(h *Hparams) {
	h.Eps = p.Eps
	h.EpsDecoderTransformer = p.EpsDecoderTransformer
}
