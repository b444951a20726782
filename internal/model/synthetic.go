package model

import (
	"math"
	"math/rand/v2"
	"strings"

	"github.com/23skdu/longbow-sam/internal/config"
)

// Synthetic fills a Store with every tensor h requires, using deterministic
// uniform values scaled by fan-in. Norm parameters are identity. Used for
// fixtures and smoke tests; the outputs are meaningless.
func Synthetic(h config.Hparams, seed uint64) (*Store, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	store := NewStore()
	for _, spec := range Specs(h) {
		n := numElements(spec.Shape)
		data := make([]float32, n)
		switch {
		case spec.Norm && strings.HasSuffix(spec.Name, ".weight"):
			for i := range data {
				data[i] = 1
			}
		case spec.Norm:
		default:
			fanIn := 1
			for _, d := range spec.Shape[1:] {
				fanIn *= d
			}
			if len(spec.Shape) == 1 {
				fanIn = spec.Shape[0]
			}
			scale := float32(1 / math.Sqrt(float64(fanIn)))
			for i := range data {
				data[i] = (2*rng.Float32() - 1) * scale
			}
		}
		if _, err := store.Add(spec.Name, spec.Shape, data); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// TinyHparams is the smallest architecture accepted by Validate, used by tests
// and the tiny model generator.
func TinyHparams() config.Hparams {
	h := config.Default()
	h.EncLayers = 1
	h.EncOutChans = 32
	h.DecHeads = 2
	h.DecLayers = 2
	h.DecMLPDim = 64
	h.ImageSize = 64
	h.PatchSize = 16
	h.WindowSize = 3
	return h
}
