// gen_tiny_sam writes a randomly initialised model with the smallest accepted
// architecture. The masks it produces are meaningless; it exists for smoke
// tests and benchmarks that need a real file on disk.
package main

import (
	"flag"
	"os"

	"github.com/23skdu/longbow-sam/internal/gguf"
	"github.com/23skdu/longbow-sam/internal/logger"
	"github.com/23skdu/longbow-sam/internal/model"
)

func main() {
	out := flag.String("o", "tiny-sam.gguf", "output path")
	seed := flag.Uint64("seed", 42, "weight seed")
	f16 := flag.Bool("f16", false, "store matrices as f16")
	layers := flag.Int("layers", 1, "encoder layers")
	flag.Parse()

	h := model.TinyHparams()
	h.EncLayers = *layers
	if err := h.Validate(); err != nil {
		logger.Log.Error("invalid architecture", "error", err)
		os.Exit(1)
	}

	store, err := model.Synthetic(h, *seed)
	if err != nil {
		logger.Log.Error("generate weights", "error", err)
		os.Exit(1)
	}
	typ := gguf.GGMLTypeF32
	if *f16 {
		typ = gguf.GGMLTypeF16
	}
	if err := model.WriteGGUF(*out, "tiny-sam", h, store, typ); err != nil {
		logger.Log.Error("write model", "path", *out, "error", err)
		os.Exit(1)
	}
	logger.Log.Info("model written", "path", *out, "tensors", store.Len(), "bytes", store.Bytes())
}
