package model

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-sam/internal/config"
	"github.com/23skdu/longbow-sam/internal/gguf"
	"github.com/23skdu/longbow-sam/internal/logger"
	"github.com/23skdu/longbow-sam/internal/metrics"
)

// LoadError reports a model that cannot be used: unreadable, malformed, or
// incompatible with the architecture.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// GGUF metadata keys describing the architecture.
const (
	KeyArchitecture = "general.architecture"
	KeyName         = "general.name"
	KeyEncState     = "sam.encoder.embedding_length"
	KeyEncLayers    = "sam.encoder.block_count"
	KeyEncHeads     = "sam.encoder.head_count"
	KeyEncOutChans  = "sam.encoder.out_channels"
	KeyPatchSize    = "sam.encoder.patch_size"
	KeyWindowSize   = "sam.encoder.window_size"
	KeyImageSize    = "sam.image_size"
	KeyPtEmbd       = "sam.prompt.point_embedding_count"
	KeyDecHeads     = "sam.decoder.head_count"
	KeyDecLayers    = "sam.decoder.block_count"
	KeyDecMLPDim    = "sam.decoder.feed_forward_length"
	KeyMaskTokens   = "sam.decoder.mask_token_count"
	KeyFType        = "sam.ftype"

	Architecture = "sam"
)

// Load reads a GGUF or legacy ggml model, converts every tensor to f32 and binds
// it against the architecture. All failures are *LoadError.
func Load(path string) (*Model, error) {
	start := time.Now()
	fail := func(err error) (*Model, error) {
		metrics.RecordValidationError("load", "model")
		return nil, &LoadError{Path: path, Err: err}
	}

	legacy, err := gguf.IsLegacyFile(path)
	if err != nil {
		return fail(err)
	}

	var (
		h       config.Hparams
		infos   []*gguf.TensorInfo
		closeFn func() error
		format  string
		name    string
	)
	if legacy {
		lf, err := gguf.LoadLegacyFile(path)
		if err != nil {
			return fail(err)
		}
		h, infos, closeFn, format = HparamsFromLegacy(lf.Header), lf.Tensors, lf.Close, "ggml"
	} else {
		f, err := gguf.LoadFile(path)
		if err != nil {
			return fail(err)
		}
		if arch := f.GetString(KeyArchitecture, ""); arch != Architecture {
			_ = f.Close()
			return fail(fmt.Errorf("architecture %q is not %q", arch, Architecture))
		}
		h, infos, closeFn, format = HparamsFromGGUF(f), f.Tensors, f.Close, "gguf"
		name = f.GetString(KeyName, "")
	}
	defer func() {
		_ = closeFn()
	}()

	if err := h.Validate(); err != nil {
		return fail(err)
	}

	store, err := convert(infos)
	if err != nil {
		return fail(err)
	}
	m, err := Bind(h, store)
	if err != nil {
		return fail(err)
	}
	m.Path = path
	m.Format = format
	m.Summary = gguf.Summarize(Architecture, name, infos)

	elapsed := time.Since(start)
	metrics.RecordModelLoad(store.Len(), elapsed)
	logger.Log.Info("model loaded",
		"path", path,
		"format", format,
		"n_enc_state", h.EncState,
		"n_enc_layer", h.EncLayers,
		"tensors", store.Len(),
		"mib", store.Bytes()>>20,
		"ms", elapsed.Milliseconds(),
	)
	return m, nil
}

// convert dequantizes every tensor into a fresh Store, in file order.
func convert(infos []*gguf.TensorInfo) (*Store, error) {
	values := make([][]float32, len(infos))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, info := range infos {
		g.Go(func() error {
			if !info.Type.Supported() {
				return fmt.Errorf("tensor %s: unsupported type %s", info.Name, info.Type)
			}
			v, err := gguf.Dequantize(info)
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	store := NewStore()
	for i, info := range infos {
		if _, err := store.Add(info.Name, info.Shape(), values[i]); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// HparamsFromGGUF reads the architecture keys, falling back to ViT-B values.
func HparamsFromGGUF(f *gguf.GGUFFile) config.Hparams {
	h := config.Default()
	ints := []struct {
		key string
		dst *int
	}{
		{KeyEncState, &h.EncState},
		{KeyEncLayers, &h.EncLayers},
		{KeyEncHeads, &h.EncHeads},
		{KeyEncOutChans, &h.EncOutChans},
		{KeyPatchSize, &h.PatchSize},
		{KeyWindowSize, &h.WindowSize},
		{KeyImageSize, &h.ImageSize},
		{KeyPtEmbd, &h.PtEmbd},
		{KeyDecHeads, &h.DecHeads},
		{KeyDecLayers, &h.DecLayers},
		{KeyDecMLPDim, &h.DecMLPDim},
		{KeyMaskTokens, &h.MaskTokens},
		{KeyFType, &h.FType},
	}
	for _, kv := range ints {
		*kv.dst = int(f.GetUint(kv.key, uint64(*kv.dst)))
	}
	return h
}

func HparamsFromLegacy(lh gguf.LegacyHeader) config.Hparams {
	h := config.Default()
	h.EncState = int(lh.EncState)
	h.EncLayers = int(lh.EncLayers)
	h.EncHeads = int(lh.EncHeads)
	h.EncOutChans = int(lh.EncOutChans)
	h.PtEmbd = int(lh.PtEmbd)
	h.FType = int(lh.FType)
	return h
}

// WriteGGUF stores h and every tensor of store as a GGUF container of type typ.
// Tensors whose size is not a multiple of the block size are kept as f32.
func WriteGGUF(path, name string, h config.Hparams, store *Store, typ gguf.GGMLType) error {
	w := gguf.NewWriter()
	w.AddString(KeyArchitecture, Architecture)
	w.AddString(KeyName, name)
	for _, kv := range []struct {
		key string
		v   int
	}{
		{KeyEncState, h.EncState},
		{KeyEncLayers, h.EncLayers},
		{KeyEncHeads, h.EncHeads},
		{KeyEncOutChans, h.EncOutChans},
		{KeyPatchSize, h.PatchSize},
		{KeyWindowSize, h.WindowSize},
		{KeyImageSize, h.ImageSize},
		{KeyPtEmbd, h.PtEmbd},
		{KeyDecHeads, h.DecHeads},
		{KeyDecLayers, h.DecLayers},
		{KeyDecMLPDim, h.DecMLPDim},
		{KeyMaskTokens, h.MaskTokens},
		{KeyFType, int(typ)},
	} {
		w.AddUint32(kv.key, uint32(kv.v))
	}
	for _, n := range store.Names() {
		hnd, _ := store.Lookup(n)
		t := store.Tensor(hnd)
		tt := typ
		if uint64(len(t.Data))%tt.BlockSize() != 0 || len(squeeze(t.Shape)) < 2 {
			tt = gguf.GGMLTypeF32
		}
		if err := w.AddTensor(t.Name, t.Shape, tt, store.Canonical(hnd)); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}
