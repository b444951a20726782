package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-sam/internal/embedstore"
	"github.com/23skdu/longbow-sam/internal/engine"
	"github.com/23skdu/longbow-sam/internal/imageio"
	"github.com/23skdu/longbow-sam/internal/logger"
)

// SegmentHandler loads the model, encodes the input image (or reuses a cached
// embedding) and writes every mask that survives the thresholds.
func SegmentHandler(cmd *cobra.Command, _ []string) error {
	p, err := loadParams(cmd)
	if err != nil {
		return err
	}
	cache, err := openCache(cmd)
	if err != nil {
		return err
	}
	if cache != nil {
		defer func() {
			_ = cache.Close()
		}()
	}

	sess, err := engine.Load(p)
	if err != nil {
		return err
	}
	defer sess.Release()

	img, err := imageio.Load(p.Input)
	if err != nil {
		return err
	}
	if err := encode(cmd.Context(), sess, cache, img, p.Threads); err != nil {
		return err
	}

	masks, err := sess.ComputeMasks(p.Points, p.Threads, p.MaskOn, p.MaskOff)
	if err != nil {
		return err
	}
	paths, err := imageio.WriteMasks(p.Output, masks)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, path := range paths {
		m := &masks[i]
		fmt.Fprintf(out, "%s\tiou=%.4f stability=%.4f bbox=%v\n", path, m.IoU, m.Stability, m.BBox)
	}
	if len(paths) == 0 {
		fmt.Fprintln(out, "no mask passed the thresholds")
	}
	printTimings(out, sess.Timings())
	return nil
}

// encode installs the embedding of img in sess, from cache when possible.
func encode(ctx context.Context, sess *engine.Session, cache embedstore.Store, img *engine.Image, threads int) error {
	if cache == nil {
		return sess.EncodeImage(img, threads)
	}
	key := embedstore.Key(embedstore.ModelTag(sess.Model(), sess.Hparams()), img)
	emb, hit, err := embedstore.Lookup(ctx, cache, key)
	if err != nil {
		logger.Log.Warn("embedding cache unavailable", "store", cache.Name(), "error", err)
	}
	if hit {
		logger.Log.Info("embedding cache hit", "key", key)
		return sess.SetEmbedding(emb)
	}
	if err := sess.EncodeImage(img, threads); err != nil {
		return err
	}
	if err := cache.Put(ctx, key, sess.Embedding()); err != nil {
		logger.Log.Warn("embedding not cached", "key", key, "error", err)
	}
	return nil
}

func printTimings(w io.Writer, t engine.Timings) {
	fmt.Fprintf(w, "load time:   %8d ms\n", t.LoadMs)
	fmt.Fprintf(w, "encode time: %8d ms\n", t.EncodeMs)
	fmt.Fprintf(w, "decode time: %8d ms\n", t.DecodeMs)
}
