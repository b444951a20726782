package engine

import (
	"math"
	"time"

	"github.com/23skdu/longbow-sam/internal/config"
	"github.com/23skdu/longbow-sam/internal/cpu"
	"github.com/23skdu/longbow-sam/internal/metrics"
	"github.com/23skdu/longbow-sam/internal/model"
)

// encodeImage runs the vision transformer over a preprocessed
// ImageSize×ImageSize×3 input and returns the grid²×EncOutChans embedding,
// channel-last.
func encodeImage(c *cpu.Context, m *model.Model, h config.Hparams, input []float32) []float32 {
	w := m.Store.Data
	enc := &m.Enc
	g := h.GridSize()
	n := g * g
	dim := h.EncState

	start := time.Now()
	x := c.Get(n * dim)
	c.Conv2D(x, input, h.ImageSize, h.ImageSize, 3, w(enc.PatchW), dim, h.PatchSize, h.PatchSize, 0, w(enc.PatchB))
	cpu.Add(x, w(enc.PosEmbed))
	metrics.RecordStage("patch_embed", time.Since(start))

	start = time.Now()
	cur := c.Get(n * dim)
	hidden := c.Get(n * 4 * dim)
	for il := range enc.Layers {
		l := &enc.Layers[il]

		copy(cur, x)
		c.LayerNorm(cur, n, dim, w(l.Norm1W), w(l.Norm1B), h.Eps)
		attn := encoderAttention(c, m.Store, h, l, cur)
		cpu.Add(x, attn)
		c.Put(attn)

		copy(cur, x)
		c.LayerNorm(cur, n, dim, w(l.Norm2W), w(l.Norm2B), h.Eps)
		c.Linear(hidden, cur, n, dim, w(l.Lin1W), 4*dim, w(l.Lin1B))
		c.GeLU(hidden)
		c.Linear(cur, hidden, n, 4*dim, w(l.Lin2W), dim, w(l.Lin2B))
		cpu.Add(x, cur)
	}
	c.Put(cur, hidden)
	metrics.RecordStage("encoder_blocks", time.Since(start))

	start = time.Now()
	o := h.EncOutChans
	neck := c.Get(n * o)
	c.Conv2D(neck, x, g, g, dim, w(enc.Neck0W), o, 1, 1, 0, nil)
	c.LayerNorm(neck, n, o, w(enc.Neck1W), w(enc.Neck1B), h.Eps)

	out := make([]float32, n*o)
	c.Conv2D(out, neck, g, g, o, w(enc.Neck2W), o, 3, 1, 1, nil)
	c.LayerNorm(out, n, o, w(enc.Neck3W), w(enc.Neck3B), h.Eps)
	c.Put(x, neck)
	metrics.RecordStage("neck", time.Since(start))
	return out
}

// encoderAttention applies multi-head self-attention with decomposed relative
// position bias to x[grid²×dim]. Windowed layers pad the grid to a multiple of
// the window, attend within each window and crop the padding again; global
// layers treat the whole grid as one window.
func encoderAttention(c *cpu.Context, store *model.Store, h config.Hparams, l *model.EncoderLayer, x []float32) []float32 {
	g := h.GridSize()
	dim := h.EncState
	span := h.WindowSize
	if l.Global {
		span = g
	}
	nw := (g + span - 1) / span
	seq := span * span
	windows := nw * nw
	tokens := windows * seq

	win := c.Get(tokens * dim)
	forEachCell(g, span, nw, func(gi, wi int) {
		copy(win[wi*dim:(wi+1)*dim], x[gi*dim:(gi+1)*dim])
	})

	qkv := c.Get(tokens * 3 * dim)
	c.Linear(qkv, win, tokens, dim, store.Data(l.QKVW), 3*dim, store.Data(l.QKVB))

	heads := h.EncHeads
	hd := h.HeadDim()
	scale := float32(1 / math.Sqrt(float64(hd)))
	relH, relW := store.Data(l.RelPosH), store.Data(l.RelPosW)

	// every element of win is overwritten below
	attnOut := win
	c.Parallel(windows*heads, func(lo, hi int) {
		q := c.Get(seq * hd)
		kT := c.Get(hd * seq)
		v := c.Get(seq * hd)
		scores := c.Get(seq * seq)
		res := c.Get(seq * hd)
		biasH := c.Get(seq * span)
		biasW := c.Get(seq * span)
		defer c.Put(q, kT, v, scores, res, biasH, biasW)

		for task := lo; task < hi; task++ {
			base, off := (task/heads)*seq, (task%heads)*hd
			for i := 0; i < seq; i++ {
				row := qkv[(base+i)*3*dim:]
				copy(q[i*hd:(i+1)*hd], row[off:off+hd])
				copy(v[i*hd:(i+1)*hd], row[2*dim+off:2*dim+off+hd])
				k := row[dim+off : dim+off+hd]
				for d, kv := range k {
					kT[d*seq+i] = kv
				}
			}

			relativeBias(biasH, biasW, q, span, hd, relH, relW)
			cpu.MatMulSerial(scores, q, seq, hd, kT, seq)
			for i := 0; i < seq; i++ {
				row := scores[i*seq : (i+1)*seq]
				bh := biasH[i*span : (i+1)*span]
				bw := biasW[i*span : (i+1)*span]
				for j := range row {
					row[j] = row[j]*scale + bh[j/span] + bw[j%span]
				}
				cpu.Softmax(row)
			}
			cpu.MatMulSerial(res, scores, seq, seq, v, hd)
			for i := 0; i < seq; i++ {
				copy(attnOut[(base+i)*dim+off:(base+i)*dim+off+hd], res[i*hd:(i+1)*hd])
			}
		}
	})

	proj := qkv[:tokens*dim]
	c.Linear(proj, attnOut, tokens, dim, store.Data(l.ProjW), dim, store.Data(l.ProjB))

	out := c.Get(g * g * dim)
	forEachCell(g, span, nw, func(gi, wi int) {
		copy(out[gi*dim:(gi+1)*dim], proj[wi*dim:(wi+1)*dim])
	})
	c.Put(win, qkv)
	return out
}

// forEachCell visits every grid cell with its index in the window-partitioned
// layout. Padding cells beyond the grid are skipped and stay zero.
func forEachCell(g, span, nw int, fn func(gridIdx, winIdx int)) {
	seq := span * span
	for y := 0; y < g; y++ {
		wy, ty := y/span, y%span
		for x := 0; x < g; x++ {
			wx, tx := x/span, x%span
			fn(y*g+x, (wy*nw+wx)*seq+ty*span+tx)
		}
	}
}

// relativeBias fills biasH[i][ky] = q_i · relH[qy-ky+span-1] and the matching
// column term for every query i of a span×span window.
func relativeBias(biasH, biasW, q []float32, span, hd int, relH, relW []float32) {
	for i := 0; i < span*span; i++ {
		qy, qx := i/span, i%span
		qi := q[i*hd : (i+1)*hd]
		for k := 0; k < span; k++ {
			biasH[i*span+k] = dot(qi, relH[(qy-k+span-1)*hd:])
			biasW[i*span+k] = dot(qi, relW[(qx-k+span-1)*hd:])
		}
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i, v := range a {
		s += v * b[i]
	}
	return s
}
