package engine

import (
	"math"
	"time"

	"github.com/23skdu/longbow-sam/internal/config"
	"github.com/23skdu/longbow-sam/internal/cpu"
	"github.com/23skdu/longbow-sam/internal/metrics"
	"github.com/23skdu/longbow-sam/internal/model"
	"github.com/23skdu/longbow-sam/internal/postprocess"
)

// decoder evaluates the two-way transformer and output heads for one prompt.
type decoder struct {
	c *cpu.Context
	m *model.Model
	h config.Hparams
}

// decodeMasks returns one candidate per mask token, in token order.
func (d *decoder) decodeMasks(embedding, imagePE, sparse, dense []float32) []postprocess.Candidate {
	w := d.m.Store.Data
	dec := &d.m.Dec
	o := d.h.EncOutChans
	g := d.h.GridSize()
	n := g * g
	nMask := d.h.MaskTokens

	// tokens = [iou, mask tokens..., prompt rows...]
	nTok := 1 + nMask + len(sparse)/o
	tokens := make([]float32, nTok*o)
	copy(tokens, w(dec.IoUToken))
	copy(tokens[o:], w(dec.MaskTokens))
	copy(tokens[(1+nMask)*o:], sparse)

	keys := make([]float32, n*o)
	cpu.AddTo(keys, embedding, dense)

	start := time.Now()
	queries := d.twoWay(tokens, nTok, keys, n, imagePE)
	metrics.RecordStage("two_way_transformer", time.Since(start))

	start = time.Now()
	upscaled := d.upscale(keys, g)
	side := 4 * g
	pixels := side * side
	c8 := o / 8

	// hyper is stored transposed, [c8 × nMask], so one GEMM yields every mask
	hyper := make([]float32, c8*nMask)
	for i := 0; i < nMask; i++ {
		out := d.mlp(dec.Hyper[i], queries[(1+i)*o:(2+i)*o], 1)
		for j, v := range out {
			hyper[j*nMask+i] = v
		}
	}
	logits := d.c.Get(pixels * nMask)
	d.c.MatMul(logits, upscaled, pixels, c8, hyper, nMask)
	d.c.Put(upscaled)

	iou := d.mlp(dec.IoUHead, queries[:o], 1)

	cands := make([]postprocess.Candidate, nMask)
	for i := range cands {
		grid := make([]float32, pixels)
		for p := range grid {
			grid[p] = logits[p*nMask+i]
		}
		cands[i] = postprocess.Candidate{Token: i, Logits: grid, IoU: iou[i]}
	}
	d.c.Put(logits)
	metrics.RecordStage("mask_heads", time.Since(start))
	return cands
}

// twoWay runs the decoder transformer. tokens doubles as the query positional
// encoding; keys is updated in place. It returns the final token rows.
func (d *decoder) twoWay(tokens []float32, nTok int, keys []float32, n int, keyPE []float32) []float32 {
	w := d.m.Store.Data
	o := d.h.EncOutChans
	eps := d.h.EpsDecoderTransformer

	queries := make([]float32, len(tokens))
	copy(queries, tokens)
	qIn := make([]float32, len(tokens))
	kIn := d.c.Get(n * o)
	hidden := d.c.Get(nTok * d.h.DecMLPDim)
	defer d.c.Put(kIn, hidden)

	for il := range d.m.Dec.Layers {
		l := &d.m.Dec.Layers[il]

		// the first layer replaces the queries without positional encoding
		if il == 0 {
			attn := d.attention(l.SelfAttn, queries, nTok, queries, nTok, queries)
			copy(queries, attn)
			d.c.Put(attn)
		} else {
			cpu.AddTo(qIn, queries, tokens)
			attn := d.attention(l.SelfAttn, qIn, nTok, qIn, nTok, queries)
			cpu.Add(queries, attn)
			d.c.Put(attn)
		}
		d.c.LayerNorm(queries, nTok, o, w(l.Norm1W), w(l.Norm1B), eps)

		cpu.AddTo(qIn, queries, tokens)
		cpu.AddTo(kIn, keys, keyPE)
		attn := d.attention(l.CrossTokenToImage, qIn, nTok, kIn, n, keys)
		cpu.Add(queries, attn)
		d.c.Put(attn)
		d.c.LayerNorm(queries, nTok, o, w(l.Norm2W), w(l.Norm2B), eps)

		d.c.Linear(hidden, queries, nTok, o, w(l.Lin1W), d.h.DecMLPDim, w(l.Lin1B))
		cpu.ReLU(hidden)
		mlp := d.c.Get(nTok * o)
		d.c.Linear(mlp, hidden, nTok, d.h.DecMLPDim, w(l.Lin2W), o, w(l.Lin2B))
		cpu.Add(queries, mlp)
		d.c.Put(mlp)
		d.c.LayerNorm(queries, nTok, o, w(l.Norm3W), w(l.Norm3B), eps)

		cpu.AddTo(qIn, queries, tokens)
		cpu.AddTo(kIn, keys, keyPE)
		attn = d.attention(l.CrossImageToToken, kIn, n, qIn, nTok, queries)
		cpu.Add(keys, attn)
		d.c.Put(attn)
		d.c.LayerNorm(keys, n, o, w(l.Norm4W), w(l.Norm4B), eps)
	}

	cpu.AddTo(qIn, queries, tokens)
	cpu.AddTo(kIn, keys, keyPE)
	attn := d.attention(d.m.Dec.FinalAttn, qIn, nTok, kIn, n, keys)
	cpu.Add(queries, attn)
	d.c.Put(attn)
	d.c.LayerNorm(queries, nTok, o, w(d.m.Dec.NormFinalW), w(d.m.Dec.NormFinalB), eps)
	return queries
}

// attention projects q[nq×o], k[nk×o] and v[nk×o] down to the block's internal
// width, attends per head and projects back. The result is a pooled nq×o
// buffer owned by the caller.
func (d *decoder) attention(a model.Attention, q []float32, nq int, k []float32, nk int, v []float32) []float32 {
	w := d.m.Store.Data
	o := d.h.EncOutChans
	inner := a.Internal
	heads := d.h.DecHeads
	hd := inner / heads
	scale := float32(1 / math.Sqrt(float64(hd)))

	qp := d.c.Get(nq * inner)
	kp := d.c.Get(nk * inner)
	vp := d.c.Get(nk * inner)
	d.c.Linear(qp, q, nq, o, w(a.QW), inner, w(a.QB))
	d.c.Linear(kp, k, nk, o, w(a.KW), inner, w(a.KB))
	d.c.Linear(vp, v, nk, o, w(a.VW), inner, w(a.VB))

	mixed := d.c.Get(nq * inner)
	d.c.Parallel(heads, func(lo, hi int) {
		qh := d.c.Get(nq * hd)
		kT := d.c.Get(hd * nk)
		vh := d.c.Get(nk * hd)
		scores := d.c.Get(nq * nk)
		res := d.c.Get(nq * hd)
		defer d.c.Put(qh, kT, vh, scores, res)

		for head := lo; head < hi; head++ {
			off := head * hd
			for i := 0; i < nq; i++ {
				copy(qh[i*hd:(i+1)*hd], qp[i*inner+off:i*inner+off+hd])
			}
			for j := 0; j < nk; j++ {
				copy(vh[j*hd:(j+1)*hd], vp[j*inner+off:j*inner+off+hd])
				for e := 0; e < hd; e++ {
					kT[e*nk+j] = kp[j*inner+off+e]
				}
			}
			cpu.MatMulSerial(scores, qh, nq, hd, kT, nk)
			for i := 0; i < nq; i++ {
				row := scores[i*nk : (i+1)*nk]
				for j := range row {
					row[j] *= scale
				}
				cpu.Softmax(row)
			}
			cpu.MatMulSerial(res, scores, nq, nk, vh, hd)
			for i := 0; i < nq; i++ {
				copy(mixed[i*inner+off:i*inner+off+hd], res[i*hd:(i+1)*hd])
			}
		}
	})
	d.c.Put(qp, kp, vp)

	out := d.c.Get(nq * o)
	d.c.Linear(out, mixed, nq, inner, w(a.OutW), o, w(a.OutB))
	d.c.Put(mixed)
	return out
}

// upscale maps the g×g×o image features to 4g×4g×o/8 through two transposed
// convolutions. The result is pooled.
func (d *decoder) upscale(keys []float32, g int) []float32 {
	w := d.m.Store.Data
	dec := &d.m.Dec
	o := d.h.EncOutChans

	up1 := d.c.Get(4 * g * g * o / 4)
	d.c.ConvTranspose2x2(up1, keys, g, g, o, w(dec.Up0W), o/4, w(dec.Up0B))
	d.c.LayerNorm(up1, 4*g*g, o/4, w(dec.Up1W), w(dec.Up1B), d.h.Eps)
	d.c.GeLU(up1)

	up2 := d.c.Get(16 * g * g * o / 8)
	d.c.ConvTranspose2x2(up2, up1, 2*g, 2*g, o/4, w(dec.Up3W), o/8, w(dec.Up3B))
	d.c.GeLU(up2)
	d.c.Put(up1)
	return up2
}

// mlp evaluates a head on rows×in inputs with ReLU between layers.
func (d *decoder) mlp(head model.MLP, x []float32, rows int) []float32 {
	for i := range head.W {
		shape := d.m.Store.Tensor(head.W[i]).Shape
		out, in := shape[0], shape[1]
		y := make([]float32, rows*out)
		cpu.LinearSerial(y, x, rows, in, d.m.Store.Data(head.W[i]), out, d.m.Store.Data(head.B[i]))
		if i < len(head.W)-1 {
			cpu.ReLU(y)
		}
		x = y
	}
	return x
}
