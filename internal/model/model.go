package model

import (
	"fmt"

	"github.com/23skdu/longbow-sam/internal/config"
	"github.com/23skdu/longbow-sam/internal/gguf"
)

type EncoderLayer struct {
	Global bool

	Norm1W, Norm1B   Handle
	QKVW, QKVB       Handle
	ProjW, ProjB     Handle
	RelPosH, RelPosW Handle
	Norm2W, Norm2B   Handle
	Lin1W, Lin1B     Handle
	Lin2W, Lin2B     Handle
}

type Encoder struct {
	PosEmbed       Handle
	PatchW, PatchB Handle
	Layers         []EncoderLayer

	Neck0W         Handle // 1x1 conv
	Neck1W, Neck1B Handle // LayerNorm2d
	Neck2W         Handle // 3x3 conv
	Neck3W, Neck3B Handle // LayerNorm2d
}

type Prompt struct {
	PEGaussian  Handle
	PointEmbeds []Handle
	NotAPoint   Handle
	NoMask      Handle
}

// Attention is a decoder attention block projecting to Internal channels.
type Attention struct {
	Internal   int
	QW, QB     Handle
	KW, KB     Handle
	VW, VB     Handle
	OutW, OutB Handle
}

type DecoderLayer struct {
	SelfAttn          Attention
	CrossTokenToImage Attention
	CrossImageToToken Attention

	Norm1W, Norm1B Handle
	Norm2W, Norm2B Handle
	Norm3W, Norm3B Handle
	Norm4W, Norm4B Handle

	Lin1W, Lin1B Handle
	Lin2W, Lin2B Handle
}

// MLP is a stack of linear layers with ReLU between them.
type MLP struct {
	W []Handle
	B []Handle
}

type Decoder struct {
	Layers     []DecoderLayer
	FinalAttn  Attention
	NormFinalW Handle
	NormFinalB Handle

	IoUToken   Handle
	MaskTokens Handle

	Up0W, Up0B Handle // transpose conv, [in × out*4]
	Up1W, Up1B Handle // LayerNorm2d
	Up3W, Up3B Handle // transpose conv

	Hyper   []MLP
	IoUHead MLP
}

// Model is a loaded segmentation network: hparams plus handles into its weight arena.
type Model struct {
	Path    string
	Format  string
	Summary *gguf.Summary // on-disk tensor types, nil unless loaded from a file
	Hparams config.Hparams
	Store   *Store

	Fingerprint uint64 // hash of the bound weights

	Enc    Encoder
	Prompt Prompt
	Dec    Decoder
}

// Spec names one tensor the architecture requires.
type Spec struct {
	Name  string
	Shape []int
	Norm  bool // layer norm parameter: weight ones, bias zeros
}

// binder resolves tensor names into handles, recording the first failure.
// With specs set it only lists what would be resolved.
type binder struct {
	store *Store
	specs *[]Spec
	err   error
}

func (b *binder) need(name string, shape ...int) Handle {
	if b.specs != nil {
		*b.specs = append(*b.specs, Spec{Name: name, Shape: shape})
		return Handle(len(*b.specs) - 1)
	}
	if b.err != nil {
		return NoHandle
	}
	h, ok := b.store.Lookup(name)
	if !ok {
		b.err = fmt.Errorf("missing tensor %s", name)
		return NoHandle
	}
	if got := b.store.Tensor(h).Shape; !sameShape(got, shape) {
		b.err = fmt.Errorf("tensor %s: shape %v, expected %v", name, got, shape)
		return NoHandle
	}
	return h
}

// pack stores h as [cols × rows] so kernels multiply by it without transposing.
func (b *binder) pack(h Handle, rows, cols int) Handle {
	if b.specs != nil || b.err != nil {
		return h
	}
	if err := b.store.Transpose(h, rows, cols); err != nil {
		b.err = err
		return NoHandle
	}
	return h
}

// linear binds a [out × in] weight, packed as [in × out], and its bias.
func (b *binder) linear(prefix string, out, in int) (Handle, Handle) {
	w := b.pack(b.need(prefix+".weight", out, in), out, in)
	return w, b.need(prefix+".bias", out)
}

// conv binds a [cout × cin × k × k] kernel packed as [cin*k*k × cout].
func (b *binder) conv(name string, cout, cin, k int) Handle {
	return b.pack(b.need(name, cout, cin, k, k), cout, cin*k*k)
}

func (b *binder) norm(prefix string, n int) (Handle, Handle) {
	w, bias := b.need(prefix+".weight", n), b.need(prefix+".bias", n)
	if b.specs != nil {
		(*b.specs)[w].Norm = true
		(*b.specs)[bias].Norm = true
	}
	return w, bias
}

func (b *binder) attention(prefix string, dim, internal int) Attention {
	a := Attention{Internal: internal}
	a.QW, a.QB = b.linear(prefix+".q_proj", internal, dim)
	a.KW, a.KB = b.linear(prefix+".k_proj", internal, dim)
	a.VW, a.VB = b.linear(prefix+".v_proj", internal, dim)
	a.OutW, a.OutB = b.linear(prefix+".out_proj", dim, internal)
	return a
}

func (b *binder) mlp(prefix string, dims ...int) MLP {
	var m MLP
	for i := 0; i+1 < len(dims); i++ {
		w, bias := b.linear(fmt.Sprintf("%s.layers.%d", prefix, i), dims[i+1], dims[i])
		m.W = append(m.W, w)
		m.B = append(m.B, bias)
	}
	return m
}

// Bind resolves every tensor the architecture needs from store, validating shapes
// against h. Linear and convolution weights are packed for GEMM in place;
// binding the same store again is safe.
func Bind(h config.Hparams, store *Store) (*Model, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	b := &binder{store: store}
	m := bind(h, b)
	if b.err != nil {
		return nil, b.err
	}
	m.Store = store
	m.Fingerprint = store.Fingerprint()
	return m, nil
}

// Specs lists every tensor Bind requires for h, in binding order.
func Specs(h config.Hparams) []Spec {
	var specs []Spec
	bind(h, &binder{specs: &specs})
	return specs
}

func bind(h config.Hparams, b *binder) *Model {
	m := &Model{Hparams: h}

	c := h.EncState
	g := h.GridSize()
	hd := h.HeadDim()
	o := h.EncOutChans

	enc := &m.Enc
	enc.PosEmbed = b.need("image_encoder.pos_embed", 1, g, g, c)
	enc.PatchW = b.conv("image_encoder.patch_embed.proj.weight", c, 3, h.PatchSize)
	enc.PatchB = b.need("image_encoder.patch_embed.proj.bias", c)
	for il := 0; il < h.EncLayers; il++ {
		p := fmt.Sprintf("image_encoder.blocks.%d", il)
		l := EncoderLayer{Global: h.IsGlobal(il)}
		span := h.WindowSize
		if l.Global {
			span = g
		}
		l.Norm1W, l.Norm1B = b.norm(p+".norm1", c)
		l.QKVW, l.QKVB = b.linear(p+".attn.qkv", 3*c, c)
		l.ProjW, l.ProjB = b.linear(p+".attn.proj", c, c)
		l.RelPosH = b.need(p+".attn.rel_pos_h", 2*span-1, hd)
		l.RelPosW = b.need(p+".attn.rel_pos_w", 2*span-1, hd)
		l.Norm2W, l.Norm2B = b.norm(p+".norm2", c)
		l.Lin1W, l.Lin1B = b.linear(p+".mlp.lin1", 4*c, c)
		l.Lin2W, l.Lin2B = b.linear(p+".mlp.lin2", c, 4*c)
		enc.Layers = append(enc.Layers, l)
	}
	enc.Neck0W = b.conv("image_encoder.neck.0.weight", o, c, 1)
	enc.Neck1W, enc.Neck1B = b.norm("image_encoder.neck.1", o)
	enc.Neck2W = b.conv("image_encoder.neck.2.weight", o, o, 3)
	enc.Neck3W, enc.Neck3B = b.norm("image_encoder.neck.3", o)

	pr := &m.Prompt
	pr.PEGaussian = b.need("prompt_encoder.pe_layer.positional_encoding_gaussian_matrix", 2, o/2)
	for i := 0; i < h.PtEmbd; i++ {
		pr.PointEmbeds = append(pr.PointEmbeds, b.need(fmt.Sprintf("prompt_encoder.point_embeddings.%d.weight", i), 1, o))
	}
	pr.NotAPoint = b.need("prompt_encoder.not_a_point_embed.weight", 1, o)
	pr.NoMask = b.need("prompt_encoder.no_mask_embed.weight", 1, o)

	dec := &m.Dec
	internal := h.DecInternalDim()
	for il := 0; il < h.DecLayers; il++ {
		p := fmt.Sprintf("mask_decoder.transformer.layers.%d", il)
		var l DecoderLayer
		l.SelfAttn = b.attention(p+".self_attn", o, o)
		l.CrossTokenToImage = b.attention(p+".cross_attn_token_to_image", o, internal)
		l.CrossImageToToken = b.attention(p+".cross_attn_image_to_token", o, internal)
		l.Norm1W, l.Norm1B = b.norm(p+".norm1", o)
		l.Norm2W, l.Norm2B = b.norm(p+".norm2", o)
		l.Norm3W, l.Norm3B = b.norm(p+".norm3", o)
		l.Norm4W, l.Norm4B = b.norm(p+".norm4", o)
		l.Lin1W, l.Lin1B = b.linear(p+".mlp.lin1", h.DecMLPDim, o)
		l.Lin2W, l.Lin2B = b.linear(p+".mlp.lin2", o, h.DecMLPDim)
		dec.Layers = append(dec.Layers, l)
	}
	dec.FinalAttn = b.attention("mask_decoder.transformer.final_attn_token_to_image", o, internal)
	dec.NormFinalW, dec.NormFinalB = b.norm("mask_decoder.transformer.norm_final_attn", o)
	dec.IoUToken = b.need("mask_decoder.iou_token.weight", 1, o)
	dec.MaskTokens = b.need("mask_decoder.mask_tokens.weight", h.MaskTokens, o)
	dec.Up0W = b.need("mask_decoder.output_upscaling.0.weight", o, o/4, 2, 2)
	dec.Up0B = b.need("mask_decoder.output_upscaling.0.bias", o/4)
	dec.Up1W, dec.Up1B = b.norm("mask_decoder.output_upscaling.1", o/4)
	dec.Up3W = b.need("mask_decoder.output_upscaling.3.weight", o/4, o/8, 2, 2)
	dec.Up3B = b.need("mask_decoder.output_upscaling.3.bias", o/8)
	for i := 0; i < h.MaskTokens; i++ {
		dec.Hyper = append(dec.Hyper, b.mlp(fmt.Sprintf("mask_decoder.output_hypernetworks_mlps.%d", i), o, o, o, o/8))
	}
	dec.IoUHead = b.mlp("mask_decoder.iou_prediction_head", o, o, o, h.MaskTokens)
	return m
}
