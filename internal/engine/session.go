package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-sam/internal/config"
	"github.com/23skdu/longbow-sam/internal/cpu"
	"github.com/23skdu/longbow-sam/internal/logger"
	"github.com/23skdu/longbow-sam/internal/metrics"
	"github.com/23skdu/longbow-sam/internal/model"
	"github.com/23skdu/longbow-sam/internal/postprocess"
)

// Timings are cumulative wall-clock milliseconds spent in each phase.
type Timings struct {
	LoadMs   int64 `json:"load_ms"`
	EncodeMs int64 `json:"encode_ms"`
	DecodeMs int64 `json:"decode_ms"`
}

// Mask is a ranked output mask.
type Mask = postprocess.Mask

// Session owns the scratch buffers and the current image embedding for one
// caller. Calls on a session are serialized; use one session per concurrent
// request. The model is shared read-only.
type Session struct {
	id  uuid.UUID
	log *logger.Logger

	mu         sync.Mutex
	model      *model.Model
	hparams    config.Hparams
	thresholds config.Thresholds
	ctx        *cpu.Context

	embedding *Embedding
	imagePE   []float32
	dense     []float32

	timings  Timings
	failed   error
	released bool
}

// Load reads params.Model and opens a session on it.
func Load(params config.Params) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, inputError("load", "params", err.Error())
	}
	start := time.Now()
	m, err := model.Load(params.Model)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(m, params)
	if err != nil {
		return nil, err
	}
	s.timings.LoadMs = time.Since(start).Milliseconds()
	return s, nil
}

// NewSession opens a session on an already loaded model. The runtime epsilons
// and thresholds come from params.
func NewSession(m *model.Model, params config.Params) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, inputError("load", "params", err.Error())
	}
	h := m.Hparams
	params.ApplyTo(&h)

	id := uuid.New()
	s := &Session{
		id:         id,
		log:        logger.Log.With("session", id.String()),
		model:      m,
		hparams:    h,
		thresholds: params.Thresholds,
		ctx:        cpu.NewContext(params.Threads),
	}
	metrics.SessionOpened()
	s.log.Debug("session opened", "model", m.Path, "threads", params.Threads)
	return s, nil
}

func (s *Session) ID() string { return s.id.String() }

func (s *Session) Hparams() config.Hparams { return s.hparams }

// Model returns the shared weights the session runs on.
func (s *Session) Model() *model.Model { return s.model }

// SetThresholds replaces the filtering thresholds used by later ComputeMasks calls.
func (s *Session) SetThresholds(t config.Thresholds) error {
	if t.StabilityOffset < 0 {
		return inputError("decode", "thresholds", fmt.Sprintf("negative stability offset %g", t.StabilityOffset))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = t
	return nil
}

// begin locks the session and checks it can still run work.
func (s *Session) begin(op string, threads int) error {
	s.mu.Lock()
	switch {
	case s.released:
		s.mu.Unlock()
		return ErrReleased
	case s.failed != nil:
		s.mu.Unlock()
		return &ComputeError{Stage: op, Err: fmt.Errorf("%w: %v", ErrSessionFailed, s.failed)}
	case threads <= 0:
		s.mu.Unlock()
		return inputError(op, "threads", fmt.Sprintf("%d (must be positive)", threads))
	}
	s.ctx.SetThreads(threads)
	return nil
}

// fail marks the session unusable after a compute error.
func (s *Session) fail(err error) error {
	s.failed = err
	s.log.Error("session failed", "error", err)
	return err
}

// EncodeImage computes and keeps the embedding of img, replacing any previous
// one. Prompts decoded afterwards refer to this image.
func (s *Session) EncodeImage(img *Image, threads int) error {
	if err := s.begin("encode", threads); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := img.validate(s.hparams.ImageSize); err != nil {
		return err
	}

	start := time.Now()
	input, rw, rh := preprocess(img, s.hparams.ImageSize)
	metrics.RecordStage("preprocess", time.Since(start))

	data := encodeImage(s.ctx, s.model, s.hparams, input)
	if err := checkFinite("encode", data); err != nil {
		return s.fail(err)
	}
	s.embedding = &Embedding{
		Grid:          s.hparams.GridSize(),
		Channels:      s.hparams.EncOutChans,
		Data:          data,
		Width:         img.Width,
		Height:        img.Height,
		ResizedWidth:  rw,
		ResizedHeight: rh,
	}

	elapsed := time.Since(start)
	s.timings.EncodeMs += elapsed.Milliseconds()
	metrics.RecordEncode(elapsed)
	s.log.Info("image encoded",
		"width", img.Width,
		"height", img.Height,
		"threads", threads,
		"ms", elapsed.Milliseconds(),
	)
	return nil
}

// Embedding returns the current image embedding, or nil before EncodeImage.
func (s *Session) Embedding() *Embedding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.embedding
}

// SetEmbedding installs an embedding computed earlier, skipping the encoder.
func (s *Session) SetEmbedding(e *Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	if err := e.Validate(s.hparams); err != nil {
		return inputError("encode", "embedding", err.Error())
	}
	s.embedding = e
	return nil
}

// ComputeMasks decodes the prompt against the current embedding and returns
// the surviving masks, best first. An empty slice means no candidate passed
// the thresholds.
func (s *Session) ComputeMasks(points []config.Point, threads int, on, off uint8) ([]Mask, error) {
	if err := s.begin("decode", threads); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if err := validatePoints(points); err != nil {
		return nil, err
	}
	if s.embedding == nil {
		return nil, inputError("decode", "image", "no image has been encoded")
	}

	start := time.Now()
	if s.imagePE == nil {
		s.imagePE = imagePositionalEncoding(s.model)
		s.dense = denseEmbedding(s.model)
	}
	sparse := encodePoints(s.model, points, s.embedding)

	dec := &decoder{c: s.ctx, m: s.model, h: s.hparams}
	cands := dec.decodeMasks(s.embedding.Data, s.imagePE, sparse, s.dense)
	for _, c := range cands {
		if err := checkFinite("decode", c.Logits); err != nil {
			return nil, s.fail(err)
		}
	}

	// token 0 is the single-mask output; the rest are the multimask candidates
	cands = cands[1:]

	stageStart := time.Now()
	geom := postprocess.Geometry{
		MaskSize:      s.hparams.MaskSize(),
		InputSize:     s.hparams.ImageSize,
		Width:         s.embedding.Width,
		Height:        s.embedding.Height,
		ResizedWidth:  s.embedding.ResizedWidth,
		ResizedHeight: s.embedding.ResizedHeight,
	}
	masks, stats, err := postprocess.Process(cands, geom, s.thresholds, on, off, threads)
	if err != nil {
		return nil, s.fail(&ComputeError{Stage: "postprocess", Err: err})
	}
	metrics.RecordStage("postprocess", time.Since(stageStart))
	metrics.RecordMasks(stats.Emitted, stats.LowIoU, stats.Unstable)

	elapsed := time.Since(start)
	s.timings.DecodeMs += elapsed.Milliseconds()
	metrics.RecordDecode(elapsed)
	s.log.Info("masks computed",
		"points", len(points),
		"candidates", stats.Candidates,
		"masks", stats.Emitted,
		"ms", elapsed.Milliseconds(),
	)
	if len(masks) == 0 {
		s.log.Warn("no mask passed the thresholds",
			"iou_threshold", s.thresholds.IoU,
			"stability_score_threshold", s.thresholds.Stability,
		)
	}
	return masks, nil
}

func (s *Session) Timings() Timings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timings
}

// ScratchBytes reports the memory held by the session's scratch pool.
func (s *Session) ScratchBytes() int64 {
	return s.ctx.AllocatedBytes()
}

// Release frees the scratch buffers and the embedding. Later calls fail with
// ErrReleased. Releasing twice is a no-op.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.ctx.Free()
	s.embedding = nil
	s.imagePE = nil
	s.dense = nil
	metrics.SessionReleased()
	s.log.Debug("session released", "timings", s.timings)
}
