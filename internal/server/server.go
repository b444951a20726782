// Package server exposes encode and mask decode over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-sam/internal/config"
	"github.com/23skdu/longbow-sam/internal/embedstore"
	"github.com/23skdu/longbow-sam/internal/engine"
	"github.com/23skdu/longbow-sam/internal/imageio"
	"github.com/23skdu/longbow-sam/internal/logger"
	"github.com/23skdu/longbow-sam/internal/model"
)

const defaultMaxImageBytes = 64 << 20

var errImageTooLarge = errors.New("image too large")

type Config struct {
	Version string
	// Sessions bounds the number of requests computing at once.
	Sessions int
	Params   config.Params
	// MaxImageBytes caps an uploaded image, 64 MiB when zero.
	MaxImageBytes int64
}

type Server struct {
	cfg      Config
	model    *model.Model
	store    embedstore.Store
	sessions chan *engine.Session
	tag      string
	monitor  *monitor
}

// New opens cfg.Sessions sessions on m. Embeddings are kept in store.
func New(m *model.Model, store embedstore.Store, cfg Config) (*Server, error) {
	n := max(cfg.Sessions, 1)
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = defaultMaxImageBytes
	}
	s := &Server{
		cfg:      cfg,
		model:    m,
		store:    store,
		sessions: make(chan *engine.Session, n),
		monitor:  newMonitor(),
	}
	for i := 0; i < n; i++ {
		sess, err := engine.NewSession(m, cfg.Params)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.sessions <- sess
		s.tag = embedstore.ModelTag(m, sess.Hparams())
	}
	return s, nil
}

// Close releases every idle session.
func (s *Server) Close() {
	for {
		select {
		case sess := <-s.sessions:
			sess.Release()
		default:
			return
		}
	}
}

func (s *Server) acquire(ctx context.Context) (*engine.Session, error) {
	select {
	case sess := <-s.sessions:
		return sess, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns sess to the pool, replacing it when a compute error left it
// unusable.
func (s *Server) release(sess *engine.Session, err error) {
	var ce *engine.ComputeError
	if errors.As(err, &ce) {
		sess.Release()
		fresh, nerr := engine.NewSession(s.model, s.cfg.Params)
		if nerr != nil {
			logger.Log.Error("replace session", "error", nerr)
			return
		}
		sess = fresh
	}
	s.sessions <- sess
}

func (s *Server) Routes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "Accept"}

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(corsConfig), requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, s.health()) })
	r.GET("/readyz", s.ReadyHandler)
	r.GET("/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": s.cfg.Version}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/v1/encode", s.EncodeHandler)
	r.POST("/v1/masks", s.MasksHandler)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) ReadyHandler(c *gin.Context) {
	if s.model == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ready",
		"model":    s.model.Path,
		"idle":     len(s.sessions),
		"sessions": cap(s.sessions),
	})
}

type EncodeResponse struct {
	ID       string `json:"id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Cached   bool   `json:"cached"`
	EncodeMs int64  `json:"encode_ms"`
}

// EncodeHandler reads an image from the "image" form file or the raw body,
// encodes it unless its embedding is cached, and returns the embedding id.
func (s *Server) EncodeHandler(c *gin.Context) {
	data, err := readImage(c, s.cfg.MaxImageBytes)
	if errors.Is(err, errImageTooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	img, _, err := imageio.DecodeBytes(data)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	key := embedstore.Key(s.tag, img)
	resp := EncodeResponse{ID: key, Width: img.Width, Height: img.Height}
	if _, hit, err := embedstore.Lookup(ctx, s.store, key); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	} else if hit {
		resp.Cached = true
		c.JSON(http.StatusOK, resp)
		return
	}

	sess, err := s.acquire(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	start := time.Now()
	err = sess.EncodeImage(img, s.cfg.Params.Threads)
	emb := sess.Embedding()
	s.release(sess, err)
	s.monitor.record(true, time.Since(start), err)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	resp.EncodeMs = time.Since(start).Milliseconds()

	if err := s.store.Put(ctx, key, emb); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// readImage returns at most limit bytes of upload. Anything longer is
// errImageTooLarge rather than a truncated image.
func readImage(c *gin.Context, limit int64) ([]byte, error) {
	var r io.Reader = c.Request.Body
	if fh, err := c.FormFile("image"); err == nil {
		if fh.Size > limit {
			return nil, fmt.Errorf("%w: %d bytes (limit %d)", errImageTooLarge, fh.Size, limit)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", errImageTooLarge, limit)
	}
	if len(data) == 0 {
		return nil, errors.New("missing image")
	}
	return data, nil
}

type PointRequest struct {
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	Label *int    `json:"label,omitempty"`
}

type MasksRequest struct {
	ID         string             `json:"id" binding:"required"`
	Points     []PointRequest     `json:"points"`
	Thresholds *config.Thresholds `json:"thresholds,omitempty"`
	On         *uint8             `json:"on,omitempty"`
	Off        *uint8             `json:"off,omitempty"`
}

type MaskResponse struct {
	Index     int     `json:"index"`
	Score     float32 `json:"score"`
	IoU       float32 `json:"iou"`
	Stability float32 `json:"stability"`
	BBox      [4]int  `json:"bbox"`
	PNG       []byte  `json:"png"`
}

type MasksResponse struct {
	Masks    []MaskResponse `json:"masks"`
	DecodeMs int64          `json:"decode_ms"`
}

// MasksHandler decodes point prompts against a previously encoded image.
func (s *Server) MasksHandler(c *gin.Context) {
	var req MasksRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	emb, hit, err := embedstore.Lookup(ctx, s.store, req.ID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !hit {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("embedding %q not found", req.ID)})
		return
	}

	points := make([]config.Point, len(req.Points))
	for i, p := range req.Points {
		label := engine.LabelForeground
		if p.Label != nil {
			label = *p.Label
		}
		points[i] = config.Point{X: p.X, Y: p.Y, Label: label}
	}
	on, off := s.cfg.Params.MaskOn, s.cfg.Params.MaskOff
	if req.On != nil {
		on = *req.On
	}
	if req.Off != nil {
		off = *req.Off
	}

	sess, err := s.acquire(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	start := time.Now()
	masks, err := s.decode(sess, emb, req.Thresholds, points, on, off)
	s.release(sess, err)
	s.monitor.record(false, time.Since(start), err)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	resp := MasksResponse{Masks: make([]MaskResponse, 0, len(masks)), DecodeMs: time.Since(start).Milliseconds()}
	for i := range masks {
		m := &masks[i]
		var buf bytes.Buffer
		if err := imageio.EncodeMask(&buf, m); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.Masks = append(resp.Masks, MaskResponse{
			Index:     i,
			Score:     m.Score,
			IoU:       m.IoU,
			Stability: m.Stability,
			BBox:      [4]int{m.BBox.Min.X, m.BBox.Min.Y, m.BBox.Max.X, m.BBox.Max.Y},
			PNG:       buf.Bytes(),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) decode(sess *engine.Session, emb *engine.Embedding, th *config.Thresholds, points []config.Point, on, off uint8) ([]engine.Mask, error) {
	t := s.cfg.Params.Thresholds
	if th != nil {
		t = *th
	}
	if err := sess.SetThresholds(t); err != nil {
		return nil, err
	}
	if err := sess.SetEmbedding(emb); err != nil {
		return nil, err
	}
	return sess.ComputeMasks(points, s.cfg.Params.Threads, on, off)
}

func statusFor(err error) int {
	var ie *engine.InputError
	switch {
	case errors.As(err, &ie):
		return http.StatusBadRequest
	case errors.Is(err, embedstore.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
