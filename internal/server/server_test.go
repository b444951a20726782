package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-sam/internal/config"
	"github.com/23skdu/longbow-sam/internal/embedstore"
	"github.com/23skdu/longbow-sam/internal/model"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	return newTestServerConfig(t, func(*Config) {})
}

func newTestServerConfig(t *testing.T, adjust func(*Config)) (*Server, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := model.TinyHparams()
	store, err := model.Synthetic(h, 42)
	require.NoError(t, err)
	m, err := model.Bind(h, store)
	require.NoError(t, err)

	p := config.DefaultParams()
	p.Threads = 2
	p.Thresholds = config.Thresholds{StabilityOffset: 1}
	cfg := Config{Version: "test", Sessions: 2, Params: p}
	adjust(&cfg)
	s, err := New(m, embedstore.NewMemoryStore(8), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, s.Routes()
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 255 / w), uint8(y * 255 / h), 90, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func do(h http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func encode(t *testing.T, h http.Handler, img []byte) EncodeResponse {
	t.Helper()
	w := do(h, http.MethodPost, "/v1/encode", "image/png", img)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp EncodeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestProbes(t *testing.T) {
	_, h := newTestServer(t)

	w := do(h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hs HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hs))
	require.Equal(t, "ok", hs.Status)
	require.Equal(t, "test", hs.Version)
	require.True(t, hs.Engine.ModelLoaded)
	require.Equal(t, 2, hs.Engine.Sessions)

	w = do(h, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"sessions":2`)

	w = do(h, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"version":"test"}`, w.Body.String())

	w = do(h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

func TestEncodeCachesEmbedding(t *testing.T) {
	_, h := newTestServer(t)
	img := testPNG(t, 50, 30)

	first := encode(t, h, img)
	require.Len(t, first.ID, 16)
	require.Equal(t, 50, first.Width)
	require.Equal(t, 30, first.Height)
	require.False(t, first.Cached)

	second := encode(t, h, img)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.Cached)
}

func TestEncodeMultipart(t *testing.T) {
	_, h := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "img.png")
	require.NoError(t, err)
	_, err = part.Write(testPNG(t, 20, 20))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := do(h, http.MethodPost, "/v1/encode", mw.FormDataContentType(), body.Bytes())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestEncodeRejectsGarbage(t *testing.T) {
	_, h := newTestServer(t)

	w := do(h, http.MethodPost, "/v1/encode", "application/octet-stream", []byte("not an image"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodPost, "/v1/encode", "application/octet-stream", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEncodeRejectsOversizedImage(t *testing.T) {
	img := testPNG(t, 40, 40)
	_, h := newTestServerConfig(t, func(c *Config) { c.MaxImageBytes = int64(len(img)) })

	w := do(h, http.MethodPost, "/v1/encode", "image/png", img)
	require.Equal(t, http.StatusOK, w.Code, "an image of exactly the limit is accepted")

	big := append(append([]byte{}, img...), 0)
	w = do(h, http.MethodPost, "/v1/encode", "image/png", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), "image too large")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "img.png")
	require.NoError(t, err)
	_, err = part.Write(big)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	w = do(h, http.MethodPost, "/v1/encode", mw.FormDataContentType(), body.Bytes())
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
}

func TestMasks(t *testing.T) {
	_, h := newTestServer(t)
	enc := encode(t, h, testPNG(t, 50, 30))

	body, err := json.Marshal(MasksRequest{
		ID:     enc.ID,
		Points: []PointRequest{{X: 30, Y: 12}},
	})
	require.NoError(t, err)
	w := do(h, http.MethodPost, "/v1/masks", "application/json", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp MasksResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Masks, 3)
	for i, m := range resp.Masks {
		require.Equal(t, i, m.Index)
		if i > 0 {
			require.GreaterOrEqual(t, resp.Masks[i-1].Score, m.Score)
		}
		img, err := png.Decode(bytes.NewReader(m.PNG))
		require.NoError(t, err)
		require.Equal(t, image.Rect(0, 0, 50, 30), img.Bounds())
	}
}

func TestMasksThresholdOverride(t *testing.T) {
	_, h := newTestServer(t)
	enc := encode(t, h, testPNG(t, 40, 40))

	body := []byte(`{"id":"` + enc.ID + `","points":[{"x":10,"y":10,"label":1}],"thresholds":{"iou":1.5,"stability_offset":1}}`)
	w := do(h, http.MethodPost, "/v1/masks", "application/json", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.JSONEq(t, `[]`, string(mustField(t, w.Body.Bytes(), "masks")))
}

func mustField(t *testing.T, data []byte, name string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m[name]
}

func TestMasksErrors(t *testing.T) {
	_, h := newTestServer(t)
	enc := encode(t, h, testPNG(t, 32, 32))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing body", ``, http.StatusBadRequest},
		{"missing id", `{"points":[{"x":1,"y":1}]}`, http.StatusBadRequest},
		{"unknown id", `{"id":"0000000000000000","points":[{"x":1,"y":1}]}`, http.StatusNotFound},
		{"no points", `{"id":"` + enc.ID + `","points":[]}`, http.StatusBadRequest},
		{"bad label", `{"id":"` + enc.ID + `","points":[{"x":1,"y":1,"label":7}]}`, http.StatusBadRequest},
		{"negative offset", `{"id":"` + enc.ID + `","points":[{"x":1,"y":1}],"thresholds":{"stability_offset":-1}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodPost, "/v1/masks", "application/json", []byte(tt.body))
			require.Equal(t, tt.code, w.Code, w.Body.String())
			require.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestPoolSurvivesErrors(t *testing.T) {
	s, h := newTestServer(t)
	for i := 0; i < 5; i++ {
		w := do(h, http.MethodPost, "/v1/masks", "application/json", []byte(`{"id":"x","points":[]}`))
		require.NotEqual(t, http.StatusOK, w.Code)
	}
	require.Equal(t, 2, len(s.sessions))
}

func TestHealthCountsRequests(t *testing.T) {
	s, h := newTestServer(t)
	enc := encode(t, h, testPNG(t, 24, 24))
	body := []byte(`{"id":"` + enc.ID + `","points":[{"x":3,"y":4}]}`)
	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/v1/masks", "application/json", body).Code)

	p := s.health().Performance
	require.Equal(t, 1, p.Encodes)
	require.Equal(t, 1, p.Decodes)
	require.Zero(t, p.ErrorRate)
	require.False(t, p.LastInference.IsZero())
}

func TestMonitorWindow(t *testing.T) {
	m := newMonitor()
	for i := 1; i <= historySize+10; i++ {
		m.record(false, time.Duration(i)*time.Millisecond, nil)
	}
	m.record(true, 0, errors.New("boom"))

	p := m.performance()
	require.Equal(t, historySize+10, p.Decodes)
	require.InDelta(t, float64(historySize+10+11)/2, p.AvgDecodeMs, 1e-9)
	require.Greater(t, p.P95DecodeMs, p.AvgDecodeMs)
	require.InDelta(t, 1.0/float64(historySize+11), p.ErrorRate, 1e-12)
}
