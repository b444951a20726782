package server

import (
	"runtime"
	"slices"
	"sync"
	"time"
)

const historySize = 256

// HealthStatus is the body of GET /healthz.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	UptimeSec   float64         `json:"uptime_sec"`
	System      SystemInfo      `json:"system"`
	Engine      EngineInfo      `json:"engine"`
	Performance PerformanceInfo `json:"performance"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	Goroutines   int    `json:"goroutines"`
	HeapMB       int    `json:"heap_mb"`
	HeapSystemMB int    `json:"heap_system_mb"`
}

type EngineInfo struct {
	ModelLoaded  bool   `json:"model_loaded"`
	ModelPath    string `json:"model_path"`
	ModelBytes   int64  `json:"model_bytes"`
	EncoderWidth int    `json:"encoder_width"`
	Layers       int    `json:"layers"`
	Sessions     int    `json:"sessions"`
	IdleSessions int    `json:"idle_sessions"`
}

type PerformanceInfo struct {
	Encodes       int       `json:"encodes"`
	Decodes       int       `json:"decodes"`
	AvgEncodeMs   float64   `json:"avg_encode_ms"`
	AvgDecodeMs   float64   `json:"avg_decode_ms"`
	P95DecodeMs   float64   `json:"p95_decode_ms"`
	ErrorRate     float64   `json:"error_rate"`
	LastInference time.Time `json:"last_inference,omitzero"`
}

// monitor keeps a rolling window of request latencies.
type monitor struct {
	start time.Time

	mu            sync.Mutex
	encodes       []time.Duration
	decodes       []time.Duration
	nEncode       int
	nDecode       int
	requests      int
	errors        int
	lastInference time.Time
}

func newMonitor() *monitor {
	return &monitor{start: time.Now()}
}

func push(h []time.Duration, d time.Duration) []time.Duration {
	h = append(h, d)
	if len(h) > historySize {
		h = h[1:]
	}
	return h
}

func (m *monitor) record(encode bool, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if err != nil {
		m.errors++
		return
	}
	m.lastInference = time.Now()
	if encode {
		m.nEncode++
		m.encodes = push(m.encodes, d)
	} else {
		m.nDecode++
		m.decodes = push(m.decodes, d)
	}
}

func avgMs(h []time.Duration) float64 {
	if len(h) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range h {
		sum += d
	}
	return float64(sum.Microseconds()) / float64(len(h)) / 1000
}

func p95Ms(h []time.Duration) float64 {
	if len(h) == 0 {
		return 0
	}
	sorted := slices.Clone(h)
	slices.Sort(sorted)
	return float64(sorted[(len(sorted)-1)*95/100].Microseconds()) / 1000
}

func (m *monitor) performance() PerformanceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := PerformanceInfo{
		Encodes:       m.nEncode,
		Decodes:       m.nDecode,
		AvgEncodeMs:   avgMs(m.encodes),
		AvgDecodeMs:   avgMs(m.decodes),
		P95DecodeMs:   p95Ms(m.decodes),
		LastInference: m.lastInference,
	}
	if m.requests > 0 {
		p.ErrorRate = float64(m.errors) / float64(m.requests)
	}
	return p
}

func systemInfo() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		Goroutines:   runtime.NumGoroutine(),
		HeapMB:       int(ms.HeapAlloc >> 20),
		HeapSystemMB: int(ms.HeapSys >> 20),
	}
}

func (s *Server) health() HealthStatus {
	now := time.Now()
	hs := HealthStatus{
		Status:      "ok",
		Timestamp:   now,
		Version:     s.cfg.Version,
		UptimeSec:   now.Sub(s.monitor.start).Seconds(),
		System:      systemInfo(),
		Performance: s.monitor.performance(),
		Engine: EngineInfo{
			ModelLoaded:  s.model != nil,
			Sessions:     cap(s.sessions),
			IdleSessions: len(s.sessions),
		},
	}
	if s.model != nil {
		hs.Engine.ModelPath = s.model.Path
		hs.Engine.ModelBytes = s.model.Store.Bytes()
		hs.Engine.EncoderWidth = s.model.Hparams.EncState
		hs.Engine.Layers = s.model.Hparams.EncLayers
	}
	if hs.Performance.ErrorRate > 0.5 && hs.Performance.Encodes+hs.Performance.Decodes > 0 {
		hs.Status = "degraded"
	}
	return hs
}
