package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	h := Default()

	if h.EncState != 768 || h.EncLayers != 12 || h.EncHeads != 12 {
		t.Errorf("expected ViT-B encoder, got %d/%d/%d", h.EncState, h.EncLayers, h.EncHeads)
	}
	if h.GridSize() != 64 {
		t.Errorf("expected grid 64, got %d", h.GridSize())
	}
	if h.MaskSize() != 256 {
		t.Errorf("expected mask size 256, got %d", h.MaskSize())
	}
	if h.Eps != 1e-6 {
		t.Errorf("expected Eps 1e-6, got %v", h.Eps)
	}
	if h.EpsDecoderTransformer != 1e-5 {
		t.Errorf("expected decoder Eps 1e-5, got %v", h.EpsDecoderTransformer)
	}
	if err := h.Validate(); err != nil {
		t.Errorf("default hparams should be valid: %v", err)
	}
}

func TestGlobalAttnIndices(t *testing.T) {
	tests := []struct {
		width   int
		want    []int
		wantErr bool
	}{
		{768, []int{2, 5, 8, 11}, false},
		{1024, []int{5, 11, 17, 23}, false},
		{1280, []int{7, 15, 23, 31}, false},
		{900, nil, true},
		{0, nil, true},
	}

	for _, tt := range tests {
		h := Default()
		h.EncState = tt.width
		got, err := h.GlobalAttnIndices()
		if (err != nil) != tt.wantErr {
			t.Errorf("width %d: error = %v, wantErr %v", tt.width, err, tt.wantErr)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("width %d: got %v, want %v", tt.width, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("width %d: got %v, want %v", tt.width, got, tt.want)
			}
			if !h.IsGlobal(got[i]) {
				t.Errorf("width %d: layer %d should be global", tt.width, got[i])
			}
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(h *Hparams)
		wantErr string
	}{
		{"valid", func(h *Hparams) {}, ""},
		{"unsupported width", func(h *Hparams) { h.EncState = 900 }, "unsupported encoder width"},
		{"heads do not divide width", func(h *Hparams) { h.EncHeads = 7 }, "not divisible"},
		{"zero layers", func(h *Hparams) { h.EncLayers = 0 }, "n_enc_layer"},
		{"odd out chans", func(h *Hparams) { h.EncOutChans = 100 }, "n_enc_out_chans"},
		{"image not multiple of patch", func(h *Hparams) { h.ImageSize = 1000 }, "image size"},
		{"zero eps", func(h *Hparams) { h.Eps = 0 }, "eps"},
		{"decoder heads", func(h *Hparams) { h.DecHeads = 3 }, "n_dec_heads"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Default()
			tt.mutate(&h)
			err := h.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParamsValidate(t *testing.T) {
	p := DefaultParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("default params should be valid: %v", err)
	}
	if p.Seed != -1 {
		t.Errorf("expected seed -1, got %d", p.Seed)
	}
	if p.MaskOn != 255 || p.MaskOff != 0 {
		t.Errorf("expected on/off 255/0, got %d/%d", p.MaskOn, p.MaskOff)
	}

	p.Threads = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero threads")
	}
}

func TestLoadFileCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	p := DefaultParams()

	created, err := LoadFile(path, &p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	for _, key := range []string{"model", "n_threads", "iou_threshold", "eps_decoder_transformer"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("created file missing key %q:\n%s", key, data)
		}
	}

	q := DefaultParams()
	q.Model = "other.bin"
	created, err = LoadFile(path, &q)
	if err != nil {
		t.Fatalf("second LoadFile: %v", err)
	}
	if created {
		t.Error("file should not be created twice")
	}
	if q.Model != p.Model {
		t.Errorf("expected model %q from file, got %q", p.Model, q.Model)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `# custom settings
model = vit_l.gguf
n_threads = 3
iou_threshold = 0.5
stability_score_offset = 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p := DefaultParams()
	if _, err := LoadFile(path, &p); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if p.Model != "vit_l.gguf" {
		t.Errorf("model = %q", p.Model)
	}
	if p.Threads != 3 {
		t.Errorf("threads = %d", p.Threads)
	}
	if p.Thresholds.IoU != 0.5 {
		t.Errorf("iou threshold = %v", p.Thresholds.IoU)
	}
	if p.Thresholds.StabilityOffset != 2 {
		t.Errorf("stability offset = %v", p.Thresholds.StabilityOffset)
	}
	if p.Thresholds.Stability != 0.95 {
		t.Errorf("untouched key changed: %v", p.Thresholds.Stability)
	}
}

func TestLoadFileBadFloat(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("mask_threshold = abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := DefaultParams()
	if _, err := LoadFile(path, &p); err == nil {
		t.Error("expected error for malformed float")
	}
}
