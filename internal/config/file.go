package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"
)

// FileName is the settings file looked up next to the executable.
const FileName = "sam-config.ini"

// DefaultFilePath returns $SAM_CONFIG, or FileName in the executable's directory.
func DefaultFilePath() string {
	if p := os.Getenv("SAM_CONFIG"); p != "" {
		return p
	}
	exe, err := os.Executable()
	if err != nil {
		return FileName
	}
	return filepath.Join(filepath.Dir(exe), FileName)
}

var fileKeys = []struct {
	name    string
	comment string
}{
	{"model", "# path to the model file"},
	{"n_threads", "# worker threads used for inference"},
	{"mask_threshold", "# logit threshold for the binary mask"},
	{"iou_threshold", "# minimum predicted IoU, <= 0 disables the filter"},
	{"stability_score_threshold", "# minimum stability score, <= 0 disables the filter"},
	{"stability_score_offset", "# threshold offset used to compute the stability score"},
	{"eps", "# layer norm epsilon of the image encoder"},
	{"eps_decoder_transformer", "# layer norm epsilon of the decoder transformer"},
}

// LoadFile overlays the settings found in path onto p. A missing file is
// created from the current values of p and created is true.
func LoadFile(path string, p *Params) (created bool, err error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := WriteFile(path, p); err != nil {
			return false, err
		}
		return true, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	sec := f.Section(ini.DefaultSection)

	if sec.HasKey("model") {
		p.Model = sec.Key("model").String()
	}
	p.Threads = sec.Key("n_threads").MustInt(p.Threads)

	floats := []struct {
		key string
		dst *float32
	}{
		{"mask_threshold", &p.Thresholds.Mask},
		{"iou_threshold", &p.Thresholds.IoU},
		{"stability_score_threshold", &p.Thresholds.Stability},
		{"stability_score_offset", &p.Thresholds.StabilityOffset},
		{"eps", &p.Eps},
		{"eps_decoder_transformer", &p.EpsDecoderTransformer},
	}
	for _, fl := range floats {
		if !sec.HasKey(fl.key) {
			continue
		}
		v, err := sec.Key(fl.key).Float64()
		if err != nil {
			return false, fmt.Errorf("invalid %s in %s: %w", fl.key, path, err)
		}
		*fl.dst = float32(v)
	}
	return false, nil
}

// WriteFile stores the file-backed settings of p at path.
func WriteFile(path string, p *Params) error {
	values := map[string]string{
		"model":                     p.Model,
		"n_threads":                 strconv.Itoa(p.Threads),
		"mask_threshold":            formatFloat(p.Thresholds.Mask),
		"iou_threshold":             formatFloat(p.Thresholds.IoU),
		"stability_score_threshold": formatFloat(p.Thresholds.Stability),
		"stability_score_offset":    formatFloat(p.Thresholds.StabilityOffset),
		"eps":                       formatFloat(p.Eps),
		"eps_decoder_transformer":   formatFloat(p.EpsDecoderTransformer),
	}

	f := ini.Empty()
	sec := f.Section(ini.DefaultSection)
	for _, k := range fileKeys {
		key, err := sec.NewKey(k.name, values[k.name])
		if err != nil {
			return err
		}
		key.Comment = k.comment
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}
