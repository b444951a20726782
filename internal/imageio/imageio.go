// Package imageio reads input pictures and writes output masks.
package imageio

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/23skdu/longbow-sam/internal/engine"
	"github.com/23skdu/longbow-sam/internal/logger"
)

// Decode reads any registered format (png, jpeg, gif, bmp, tiff, webp) into RGB.
func Decode(r io.Reader) (*engine.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return engine.FromImage(img), format, nil
}

func DecodeBytes(data []byte) (*engine.Image, string, error) {
	return Decode(bytes.NewReader(data))
}

func Load(path string) (*engine.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	img, format, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Log.Debug("image loaded", "path", path, "format", format, "width", img.Width, "height", img.Height)
	return img, nil
}

// EncodeMask writes m as a single-channel PNG.
func EncodeMask(w io.Writer, m *engine.Mask) error {
	if len(m.Pix) == 0 {
		return fmt.Errorf("mask %d is empty", m.Token)
	}
	return png.Encode(w, m.Gray())
}

// MaskPath is the file name of the i-th mask for an output prefix.
func MaskPath(prefix string, i int) string {
	return fmt.Sprintf("%s%d.png", prefix, i)
}

// WriteMasks stores every mask as <prefix><index>.png, best first, and returns
// the written paths.
func WriteMasks(prefix string, masks []engine.Mask) ([]string, error) {
	paths := make([]string, 0, len(masks))
	for i := range masks {
		path := MaskPath(prefix, i)
		if err := writeMask(path, &masks[i]); err != nil {
			return paths, err
		}
		logger.Log.Info("mask written", "path", path, "score", masks[i].Score)
		paths = append(paths, path)
	}
	return paths, nil
}

func writeMask(path string, m *engine.Mask) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeMask(f, m); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
