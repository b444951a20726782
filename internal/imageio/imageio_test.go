package imageio

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/23skdu/longbow-sam/internal/engine"
)

func TestDecodeFormats(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for i := range src.Pix {
		src.Pix[i] = 255
	}
	src.Set(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	src.Set(2, 1, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	encoders := map[string]func(*bytes.Buffer) error{
		"png": func(b *bytes.Buffer) error { return png.Encode(b, src) },
		"bmp": func(b *bytes.Buffer) error { return bmp.Encode(b, src) },
	}
	for name, enc := range encoders {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, enc(&buf))

			img, format, err := DecodeBytes(buf.Bytes())
			require.NoError(t, err)
			require.Equal(t, name, format)
			require.Equal(t, 3, img.Width)
			require.Equal(t, 2, img.Height)
			require.Equal(t, []uint8{10, 20, 30}, img.Pix[0:3])
			require.Equal(t, []uint8{200, 100, 50}, img.Pix[15:18])
		})
	}

	_, _, err := DecodeBytes([]byte("not an image"))
	require.Error(t, err)
}

func TestWriteMasks(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "out")
	masks := []engine.Mask{
		{Token: 1, Width: 2, Height: 2, Pix: []uint8{255, 0, 0, 255}},
		{Token: 3, Width: 2, Height: 2, Pix: []uint8{0, 0, 0, 255}},
	}

	paths, err := WriteMasks(prefix, masks)
	require.NoError(t, err)
	require.Equal(t, []string{prefix + "0.png", prefix + "1.png"}, paths)

	f, err := os.Open(paths[0])
	require.NoError(t, err)
	defer f.Close()
	decoded, err := png.Decode(f)
	require.NoError(t, err)
	gray, ok := decoded.(*image.Gray)
	require.True(t, ok, "masks are single channel")
	require.Equal(t, masks[0].Pix, gray.Pix)

	_, err = WriteMasks(prefix, []engine.Mask{{Width: 1, Height: 1}})
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.jpg"))
	require.Error(t, err)
}
