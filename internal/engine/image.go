package engine

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Image is an 8-bit RGB picture with interleaved channels.
type Image struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewImage(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]uint8, width*height*3)}
}

// FromImage copies any decoded image into RGB, dropping alpha.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	img := NewImage(b.Dx(), b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(src.At(x, y)).(color.RGBA)
			img.Pix[i], img.Pix[i+1], img.Pix[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return img
}

// RGBA views the image as an opaque *image.RGBA.
func (im *Image) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, im.Width, im.Height))
	for i, j := 0, 0; i < len(im.Pix); i, j = i+3, j+4 {
		out.Pix[j], out.Pix[j+1], out.Pix[j+2], out.Pix[j+3] = im.Pix[i], im.Pix[i+1], im.Pix[i+2], 0xff
	}
	return out
}

func (im *Image) validate(inputSize int) error {
	if im == nil {
		return inputError("encode", "image", "nil image")
	}
	if im.Width <= 0 || im.Height <= 0 {
		return inputError("encode", "image", fmt.Sprintf("degenerate size %dx%d", im.Width, im.Height))
	}
	if len(im.Pix) != im.Width*im.Height*3 {
		return inputError("encode", "image", fmt.Sprintf("%d bytes for %dx%d RGB", len(im.Pix), im.Width, im.Height))
	}
	if w, h := resizedSize(im.Width, im.Height, inputSize); w < 1 || h < 1 {
		return inputError("encode", "image", fmt.Sprintf("%dx%d is too thin to resize to %d", im.Width, im.Height, inputSize))
	}
	return nil
}

// resizedSize scales the longer side to inputSize, keeping the aspect ratio.
func resizedSize(width, height, inputSize int) (int, int) {
	scale := float32(max(width, height)) / float32(inputSize)
	return int(float32(width)/scale + 0.5), int(float32(height)/scale + 0.5)
}

var (
	pixelMean = [3]float32{123.675, 116.28, 103.53}
	pixelStd  = [3]float32{58.395, 57.12, 57.375}
)

// preprocess resizes im into the top-left corner of an inputSize square,
// normalizes it per channel and zero-pads the rest. The result is
// inputSize×inputSize×3, channel-last.
func preprocess(im *Image, inputSize int) (data []float32, resizedW, resizedH int) {
	resizedW, resizedH = resizedSize(im.Width, im.Height, inputSize)

	src := im.RGBA()
	dst := image.NewRGBA(image.Rect(0, 0, resizedW, resizedH))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	data = make([]float32, inputSize*inputSize*3)
	for y := 0; y < resizedH; y++ {
		for x := 0; x < resizedW; x++ {
			p := dst.Pix[y*dst.Stride+x*4:]
			o := data[(y*inputSize+x)*3:]
			for c := 0; c < 3; c++ {
				o[c] = (float32(p[c]) - pixelMean[c]) / pixelStd[c]
			}
		}
	}
	return data, resizedW, resizedH
}
