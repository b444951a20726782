package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"syscall"
)

// LegacyHeader is the fixed int32 header of a ggml segmentation model.
type LegacyHeader struct {
	EncState    int32
	EncLayers   int32
	EncHeads    int32
	EncOutChans int32
	PtEmbd      int32
	FType       int32
}

// LegacyFile is a parsed ggml segmentation model: header followed by tensor
// records until end of file.
type LegacyFile struct {
	Header  LegacyHeader
	Tensors []*TensorInfo
	Data    []byte

	mapped bool
}

// qntVersionFactor is folded into ftype by quantizing converters.
const qntVersionFactor = 1000

// LoadLegacyFile maps path and parses it as a legacy ggml model.
func LoadLegacyFile(path string) (*LegacyFile, error) {
	data, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	file, err := ParseLegacy(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	file.mapped = true
	return file, nil
}

// ParseLegacy decodes a legacy ggml model held in memory. Tensor data slices alias data.
func ParseLegacy(data []byte) (*LegacyFile, error) {
	c := &cursor{data: data}
	if magic := c.u32(); c.err == nil && magic != LegacyMagic {
		return nil, ErrInvalidMagic{Magic: magic}
	}

	f := &LegacyFile{Data: data}
	h := &f.Header
	for _, p := range []*int32{&h.EncState, &h.EncLayers, &h.EncHeads, &h.EncOutChans, &h.PtEmbd, &h.FType} {
		*p = int32(c.u32())
	}
	if c.err != nil {
		return nil, c.err
	}
	h.FType %= qntVersionFactor

	for c.off < uint64(len(data)) {
		at := c.off
		nDims, nameLen := int32(c.u32()), int32(c.u32())
		typ := GGMLType(c.u32())
		if c.err != nil {
			return nil, c.err
		}
		if nDims < 1 || nDims > 4 {
			return nil, fmt.Errorf("tensor record at %d: invalid n_dims %d", at, nDims)
		}
		if nameLen <= 0 || nameLen > 1024 {
			return nil, fmt.Errorf("tensor record at %d: invalid name length %d", at, nameLen)
		}

		ne := make([]uint64, nDims)
		for i := range ne {
			v := int32(c.u32())
			if c.err == nil && v <= 0 {
				return nil, fmt.Errorf("tensor record at %d: invalid dimension %d", at, v)
			}
			ne[i] = uint64(v)
		}
		name := string(c.take(uint64(nameLen)))
		if c.err != nil {
			return nil, c.err
		}
		if !typ.Supported() {
			return nil, fmt.Errorf("tensor %s: unsupported type %d", name, uint32(typ))
		}

		t := &TensorInfo{Name: name, Dimensions: ne, Type: typ, Offset: c.off}
		if err := t.CheckDims(); err != nil {
			return nil, fmt.Errorf("tensor record at %d: %w", at, err)
		}
		size := t.SizeBytes()
		if t.Data = c.take(size); c.err != nil {
			return nil, ErrTruncated{Name: name, Need: size, Have: uint64(len(data)) - t.Offset}
		}
		f.Tensors = append(f.Tensors, t)
	}
	return f, nil
}

func (f *LegacyFile) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	return syscall.Munmap(f.Data)
}

// LegacyTensor is one record handed to WriteLegacy. Shape is outermost first.
type LegacyTensor struct {
	Name   string
	Shape  []int
	Type   GGMLType
	Values []float32
}

// WriteLegacy serializes a legacy ggml model.
func WriteLegacy(dst io.Writer, h LegacyHeader, tensors []LegacyTensor) error {
	bw := bufio.NewWriter(dst)
	le := binary.LittleEndian

	if err := binary.Write(bw, le, uint32(LegacyMagic)); err != nil {
		return err
	}
	if err := binary.Write(bw, le, h); err != nil {
		return err
	}
	for _, t := range tensors {
		data, err := Encode(t.Type, t.Values)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		rec := []int32{int32(len(t.Shape)), int32(len(t.Name)), int32(t.Type)}
		for i := len(t.Shape) - 1; i >= 0; i-- {
			rec = append(rec, int32(t.Shape[i]))
		}
		if err := binary.Write(bw, le, rec); err != nil {
			return err
		}
		if _, err := bw.WriteString(t.Name); err != nil {
			return err
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// IsLegacyFile reports whether path starts with the legacy ggml magic.
func IsLegacyFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = f.Close()
	}()
	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return false, err
	}
	return magic == LegacyMagic, nil
}
