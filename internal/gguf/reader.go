package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"
)

// LoadFile maps a GGUF file read-only and parses it. Tensor payloads alias the
// mapping until Close.
func LoadFile(path string) (*GGUFFile, error) {
	data, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	file.mapped = true
	return file, nil
}

func mapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("%s: %w", path, io.ErrUnexpectedEOF)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(st.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return data, nil
}

// cursor reads little-endian values from a buffer. The first read past the
// end sets err; later reads return zero values.
type cursor struct {
	data []byte
	off  uint64
	err  error
}

func (c *cursor) take(n uint64) []byte {
	if c.err != nil {
		return nil
	}
	if c.off > uint64(len(c.data)) || n > uint64(len(c.data))-c.off {
		c.err = io.ErrUnexpectedEOF
		return nil
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (c *cursor) str() string {
	return string(c.take(c.u64()))
}

// value decodes one metadata value of type typ.
func (c *cursor) value(typ GGUFMetadataValueType) (interface{}, error) {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return c.u8(), nil
	case GGUFMetadataValueTypeInt8:
		return int8(c.u8()), nil
	case GGUFMetadataValueTypeBool:
		return c.u8() != 0, nil
	case GGUFMetadataValueTypeUint16:
		return c.u16(), nil
	case GGUFMetadataValueTypeInt16:
		return int16(c.u16()), nil
	case GGUFMetadataValueTypeUint32:
		return c.u32(), nil
	case GGUFMetadataValueTypeInt32:
		return int32(c.u32()), nil
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(c.u32()), nil
	case GGUFMetadataValueTypeUint64:
		return c.u64(), nil
	case GGUFMetadataValueTypeInt64:
		return int64(c.u64()), nil
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(c.u64()), nil
	case GGUFMetadataValueTypeString:
		return c.str(), nil
	case GGUFMetadataValueTypeArray:
		elem := GGUFMetadataValueType(c.u32())
		n := c.u64()
		arr := make([]interface{}, 0, min(n, 1024))
		for i := uint64(0); i < n && c.err == nil; i++ {
			v, err := c.value(elem)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unsupported metadata type: %d", typ)
}

func (c *cursor) tensorInfo() (*TensorInfo, error) {
	t := &TensorInfo{Name: c.str()}
	dims := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	if dims > 4 {
		return nil, fmt.Errorf("tensor %s: too many dimensions: %d", t.Name, dims)
	}
	t.Dimensions = make([]uint64, dims)
	for i := range t.Dimensions {
		t.Dimensions[i] = c.u64()
	}
	t.Type = GGMLType(c.u32())
	t.Offset = c.u64()
	if c.err != nil {
		return nil, c.err
	}
	return t, t.CheckDims()
}

// Parse decodes a GGUF image held in memory. Tensor data slices alias data.
func Parse(data []byte) (*GGUFFile, error) {
	c := &cursor{data: data}
	f := &GGUFFile{Data: data, KV: make(map[string]interface{})}
	h := &f.Header

	h.Magic = c.u32()
	if c.err == nil && h.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: h.Magic}
	}
	h.Version = c.u32()
	if c.err == nil && (h.Version < 2 || h.Version > GGUFVersion) {
		return nil, ErrUnsupportedVersion{Version: h.Version}
	}
	h.TensorCount = c.u64()
	h.KVCount = c.u64()
	if c.err != nil {
		return nil, c.err
	}

	for range h.KVCount {
		key := c.str()
		v, err := c.value(GGUFMetadataValueType(c.u32()))
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", key, err)
		}
		if c.err != nil {
			return nil, fmt.Errorf("metadata %s: %w", key, c.err)
		}
		f.KV[key] = v
	}

	for range h.TensorCount {
		t, err := c.tensorInfo()
		if err != nil {
			return nil, err
		}
		f.Tensors = append(f.Tensors, t)
	}

	alignment := f.GetUint("general.alignment", DefaultAlignment)
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	f.DataOffset = alignUp(c.off, alignment)

	end := uint64(len(data))
	for _, t := range f.Tensors {
		start, size := f.DataOffset+t.Offset, t.SizeBytes()
		if start > end || size > end-start {
			return nil, ErrTruncated{Name: t.Name, Need: size, Have: end - min(start, end)}
		}
		t.Data = data[start : start+size]
	}
	return f, nil
}

func alignUp(offset, alignment uint64) uint64 {
	return (offset + alignment - 1) / alignment * alignment
}

// Close releases the mapping created by LoadFile.
func (f *GGUFFile) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	return syscall.Munmap(f.Data)
}

// Tensor returns the tensor named name, or nil.
func (f *GGUFFile) Tensor(name string) *TensorInfo {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}
