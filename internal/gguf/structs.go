package gguf

import (
	"fmt"
	"math"
	"math/bits"
)

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	// LegacyMagic starts the pre-GGUF ggml segmentation model container.
	LegacyMagic = 0x67676d6c // "ggml"

	DefaultAlignment = 32
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ8_0 GGMLType = 8
)

// Block geometry of the quantized types.
const (
	BlockSizeQ4_0 = 32
	BlockSizeQ4_1 = 32
	BlockSizeQ8_0 = 32

	blockBytesQ4_0 = 18
	blockBytesQ4_1 = 20
	blockBytesQ8_0 = 34
)

// GGUFMetadataValueType tags each metadata value in the file.
type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8 GGUFMetadataValueType = iota
	GGUFMetadataValueTypeInt8
	GGUFMetadataValueTypeUint16
	GGUFMetadataValueTypeInt16
	GGUFMetadataValueTypeUint32
	GGUFMetadataValueTypeInt32
	GGUFMetadataValueTypeFloat32
	GGUFMetadataValueTypeBool
	GGUFMetadataValueTypeString
	GGUFMetadataValueTypeArray
	GGUFMetadataValueTypeUint64
	GGUFMetadataValueTypeInt64
	GGUFMetadataValueTypeFloat64
)

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne, fastest varying first
	Type       GGMLType
	Offset     uint64 // relative to the data section
	Data       []byte
}

// Elements returns the total number of values in the tensor.
func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// MaxElements bounds the value count of one tensor so its byte size fits in
// an int64 for every supported type.
const MaxElements = math.MaxInt64 / 4

// CheckDims rejects dimensions whose product exceeds MaxElements.
func (t *TensorInfo) CheckDims() error {
	n := uint64(1)
	for _, d := range t.Dimensions {
		hi, lo := bits.Mul64(n, d)
		if d > MaxElements || hi != 0 || lo > MaxElements {
			return fmt.Errorf("tensor %s: dimensions %v exceed %d elements", t.Name, t.Dimensions, uint64(MaxElements))
		}
		n = lo
	}
	return nil
}

// Shape returns the dimensions outermost first, the way the weights were laid out
// before conversion.
func (t *TensorInfo) Shape() []int {
	shape := make([]int, len(t.Dimensions))
	for i, d := range t.Dimensions {
		shape[len(t.Dimensions)-1-i] = int(d)
	}
	return shape
}

func (t *TensorInfo) SizeBytes() uint64 {
	return t.Type.RowSize(t.Elements())
}

// RowSize returns the number of bytes needed to store n values of type t.
func (t GGMLType) RowSize(n uint64) uint64 {
	switch t {
	case GGMLTypeF32:
		return n * 4
	case GGMLTypeF16:
		return n * 2
	case GGMLTypeQ4_0:
		return (n / BlockSizeQ4_0) * blockBytesQ4_0
	case GGMLTypeQ4_1:
		return (n / BlockSizeQ4_1) * blockBytesQ4_1
	case GGMLTypeQ8_0:
		return (n / BlockSizeQ8_0) * blockBytesQ8_0
	default:
		return 0
	}
}

// BlockSize is the number of values sharing one scale, 1 for plain types.
func (t GGMLType) BlockSize() uint64 {
	switch t {
	case GGMLTypeQ4_0:
		return BlockSizeQ4_0
	case GGMLTypeQ4_1:
		return BlockSizeQ4_1
	case GGMLTypeQ8_0:
		return BlockSizeQ8_0
	default:
		return 1
	}
}

// Supported reports whether tensors of this type can be converted to f32.
func (t GGMLType) Supported() bool {
	switch t {
	case GGMLTypeF32, GGMLTypeF16, GGMLTypeQ4_0, GGMLTypeQ4_1, GGMLTypeQ8_0:
		return true
	}
	return false
}

// GGUFFile is a parsed container. KV holds metadata decoded to Go values
// (unsigned ints, floats, bools, strings and []interface{} arrays).
type GGUFFile struct {
	Header  GGUFHeader
	KV      map[string]interface{}
	Tensors []*TensorInfo

	Data       []byte
	DataOffset uint64 // start of the aligned tensor section

	mapped bool
}

type GGUFHeader struct {
	Magic, Version       uint32
	TensorCount, KVCount uint64
}

// ErrInvalidMagic is returned when a file starts with neither container magic.
type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("bad container magic %#08x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("GGUF version %d not supported (want 2 or 3)", e.Version)
}

// ErrTruncated reports a tensor whose payload runs past the end of the file.
type ErrTruncated struct {
	Name string
	Need uint64
	Have uint64
}

func (e ErrTruncated) Error() string {
	return fmt.Sprintf("tensor %s truncated: need %d bytes, have %d", e.Name, e.Need, e.Have)
}

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ4_1:
		return "Q4_1"
	case GGMLTypeQ8_0:
		return "Q8_0"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
	}
}
