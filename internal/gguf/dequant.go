package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Dequantize converts the payload of t to f32, fastest-varying dimension last in memory order.
func Dequantize(t *TensorInfo) ([]float32, error) {
	if err := t.CheckDims(); err != nil {
		return nil, err
	}
	n := t.Elements()
	if n > math.MaxInt {
		return nil, fmt.Errorf("tensor %s: %d elements do not fit in memory", t.Name, n)
	}
	if n%t.Type.BlockSize() != 0 {
		return nil, fmt.Errorf("tensor %s: %d elements not a multiple of %s block size %d", t.Name, n, t.Type, t.Type.BlockSize())
	}
	if need := t.SizeBytes(); uint64(len(t.Data)) < need {
		return nil, ErrTruncated{Name: t.Name, Need: need, Have: uint64(len(t.Data))}
	}

	out := make([]float32, n)
	switch t.Type {
	case GGMLTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
	case GGMLTypeF16:
		DequantizeF16(t.Data, out)
	case GGMLTypeQ8_0:
		DequantizeQ8_0(t.Data, out)
	case GGMLTypeQ4_0:
		DequantizeQ4_0(t.Data, out)
	case GGMLTypeQ4_1:
		DequantizeQ4_1(t.Data, out)
	default:
		return nil, fmt.Errorf("tensor %s: unsupported type %s", t.Name, t.Type)
	}
	return out, nil
}

func DequantizeF16(data []byte, out []float32) {
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
	}
}

// DequantizeQ8_0 expands blocks of {f16 scale, 32 x int8}.
func DequantizeQ8_0(data []byte, out []float32) {
	for b := 0; b < len(out)/BlockSizeQ8_0; b++ {
		block := data[b*blockBytesQ8_0 : (b+1)*blockBytesQ8_0]
		d := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		for j := 0; j < BlockSizeQ8_0; j++ {
			out[b*BlockSizeQ8_0+j] = float32(int8(block[2+j])) * d
		}
	}
}

// DequantizeQ4_0 expands blocks of {f16 scale, 16 bytes of nibbles}; low nibbles
// hold the first half of the block.
func DequantizeQ4_0(data []byte, out []float32) {
	const half = BlockSizeQ4_0 / 2
	for b := 0; b < len(out)/BlockSizeQ4_0; b++ {
		block := data[b*blockBytesQ4_0 : (b+1)*blockBytesQ4_0]
		d := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		qs := block[2:]
		y := out[b*BlockSizeQ4_0:]
		for j := 0; j < half; j++ {
			y[j] = float32(int(qs[j]&0x0F)-8) * d
			y[j+half] = float32(int(qs[j]>>4)-8) * d
		}
	}
}

// DequantizeQ4_1 expands blocks of {f16 scale, f16 min, 16 bytes of nibbles}.
func DequantizeQ4_1(data []byte, out []float32) {
	const half = BlockSizeQ4_1 / 2
	for b := 0; b < len(out)/BlockSizeQ4_1; b++ {
		block := data[b*blockBytesQ4_1 : (b+1)*blockBytesQ4_1]
		d := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		m := float16.Frombits(binary.LittleEndian.Uint16(block[2:])).Float32()
		qs := block[4:]
		y := out[b*BlockSizeQ4_1:]
		for j := 0; j < half; j++ {
			y[j] = float32(qs[j]&0x0F)*d + m
			y[j+half] = float32(qs[j]>>4)*d + m
		}
	}
}

// Encode packs values as type typ. Quantized types require len(values) to be a
// multiple of the block size.
func Encode(typ GGMLType, values []float32) ([]byte, error) {
	if uint64(len(values))%typ.BlockSize() != 0 {
		return nil, fmt.Errorf("%d values not a multiple of %s block size", len(values), typ)
	}
	switch typ {
	case GGMLTypeF32:
		out := make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case GGMLTypeF16:
		out := make([]byte, len(values)*2)
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case GGMLTypeQ8_0:
		return quantizeQ8_0(values), nil
	case GGMLTypeQ4_0:
		return quantizeQ4_0(values), nil
	default:
		return nil, fmt.Errorf("encoding to %s is not supported", typ)
	}
}

func quantizeQ8_0(values []float32) []byte {
	out := make([]byte, len(values)/BlockSizeQ8_0*blockBytesQ8_0)
	for b := 0; b < len(values)/BlockSizeQ8_0; b++ {
		x := values[b*BlockSizeQ8_0 : (b+1)*BlockSizeQ8_0]
		amax := float32(0)
		for _, v := range x {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := amax / 127
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		block := out[b*blockBytesQ8_0:]
		binary.LittleEndian.PutUint16(block, float16.Fromfloat32(d).Bits())
		for j, v := range x {
			block[2+j] = byte(int8(math.Round(float64(v * id))))
		}
	}
	return out
}

func quantizeQ4_0(values []float32) []byte {
	const half = BlockSizeQ4_0 / 2
	out := make([]byte, len(values)/BlockSizeQ4_0*blockBytesQ4_0)
	for b := 0; b < len(values)/BlockSizeQ4_0; b++ {
		x := values[b*BlockSizeQ4_0 : (b+1)*BlockSizeQ4_0]
		amax, vmax := float32(0), float32(0)
		for _, v := range x {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax, vmax = a, v
			}
		}
		d := vmax / -8
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		block := out[b*blockBytesQ4_0:]
		binary.LittleEndian.PutUint16(block, float16.Fromfloat32(d).Bits())
		for j := 0; j < half; j++ {
			q0 := min(uint8(math.Floor(float64(x[j]*id+8.5))), 15)
			q1 := min(uint8(math.Floor(float64(x[j+half]*id+8.5))), 15)
			block[2+j] = q0 | q1<<4
		}
	}
	return out
}
