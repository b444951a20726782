package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestGGUFMagic(t *testing.T) {
	if GGUFMagic != 0x46554747 {
		t.Errorf("expected GGUFMagic 0x46554747, got 0x%x", GGUFMagic)
	}
	if LegacyMagic != 0x67676d6c {
		t.Errorf("expected LegacyMagic 0x67676d6c, got 0x%x", LegacyMagic)
	}
}

func TestGGMLTypeString(t *testing.T) {
	tests := []struct {
		ggmlType GGMLType
		expected string
	}{
		{GGMLTypeF32, "F32"},
		{GGMLTypeF16, "F16"},
		{GGMLTypeQ4_0, "Q4_0"},
		{GGMLTypeQ4_1, "Q4_1"},
		{GGMLTypeQ8_0, "Q8_0"},
		{GGMLType(999), "UNKNOWN_TYPE_999"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.ggmlType.String(); got != tt.expected {
				t.Errorf("String() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestTensorInfoSizeBytes(t *testing.T) {
	tests := []struct {
		name string
		info TensorInfo
		want uint64
	}{
		{"f32", TensorInfo{Dimensions: []uint64{256, 4}, Type: GGMLTypeF32}, 4096},
		{"f16", TensorInfo{Dimensions: []uint64{256, 4}, Type: GGMLTypeF16}, 2048},
		{"q8_0", TensorInfo{Dimensions: []uint64{64, 2}, Type: GGMLTypeQ8_0}, 4 * 34},
		{"q4_0", TensorInfo{Dimensions: []uint64{64}, Type: GGMLTypeQ4_0}, 2 * 18},
		{"q4_1", TensorInfo{Dimensions: []uint64{32}, Type: GGMLTypeQ4_1}, 20},
		{"unknown", TensorInfo{Dimensions: []uint64{32}, Type: GGMLType(99)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.SizeBytes(); got != tt.want {
				t.Errorf("SizeBytes() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTensorInfoShape(t *testing.T) {
	info := TensorInfo{Dimensions: []uint64{768, 64, 64, 1}}
	shape := info.Shape()
	want := []int{1, 64, 64, 768}
	for i := range want {
		if shape[i] != want[i] {
			t.Fatalf("Shape() = %v, want %v", shape, want)
		}
	}
	if info.Elements() != 768*64*64 {
		t.Errorf("Elements() = %d", info.Elements())
	}
}

func ramp(n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = scale * float32(math.Sin(float64(i)*0.37))
	}
	return out
}

func TestWriterParseRoundTrip(t *testing.T) {
	w := NewWriter()
	w.AddString("general.architecture", "sam")
	w.AddUint32("sam.encoder.embedding_length", 768)
	w.AddFloat32("sam.eps", 1e-6)

	f32 := ramp(6, 1)
	f16 := ramp(64, 2)
	q8 := ramp(64, 3)
	q4 := ramp(32, 1)
	mustAdd := func(name string, shape []int, typ GGMLType, v []float32) {
		t.Helper()
		if err := w.AddTensor(name, shape, typ, v); err != nil {
			t.Fatalf("AddTensor(%s): %v", name, err)
		}
	}
	mustAdd("a", []int{2, 3}, GGMLTypeF32, f32)
	mustAdd("b", []int{64}, GGMLTypeF16, f16)
	mustAdd("c", []int{2, 32}, GGMLTypeQ8_0, q8)
	mustAdd("d", []int{32}, GGMLTypeQ4_0, q4)

	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	f, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.GetString("general.architecture", "") != "sam" {
		t.Errorf("architecture = %v", f.KV["general.architecture"])
	}
	if f.GetUint("sam.encoder.embedding_length", 0) != 768 {
		t.Errorf("embedding_length = %v", f.KV["sam.encoder.embedding_length"])
	}
	if f.GetFloat32("sam.eps", 0) != 1e-6 {
		t.Errorf("eps = %v", f.KV["sam.eps"])
	}
	if f.GetUint("missing", 7) != 7 {
		t.Error("missing key should return default")
	}
	if f.DataOffset%DefaultAlignment != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}

	tests := []struct {
		name  string
		shape []int
		want  []float32
		tol   float64
	}{
		{"a", []int{2, 3}, f32, 0},
		{"b", []int{64}, f16, 2e-3},
		{"c", []int{2, 32}, q8, 3.0 / 127},
		{"d", []int{32}, q4, 1.0 / 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := f.Tensor(tt.name)
			if info == nil {
				t.Fatalf("tensor %s missing", tt.name)
			}
			shape := info.Shape()
			if len(shape) != len(tt.shape) {
				t.Fatalf("shape = %v, want %v", shape, tt.shape)
			}
			for i := range shape {
				if shape[i] != tt.shape[i] {
					t.Fatalf("shape = %v, want %v", shape, tt.shape)
				}
			}
			got, err := Dequantize(info)
			if err != nil {
				t.Fatalf("Dequantize: %v", err)
			}
			for i := range tt.want {
				if d := math.Abs(float64(got[i] - tt.want[i])); d > tt.tol {
					t.Fatalf("value %d: got %v, want %v (tol %v)", i, got[i], tt.want[i], tt.tol)
				}
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	w := NewWriter()
	w.AddString("general.architecture", "sam")
	if err := w.AddTensor("x", []int{4}, GGMLTypeF32, []float32{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "m.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()
	got, err := Dequantize(f.Tensor("x"))
	if err != nil {
		t.Fatal(err)
	}
	if got[3] != 4 {
		t.Errorf("got %v", got)
	}
}

func TestParseErrors(t *testing.T) {
	header := func(magic, version uint32) []byte {
		var buf bytes.Buffer
		_ = binary.Write(&buf, binary.LittleEndian, magic)
		_ = binary.Write(&buf, binary.LittleEndian, version)
		_ = binary.Write(&buf, binary.LittleEndian, uint64(0))
		_ = binary.Write(&buf, binary.LittleEndian, uint64(0))
		return buf.Bytes()
	}

	t.Run("short", func(t *testing.T) {
		if _, err := Parse([]byte{1, 2, 3}); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("magic", func(t *testing.T) {
		_, err := Parse(header(0xdeadbeef, 3))
		var magicErr ErrInvalidMagic
		if !errors.As(err, &magicErr) || magicErr.Magic != 0xdeadbeef {
			t.Errorf("expected ErrInvalidMagic, got %v", err)
		}
	})
	t.Run("version", func(t *testing.T) {
		_, err := Parse(header(GGUFMagic, 9))
		var verErr ErrUnsupportedVersion
		if !errors.As(err, &verErr) || verErr.Version != 9 {
			t.Errorf("expected ErrUnsupportedVersion, got %v", err)
		}
	})
	t.Run("truncated tensor", func(t *testing.T) {
		w := NewWriter()
		if err := w.AddTensor("x", []int{64}, GGMLTypeF32, make([]float32, 64)); err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if _, err := w.WriteTo(&buf); err != nil {
			t.Fatal(err)
		}
		data := buf.Bytes()[:buf.Len()-100]
		_, err := Parse(data)
		var trunc ErrTruncated
		if !errors.As(err, &trunc) || trunc.Name != "x" {
			t.Errorf("expected ErrTruncated, got %v", err)
		}
	})
	t.Run("oversized dimensions", func(t *testing.T) {
		tests := []struct {
			name string
			dims []uint64
		}{
			{"wraps byte size", []uint64{1 << 62}},
			{"wraps element count", []uint64{1 << 33, 1 << 33}},
			{"huge after zero", []uint64{0, 1 << 63}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := Parse(rawTensorFile("x", tt.dims)); err == nil {
					t.Errorf("dims %v: expected error", tt.dims)
				}
			})
		}
	})
}

// rawTensorFile encodes a GGUF header and one F32 tensor record with the
// given dimensions and no payload.
func rawTensorFile(name string, dims []uint64) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, uint32(GGUFMagic))
	_ = binary.Write(&buf, le, uint32(GGUFVersion))
	_ = binary.Write(&buf, le, uint64(1))
	_ = binary.Write(&buf, le, uint64(0))
	_ = binary.Write(&buf, le, uint64(len(name)))
	buf.WriteString(name)
	_ = binary.Write(&buf, le, uint32(len(dims)))
	_ = binary.Write(&buf, le, dims)
	_ = binary.Write(&buf, le, uint32(GGMLTypeF32))
	_ = binary.Write(&buf, le, uint64(0))
	return buf.Bytes()
}

func TestDequantizeRejectsOversizedTensor(t *testing.T) {
	info := &TensorInfo{Name: "x", Dimensions: []uint64{1 << 62}, Type: GGMLTypeF32, Data: make([]byte, 16)}
	if _, err := Dequantize(info); err == nil {
		t.Error("expected error")
	}
}

func TestWriterRejectsShapeMismatch(t *testing.T) {
	w := NewWriter()
	if err := w.AddTensor("x", []int{2, 2}, GGMLTypeF32, []float32{1, 2, 3}); err == nil {
		t.Error("expected shape mismatch error")
	}
	if err := w.AddTensor("y", []int{10}, GGMLTypeQ8_0, make([]float32, 10)); err == nil {
		t.Error("expected block size error")
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	h := LegacyHeader{EncState: 768, EncLayers: 12, EncHeads: 12, EncOutChans: 256, PtEmbd: 4, FType: 1001}
	tensors := []LegacyTensor{
		{Name: "image_encoder.pos_embed", Shape: []int{1, 2, 2, 3}, Type: GGMLTypeF32, Values: ramp(12, 1)},
		{Name: "mask_decoder.iou_token.weight", Shape: []int{1, 8}, Type: GGMLTypeF16, Values: ramp(8, 1)},
	}

	path := filepath.Join(t.TempDir(), "legacy.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteLegacy(f, h, tensors); err != nil {
		t.Fatalf("WriteLegacy: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	legacy, err := IsLegacyFile(path)
	if err != nil || !legacy {
		t.Fatalf("IsLegacyFile = %v, %v", legacy, err)
	}

	lf, err := LoadLegacyFile(path)
	if err != nil {
		t.Fatalf("LoadLegacyFile: %v", err)
	}
	defer func() { _ = lf.Close() }()

	if lf.Header.EncState != 768 || lf.Header.EncOutChans != 256 {
		t.Errorf("header = %+v", lf.Header)
	}
	if lf.Header.FType != 1 {
		t.Errorf("ftype should drop the quantization version, got %d", lf.Header.FType)
	}
	if len(lf.Tensors) != 2 {
		t.Fatalf("expected 2 tensors, got %d", len(lf.Tensors))
	}
	pos := lf.Tensors[0]
	if pos.Name != "image_encoder.pos_embed" || pos.Dimensions[0] != 3 || pos.Dimensions[3] != 1 {
		t.Errorf("pos_embed = %s %v", pos.Name, pos.Dimensions)
	}
	got, err := Dequantize(lf.Tensors[1])
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range tensors[1].Values {
		if math.Abs(float64(got[i]-want)) > 1e-3 {
			t.Errorf("value %d: got %v, want %v", i, got[i], want)
		}
	}
}

func TestParseLegacyErrors(t *testing.T) {
	var buf bytes.Buffer
	h := LegacyHeader{EncState: 768}
	if err := WriteLegacy(&buf, h, []LegacyTensor{{Name: "x", Shape: []int{8}, Type: GGMLTypeF32, Values: make([]float32, 8)}}); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()

	if _, err := ParseLegacy(data[:len(data)-4]); err == nil {
		t.Error("expected truncation error")
	}
	bad := append([]byte{}, data...)
	binary.LittleEndian.PutUint32(bad, 0x1234)
	var magicErr ErrInvalidMagic
	if _, err := ParseLegacy(bad); !errors.As(err, &magicErr) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	buf.Reset()
	huge := []LegacyTensor{{Name: "x", Shape: []int{1 << 30, 1 << 30, 1 << 30, 1 << 30}, Type: GGMLTypeF32, Values: make([]float32, 8)}}
	if err := WriteLegacy(&buf, h, huge); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseLegacy(buf.Bytes()); err == nil {
		t.Error("expected error for overflowing dimensions")
	}
}

func TestSummarize(t *testing.T) {
	tensors := []*TensorInfo{
		{Name: "a", Dimensions: []uint64{32}, Type: GGMLTypeF32},
		{Name: "b", Dimensions: []uint64{32, 2}, Type: GGMLTypeF16},
		{Name: "c", Dimensions: []uint64{16}, Type: GGMLTypeF16},
	}
	s := Summarize("sam", "tiny", tensors)
	if s.Parameters != 112 {
		t.Errorf("Parameters = %d", s.Parameters)
	}
	if s.Bytes != 128+128+32 {
		t.Errorf("Bytes = %d", s.Bytes)
	}
	if s.ByType[GGMLTypeF16] != 2 {
		t.Errorf("ByType = %v", s.ByType)
	}
	if got := s.Types(); got != "F32=1 F16=2" {
		t.Errorf("Types() = %q", got)
	}
	if s.String() == "" {
		t.Error("empty summary string")
	}
}
