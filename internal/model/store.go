package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Handle addresses a tensor inside a Store.
type Handle int32

const NoHandle Handle = -1

// Tensor is an f32 weight. Shape is outermost first and always describes the
// stored file layout; when Transposed is set Data holds the [Cols × Rows]
// transpose of that layout, ready for a non-transposed GEMM.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32

	Transposed bool
	Rows, Cols int
}

// Store is the arena owning every weight of a loaded model. Layer structs refer
// to tensors by Handle; the store alone controls their lifetime.
type Store struct {
	tensors []Tensor
	byName  map[string]Handle
}

func NewStore() *Store {
	return &Store{byName: make(map[string]Handle)}
}

// Add registers a tensor. Names are unique.
func (s *Store) Add(name string, shape []int, data []float32) (Handle, error) {
	if _, dup := s.byName[name]; dup {
		return NoHandle, fmt.Errorf("duplicate tensor %s", name)
	}
	if n := numElements(shape); n != len(data) {
		return NoHandle, fmt.Errorf("tensor %s: shape %v holds %d values, got %d", name, shape, n, len(data))
	}
	h := Handle(len(s.tensors))
	s.tensors = append(s.tensors, Tensor{Name: name, Shape: append([]int(nil), shape...), Data: data})
	s.byName[name] = h
	return h, nil
}

func (s *Store) Lookup(name string) (Handle, bool) {
	h, ok := s.byName[name]
	return h, ok
}

func (s *Store) Tensor(h Handle) *Tensor {
	return &s.tensors[h]
}

// Data returns the values of h. Callers must not modify them.
func (s *Store) Data(h Handle) []float32 {
	return s.tensors[h].Data
}

// Transpose converts h from [rows × cols] to [cols × rows] once. Calling it again
// on the same tensor is a no-op.
func (s *Store) Transpose(h Handle, rows, cols int) error {
	t := &s.tensors[h]
	if t.Transposed {
		if t.Rows != rows || t.Cols != cols {
			return fmt.Errorf("tensor %s already packed as %dx%d", t.Name, t.Rows, t.Cols)
		}
		return nil
	}
	if rows*cols != len(t.Data) {
		return fmt.Errorf("tensor %s: cannot view %d values as %dx%d", t.Name, len(t.Data), rows, cols)
	}
	t.Data = transpose(t.Data, rows, cols)
	t.Transposed, t.Rows, t.Cols = true, rows, cols
	return nil
}

// Canonical returns the values of h in file layout, undoing Transpose.
func (s *Store) Canonical(h Handle) []float32 {
	t := &s.tensors[h]
	if !t.Transposed {
		return t.Data
	}
	return transpose(t.Data, t.Cols, t.Rows)
}

func transpose(src []float32, rows, cols int) []float32 {
	dst := make([]float32, len(src))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
	return dst
}

func (s *Store) Len() int {
	return len(s.tensors)
}

func (s *Store) Bytes() int64 {
	var n int64
	for i := range s.tensors {
		n += int64(len(s.tensors[i].Data)) * 4
	}
	return n
}

// Fingerprint hashes the name, shape and values of every tensor in insertion
// order. Stores holding different weights hash differently.
func (s *Store) Fingerprint() uint64 {
	d := xxhash.New()
	var buf []byte
	for i := range s.tensors {
		t := &s.tensors[i]
		buf = append(buf[:0], t.Name...)
		for _, n := range t.Shape {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(n))
		}
		for _, v := range t.Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		_, _ = d.Write(buf)
	}
	return d.Sum64()
}

// Names lists the stored tensor names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// squeeze drops unit dimensions so [1,64,64,768] and [64,64,768] compare equal.
func squeeze(shape []int) []int {
	out := make([]int, 0, len(shape))
	for _, d := range shape {
		if d != 1 {
			out = append(out, d)
		}
	}
	return out
}

func sameShape(a, b []int) bool {
	a, b = squeeze(a), squeeze(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
