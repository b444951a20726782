package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

type kvPair struct {
	key   string
	typ   GGUFMetadataValueType
	value interface{}
}

type pendingTensor struct {
	name string
	ne   []uint64
	typ  GGMLType
	data []byte
}

// Writer assembles a GGUF v3 container.
type Writer struct {
	kv      []kvPair
	tensors []pendingTensor
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) AddString(key, v string) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeString, v})
}

func (w *Writer) AddUint32(key string, v uint32) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeUint32, v})
}

func (w *Writer) AddFloat32(key string, v float32) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeFloat32, v})
}

// AddTensor encodes values as typ. shape is outermost first.
func (w *Writer) AddTensor(name string, shape []int, typ GGMLType, values []float32) error {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(values) {
		return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", name, shape, n, len(values))
	}
	data, err := Encode(typ, values)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	ne := make([]uint64, len(shape))
	for i, d := range shape {
		ne[len(shape)-1-i] = uint64(d)
	}
	w.tensors = append(w.tensors, pendingTensor{name: name, ne: ne, typ: typ, data: data})
	return nil
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(dst)}
	le := binary.LittleEndian

	put := func(v interface{}) {
		if cw.err == nil {
			cw.err = binary.Write(cw, le, v)
		}
	}
	putString := func(s string) {
		put(uint64(len(s)))
		if cw.err == nil {
			_, cw.err = cw.Write([]byte(s))
		}
	}

	put(uint32(GGUFMagic))
	put(uint32(GGUFVersion))
	put(uint64(len(w.tensors)))
	put(uint64(len(w.kv)))

	for _, kv := range w.kv {
		putString(kv.key)
		put(uint32(kv.typ))
		if kv.typ == GGUFMetadataValueTypeString {
			putString(kv.value.(string))
		} else {
			put(kv.value)
		}
	}

	offset := uint64(0)
	for _, t := range w.tensors {
		putString(t.name)
		put(uint32(len(t.ne)))
		for _, d := range t.ne {
			put(d)
		}
		put(uint32(t.typ))
		put(offset)
		offset = alignUp(offset+uint64(len(t.data)), DefaultAlignment)
	}

	pad := func() {
		if r := cw.n % DefaultAlignment; r != 0 && cw.err == nil {
			_, cw.err = cw.Write(make([]byte, DefaultAlignment-r))
		}
	}
	pad()
	for _, t := range w.tensors {
		if cw.err == nil {
			_, cw.err = cw.Write(t.data)
		}
		pad()
	}

	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.Flush()
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
