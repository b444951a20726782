package gguf

import (
	"fmt"
	"sort"
	"strings"
)

// GetUint returns an integer metadata value regardless of its stored width.
func (f *GGUFFile) GetUint(key string, def uint64) uint64 {
	v, ok := toUint(f.KV[key])
	if !ok {
		return def
	}
	return v
}

func (f *GGUFFile) GetFloat32(key string, def float32) float32 {
	switch v := f.KV[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return def
}

func (f *GGUFFile) GetString(key string, def string) string {
	if v, ok := f.KV[key].(string); ok {
		return v
	}
	return def
}

func toUint(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), true
	case int8:
		return uint64(x), x >= 0
	case uint16:
		return uint64(x), true
	case int16:
		return uint64(x), x >= 0
	case uint32:
		return uint64(x), true
	case int32:
		return uint64(x), x >= 0
	case uint64:
		return x, true
	case int64:
		return uint64(x), x >= 0
	case float64:
		return uint64(x), x >= 0
	}
	return 0, false
}

// Summary is a digest of a model container used by the inspect command.
type Summary struct {
	Architecture string
	Name         string
	TensorCount  int
	Parameters   uint64
	Bytes        uint64
	ByType       map[GGMLType]int
}

func Summarize(arch, name string, tensors []*TensorInfo) *Summary {
	s := &Summary{
		Architecture: arch,
		Name:         name,
		TensorCount:  len(tensors),
		ByType:       make(map[GGMLType]int),
	}
	for _, t := range tensors {
		s.Parameters += t.Elements()
		s.Bytes += t.SizeBytes()
		s.ByType[t.Type]++
	}
	return s
}

// Types lists the tensor count per storage type, e.g. "F16=40 F32=12".
func (s *Summary) Types() string {
	types := make([]GGMLType, 0, len(s.ByType))
	for t := range s.ByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s=%d", t, s.ByType[t]))
	}
	return strings.Join(parts, " ")
}

func (s *Summary) String() string {
	return fmt.Sprintf("arch=%s name=%q tensors=%d params=%.2fM size=%.1fMiB types=[%s]",
		s.Architecture, s.Name, s.TensorCount, float64(s.Parameters)/1e6,
		float64(s.Bytes)/(1<<20), s.Types())
}
