// Package embedstore persists image embeddings so a known image can skip the
// encoder. Embeddings travel as single Arrow records: one fixed-size list row
// per grid cell, geometry in the schema metadata.
package embedstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-sam/internal/config"
	"github.com/23skdu/longbow-sam/internal/engine"
	"github.com/23skdu/longbow-sam/internal/metrics"
	"github.com/23skdu/longbow-sam/internal/model"
)

var ErrNotFound = errors.New("embedding not found")

// Store keeps embeddings by key.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (*engine.Embedding, error)
	Put(ctx context.Context, key string, e *engine.Embedding) error
	Close() error
}

// Lookup reads key from s and records the hit or miss.
func Lookup(ctx context.Context, s Store, key string) (*engine.Embedding, bool, error) {
	e, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		metrics.RecordCacheLookup(s.Name(), false)
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	metrics.RecordCacheLookup(s.Name(), true)
	return e, true, nil
}

// Key fingerprints an image for a given model. Identical pixels under the same
// model tag always map to the same key.
func Key(modelTag string, img *engine.Image) string {
	d := xxhash.New()
	_, _ = d.WriteString(modelTag)
	var dims [16]byte
	binary.LittleEndian.PutUint64(dims[0:], uint64(img.Width))
	binary.LittleEndian.PutUint64(dims[8:], uint64(img.Height))
	_, _ = d.Write(dims[:])
	_, _ = d.Write(img.Pix)
	return fmt.Sprintf("%016x", d.Sum64())
}

// ModelTag identifies the weights and encoder settings an embedding came from.
// h is the session's effective hparams, so runtime epsilons count.
func ModelTag(m *model.Model, h config.Hparams) string {
	return fmt.Sprintf("%016x|%d|%d|%d|%d|%g", m.Fingerprint, h.EncState, h.EncLayers, h.EncOutChans, h.ImageSize, h.Eps)
}

const fieldName = "embedding"

var metaKeys = []string{"grid", "channels", "width", "height", "resized_width", "resized_height"}

func schemaFor(e *engine.Embedding) *arrow.Schema {
	vals := []int{e.Grid, e.Channels, e.Width, e.Height, e.ResizedWidth, e.ResizedHeight}
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = strconv.Itoa(v)
	}
	md := arrow.NewMetadata(metaKeys, strs)
	return arrow.NewSchema([]arrow.Field{
		{Name: fieldName, Type: arrow.FixedSizeListOf(int32(e.Channels), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// toRecord converts e into an Arrow record. The caller releases it.
func toRecord(mem memory.Allocator, e *engine.Embedding) arrow.Record {
	schema := schemaFor(e)
	b := array.NewFixedSizeListBuilder(mem, int32(e.Channels), arrow.PrimitiveTypes.Float32)
	defer b.Release()
	vb := b.ValueBuilder().(*array.Float32Builder)

	cells := e.Grid * e.Grid
	b.Reserve(cells)
	vb.Reserve(len(e.Data))
	for i := 0; i < cells; i++ {
		b.Append(true)
		vb.AppendValues(e.Data[i*e.Channels:(i+1)*e.Channels], nil)
	}
	col := b.NewArray()
	defer col.Release()
	return array.NewRecord(schema, []arrow.Array{col}, int64(cells))
}

func fromRecord(rec arrow.Record) (*engine.Embedding, error) {
	md := rec.Schema().Metadata()
	vals := make([]int, len(metaKeys))
	for i, k := range metaKeys {
		idx := md.FindKey(k)
		if idx < 0 {
			return nil, fmt.Errorf("record metadata missing %q", k)
		}
		v, err := strconv.Atoi(md.Values()[idx])
		if err != nil {
			return nil, fmt.Errorf("record metadata %q: %w", k, err)
		}
		vals[i] = v
	}
	e := &engine.Embedding{
		Grid:          vals[0],
		Channels:      vals[1],
		Width:         vals[2],
		Height:        vals[3],
		ResizedWidth:  vals[4],
		ResizedHeight: vals[5],
	}

	if rec.NumCols() != 1 {
		return nil, fmt.Errorf("record has %d columns, expected 1", rec.NumCols())
	}
	list, ok := rec.Column(0).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column %s is %s, expected fixed size list", rec.ColumnName(0), rec.Column(0).DataType())
	}
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("column %s holds %s, expected float32", rec.ColumnName(0), list.ListValues().DataType())
	}
	want := e.Grid * e.Grid * e.Channels
	if int(rec.NumRows()) != e.Grid*e.Grid || values.Len() < want {
		return nil, fmt.Errorf("record holds %d rows of %d values, expected %d cells", rec.NumRows(), values.Len(), e.Grid*e.Grid)
	}
	start := list.Offset() * e.Channels
	e.Data = make([]float32, want)
	copy(e.Data, values.Float32Values()[start:start+want])
	return e, nil
}
