package embedstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-sam/internal/engine"
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// FileStore keeps one Arrow IPC file per embedding under a directory.
type FileStore struct {
	dir string
	mem memory.Allocator
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("embedding cache dir: %w", err)
	}
	return &FileStore{dir: dir, mem: memory.NewGoAllocator()}, nil
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("invalid embedding key %q", key)
	}
	return filepath.Join(s.dir, key+".arrow"), nil
}

func (s *FileStore) Get(_ context.Context, key string) (*engine.Embedding, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(s.mem))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer r.Close()
	if r.NumRecords() != 1 {
		return nil, fmt.Errorf("%s: %d records, expected 1", path, r.NumRecords())
	}
	rec, err := r.Record(0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fromRecord(rec)
}

// Put writes the record to a temporary file and renames it into place.
func (s *FileStore) Put(_ context.Context, key string, e *engine.Embedding) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	rec := toRecord(s.mem, e)
	defer rec.Release()

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	w, err := ipc.NewFileWriter(tmp, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.mem))
	if err != nil {
		_ = tmp.Close()
		return err
	}
	if err := w.Write(rec); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) Close() error { return nil }
