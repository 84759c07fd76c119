// Package store is a content-addressed blob store on the local
// filesystem.
//
// Blobs live under data/<hex hash>. Anything added is protected from
// garbage collection by a TempTag until the caller releases it or
// records a persistent tag naming it.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"blobshare/pkg/codec"
	"blobshare/pkg/types"

	"go.uber.org/zap"
)

var (
	ErrNotFound     = errors.New("blob not found")
	ErrHashMismatch = errors.New("content does not match hash")
	ErrClosed       = errors.New("store is closed")
)

const (
	dataDir    = "data"
	partialDir = "partial"
	tmpDir     = "tmp"
	tagsFile   = "tags.cbor"
)

// Store is a content-addressed blob store rooted at a directory.
type Store struct {
	root   string
	logger *zap.Logger

	mu     sync.Mutex
	pins   map[types.HashAndFormat]int
	tags   map[string]types.HashAndFormat
	closed bool
}

// Open opens the store rooted at dir, creating it if needed.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, sub := range []string{dataDir, partialDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	s := &Store{
		root:   dir,
		logger: logger,
		pins:   make(map[types.HashAndFormat]int),
		tags:   make(map[string]types.HashAndFormat),
	}
	if err := s.loadTags(); err != nil {
		return nil, err
	}

	// Leftovers from an interrupted add are never referenced.
	if entries, err := os.ReadDir(filepath.Join(dir, tmpDir)); err == nil {
		for _, e := range entries {
			os.Remove(filepath.Join(dir, tmpDir, e.Name()))
		}
	}

	logger.Debug("Opened blob store", zap.String("dir", dir), zap.Int("tags", len(s.tags)))
	return s, nil
}

func (s *Store) Dir() string {
	return s.root
}

func (s *Store) blobPath(h types.Hash) string {
	return filepath.Join(s.root, dataDir, h.String())
}

// AddPath copies the file at path into the store.
func (s *Store) AddPath(ctx context.Context, path string) (*TempTag, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return s.addReader(ctx, f, types.FormatRaw)
}

// AddBytes stores data as a blob of the given format.
func (s *Store) AddBytes(ctx context.Context, data []byte, format types.BlobFormat) (*TempTag, error) {
	if format == types.FormatHashSeq {
		if _, err := DecodeHashSeq(data); err != nil {
			return nil, err
		}
	}
	return s.addReader(ctx, &sliceReader{data: data}, format)
}

func (s *Store) addReader(ctx context.Context, r io.Reader, format types.BlobFormat) (*TempTag, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "add-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hw := newHashingWriter(tmp)
	_, err = io.Copy(hw, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}

	content := types.HashAndFormat{Hash: hw.Sum(), Format: format}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	target := s.blobPath(content.Hash)
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(tmpName, target); err != nil {
			return nil, fmt.Errorf("failed to store blob %s: %w", content.Hash.Short(), err)
		}
	}
	return s.pinLocked(content), nil
}

// Has reports whether the complete blob is present.
func (s *Store) Has(h types.Hash) bool {
	_, err := os.Stat(s.blobPath(h))
	return err == nil
}

func (s *Store) Size(h types.Hash) (int64, error) {
	fi, err := os.Stat(s.blobPath(h))
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ReadAll returns the full contents of a blob. Intended for small blobs
// such as hash sequences and collection metadata.
func (s *Store) ReadAll(h types.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return data, err
}

// Blob is an open handle on a stored blob.
type Blob struct {
	f    *os.File
	size int64
}

func (b *Blob) ReadAt(p []byte, off int64) (int, error) {
	return b.f.ReadAt(p, off)
}

func (b *Blob) Size() int64 {
	return b.size
}

func (b *Blob) Close() error {
	return b.f.Close()
}

func (s *Store) OpenBlob(h types.Hash) (*Blob, error) {
	f, err := os.Open(s.blobPath(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Blob{f: f, size: fi.Size()}, nil
}

// Export writes the blob to target, creating parent directories. It
// never overwrites: an existing target yields an error wrapping
// os.ErrExist.
func (s *Store) Export(ctx context.Context, h types.Hash, target string) error {
	src, err := os.Open(s.blobPath(h))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	_, err = io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Only ever removes a file this call created.
		os.Remove(target)
		return fmt.Errorf("failed to export %s: %w", h.Short(), err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type sliceReader struct {
	data []byte
	off  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

func (s *Store) loadTags() error {
	data, err := os.ReadFile(filepath.Join(s.root, tagsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read tags: %w", err)
	}
	if err := codec.Unmarshal(data, &s.tags); err != nil {
		return fmt.Errorf("failed to parse tags: %w", err)
	}
	if s.tags == nil {
		s.tags = make(map[string]types.HashAndFormat)
	}
	return nil
}

func (s *Store) saveTagsLocked() error {
	data, err := codec.Marshal(s.tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	tmp := filepath.Join(s.root, tmpDir, tagsFile)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write tags: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.root, tagsFile))
}

// SetTag records a persistent, named root that survives GC and restarts.
func (s *Store) SetTag(name string, content types.HashAndFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[name] = content
	return s.saveTagsLocked()
}

func (s *Store) DeleteTag(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[name]; !ok {
		return nil
	}
	delete(s.tags, name)
	return s.saveTagsLocked()
}

func (s *Store) Tags() map[string]types.HashAndFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.HashAndFormat, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}
