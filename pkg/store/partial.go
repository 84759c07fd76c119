package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"blobshare/pkg/types"
)

// Partial is a blob being assembled from out-of-order writes. Nothing
// becomes visible in the store until Commit verifies the hash.
type Partial struct {
	s    *Store
	hash types.Hash
	size int64
	path string
	f    *os.File
}

// NewPartial opens (or resumes) the partial file for hash.
func (s *Store) NewPartial(h types.Hash, size int64) (*Partial, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid blob size %d", size)
	}
	path := filepath.Join(s.root, partialDir, h.String())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial blob: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size partial blob: %w", err)
	}
	return &Partial{s: s, hash: h, size: size, path: path, f: f}, nil
}

func (p *Partial) Hash() types.Hash {
	return p.hash
}

func (p *Partial) Size() int64 {
	return p.size
}

// WriteAt is safe for concurrent use on disjoint ranges.
func (p *Partial) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > p.size {
		return 0, fmt.Errorf("write [%d, %d) outside blob of size %d", off, off+int64(len(b)), p.size)
	}
	return p.f.WriteAt(b, off)
}

// Commit verifies the assembled bytes and moves them into the store.
// On mismatch the partial data is discarded.
func (p *Partial) Commit(ctx context.Context) error {
	if _, err := p.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	got, n, err := HashReader(ctx, p.f)
	if err != nil {
		return fmt.Errorf("failed to hash partial blob: %w", err)
	}
	if err := p.f.Close(); err != nil {
		return err
	}
	if got != p.hash || n != p.size {
		os.Remove(p.path)
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, p.hash.Short(), got.Short())
	}

	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := os.Rename(p.path, p.s.blobPath(p.hash)); err != nil {
		return fmt.Errorf("failed to commit blob %s: %w", p.hash.Short(), err)
	}
	return nil
}

// Abort closes the partial. With discard set the bytes written so far
// are deleted, otherwise they remain for a later resume.
func (p *Partial) Abort(discard bool) error {
	err := p.f.Close()
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	if discard {
		if rerr := os.Remove(p.path); rerr != nil && !os.IsNotExist(rerr) {
			return rerr
		}
	}
	return err
}
