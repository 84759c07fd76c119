package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"blobshare/pkg/types"

	"go.uber.org/zap"
)

// GC deletes every blob not reachable from a temp tag or a persistent
// tag. A hash sequence root keeps all of its children alive.
func (s *Store) GC(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[types.Hash]struct{})
	mark := func(c types.HashAndFormat) {
		live[c.Hash] = struct{}{}
		if c.Format != types.FormatHashSeq {
			return
		}
		data, err := os.ReadFile(s.blobPath(c.Hash))
		if err != nil {
			return
		}
		children, err := DecodeHashSeq(data)
		if err != nil {
			s.logger.Warn("Skipping malformed hash sequence", zap.String("hash", c.Hash.String()), zap.Error(err))
			return
		}
		for _, h := range children {
			live[h] = struct{}{}
		}
	}
	for c := range s.pins {
		mark(c)
	}
	for _, c := range s.tags {
		mark(c)
	}

	entries, err := os.ReadDir(filepath.Join(s.root, dataDir))
	if err != nil {
		return 0, fmt.Errorf("failed to list blobs: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		h, err := types.ParseHash(e.Name())
		if err != nil {
			continue
		}
		if _, ok := live[h]; ok {
			continue
		}
		if err := os.Remove(s.blobPath(h)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove blob %s: %w", h.Short(), err)
		}
		removed++
	}

	s.logger.Debug("Garbage collection finished", zap.Int("removed", removed), zap.Int("live", len(live)))
	return removed, nil
}
