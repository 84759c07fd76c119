// Package exporter materializes a collection as files under a
// destination directory.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"blobshare/pkg/collection"
	"blobshare/pkg/pathcodec"
	"blobshare/pkg/types"

	"go.uber.org/zap"
)

var (
	ErrTargetExists = errors.New("target already exists")
	// ErrNameConflict means one entry names a directory of another.
	ErrNameConflict = errors.New("entry is also a parent directory of another entry")
)

// TargetExistsError names the path that stopped an export. It matches
// ErrTargetExists.
type TargetExistsError struct {
	Path string
}

func (e *TargetExistsError) Error() string {
	return fmt.Sprintf("target %s already exists", e.Path)
}

func (e *TargetExistsError) Is(target error) bool {
	return target == ErrTargetExists
}

// Store is what the exporter needs from a blob store.
type Store interface {
	Export(ctx context.Context, h types.Hash, target string) error
}

// Options configures an export.
type Options struct {
	Logger *zap.Logger
	// OnFile, if set, is called after each file is written.
	OnFile func(name, target string)
}

// Export writes every entry of c under root, in collection order.
//
// All names are decoded and all targets checked before anything is
// written, so a bad name, a file/directory clash between entries or an
// existing target leaves root untouched.
// Existing paths are never removed or overwritten.
func Export(ctx context.Context, s Store, c *collection.Collection, root string, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	entries := c.Entries()
	targets := make([]string, len(entries))
	for i, e := range entries {
		target, err := pathcodec.Decode(e.Name, root)
		if err != nil {
			return err
		}
		targets[i] = target
	}
	if err := checkNameConflicts(entries); err != nil {
		return err
	}
	for _, target := range targets {
		if _, err := os.Lstat(target); err == nil {
			return &TargetExistsError{Path: target}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to check %s: %w", target, err)
		}
	}

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Export(ctx, e.Hash, targets[i]); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return &TargetExistsError{Path: targets[i]}
			}
			return fmt.Errorf("failed to export %s: %w", e.Name, err)
		}
		logger.Debug("Exported file", zap.String("name", e.Name), zap.String("target", targets[i]))
		if opts.OnFile != nil {
			opts.OnFile(e.Name, targets[i])
		}
	}

	logger.Info("Export complete", zap.String("root", root), zap.Int("files", len(entries)))
	return nil
}

func checkNameConflicts(entries []collection.Entry) error {
	files := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		files[e.Name] = struct{}{}
	}
	for _, e := range entries {
		for i := strings.IndexByte(e.Name, '/'); i >= 0; {
			dir := e.Name[:i]
			if _, ok := files[dir]; ok {
				return fmt.Errorf("%w: %q and %q", ErrNameConflict, dir, e.Name)
			}
			next := strings.IndexByte(e.Name[i+1:], '/')
			if next < 0 {
				break
			}
			i += next + 1
		}
	}
	return nil
}
