// Package importer turns a file or directory tree into a stored
// collection.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"blobshare/pkg/collection"
	"blobshare/pkg/pathcodec"
	"blobshare/pkg/store"
	"blobshare/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound      = errors.New("path not found")
	ErrSourceChanged = errors.New("source changed during import")
)

// Store is what the importer needs from a blob store.
type Store interface {
	AddPath(ctx context.Context, path string) (*store.TempTag, error)
	collection.BlobAdder
}

// Options configures an import.
type Options struct {
	// Parallelism bounds concurrent file hashing. Zero means one per CPU.
	Parallelism int
	Logger      *zap.Logger
	// OnFile, if set, is called after each file is added. It may be
	// called from several goroutines at once.
	OnFile func(name string, size int64)
}

// Result describes a stored collection and the tag that pins it.
type Result struct {
	Collection *collection.Collection
	// Tag pins the collection and every blob it references. The caller
	// owns it and must release it.
	Tag   *store.TempTag
	Files int
	Size  int64
}

func (r *Result) Content() types.HashAndFormat {
	return r.Tag.Content()
}

type source struct {
	path string
	name string
}

type added struct {
	name string
	size int64
	tag  *store.TempTag
}

// Import walks root, adds every regular file to s and stores the
// resulting collection. Names are relative to root's parent, so
// importing "/data/photos" yields names like "photos/a.jpg".
func Import(ctx context.Context, root string, s Store, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	sources, err := collectSources(root)
	if err != nil {
		return nil, err
	}
	logger.Debug("Importing files",
		zap.String("root", root),
		zap.Int("files", len(sources)),
		zap.Int("parallelism", parallelism))

	results := make([]added, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			size, tag, err := addFile(gctx, s, src.path)
			if err != nil {
				return err
			}
			results[i] = added{name: src.name, size: size, tag: tag}
			logger.Debug("Added file",
				zap.String("name", src.name),
				zap.String("hash", tag.Hash().String()),
				zap.Int64("size", size))
			if opts.OnFile != nil {
				opts.OnFile(src.name, size)
			}
			return nil
		})
	}

	releaseFiles := func() {
		for _, r := range results {
			r.tag.Release()
		}
	}

	if err := g.Wait(); err != nil {
		releaseFiles()
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].name < results[j].name })

	entries := make([]collection.Entry, len(results))
	var total int64
	for i, r := range results {
		entries[i] = collection.Entry{Name: r.name, Hash: r.tag.Hash()}
		total += r.size
	}

	c, err := collection.New(entries)
	if err != nil {
		releaseFiles()
		return nil, err
	}
	tag, err := c.Store(ctx, s)
	if err != nil {
		releaseFiles()
		return nil, err
	}

	// The collection tag now protects every file blob.
	releaseFiles()

	logger.Info("Import complete",
		zap.String("content", tag.Content().String()),
		zap.Int("files", len(results)),
		zap.Int64("bytes", total))

	return &Result{Collection: c, Tag: tag, Files: len(results), Size: total}, nil
}

func collectSources(root string) ([]source, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, root)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	base := filepath.Dir(resolved)

	var sources []source
	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		name, err := pathcodec.Encode(rel, true)
		if err != nil {
			return err
		}
		sources = append(sources, source{path: path, name: name})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return sources, nil
}

func addFile(ctx context.Context, s Store, path string) (int64, *store.TempTag, error) {
	before, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil, fmt.Errorf("%w: %s disappeared", ErrSourceChanged, path)
	}
	if err != nil {
		return 0, nil, err
	}

	tag, err := s.AddPath(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil, fmt.Errorf("%w: %s disappeared", ErrSourceChanged, path)
	}
	if err != nil {
		return 0, nil, err
	}

	after, err := os.Stat(path)
	if err != nil || after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		tag.Release()
		return 0, nil, fmt.Errorf("%w: %s was modified while hashing", ErrSourceChanged, path)
	}
	return before.Size(), tag, nil
}
