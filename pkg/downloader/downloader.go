// Package downloader fetches content from providers into a local store.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"blobshare/pkg/discovery"
	"blobshare/pkg/store"
	"blobshare/pkg/transport"
	"blobshare/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSegmentSize is the unit of work for ranged fetches.
const DefaultSegmentSize int64 = 4 * 1024 * 1024

var ErrNoProviders = errors.New("no provider could serve the content")

// Options configures a Downloader.
type Options struct {
	SegmentSize int64
	Logger      *zap.Logger
	// OnBlob is called after each blob is committed or found locally.
	OnBlob func(h types.Hash, size int64, fetched bool)
}

// Stats summarizes one download.
type Stats struct {
	Blobs    int
	Skipped  int
	Bytes    int64
	Duration time.Duration
}

// Downloader fetches verified content from providers into a store.
type Downloader struct {
	store   *store.Store
	pool    *transport.Pool
	logger  *zap.Logger
	segment int64
	onBlob  func(types.Hash, int64, bool)
}

func New(s *store.Store, pool *transport.Pool, opts Options) *Downloader {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	segment := opts.SegmentSize
	if segment <= 0 {
		segment = DefaultSegmentSize
	}
	return &Downloader{store: s, pool: pool, logger: logger, segment: segment, onBlob: opts.OnBlob}
}

// Download fetches opts.Content and, for hash sequences, every child
// blob. The returned tag keeps the content alive in the store until it
// is released.
func (d *Downloader) Download(ctx context.Context, opts discovery.DownloadOptions) (*store.TempTag, *Stats, error) {
	start := time.Now()
	if opts.Discovery == nil {
		return nil, nil, fmt.Errorf("%w: no discovery configured", ErrNoProviders)
	}
	found, err := opts.Discovery.FindProviders(ctx, opts.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find providers: %w", err)
	}
	providers := found.Collect()
	if len(providers) == 0 {
		if err := found.Err(); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrNoProviders, err)
		}
		return nil, nil, fmt.Errorf("%w: discovery returned none for %s", ErrNoProviders, opts.Content)
	}

	d.logger.Info("Starting download",
		zap.String("content", opts.Content.String()),
		zap.Int("providers", len(providers)),
		zap.Stringer("split", opts.Split))

	tag := d.store.Pin(opts.Content)
	stats := &Stats{}
	var bytes atomic.Int64

	if err := d.fetchBlob(ctx, opts.Content.Hash, providers, opts.Split, stats, &bytes); err != nil {
		tag.Release()
		return nil, nil, err
	}

	if opts.Content.Format == types.FormatHashSeq {
		data, err := d.store.ReadAll(opts.Content.Hash)
		if err != nil {
			tag.Release()
			return nil, nil, err
		}
		children, err := store.DecodeHashSeq(data)
		if err != nil {
			tag.Release()
			return nil, nil, fmt.Errorf("content %s is not a valid hash sequence: %w", opts.Content, err)
		}
		for _, child := range children {
			if err := d.fetchBlob(ctx, child, providers, opts.Split, stats, &bytes); err != nil {
				tag.Release()
				return nil, nil, err
			}
		}
	}

	stats.Bytes = bytes.Load()
	stats.Duration = time.Since(start)
	d.logger.Info("Download complete",
		zap.String("content", opts.Content.String()),
		zap.Int("blobs", stats.Blobs),
		zap.Int("skipped", stats.Skipped),
		zap.Int64("bytes", stats.Bytes),
		zap.Duration("duration", stats.Duration))
	return tag, stats, nil
}

func (d *Downloader) fetchBlob(ctx context.Context, h types.Hash, providers []types.NodeAddr, split discovery.SplitStrategy, stats *Stats, bytes *atomic.Int64) error {
	stats.Blobs++
	if d.store.Has(h) {
		stats.Skipped++
		size, _ := d.store.Size(h)
		d.logger.Debug("Blob already present", zap.String("hash", h.Short()))
		if d.onBlob != nil {
			d.onBlob(h, size, false)
		}
		return nil
	}

	size, candidates, err := d.stat(ctx, h, providers, split)
	if err != nil {
		return err
	}

	partial, err := d.store.NewPartial(h, size)
	if err != nil {
		return err
	}

	segments := (size + d.segment - 1) / d.segment
	if split == discovery.SplitAcrossProviders && len(candidates) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(len(candidates))
		for i := int64(0); i < segments; i++ {
			i := i
			g.Go(func() error {
				return d.fetchSegment(gctx, partial, i, rotate(candidates, int(i)), bytes)
			})
		}
		err = g.Wait()
	} else {
		for i := int64(0); i < segments && err == nil; i++ {
			err = d.fetchSegment(ctx, partial, i, candidates, bytes)
		}
	}
	if err != nil {
		partial.Abort(true)
		return err
	}

	if err := partial.Commit(ctx); err != nil {
		return fmt.Errorf("failed to verify blob %s: %w", h.Short(), err)
	}
	d.logger.Debug("Fetched blob",
		zap.String("hash", h.Short()),
		zap.Int64("size", size),
		zap.Int64("segments", segments))
	if d.onBlob != nil {
		d.onBlob(h, size, true)
	}
	return nil
}

// stat asks providers for the blob size. Without splitting, the first
// provider that has the blob is used, with later ones kept as
// fallbacks; with splitting, every provider is asked and all that agree
// on the size are used.
func (d *Downloader) stat(ctx context.Context, h types.Hash, providers []types.NodeAddr, split discovery.SplitStrategy) (int64, []types.NodeAddr, error) {
	var (
		size       int64 = -1
		candidates []types.NodeAddr
		lastErr    error
	)
	for i, p := range providers {
		resp, err := d.statOne(ctx, p, h)
		if err != nil {
			lastErr = err
			d.logger.Warn("Provider stat failed",
				zap.String("node_id", p.NodeID.String()),
				zap.String("hash", h.Short()),
				zap.Error(err))
			continue
		}
		if !resp.Found {
			continue
		}
		if size < 0 {
			size = resp.Size
		} else if resp.Size != size {
			d.logger.Warn("Provider disagrees on blob size",
				zap.String("node_id", p.NodeID.String()),
				zap.Int64("size", resp.Size),
				zap.Int64("expected", size))
			continue
		}
		candidates = append(candidates, p)
		if split == discovery.SplitNone {
			candidates = append(candidates, providers[i+1:]...)
			break
		}
	}
	if len(candidates) == 0 {
		if lastErr != nil {
			return 0, nil, fmt.Errorf("%w: blob %s: %v", ErrNoProviders, h.Short(), lastErr)
		}
		return 0, nil, fmt.Errorf("%w: no provider has blob %s", ErrNoProviders, h.Short())
	}
	return size, candidates, nil
}

func (d *Downloader) statOne(ctx context.Context, p types.NodeAddr, h types.Hash) (*transport.StatResponse, error) {
	conn, err := d.pool.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	resp, err := transport.NewBlobsClient(conn).Stat(ctx, &transport.StatRequest{Hash: h})
	if err != nil {
		d.pool.MarkFailed(p.NodeID)
		return nil, err
	}
	d.pool.MarkHealthy(p.NodeID)
	return resp, nil
}

// fetchSegment tries providers in order until one delivers the segment.
func (d *Downloader) fetchSegment(ctx context.Context, partial *store.Partial, index int64, providers []types.NodeAddr, bytes *atomic.Int64) error {
	offset := index * d.segment
	length := d.segment
	if rest := partial.Size() - offset; rest < length {
		length = rest
	}

	var lastErr error
	for _, p := range providers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := d.fetchRange(ctx, p, partial, offset, length)
		bytes.Add(n)
		if err == nil {
			d.pool.MarkHealthy(p.NodeID)
			return nil
		}
		lastErr = err
		d.pool.MarkFailed(p.NodeID)
		d.logger.Warn("Segment fetch failed, trying next provider",
			zap.String("node_id", p.NodeID.String()),
			zap.String("hash", partial.Hash().Short()),
			zap.Int64("offset", offset),
			zap.Error(err))
	}
	return fmt.Errorf("%w: blob %s at offset %d: %v", ErrNoProviders, partial.Hash().Short(), offset, lastErr)
}

func (d *Downloader) fetchRange(ctx context.Context, p types.NodeAddr, partial *store.Partial, offset, length int64) (int64, error) {
	conn, err := d.pool.Get(ctx, p)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := transport.NewBlobsClient(conn).Get(ctx, &transport.GetRequest{
		Hash:   partial.Hash(),
		Offset: offset,
		Length: length,
	})
	if err != nil {
		return 0, err
	}

	next, end := offset, offset+length
	var written int64
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
		if resp.Size != partial.Size() {
			return written, fmt.Errorf("provider reports size %d, expected %d", resp.Size, partial.Size())
		}
		if resp.Offset != next || resp.Offset+int64(len(resp.Data)) > end {
			return written, fmt.Errorf("unexpected frame [%d, +%d) for range [%d, %d)", resp.Offset, len(resp.Data), next, end)
		}
		if _, err := partial.WriteAt(resp.Data, resp.Offset); err != nil {
			return written, err
		}
		next += int64(len(resp.Data))
		written += int64(len(resp.Data))
	}
	if next != end {
		return written, fmt.Errorf("range ended at %d, expected %d", next, end)
	}
	return written, nil
}

func rotate(providers []types.NodeAddr, n int) []types.NodeAddr {
	k := n % len(providers)
	out := make([]types.NodeAddr, 0, len(providers))
	out = append(out, providers[k:]...)
	return append(out, providers[:k]...)
}
