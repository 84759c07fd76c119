package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"blobshare/pkg/collection"
	"blobshare/pkg/config"
	"blobshare/pkg/discovery"
	"blobshare/pkg/downloader"
	"blobshare/pkg/exporter"
	"blobshare/pkg/identity"
	"blobshare/pkg/store"
	"blobshare/pkg/ticket"
	"blobshare/pkg/transport"
	"blobshare/pkg/types"
	"blobshare/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const receiveTag = "receive"

func receiveCmd() *cobra.Command {
	var tracker string

	cmd := &cobra.Command{
		Use:   "receive <target> <ticket|content-id>...",
		Short: "Fetch shared content and write it under target",
		Long: `Fetch content from one or more tickets, or by content id through a tracker,
and write its files under target. Several tickets for the same content spread
the download across their providers.

Interrupted downloads resume from the receive store on the next run.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tracker != "" {
				cfg.Tracker = tracker
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			key, err := loadKey()
			if err != nil {
				return err
			}
			opts, err := resolveSources(cfg, key, args[1:], logger)
			if err != nil {
				return err
			}
			return runReceive(cmd.Context(), cfg, key, args[0], opts, logger)
		},
	}

	cmd.Flags().StringVar(&tracker, "tracker", "", "tracker to ask when receiving by content id")
	return cmd
}

// resolveSources turns the command line into download options. Either
// every source is a ticket for the same content, or there is a single
// content id looked up on the tracker.
func resolveSources(cfg *config.Config, key *identity.SecretKey, sources []string, logger *zap.Logger) (discovery.DownloadOptions, error) {
	if len(sources) == 1 && !strings.HasPrefix(sources[0], ticket.Prefix) {
		content, err := types.ParseHashAndFormat(sources[0])
		if err != nil {
			return discovery.DownloadOptions{}, fmt.Errorf("%q is neither a ticket nor a content id: %w", sources[0], err)
		}
		trackerAddr, ok, err := cfg.TrackerAddr()
		if err != nil {
			return discovery.DownloadOptions{}, err
		}
		if !ok {
			return discovery.DownloadOptions{}, fmt.Errorf("receiving by content id needs a tracker (--tracker or BLOBSHARE_TRACKER)")
		}
		return discovery.DownloadOptions{
			Content: content,
			Discovery: &discovery.TrackerDiscovery{
				Tracker:  trackerAddr,
				Dialer:   &discovery.GRPCTrackerDialer{Dialer: &transport.Dialer{Key: key, Compression: cfg.Compression, Logger: logger}},
				Complete: true,
				Shuffle:  true,
				Logger:   logger,
			},
			Split: discovery.SplitAcrossProviders,
		}, nil
	}

	var (
		content types.HashAndFormat
		nodes   []types.NodeAddr
	)
	for i, s := range sources {
		t, err := ticket.Parse(s)
		if err != nil {
			return discovery.DownloadOptions{}, fmt.Errorf("argument %d: %w", i+2, err)
		}
		if i == 0 {
			content = t.Content()
		} else if t.Content() != content {
			return discovery.DownloadOptions{}, fmt.Errorf("tickets refer to different content: %s and %s", content, t.Content())
		}
		nodes = append(nodes, t.Addr)
	}

	opts := discovery.DownloadOptions{Content: content, Split: discovery.SplitNone}
	if len(nodes) == 1 {
		opts.Discovery = discovery.Explicit(nodes)
	} else {
		opts.Discovery = discovery.NewShuffled(nodes, nil)
		opts.Split = discovery.SplitAcrossProviders
	}
	return opts, nil
}

func runReceive(ctx context.Context, cfg *config.Config, key *identity.SecretKey, target string, opts discovery.DownloadOptions, logger *zap.Logger) error {
	if opts.Content.Format != types.FormatHashSeq {
		return fmt.Errorf("content %s is a single blob, not a shared collection", opts.Content)
	}
	target, err := filepath.Abs(target)
	if err != nil {
		return err
	}

	dir := cfg.RecvDir(opts.Content)
	blobs, err := store.Open(dir, logger)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			blobs.Close()
		}
	}()

	// The tag survives an interrupted run; GC then drops anything a
	// previous attempt left that this content does not reference.
	if err := blobs.SetTag(receiveTag, opts.Content); err != nil {
		return err
	}
	if n, err := blobs.GC(ctx); err != nil {
		logger.Warn("Receive store cleanup failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Removed stale blobs from receive store", zap.Int("removed", n))
	}

	pool := transport.NewPool(&transport.Dialer{Key: key, Compression: cfg.Compression, Logger: logger}, logger)
	defer pool.Close()

	dl := downloader.New(blobs, pool, downloader.Options{
		SegmentSize: cfg.SegmentSize,
		Logger:      logger,
		OnBlob: func(h types.Hash, size int64, fetched bool) {
			logger.Debug("Blob ready",
				zap.String("hash", h.Short()),
				zap.String("size", utils.FormatDataSize(size)),
				zap.Bool("fetched", fetched))
		},
	})
	tag, stats, err := dl.Download(ctx, opts)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer tag.Release()

	c, err := collection.Load(blobs, opts.Content.Hash)
	if err != nil {
		return err
	}

	start := time.Now()
	err = exporter.Export(ctx, blobs, c, target, exporter.Options{
		Logger: logger,
		OnFile: func(name, path string) {
			logger.Debug("Wrote file", zap.String("name", name), zap.String("path", path))
		},
	})
	var exists *exporter.TargetExistsError
	if errors.As(err, &exists) {
		printExportConflict(exists.Path)
		return err
	}
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Println(renderPanel("Received "+opts.Content.String(), []field{
		{label: "Files", value: fmt.Sprint(c.Len())},
		{label: "Blobs", value: fmt.Sprintf("%d (%d already local)", stats.Blobs, stats.Skipped)},
		{label: "Transferred", value: utils.FormatDataSize(stats.Bytes)},
		{label: "Download", value: stats.Duration.Round(time.Millisecond).String()},
		{label: "Export", value: time.Since(start).Round(time.Millisecond).String()},
		{label: "Target", value: target, style: accentValueStyle},
	}))

	tag.Release()
	closed = true
	if err := blobs.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("Failed to remove receive store", zap.String("dir", dir), zap.Error(err))
	}
	return nil
}
