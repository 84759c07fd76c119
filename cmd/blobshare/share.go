package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"blobshare/pkg/config"
	"blobshare/pkg/discovery"
	"blobshare/pkg/events"
	"blobshare/pkg/identity"
	"blobshare/pkg/importer"
	"blobshare/pkg/provider"
	"blobshare/pkg/store"
	"blobshare/pkg/ticket"
	"blobshare/pkg/transport"
	"blobshare/pkg/utils"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func shareCmd() *cobra.Command {
	var (
		listen  string
		tracker string
		metrics string
		keep    bool
	)

	cmd := &cobra.Command{
		Use:   "share <path>",
		Short: "Share a file or directory until interrupted",
		Long: `Import a file or directory into a fresh local store, print a ticket for it,
and serve it until interrupted. With a tracker configured the content is also
announced, so receivers can fetch it by content id alone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			if tracker != "" {
				cfg.Tracker = tracker
			}
			if metrics != "" {
				cfg.MetricsAddr = metrics
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			key, err := loadKey()
			if err != nil {
				return err
			}
			return runShare(cmd.Context(), cfg, key, args[0], keep, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to serve on (default from config)")
	cmd.Flags().StringVar(&tracker, "tracker", "", "tracker to announce to, as <node-id>@<host:port>")
	cmd.Flags().StringVar(&metrics, "metrics", "", "address for the /metrics and /healthz endpoint")
	cmd.Flags().BoolVar(&keep, "keep-store", false, "keep the send store after shutdown")
	return cmd
}

func runShare(ctx context.Context, cfg *config.Config, key *identity.SecretKey, path string, keep bool, logger *zap.Logger) error {
	runID := uuid.New()
	dir := cfg.SendDir(hex.EncodeToString(runID[:8]))
	blobs, err := store.Open(dir, logger)
	if err != nil {
		return err
	}
	defer func() {
		blobs.Close()
		if !keep {
			os.RemoveAll(dir)
		}
	}()

	start := time.Now()
	res, err := importer.Import(ctx, path, blobs, importer.Options{
		Parallelism: cfg.Parallelism,
		Logger:      logger,
		OnFile: func(name string, size int64) {
			logger.Debug("Added file", zap.String("name", name), zap.Int64("size", size))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", path, err)
	}
	defer res.Tag.Release()
	importTime := time.Since(start)
	if keep {
		if err := blobs.SetTag("share", res.Content()); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	policy, _ := events.ParseOverflowPolicy(cfg.Overflow)
	sink := events.NewSink(cfg.EventQueue, policy)
	events.RegisterSink(registry, sink)
	handler := events.NewLogHandler(logger, events.NewMetrics(registry))
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		events.Run(context.Background(), sink, handler)
	}()

	p := provider.New(key, blobs, provider.Options{
		ListenAddr: cfg.ListenAddr,
		Logger:     logger,
		Sink:       sink,
	})
	if err := p.Start(); err != nil {
		sink.Close()
		<-consumerDone
		return err
	}

	if cfg.MetricsAddr != "" {
		ms, err := events.StartMetricsServer(cfg.MetricsAddr, registry, logger)
		if err != nil {
			logger.Warn("Metrics endpoint disabled", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				ms.Shutdown(shutdownCtx)
			}()
		}
	}

	announceCtx, stopAnnounce := context.WithCancel(ctx)
	announceDone := make(chan struct{})
	trackerAddr, announcing, err := cfg.TrackerAddr()
	if err != nil {
		stopAnnounce()
		return err
	}
	if announcing {
		announcer := discovery.NewAnnouncer(discovery.AnnouncerConfig{
			Tracker:    trackerAddr,
			Key:        key,
			Content:    res.Content(),
			Addrs:      func() []string { return p.Addr().Addrs },
			Dialer:     &discovery.GRPCTrackerDialer{Dialer: &transport.Dialer{Key: key, Compression: cfg.Compression, Logger: logger}},
			Logger:     logger,
			RetryDelay: cfg.RetryDelay,
			Interval:   cfg.AnnounceInterval,
		})
		go func() {
			defer close(announceDone)
			announcer.Run(announceCtx)
		}()
	} else {
		close(announceDone)
	}

	t := ticket.New(p.Addr(), res.Content())
	footer := []string{"Receive with: blobshare receive <target> " + t.String()}
	if announcing {
		footer = append(footer, "or via the tracker: blobshare receive <target> "+res.Content().String())
	}
	fmt.Println(renderPanel("Sharing "+path, []field{
		{label: "Files", value: fmt.Sprint(res.Files)},
		{label: "Size", value: utils.FormatDataSize(res.Size)},
		{label: "Imported in", value: importTime.Round(time.Millisecond).String()},
		{label: "Node", value: key.Public().String()},
		{label: "Content", value: res.Content().String(), style: accentValueStyle},
		{label: "Ticket", value: t.String(), style: accentValueStyle},
	}, footer...))

	<-ctx.Done()
	fmt.Println(warningStyle.Render("Shutting down..."))

	stopAnnounce()
	<-announceDone
	p.Stop()
	sink.Close()
	<-consumerDone
	if d := sink.Dropped(); d > 0 {
		logger.Warn("Events dropped while sharing", zap.Uint64("dropped", d))
	}
	return nil
}
