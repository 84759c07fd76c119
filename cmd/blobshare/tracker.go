package main

import (
	"errors"
	"fmt"
	"net"

	"blobshare/pkg/discovery"
	"blobshare/pkg/transport"
	"blobshare/pkg/types"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

func trackerCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Run a tracker that records which nodes share what",
		Long: `Run an in-memory tracker. Sharers announce content to it and receivers
query it by content id. Announcements expire unless renewed.`,
		Args: cobra.NoArgs,
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
			key, err := loadKey()
			if err != nil {
				return err
			}

			tracker := discovery.NewTracker(discovery.TrackerOptions{TTL: cfg.TrackerTTL, Logger: logger})
			server, err := transport.NewServer(key)
			if err != nil {
				return err
			}
			discovery.RegisterTrackerServer(server, tracker)

			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
			}

			ctx := cmd.Context()
			go tracker.Run(ctx)
			serveErr := make(chan error, 1)
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					serveErr <- err
				}
				close(serveErr)
			}()

			addr := types.NodeAddr{NodeID: key.Public(), Addrs: transport.ListenAddrs(ln)}
			fmt.Println(renderPanel("Tracker running", []field{
				{label: "Node", value: key.Public().String()},
				{label: "Listening", value: ln.Addr().String()},
				{label: "TTL", value: cfg.TrackerTTL.String()},
				{label: "Address", value: addr.String(), style: accentValueStyle},
			}, "Share with: blobshare share --tracker "+addr.String()+" <path>"))

			select {
			case <-ctx.Done():
				logger.Info("Shutting down tracker")
				server.GracefulStop()
				return nil
			case err := <-serveErr:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to serve on (default from config)")
	return cmd
}
