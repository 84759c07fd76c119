package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"blobshare/pkg/config"
	"blobshare/pkg/identity"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blobshare",
		Short: "Share directories between machines by content hash",
		Long: `Share a file or directory from one machine and receive it on another.
Content is addressed by BLAKE3 hash, served over TLS, and verified on arrival.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.json, .jsonc or .yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		shareCmd(),
		receiveCmd(),
		trackerCmd(),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blobshare v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// loadKey reads the node key from the environment, or generates one and
// tells the user how to reuse it.
func loadKey() (*identity.SecretKey, error) {
	key, generated, err := identity.LoadOrGenerate()
	if err != nil {
		return nil, err
	}
	if generated {
		printGeneratedKey(key)
	}
	return key, nil
}
