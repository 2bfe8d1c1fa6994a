package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wfbase/wfetl/internal/config"
	"wfbase/wfetl/internal/logging"
)

var (
	configPath string
	dataDir    string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "wfetl",
	Short:         "Warframe game-data ETL: extract, normalize and emit idempotent SQL",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running stage.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to "+config.FileName+" (or set "+config.EnvVar+")")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory holding Raw/, Processed/ and the output batch")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
}

// runtime is the resolved configuration and logger shared by every command
type runtime struct {
	cfg     *config.Config
	cfgPath string
	logger  *zap.Logger
}

// loadRuntime discovers the config, applies flag overrides and builds the logger
func loadRuntime() (*runtime, error) {
	cfg, path, err := config.Resolve(configPath)
	if err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	if path != "" {
		logger.Debug("loaded config", zap.String("path", path))
	}
	return &runtime{cfg: cfg, cfgPath: path, logger: logger}, nil
}
