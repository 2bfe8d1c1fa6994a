package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wfbase/wfetl/internal/fetch"
	"wfbase/wfetl/internal/interchange"
	"wfbase/wfetl/internal/pipeline"
	"wfbase/wfetl/internal/synth"
)

var runParallel bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run extract, transform and load in sequence",
	Long:  "Fetches every category from the source API, normalizes it and writes the idempotent SQL batch. Any stage failure aborts the run and leaves the previous batch untouched.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd.Context(), "run", (*pipeline.Pipeline).Run)
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Fetch raw collections into the Raw/ directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd.Context(), "extract", (*pipeline.Pipeline).RunExtract)
	},
}

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Normalize Raw/ files into Processed/",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd.Context(), "transform", (*pipeline.Pipeline).RunTransform)
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Synthesize the SQL batch from Processed/ files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd.Context(), "load", (*pipeline.Pipeline).RunLoad)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runParallel, "parallel", false, "Fetch all categories concurrently (overrides extract.parallel)")
	extractCmd.Flags().BoolVar(&runParallel, "parallel", false, "Fetch all categories concurrently (overrides extract.parallel)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(transformCmd)
	rootCmd.AddCommand(loadCmd)
}

func newPipeline(rt *runtime) (*pipeline.Pipeline, error) {
	cfg := rt.cfg
	dialect, err := synth.ParseDialect(cfg.SQL.Dialect, cfg.SQL.Schema)
	if err != nil {
		return nil, err
	}

	metrics := pipeline.NewMetrics()
	fetcher := fetch.New(fetch.Options{
		BaseURL:    cfg.Source.BaseURL,
		Attempts:   cfg.Source.Attempts,
		RetryDelay: cfg.Source.RetryDelay,
		Timeout:    cfg.Source.Timeout,
		UserAgent:  cfg.Source.UserAgent,
		Language:   cfg.Source.Language,
	}, rt.logger)
	fetcher.OnAttempt = metrics.ObserveAttempt

	opts := pipeline.Options{
		Area: interchange.Area{
			RawDir:       cfg.RawDir(),
			ProcessedDir: cfg.ProcessedDir(),
		},
		OutputFile: cfg.OutputFile(),
		StateFile:  cfg.StateFile(),
		Dialect:    dialect,
		Parallel:   cfg.Extract.Parallel || runParallel,
	}
	return pipeline.New(fetcher, opts, rt.logger, metrics), nil
}

func runStage(ctx context.Context, name string, stage func(*pipeline.Pipeline, context.Context) error) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.logger.Sync()

	p, err := newPipeline(rt)
	if err != nil {
		return err
	}

	rt.logger.Info("starting", zap.String("command", name), zap.String("run_id", p.RunID()))
	runErr := stage(p, ctx)

	if path := rt.cfg.Metrics.Textfile; path != "" {
		if err := p.Metrics().WriteTextfile(path); err != nil {
			rt.logger.Warn("writing metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}

	st := p.RunState()
	if runErr != nil {
		return fmt.Errorf("%s failed after %s: %w", name, FormatDurationShort(st.Duration().Milliseconds()), runErr)
	}
	rt.logger.Info("finished",
		zap.String("command", name),
		zap.String("state", string(p.State())),
		zap.String("duration", FormatDurationShort(st.Duration().Milliseconds())))
	return nil
}
