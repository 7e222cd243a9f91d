package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gramlabs/gramscore/internal/config"
	"github.com/gramlabs/gramscore/internal/pipeline"
	"github.com/gramlabs/gramscore/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "gramscore",
		Short:         "Grammar scoring pipeline for spoken audio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "gramscore.yaml", "path to configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "train",
			Short: "Train the fusion head and write the best checkpoint",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStage(configPath, func(ctx context.Context, p *pipeline.Pipeline) error {
					return p.Train(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "predict",
			Short: "Score a manifest with a trained checkpoint",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStage(configPath, func(ctx context.Context, p *pipeline.Pipeline) error {
					return p.Predict(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "prep",
			Short: "Run the preprocessing pass and report exclusions",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStage(configPath, func(ctx context.Context, p *pipeline.Pipeline) error {
					return p.Prep(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version and exit",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runStage(configPath string, stage func(context.Context, *pipeline.Pipeline) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.NewLogger(cfg.Telemetry.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runErr := stage(ctx, p)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(closeCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return runErr
}
