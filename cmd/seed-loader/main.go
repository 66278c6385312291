package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ctiengine/internal/app"
	"ctiengine/internal/config"
	"ctiengine/internal/logging"
)

func main() {
	var (
		configPath string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:           "seed-loader",
		Short:         "Run one refresh tick against the configured store and exit",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.Init(cfg.Logging.Format, cfg.Logging.Level)

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			a, err := app.Build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			rep := a.Scheduler.RunOnce(ctx)
			if rep.Failed > 0 {
				return fmt.Errorf("%d of %d seeds failed", rep.Failed, rep.Candidates)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("CTI_CONFIG"), "Path to config YAML")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Upper bound for the whole tick")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
