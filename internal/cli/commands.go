package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ctiengine/internal/app"
	"ctiengine/internal/engine"
	"ctiengine/internal/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and gRPC APIs and run the refresh scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := logging.Init(cfg.Logging.Format, cfg.Logging.Level)
			a, err := app.Build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <ip-or-domain>",
		Short: "Query every provider, fuse and persist the verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Service.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newTagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag <ip-or-domain> <tag>",
		Short: "Attach a manual tag to a stored record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				tags, err := a.Service.Tag(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"identifier": args[0], "tags": tags})
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print dashboard statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Service.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newRecordsCmd() *cobra.Command {
	var limit, skip int
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List stored records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				page, err := a.Service.ListRecords(ctx, limit, skip)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), page)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", engine.DefaultPageSize, "Maximum records to print")
	cmd.Flags().IntVar(&skip, "skip", 0, "Records to skip")
	return cmd
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Run a single refresh tick over the configured seeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep := a.Scheduler.RunOnce(ctx)
				if rep.Failed > 0 {
					if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
						return err
					}
					return fmt.Errorf("%d of %d seeds failed", rep.Failed, rep.Candidates)
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}
