// Package cli implements the ctiengine command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ctiengine/internal/app"
	"ctiengine/internal/config"
	"ctiengine/internal/logging"
)

// NewRoot builds the command tree.
func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ctiengine",
		Short:         "ctiengine: threat-intel lookup, fusion and persistence",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Version = version
	cmd.SetVersionTemplate("ctiengine {{.Version}}\n")
	cmd.PersistentFlags().String("config", getenvDefault("CTI_CONFIG", ""), "Path to config YAML (defaults and env apply when empty)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLookupCmd())
	cmd.AddCommand(newTagCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newRecordsCmd())
	cmd.AddCommand(newSeedCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

// withApp loads the config, builds the engine, runs fn and closes the engine.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New(cmd.ErrOrStderr(), cfg.Logging.Format, cfg.Logging.Level)
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
