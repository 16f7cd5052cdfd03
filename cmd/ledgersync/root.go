package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
	EnvOnly    bool
	Format     string
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ledgersync",
		Short:         "Incremental accounting API sync into staging tables",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", defaultConfigPath(), "config file (env LS_CONFIG)")
	cmd.PersistentFlags().BoolVar(&opts.EnvOnly, "env-only", defaultEnvOnly(), "skip the config file and read LS_* env only (env LS_ENV_ONLY)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newCheckpointsCommand(opts))
	return cmd
}

func defaultConfigPath() string {
	if p := os.Getenv("LS_CONFIG"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func defaultEnvOnly() bool {
	raw := os.Getenv("LS_ENV_ONLY")
	return strings.EqualFold(raw, "true") || raw == "1"
}
