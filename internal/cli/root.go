// Package cli implements the activation-engine command line.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "activation-engine",
		Short: "Exactly-once reward activation for marketing campaigns",
		Long: `Resolves probabilistic campaign rewards once per user and campaign,
enforces stock and budget ceilings, signs redeemable tokens and expires
unredeemed benefits.

Configuration is read from the environment (SERVER_*, DB_*, CACHE_*,
ACTIVATION_*, RECONCILER_*, APP_*).`,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override APP_LOG_LEVEL (debug|info|warn|error)")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}
