package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kkkkikiki/activation/internal/seed"
	"github.com/kkkkikiki/activation/internal/service"
)

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Expire unredeemed rewards once and release their stock and budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.wireServices(ctx, ""); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, a.cfg.Reconciler.Timeout)
			defer cancel()

			report, err := a.newReconciler().Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.db.Migrate(ctx); err != nil {
				return err
			}
			a.logger.Info("schema applied", zap.String("driver", a.db.Driver))
			return nil
		},
	}
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Create the campaigns and rewards declared in a YAML file",
		Long: `Create the campaigns and rewards declared in a YAML file.

Campaigns that already exist are skipped, so a file can be applied repeatedly.

Example:
  activation-engine seed ./campaigns.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := seed.Load(args[0])
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			a, err := newApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := f.Apply(ctx, service.NewCampaignService(service.Deps{DB: a.db.SQL, Logger: a.logger}), a.logger)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
