package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kkkkikiki/activation/internal/reconciler"
	"github.com/kkkkikiki/activation/internal/rpc"
	"github.com/kkkkikiki/activation/internal/service"
)

const shutdownTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Overrides    string
	NoReconciler bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the activation API and the expiration reconciler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Overrides, "overrides", "", "seed file whose overrides act as the decision port")
	cmd.Flags().BoolVar(&opts.NoReconciler, "no-reconciler", false, "do not schedule the expiration reconciler in this process")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.wireServices(ctx, opts.Overrides); err != nil {
		return err
	}

	activations := service.NewActivationService(a.deps, service.OptionsFrom(a.cfg.Activation))
	benefits := service.NewBenefitService(a.deps)
	campaigns := service.NewCampaignService(a.deps)

	proxies, err := a.cfg.Server.ProxyPrefixes()
	if err != nil {
		return err
	}
	srv := rpc.NewServer(activations, benefits, campaigns, a.logger).TrustProxies(proxies)
	server := rpc.NewHTTPServer(a.cfg.Server, rpc.NewMux(srv, a.db.SQL, a.cfg.Server.MaxRPS, a.logger))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting activation service",
			zap.String("addr", server.Addr),
			zap.String("environment", a.cfg.App.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if !opts.NoReconciler {
		job := reconciler.NewJob(a.newReconciler(), a.cfg.Reconciler.Schedule, a.cfg.Reconciler.Timeout, a.logger)
		if err := job.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			job.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("server exited gracefully")
	return nil
}
