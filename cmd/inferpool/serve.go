package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/inferpool/internal/statushttp"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the health monitor, background jobs and status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ensureSchema(ctx); err != nil {
			return err
		}

		srv := statushttp.New(a.status, a.metrics, logger.Named("http"))
		monitor := a.monitor()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return monitor.Run(gctx) })
		g.Go(func() error { return a.affinity.RunExpiry(gctx, cfg.Affinity.ExpiryInterval, cfg.Affinity.MaxIdle) })
		g.Go(func() error { return a.rewarder.RunHoldings(gctx, cfg.Rewards.HoldingInterval) })
		g.Go(func() error {
			if err := srv.Start(cfg.Metrics.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		logger.Info("inferpool started",
			zap.String("status_addr", cfg.Metrics.Addr),
			zap.String("inference", cfg.Inference.Driver),
			zap.String("selector", cfg.Affinity.Selector),
		)

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		logger.Info("inferpool stopped")
		return err
	},
}
