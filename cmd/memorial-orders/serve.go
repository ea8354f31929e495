package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"memorial-orders/internal/handler"
	"memorial-orders/internal/service"
	"memorial-orders/internal/shutdown"
	"memorial-orders/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the reconciliation scheduler and the release relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shutdown.WithSignals(cmd.Context())
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			log := a.log

			scheduler, err := worker.NewScheduler(a.engine(), a.clock, a.cfg.Reconcile.Schedule, log)
			if err != nil {
				return err
			}
			relay := a.relay()

			if a.cfg.LogLevel != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			srv := &http.Server{
				Addr: a.cfg.HTTPAddr,
				Handler: handler.NewRouter(handler.RouterConfig{
					Orders:     service.NewOrderService(a.orders, a.clock, a.cfg.GracePeriod, log),
					Reconciler: scheduler,
					Health:     a.health,
					Log:        log,
				}),
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 30 * time.Second,
			}

			scheduler.Start()

			relayDone := make(chan struct{})
			go func() {
				defer close(relayDone)
				if err := relay.Run(ctx); err != nil {
					log.Error("release relay stopped with error", zap.Error(err))
				}
			}()

			go func() {
				log.Info("http listening", zap.String("addr", a.cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server error", zap.Error(err))
					cancel()
				}
			}()

			<-ctx.Done()
			log.Info("shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("http shutdown", zap.Error(err))
			}
			if err := scheduler.Stop(shutdownCtx); err != nil {
				log.Warn("scheduler shutdown", zap.Error(err))
			}
			select {
			case <-relayDone:
			case <-shutdownCtx.Done():
			}
			log.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for in-flight work on shutdown")
	return cmd
}
