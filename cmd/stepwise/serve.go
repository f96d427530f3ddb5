package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/stepwise/internal/app"
)

var bindAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindAddr != "" {
			cfg.BindAddr = bindAddr
		}
		ctx := context.Background()
		built, err := app.Build(ctx, cfg, logger)
		if err != nil {
			return err
		}

		httpServer := &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           built.API.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		runCtx, runCancel := context.WithCancel(ctx)
		defer runCancel()
		built.Sessions.StartJanitor(runCtx, 5*time.Second)

		listenErr := make(chan error, 1)
		go func() {
			logger.Info("server listening",
				zap.String("addr", cfg.BindAddr),
				zap.String("brain", built.BrainMode),
				zap.String("store", built.StoreMode),
			)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				listenErr <- err
			}
			close(listenErr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		case err, ok := <-listenErr:
			if ok {
				_ = built.Cleanup(context.Background())
				return fmt.Errorf("listen error: %w", err)
			}
		}

		runCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		if err := built.Cleanup(shutdownCtx); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}

		logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&bindAddr, "addr", "", "Override APP_BIND_ADDR")
}
