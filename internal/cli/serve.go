package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-audit/internal/api"
	"github.com/ChuLiYu/beaver-audit/internal/server"
)

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the audit API server",
		Long:  "Restore the result cache, then serve the HTTP API, /metrics and the gRPC health service until SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	return cmd
}

func runServe() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogger(cfg, os.Stdout)

	if cfg.Provider.Login == "" || cfg.Provider.Password == "" {
		log.Warn("Provider credentials not set, remote jobs will be rejected", "login_env", "AUDIT_PROVIDER_LOGIN")
	}

	a, err := newApp(context.Background(), cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = a.collector.Handler()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.NewRouter(a.svc, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	grpcSrv := server.New()
	if cfg.Server.GRPCPort > 0 {
		if _, err := grpcSrv.Listen(cfg.Server.GRPCPort); err != nil {
			shutdown(a, httpSrv, grpcSrv, cfg.Server.ShutdownTimeout)
			return err
		}
	}
	grpcSrv.SetServing(true)

	log.Info("System started successfully", "active_subject", a.cache.Active())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal, stopping gracefully", "signal", sig.String())
	case err = <-errCh:
		log.Error("HTTP server failed", "error", err)
	}

	shutdown(a, httpSrv, grpcSrv, cfg.Server.ShutdownTimeout)
	log.Info("System stopped. Goodbye!")
	return err
}

// shutdown 關閉順序：健康檢查 → HTTP → 任務與快取
func shutdown(a *app, httpSrv *http.Server, grpcSrv *server.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	grpcSrv.SetServing(false)
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn("HTTP shutdown error", "error", err)
	}
	a.close(ctx)
	grpcSrv.Stop(ctx)
}
