package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/intentlab/intent/internal/api"
	"github.com/intentlab/intent/internal/artifact"
	"github.com/intentlab/intent/internal/config"
	"github.com/intentlab/intent/internal/metrics"
	"github.com/intentlab/intent/internal/store"
	"github.com/intentlab/intent/internal/wal"
	"github.com/intentlab/intent/pkg/otel"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cfg, newLogger())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		tp, err := otel.InitTracer(ctx, otel.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Environment:    cfg.Telemetry.Environment,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SamplingRate:   cfg.Telemetry.SamplingRate,
		})
		if err != nil {
			return err
		}
		defer otel.Shutdown(context.Background(), tp)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	reg, err := loadRegistry(cfg, logger, artifact.WithMetrics(m))
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("error closing models", "error", err)
		}
	}()

	st, err := newStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()
	if e, ok := st.(store.Expirer); ok {
		go store.RunCleanup(ctx, e, cfg.Store.CleanupInterval, logger)
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(m, prometheus.DefaultGatherer),
		api.WithStore(st),
	}
	if cfg.WAL.Enabled {
		w, err := wal.Open(cfg.WAL.Dir)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				logger.Error("error closing WAL", "error", err)
			}
		}()
		opts = append(opts, api.WithWAL(w))
	}

	srv, err := api.New(cfg, reg, opts...)
	if err != nil {
		return err
	}
	httpServer := srv.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr, "models", reg.Len())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func newStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		mem, err := store.NewMemoryStore(cfg.Snapshot)
		if err != nil {
			return nil, err
		}
		return mem, nil
	case "redis":
		rs, err := store.NewRedisStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
