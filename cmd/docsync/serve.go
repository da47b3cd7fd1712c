package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	docsync "github.com/c0deZ3R0/go-doc-sync"
	"github.com/c0deZ3R0/go-doc-sync/auth"
	"github.com/c0deZ3R0/go-doc-sync/config"
	"github.com/c0deZ3R0/go-doc-sync/coordinator"
	"github.com/c0deZ3R0/go-doc-sync/httpapi"
	"github.com/c0deZ3R0/go-doc-sync/metrics/prometheus"
	"github.com/c0deZ3R0/go-doc-sync/transport/websocket"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return c.serve(cmd.Context(), cmd.ErrOrStderr(), cfg)
		},
	}
}

func (c *cli) serve(ctx context.Context, logOut io.Writer, cfg *config.Config) error {
	logger, level := newLogger(logOut, cfg)

	engine, err := engineFor(cfg.Engine)
	if err != nil {
		return err
	}
	persister, err := openPersister(ctx, cfg, engine, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer persister.Close()

	opts := []docsync.Option{
		docsync.WithLogger(logger),
		docsync.WithHeartbeatInterval(cfg.HeartbeatInterval),
	}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		collector := prometheus.NewCollector()
		opts = append(opts, docsync.WithMetrics(collector))
		metricsHandler = collector.Handler()
	}

	co := coordinator.FromLimits(cfg.Coordinator.MaxOpCount, cfg.Coordinator.MaxChangesPerBatch)
	server, err := docsync.NewServer(persister, engine, co, opts...)
	if err != nil {
		return err
	}
	defer server.Close()

	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		return err
	}
	ws, err := websocket.NewHandler(server, verifier, &websocket.Config{
		FileName:         cfg.Storage.FileName,
		AllowedLocations: cfg.KnowledgeBases,
		SendQueueSize:    cfg.SendQueueSize,
		MaxMessageBytes:  cfg.MaxMessageBytes,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	router, err := httpapi.NewRouter(httpapi.Config{
		Server:      server,
		Verifier:    verifier,
		WebSocket:   ws,
		Metrics:     metricsHandler,
		MetricsPath: cfg.Metrics.Path,
		FileName:    cfg.Storage.FileName,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sync server listening",
			slog.String("addr", srv.Addr),
			slog.String("engine", engine.Name()),
			slog.String("storage", cfg.Storage.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		server.Close()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return config.Watch(gctx, c.configPath, logger, func(next *config.Config) {
			if level.SetFromString(next.Logging.Level) {
				logger.Info("log level changed", slog.String("level", next.Logging.Level))
			}
			if next.Addr() != cfg.Addr() || next.Storage != cfg.Storage || next.Engine != cfg.Engine {
				logger.Warn("restart required to apply config change")
			}
		})
	})

	if err := g.Wait(); err != nil {
		logger.LogError(ctx, err, "server stopped", slog.String("addr", srv.Addr))
		return err
	}
	logger.Info("server stopped")
	return nil
}
