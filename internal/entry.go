// Package internal provides the main application initialization and runtime logic.
package internal

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ghostkb/internal/api"
	"github.com/starford/ghostkb/internal/mcpserver"
	"github.com/starford/ghostkb/internal/reconcile"
	"github.com/starford/ghostkb/internal/service"
	"github.com/starford/ghostkb/internal/sse"
)

// Run starts the HTTP server with the watcher and the periodic full pass.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	c, err := build(app)
	if err != nil {
		return err
	}
	defer c.close()

	cfg := app.config
	logger := c.log

	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()
	c.rec.SetCallback(broker.PublishEntryEvent)

	// The HTTP server starts before the initial pass; reads see whatever
	// the index already holds.
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		report, err := c.rec.ReconcileAll(gCtx)
		if err != nil {
			if gCtx.Err() != nil {
				return nil
			}
			logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
			return nil
		}
		logger.Info("initial reconcile done",
			slog.Int("scanned", report.Scanned),
			slog.Int("indexed", report.Indexed),
			slog.Int("failed", report.Failed),
			slog.Int("pending", report.Pending),
			slog.Duration("duration", report.Duration))
		return nil
	})

	if cfg.Index.Watch {
		watcher := reconcile.NewWatcher(cfg.Vault.Path, c.rec, cfg.Index.Debounce, logger)
		g.Go(func() error {
			if err := watcher.Run(gCtx); err != nil {
				return fmt.Errorf("watcher: %w", err)
			}
			return nil
		})
	}

	scheduler, err := reconcile.NewScheduler(cfg.Index.FullInterval, c.rec, logger)
	if err != nil {
		return err
	}
	g.Go(func() error { return scheduler.Run(gCtx) })

	apiRouter := api.NewRouter(api.RouterConfig{
		Service:     c.svc,
		Store:       c.store,
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		Events:      broker,
		Logger:      logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health and metrics endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := c.db.VecVersion(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"index unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", c.metrics.Handler())

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		// Stops the watcher and the scheduler.
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools on stdio. The vault is reconciled first and
// watched while the session lasts, so files edited by other processes
// stay searchable.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if err != nil {
		return err
	}
	c, err := build(app)
	if err != nil {
		return err
	}
	defer c.close()
	cfg := app.config

	if _, err := c.rec.ReconcileAll(ctx); err != nil {
		c.log.Warn("initial reconcile failed", slog.String("error", err.Error()))
	}

	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	var g errgroup.Group
	if cfg.Index.Watch {
		watcher := reconcile.NewWatcher(cfg.Vault.Path, c.rec, cfg.Index.Debounce, c.log)
		g.Go(func() error { return watcher.Run(watchCtx) })
	}

	srv := mcpserver.New(c.svc, c.store, app.version,
		mcpserver.WithGhost(cfg.MCP.Ghost),
		mcpserver.WithModel(cfg.MCP.Model),
		mcpserver.WithLogger(c.log),
	)
	c.log.Info("MCP server starting on stdio", slog.String("ghost", cfg.MCP.Ghost))
	serveErr := srv.ServeStdio()

	stop()
	if err := g.Wait(); err != nil {
		c.log.Warn("watcher stopped with error", slog.String("error", err.Error()))
	}
	return serveErr
}

// Reindex runs one full pass and exits. With reembed, chunks embedded by a
// different model are embedded again.
func Reindex(ctx context.Context, reembed bool, opts ...Option) (reconcile.Report, error) {
	app, err := newApplication(opts)
	if err != nil {
		return reconcile.Report{}, err
	}
	c, err := build(app)
	if err != nil {
		return reconcile.Report{}, err
	}
	defer c.close()

	report, err := c.rec.ReconcileAll(ctx)
	if err != nil {
		return report, err
	}
	if reembed {
		n, err := c.rec.Reembed(ctx)
		report.Embedded += n
		if err != nil {
			return report, fmt.Errorf("reembed: %w", err)
		}
		if report.Pending, err = c.db.CountPending(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Search runs one query against the current index.
func Search(ctx context.Context, p service.SearchParams, opts ...Option) (*service.SearchResponse, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	c, err := build(app)
	if err != nil {
		return nil, err
	}
	defer c.close()
	return c.svc.Search(ctx, p)
}
