package internal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/starford/ghostkb/internal/chunker"
	"github.com/starford/ghostkb/internal/embedding"
	"github.com/starford/ghostkb/internal/index"
	"github.com/starford/ghostkb/internal/metrics"
	"github.com/starford/ghostkb/internal/query"
	"github.com/starford/ghostkb/internal/reconcile"
	"github.com/starford/ghostkb/internal/service"
	"github.com/starford/ghostkb/internal/storage"
)

var errConfigRequired = errors.New("config is required")

// core is the component graph every command shares.
type core struct {
	log      *slog.Logger
	store    *storage.FS
	db       *index.DB
	metrics  *metrics.Metrics
	provider embedding.Provider
	rec      *reconcile.Reconciler
	engine   *query.Engine
	svc      *service.Service

	closers []io.Closer
}

func newLogger(cfg ApplicationConfig, fallback io.Writer) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	if fallback != nil {
		out = fallback
	}
	var closer io.Closer
	if cfg.LogFile.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile.Path,
			MaxSize:    cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAge:     cfg.LogFile.MaxAgeDays,
			Compress:   cfg.LogFile.Compress,
		}
		out, closer = lj, lj
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.LogLevel})), closer
}

func newProvider(cfg EmbeddingConfig, log *slog.Logger, m *metrics.Metrics) embedding.Provider {
	switch cfg.Provider {
	case ProviderOpenAI:
		return embedding.NewOpenAI(embedding.OpenAIConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			Dimensions:        cfg.Dimensions,
			BatchSize:         cfg.BatchSize,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}, log, m)
	case ProviderHashing:
		return embedding.NewHashing(cfg.Dimensions)
	default:
		return embedding.Noop{}
	}
}

// build opens storage and the index and wires the engine components.
// The caller must call close.
func build(app *application) (*core, error) {
	cfg := app.config
	log, logCloser := newLogger(cfg.App, app.logOut)
	slog.SetDefault(log)

	c := &core{log: log}
	if logCloser != nil {
		c.closers = append(c.closers, logCloser)
	}

	log.Info("Configuration loaded",
		slog.String("version", app.version),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("embedding_provider", cfg.Embedding.Provider),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := storage.EnsureLayout(cfg.Vault.Path); err != nil {
		c.close()
		return nil, fmt.Errorf("create vault layout: %w", err)
	}
	store, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	c.store = store

	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("init index: %w", err)
	}
	db.SetLogger(log)
	c.db = db
	c.closers = append(c.closers, db)

	c.metrics = metrics.New()
	c.provider = newProvider(cfg.Embedding, log, c.metrics)

	c.rec = reconcile.New(db, store, reconcile.Options{
		Chunker: chunker.New(chunker.Options{
			SingleChunkThreshold: cfg.Index.Chunking.SingleChunkThreshold,
			MinSectionChars:      cfg.Index.Chunking.MinSectionChars,
			MaxChunkChars:        cfg.Index.Chunking.MaxChunkChars,
		}),
		Batcher: embedding.NewBatcher(c.provider, cfg.Embedding.BatchSize, log),
		Logger:  log,
		Metrics: c.metrics,
		Workers: cfg.Index.Workers,
	})

	c.engine, err = query.New(db, c.provider, query.Options{
		K:          cfg.Search.RRFK,
		Candidates: cfg.Search.Candidates,
		CacheSize:  cfg.Search.CacheSize,
		Logger:     log,
		Metrics:    c.metrics,
	})
	if err != nil {
		c.close()
		return nil, err
	}

	c.svc = service.New(store, db, c.rec, c.engine, service.Options{Logger: log})
	return c, nil
}

// close releases resources in reverse order of acquisition.
func (c *core) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil && c.log != nil {
			c.log.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}
