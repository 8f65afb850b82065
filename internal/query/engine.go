// Package query answers ranked retrieval requests: lexical and dense
// candidates are fetched in parallel under the caller's visibility, fused
// by reciprocal rank and expanded along the entry graph.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/embedding"
	"github.com/starford/ghostkb/internal/index"
	"github.com/starford/ghostkb/internal/metrics"
	"github.com/starford/ghostkb/internal/models"
)

// Expansion sources.
const (
	ViaParent = "parent"
	ViaTag    = "tag"
	ViaLink   = "link"
)

const (
	defaultLimit      = 10
	maxLimit          = 100
	defaultCandidates = 50
	tagSiblingsPerHit = 3
)

// Request is one search.
type Request struct {
	Query     string
	Viewer    string // ghost issuing the query; empty sees shared scopes only
	Scopes    []models.Scope
	Types     []models.EntryType
	Topic     string
	Archetype models.Archetype
	Tag       string
	Limit     int
	Expand    bool
}

// Hit is one ranked entry. Via is empty for direct hits.
type Hit struct {
	Entry   models.Entry
	Score   float64
	Snippet string
	Via     string
	From    string // entry the expansion started from
}

// Response holds direct hits followed by graph expansion.
type Response struct {
	Hits     []Hit
	Expanded []Hit
	// Degraded is set when dense ranking was skipped.
	Degraded bool
	Reason   string
}

// Options configure an Engine.
type Options struct {
	K          int
	Candidates int
	CacheSize  int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Engine runs hybrid queries against the index. It is safe for concurrent
// use and never writes.
type Engine struct {
	db         *index.DB
	provider   embedding.Provider
	cache      *lru.Cache[string, []float32]
	k          int
	candidates int
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// New creates an Engine. provider may be embedding.Noop for lexical-only
// deployments.
func New(db *index.DB, provider embedding.Provider, opts Options) (*Engine, error) {
	if provider == nil {
		provider = embedding.Noop{}
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.Candidates <= 0 {
		opts.Candidates = defaultCandidates
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[string, []float32](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("query: cache: %w", err)
	}
	return &Engine{
		db:         db,
		provider:   provider,
		cache:      cache,
		k:          lo.Ternary(opts.K > 0, opts.K, DefaultK),
		candidates: opts.Candidates,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

// Search ranks visible entries for req.
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	started := time.Now()
	var resp Response

	q := strings.TrimSpace(req.Query)
	if q == "" {
		return resp, fmt.Errorf("%w: query is required", apperr.ErrInvalidInput)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	f := index.Filter{
		Viewer:    req.Viewer,
		Scopes:    req.Scopes,
		Types:     req.Types,
		Topic:     req.Topic,
		Archetype: req.Archetype,
		Tag:       req.Tag,
	}

	var lexical, dense []index.ChunkHit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lexical, err = e.db.LexicalCandidates(gctx, q, f, e.candidates)
		return err
	})
	g.Go(func() error {
		vec, err := e.embedQuery(gctx, q)
		if err != nil {
			// Dense ranking is optional; lexical results still answer.
			resp.Degraded = true
			resp.Reason = err.Error()
			return nil
		}
		dense, err = e.db.DenseCandidates(gctx, vec, e.provider.Model(), f, e.candidates)
		return err
	})
	if err := g.Wait(); err != nil {
		return resp, fmt.Errorf("query: candidates: %w", err)
	}
	if resp.Degraded {
		e.log.Debug("query: dense ranking skipped", slog.String("reason", resp.Reason))
	}

	lex, den := collapse(lexical), collapse(dense)
	snippets := map[string]string{}
	for _, r := range den {
		snippets[r.ID] = r.Snippet
	}
	for _, r := range lex {
		snippets[r.ID] = r.Snippet
	}
	scores := Fuse(e.k,
		lo.Map(lex, func(r ranked, _ int) string { return r.ID }),
		lo.Map(den, func(r ranked, _ int) string { return r.ID }))

	entries, err := e.db.EntriesByIDs(ctx, lo.Keys(scores))
	if err != nil {
		return resp, err
	}
	for id, en := range entries {
		if !models.VisibleTo(en.Scope, en.Owner, req.Viewer) {
			// Candidate queries already filter; a miss here is a bug.
			e.log.Error("query: invisible candidate dropped", slog.String("entry_id", id), slog.String("viewer", req.Viewer))
			delete(entries, id)
		}
	}

	for _, id := range Order(scores, entries) {
		if len(resp.Hits) == limit {
			break
		}
		resp.Hits = append(resp.Hits, Hit{Entry: entries[id], Score: scores[id], Snippet: snippets[id]})
	}

	if req.Expand && len(resp.Hits) > 0 {
		if resp.Expanded, err = e.expand(ctx, resp.Hits, req.Viewer, limit); err != nil {
			return resp, err
		}
	}
	e.metrics.Search(started, resp.Degraded)
	return resp, nil
}

func (e *Engine) embedQuery(ctx context.Context, q string) ([]float32, error) {
	if !embedding.Enabled(e.provider) {
		return nil, fmt.Errorf("no embedding provider configured: %w", apperr.ErrEmbeddingUnavailable)
	}
	key := e.provider.Model() + "\x00" + q
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}
	out, err := e.provider.Embed(ctx, []string{q})
	if err != nil {
		return nil, err
	}
	if len(out) != 1 || len(out[0]) == 0 {
		return nil, errors.New("query: provider returned no vector")
	}
	e.cache.Add(key, out[0])
	return out[0], nil
}
