// Package service is the tool-level interface of the knowledge base:
// search, get, write and reference_write as collaborators call them.
// Every file mutation is followed by a reconcile of the touched path, so
// the index never learns about a change any other way than from disk.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/samber/lo"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/index"
	"github.com/starford/ghostkb/internal/models"
	"github.com/starford/ghostkb/internal/parser"
	"github.com/starford/ghostkb/internal/query"
	"github.com/starford/ghostkb/internal/reconcile"
	"github.com/starford/ghostkb/internal/storage"
)

// Options configure a Service.
type Options struct {
	Logger *slog.Logger
	// Now is the clock used for timestamps and staleness. Defaults to time.Now.
	Now func() time.Time
}

// Service coordinates storage, reconciliation and queries.
type Service struct {
	store  storage.Provider
	db     *index.DB
	rec    *reconcile.Reconciler
	engine *query.Engine
	log    *slog.Logger
	now    func() time.Time

	// writes serialises file mutations so version checks and the write
	// that follows them cannot interleave.
	writes sync.Mutex
}

// New creates a Service.
func New(store storage.Provider, db *index.DB, rec *reconcile.Reconciler, engine *query.Engine, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: store, db: db, rec: rec, engine: engine, log: opts.Logger, now: opts.Now}
}

// SearchParams is one search call.
type SearchParams struct {
	Query      string             `json:"query"`
	Viewer     string             `json:"-"`
	Scopes     []models.Scope     `json:"scope,omitempty"`
	Categories []models.EntryType `json:"category,omitempty"`
	Topic      string             `json:"topic,omitempty"`
	Archetype  string             `json:"archetype,omitempty"`
	Tag        string             `json:"tag,omitempty"`
	Limit      int                `json:"limit,omitempty"`
	Expand     bool               `json:"expand,omitempty"`
}

// Validate checks the parameters before any query runs.
func (p SearchParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Query, validation.Required),
		validation.Field(&p.Limit, validation.Min(0), validation.Max(100)),
		validation.Field(&p.Scopes, validation.Each(validation.By(func(v any) error {
			if s, _ := v.(models.Scope); !s.Valid() {
				return fmt.Errorf("unknown scope %q", s)
			}
			return nil
		}))),
		validation.Field(&p.Categories, validation.Each(validation.By(func(v any) error {
			if t, _ := v.(models.EntryType); !t.Valid() {
				return fmt.Errorf("unknown category %q", t)
			}
			return nil
		}))),
		validation.Field(&p.Archetype, validation.By(func(any) error {
			if _, ok := models.ParseArchetype(p.Archetype); p.Archetype != "" && !ok {
				return fmt.Errorf("unknown archetype %q", p.Archetype)
			}
			return nil
		})),
	)
}

// SearchResult is one ranked entry.
type SearchResult struct {
	EntryID   string           `json:"entry_id"`
	Title     string           `json:"title"`
	Path      string           `json:"path"`
	EntryType models.EntryType `json:"entry_type"`
	Scope     models.Scope     `json:"scope"`
	Owner     string           `json:"owner,omitempty"`
	Tags      []string         `json:"tags"`
	Snippet   string           `json:"snippet,omitempty"`
	Score     float64          `json:"score"`
	Via       string           `json:"via,omitempty"`
	From      string           `json:"from,omitempty"`
}

// SearchResponse holds direct hits and, when requested, graph neighbours.
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Related  []SearchResult `json:"related,omitempty"`
	Degraded bool           `json:"degraded,omitempty"`
	Reason   string         `json:"degraded_reason,omitempty"`
}

// Search ranks entries visible to p.Viewer.
func (s *Service) Search(ctx context.Context, p SearchParams) (*SearchResponse, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	archetype, _ := models.ParseArchetype(p.Archetype)
	resp, err := s.engine.Search(ctx, query.Request{
		Query:     p.Query,
		Viewer:    p.Viewer,
		Scopes:    p.Scopes,
		Types:     p.Categories,
		Topic:     p.Topic,
		Archetype: archetype,
		Tag:       strings.ToLower(strings.TrimSpace(p.Tag)),
		Limit:     p.Limit,
		Expand:    p.Expand,
	})
	if err != nil {
		return nil, err
	}
	return &SearchResponse{
		Results:  lo.Map(resp.Hits, toResult),
		Related:  lo.Map(resp.Expanded, toResult),
		Degraded: resp.Degraded,
		Reason:   resp.Reason,
	}, nil
}

func toResult(h query.Hit, _ int) SearchResult {
	return SearchResult{
		EntryID:   h.Entry.ID,
		Title:     h.Entry.Title,
		Path:      h.Entry.Path,
		EntryType: h.Entry.Type,
		Scope:     h.Entry.Scope,
		Owner:     h.Entry.Owner,
		Tags:      nonNil(h.Entry.Tags),
		Snippet:   h.Snippet,
		Score:     h.Score,
		Via:       h.Via,
		From:      h.From,
	}
}

// LinkView is one link edge as shown to a reader.
type LinkView struct {
	EntryID string `json:"entry_id,omitempty"`
	Title   string `json:"title"`
	Alias   string `json:"alias,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// FileView is a reference topic member with its freshness.
type FileView struct {
	models.RefFile
	Indexed bool `json:"indexed"`
	Stale   bool `json:"stale"`
}

// TopicView is the aggregate of a reference topic.
type TopicView struct {
	Name       string          `json:"name"`
	MaxAgeDays int             `json:"max_age_days,omitempty"`
	FetchedAt  time.Time       `json:"fetched_at,omitempty"`
	Sources    []models.Source `json:"sources,omitempty"`
	Files      []FileView      `json:"files"`
	Stale      bool            `json:"stale"`
}

// EntryDetail is the full representation of an entry.
type EntryDetail struct {
	models.Entry
	Content   string     `json:"content"`
	Body      string     `json:"body"`
	Links     []LinkView `json:"links"`
	Backlinks []LinkView `json:"backlinks"`
	Topic     *TopicView `json:"topic,omitempty"`
}

// Get resolves ref as an entry id, then a title, then a long-form topic
// path, and returns what viewer may see of it.
func (s *Service) Get(ctx context.Context, viewer, ref string) (*EntryDetail, error) {
	e, err := s.resolve(ctx, viewer, ref)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, viewer, e)
}

func (s *Service) resolve(ctx context.Context, viewer, ref string) (models.Entry, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.Entry{}, fmt.Errorf("%w: entry reference is required", apperr.ErrInvalidInput)
	}
	visible := func(e models.Entry) bool { return models.VisibleTo(e.Scope, e.Owner, viewer) }

	e, err := s.db.GetEntry(ctx, ref)
	switch {
	case err == nil && visible(e):
		return e, nil
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return models.Entry{}, err
	}

	// Titles and topic paths can be ambiguous across scopes; the viewer's
	// own entries come first, then trust.
	for _, find := range []func(context.Context, string) ([]models.Entry, error){s.db.FindByTitle, s.db.FindByTopicKey} {
		found, err := find(ctx, ref)
		if err != nil {
			return models.Entry{}, err
		}
		found = lo.Filter(found, func(e models.Entry, _ int) bool { return visible(e) })
		if own, ok := lo.Find(found, func(e models.Entry) bool { return !e.Scope.Shared() }); ok {
			return own, nil
		}
		if len(found) > 0 {
			return found[0], nil
		}
	}
	return models.Entry{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, ref)
}

func (s *Service) detail(ctx context.Context, viewer string, e models.Entry) (*EntryDetail, error) {
	data, err := s.store.Read(e.Path)
	if errors.Is(err, fs.ErrNotExist) {
		// Deleted on disk; the next reconcile removes the row.
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, e.ID)
	}
	if err != nil {
		return nil, err
	}
	d := &EntryDetail{Entry: e, Content: string(data), Body: string(data)}
	d.Tags = nonNil(d.Tags)
	if res, err := parser.Parse(e.Path, data); err == nil {
		d.Body = res.Body
	}

	out, err := s.db.OutgoingLinks(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	back, err := s.db.Backlinks(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	ids := append(lo.FilterMap(out, func(l models.Link, _ int) (string, bool) { return l.TargetID, l.Resolved() }),
		lo.Map(back, func(l models.Link, _ int) string { return l.SourceID })...)
	related, err := s.db.EntriesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	seen := func(id string) (models.Entry, bool) {
		r, ok := related[id]
		return r, ok && models.VisibleTo(r.Scope, r.Owner, viewer)
	}

	d.Links = []LinkView{}
	for _, l := range out {
		v := LinkView{Title: l.TargetTitle, Alias: l.Alias, Pending: !l.Resolved()}
		if _, ok := seen(l.TargetID); ok {
			v.EntryID = l.TargetID
		} else {
			v.Pending = true
		}
		d.Links = append(d.Links, v)
	}
	d.Backlinks = []LinkView{}
	for _, l := range back {
		if src, ok := seen(l.SourceID); ok {
			d.Backlinks = append(d.Backlinks, LinkView{EntryID: src.ID, Title: src.Title, Alias: l.Alias})
		}
	}

	if e.Type == models.TypeReferenceTopic {
		t, err := s.db.Topic(ctx, e.ID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			d.Topic = s.topicView(t)
		}
	}
	return d, nil
}

func (s *Service) topicView(t models.Topic) *TopicView {
	now := s.now()
	v := &TopicView{
		Name:       t.Name,
		MaxAgeDays: t.MaxAgeDays,
		FetchedAt:  t.FetchedAt,
		Sources:    t.Sources,
		Files:      make([]FileView, 0, len(t.Files)),
	}
	for _, f := range t.Files {
		fv := FileView{RefFile: f, Indexed: f.EntryID != "", Stale: f.Stale(now)}
		v.Stale = v.Stale || fv.Stale
		v.Files = append(v.Files, fv)
	}
	return v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
