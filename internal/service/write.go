package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/checksum"
	"github.com/starford/ghostkb/internal/links"
	"github.com/starford/ghostkb/internal/models"
	"github.com/starford/ghostkb/internal/parser"
	"github.com/starford/ghostkb/internal/storage"
)

// Action is what a write does.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionComment  Action = "comment"
	ActionValidate Action = "validate"
	ActionDelete   Action = "delete"
)

// Actions lists every accepted write action.
var Actions = []Action{ActionCreate, ActionUpdate, ActionComment, ActionValidate, ActionDelete}

const validatedByKey = "validated_by"

// Diary modes for a create on a day that already has content.
const (
	DiaryAppend  = "append"
	DiaryReplace = "replace"
)

// WriteRequest is one write call. Ghost is the caller and becomes the
// owner of ghost-scoped entries it creates.
type WriteRequest struct {
	Action Action `json:"action"`
	Ghost  string `json:"-"`
	Model  string `json:"model,omitempty"`

	// Target of update, comment, validate and delete: id, title or topic path.
	Ref string `json:"ref,omitempty"`

	Scope      models.Scope     `json:"scope,omitempty"`
	Type       models.EntryType `json:"entry_type,omitempty"`
	Title      string           `json:"title,omitempty"`
	Body       *string          `json:"body,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	Archetype  string           `json:"archetype,omitempty"`
	TrustScore *int             `json:"trust_score,omitempty"`
	Parent     string           `json:"parent,omitempty"`
	Source     []any            `json:"source,omitempty"`
	// Date of a diary day, YYYY-MM-DD. Defaults to today.
	Date string `json:"date,omitempty"`
	// DiaryMode is append (default) or replace.
	DiaryMode string `json:"diary_mode,omitempty"`
	Comment string `json:"comment,omitempty"`

	ExpectedVersion int    `json:"expected_version,omitempty"`
	IfMatch         string `json:"if_match,omitempty"`
}

// Validate checks the request shape. Existence and permissions are checked
// against the index afterwards.
func (r WriteRequest) Validate() error {
	needsRef := r.Action != ActionCreate
	return validation.ValidateStruct(&r,
		validation.Field(&r.Action, validation.Required, validation.In(toAny(Actions)...)),
		validation.Field(&r.Ghost, validation.Required),
		validation.Field(&r.Ref, validation.When(needsRef, validation.Required)),
		validation.Field(&r.Title, validation.When(r.Action == ActionCreate && !r.isDiary(), validation.Required)),
		validation.Field(&r.Comment, validation.When(r.Action == ActionComment, validation.Required)),
		validation.Field(&r.TrustScore, validation.Min(0), validation.Max(10)),
		validation.Field(&r.Date, validation.Date(storage.DiaryDateLayout)),
		validation.Field(&r.DiaryMode, validation.In(DiaryAppend, DiaryReplace)),
		validation.Field(&r.Archetype, validation.By(func(any) error {
			if _, ok := models.ParseArchetype(r.Archetype); r.Archetype != "" && !ok {
				return fmt.Errorf("unknown archetype %q", r.Archetype)
			}
			return nil
		})),
	)
}

func (r WriteRequest) isDiary() bool {
	return r.Type == models.TypeDiary || r.Scope == models.ScopeGhostDiary
}

// WriteResult is what a successful write left in the index.
type WriteResult struct {
	Entry   *models.Entry `json:"entry,omitempty"`
	Deleted bool          `json:"deleted,omitempty"`
	// Pending lists link targets that did not resolve yet.
	Pending []string `json:"pending_links,omitempty"`
}

// Write performs one write action. Rejected writes leave the vault
// untouched.
func (s *Service) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	s.writes.Lock()
	defer s.writes.Unlock()

	switch req.Action {
	case ActionCreate:
		if req.isDiary() {
			return s.writeDiary(ctx, req)
		}
		return s.create(ctx, req)
	case ActionUpdate:
		return s.update(ctx, req)
	case ActionComment:
		return s.comment(ctx, req)
	case ActionValidate:
		return s.validate(ctx, req)
	case ActionDelete:
		return s.delete(ctx, req)
	}
	return nil, fmt.Errorf("%w: unknown action %q", apperr.ErrInvalidInput, req.Action)
}

func (s *Service) create(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	scope := req.Scope
	if scope == "" {
		scope = models.ScopeSharedNote
	}
	if scope != models.ScopeSharedNote && scope != models.ScopeGhostNote {
		return nil, fmt.Errorf("%w: create writes notes; use reference_write for %s", apperr.ErrInvalidInput, scope)
	}
	if req.Type != "" && req.Type != models.TypeNote {
		return nil, fmt.Errorf("%w: cannot create %s entries", apperr.ErrInvalidInput, req.Type)
	}
	owner := ""
	if !scope.Shared() {
		owner = req.Ghost
	}
	root, err := storage.RootDir(scope, owner)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Second)
	trust := parser.DefaultTrustScore
	if req.TrustScore != nil {
		trust = *req.TrustScore
	}
	archetype, _ := models.ParseArchetype(req.Archetype)
	e := models.Entry{
		ID:         uuid.NewString(),
		Title:      strings.TrimSpace(req.Title),
		Type:       models.TypeNote,
		Archetype:  archetype,
		Scope:      scope,
		Owner:      owner,
		TrustScore: trust,
		Tags:       parser.NormalizeTags(req.Tags),
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
		ParentID:   req.Parent,
		Creator:    models.Creator{Ghost: req.Ghost, Model: req.Model},
		Sources:    req.Source,
	}
	body := ""
	if req.Body != nil {
		body = *req.Body
	}
	if err := s.checkLinks(ctx, e, body); err != nil {
		return nil, err
	}

	e.Path = s.notePath(root, e)
	data, err := parser.Render(e, nil, body)
	if err != nil {
		return nil, err
	}
	if err := s.store.Write(e.Path, data); err != nil {
		return nil, err
	}
	res, err := s.reindex(ctx, e.Path, e.ID)
	if err != nil {
		if derr := s.store.Delete(e.Path); derr != nil {
			s.log.Warn("service: remove rejected file", slog.String("path", e.Path), slog.String("error", derr.Error()))
		}
		return nil, err
	}
	s.log.Info("service: entry created", slog.String("entry_id", e.ID), slog.String("path", e.Path), slog.String("ghost", req.Ghost))
	return res, nil
}

// notePath places a note under its first tag's folder. The folder is fixed
// at creation; later tag edits do not move the file.
func (s *Service) notePath(root string, e models.Entry) string {
	dir := root
	if len(e.Tags) > 0 {
		for _, part := range strings.Split(e.Tags[0], "/") {
			if slug := storage.Slug(part); slug != "" {
				dir = path.Join(dir, slug)
			}
		}
	}
	stem := storage.Slug(e.Title)
	if stem == "" {
		stem = e.ID[:8]
	}
	p := path.Join(dir, stem+".md")
	if s.store.Exists(p) {
		p = path.Join(dir, stem+"-"+e.ID[:8]+".md")
	}
	return p
}

// writeDiary creates the caller's diary day or appends to it.
func (s *Service) writeDiary(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	date := s.now().UTC()
	if req.Date != "" {
		date, _ = time.Parse(storage.DiaryDateLayout, req.Date)
	}
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	body := ""
	if req.Body != nil {
		body = strings.TrimSpace(*req.Body)
	}
	if body == "" {
		return nil, fmt.Errorf("%w: diary body is required", apperr.ErrInvalidInput)
	}

	p := storage.DiaryPath(req.Ghost, date)
	current, err := s.store.Read(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		current = nil
	case err != nil:
		return nil, err
	}
	content := body + "\n"
	if len(current) > 0 && req.DiaryMode != DiaryReplace {
		content = strings.TrimRight(string(current), "\n") + "\n\n" + content
	}
	if err := s.store.Write(p, []byte(content)); err != nil {
		return nil, err
	}
	return s.reindex(ctx, p, parser.DiaryID(req.Ghost, date))
}

// target resolves the entry a mutating action works on and checks the
// caller may change it.
func (s *Service) target(ctx context.Context, req WriteRequest) (models.Entry, []byte, error) {
	e, err := s.resolve(ctx, req.Ghost, req.Ref)
	if err != nil {
		return models.Entry{}, nil, err
	}
	if !e.Scope.Shared() && e.Owner != req.Ghost {
		return models.Entry{}, nil, fmt.Errorf("%w: %s belongs to %s", apperr.ErrScopeViolation, e.ID, e.Owner)
	}
	data, err := s.store.Read(e.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.Entry{}, nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, e.ID)
	}
	if err != nil {
		return models.Entry{}, nil, err
	}
	return e, data, nil
}

// checkVersion rejects a write made against an outdated read. The file on
// disk is the authority: an edit that has not been reconciled yet still
// counts as a newer version.
func checkVersion(req WriteRequest, e models.Entry, data []byte, rejected string) error {
	hash := checksum.Sum(data)
	stale := req.ExpectedVersion > 0 && (req.ExpectedVersion != e.Version || hash != e.ContentHash)
	if req.IfMatch != "" && req.IfMatch != hash {
		stale = true
	}
	if !stale {
		return nil
	}
	return &apperr.ConflictError{
		EntryID:         e.ID,
		CurrentVersion:  e.Version,
		CurrentHash:     hash,
		RejectedContent: rejected,
	}
}

func (s *Service) update(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	e, data, err := s.target(ctx, req)
	if err != nil {
		return nil, err
	}
	rejected := ""
	if req.Body != nil {
		rejected = *req.Body
	}
	if err := checkVersion(req, e, data, rejected); err != nil {
		return nil, err
	}
	res, err := parser.Parse(e.Path, data)
	if err != nil {
		return nil, err
	}

	next := res.Entry
	body := res.Body
	if req.Body != nil {
		body = *req.Body
	}
	if t := strings.TrimSpace(req.Title); t != "" {
		next.Title = t
	}
	if req.Tags != nil {
		next.Tags = parser.NormalizeTags(req.Tags)
	}
	if req.Archetype != "" {
		next.Archetype, _ = models.ParseArchetype(req.Archetype)
	}
	if req.TrustScore != nil {
		next.TrustScore = *req.TrustScore
	}
	if req.Parent != "" {
		next.ParentID = req.Parent
	}
	if req.Source != nil {
		next.Sources = req.Source
	}
	return s.rewrite(ctx, e, next, res.Topic, body)
}

func (s *Service) comment(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	e, data, err := s.target(ctx, req)
	if err != nil {
		return nil, err
	}
	if e.Type == models.TypeReferenceCode {
		return nil, fmt.Errorf("%w: source files cannot carry comments", apperr.ErrInvalidInput)
	}
	if err := checkVersion(req, e, data, req.Comment); err != nil {
		return nil, err
	}
	res, err := parser.Parse(e.Path, data)
	if err != nil {
		return nil, err
	}
	author := req.Ghost
	if req.Model != "" {
		author += " (" + req.Model + ")"
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(res.Body, "\n"))
	fmt.Fprintf(&b, "\n\n> [comment] %s, %s\n", author, s.now().UTC().Format(time.RFC3339))
	for _, line := range strings.Split(strings.TrimSpace(req.Comment), "\n") {
		b.WriteString(strings.TrimRight("> "+line, " ") + "\n")
	}
	return s.rewrite(ctx, e, res.Entry, res.Topic, b.String())
}

// validate records a peer confirmation: the caller is added to the
// entry's validators and trust rises by one, up to 10. Validating twice
// changes nothing.
func (s *Service) validate(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	e, data, err := s.target(ctx, req)
	if err != nil {
		return nil, err
	}
	if e.Type != models.TypeNote && e.Type != models.TypeReferenceTopic {
		return nil, fmt.Errorf("%w: only notes and topics can be validated", apperr.ErrInvalidInput)
	}
	if e.Creator.Ghost == req.Ghost {
		return nil, fmt.Errorf("%w: %s cannot validate its own entry", apperr.ErrInvalidInput, req.Ghost)
	}
	if err := checkVersion(req, e, data, ""); err != nil {
		return nil, err
	}
	res, err := parser.Parse(e.Path, data)
	if err != nil {
		return nil, err
	}

	next := res.Entry
	validators := validatorsOf(next.Extra)
	if slices.Contains(validators, req.Ghost) {
		return s.result(ctx, e.ID)
	}
	if next.Extra == nil {
		next.Extra = map[string]any{}
	}
	next.Extra[validatedByKey] = append(validators, req.Ghost)
	next.TrustScore = min(next.TrustScore+1, 10)
	return s.rewrite(ctx, e, next, res.Topic, res.Body)
}

func validatorsOf(extra map[string]any) []string {
	var out []string
	switch v := extra[validatedByKey].(type) {
	case []any:
		for _, g := range v {
			if s, ok := g.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, v...)
	case string:
		out = append(out, v)
	}
	return out
}

// rewrite renders next back to prev's path and reindexes it.
func (s *Service) rewrite(ctx context.Context, prev, next models.Entry, topic *parser.TopicMeta, body string) (*WriteResult, error) {
	next.ID = prev.ID
	next.Path = prev.Path
	next.Version = prev.Version + 1
	if next.Type != models.TypeDiary {
		next.UpdatedAt = s.now().UTC().Truncate(time.Second)
	}
	if err := s.checkLinks(ctx, next, body); err != nil {
		return nil, err
	}
	data, err := parser.Render(next, topic, body)
	if err != nil {
		return nil, err
	}
	if err := s.store.Write(next.Path, data); err != nil {
		return nil, err
	}
	return s.reindex(ctx, next.Path, next.ID)
}

func (s *Service) delete(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	e, data, err := s.target(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(req, e, data, ""); err != nil {
		return nil, err
	}
	if err := s.store.Delete(e.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if _, err := s.rec.ReconcilePath(ctx, e.Path); err != nil {
		return nil, err
	}
	s.log.Info("service: entry deleted", slog.String("entry_id", e.ID), slog.String("path", e.Path), slog.String("ghost", req.Ghost))
	return &WriteResult{Deleted: true}, nil
}

// checkLinks rejects a shared entry whose body links only into entries it
// may not resolve to. The same rule leaves such links unresolved when a
// file is edited by hand; through the write interface it is an error.
func (s *Service) checkLinks(ctx context.Context, e models.Entry, body string) error {
	if !e.Scope.Shared() {
		return nil
	}
	src := links.Endpoint{Scope: e.Scope, Owner: e.Owner}
	for _, ref := range links.Extract(body) {
		find := s.db.FindByTitle
		if ref.LongForm() {
			find = s.db.FindByTopicKey
		}
		found, err := find(ctx, ref.Title)
		if err != nil {
			return err
		}
		cands := make([]links.Candidate, 0, len(found))
		for _, f := range found {
			if f.ID == e.ID {
				continue
			}
			cands = append(cands, links.Candidate{ID: f.ID, Scope: f.Scope, Owner: f.Owner, TrustScore: f.TrustScore, UpdatedAt: f.UpdatedAt})
		}
		if _, violation := links.Pick(src, cands); violation {
			return fmt.Errorf("%w: link [[%s]] from a shared entry resolves only into private entries",
				apperr.ErrScopeViolation, ref.Title)
		}
	}
	return nil
}

// reindex reconciles p and reports the entry now indexed under id.
func (s *Service) reindex(ctx context.Context, p, id string) (*WriteResult, error) {
	if _, err := s.rec.ReconcilePath(ctx, p); err != nil {
		return nil, fmt.Errorf("service: index %s: %w", p, err)
	}
	return s.result(ctx, id)
}

func (s *Service) result(ctx context.Context, id string) (*WriteResult, error) {
	e, err := s.db.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := s.db.OutgoingLinks(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &WriteResult{Entry: &e}
	for _, l := range out {
		if !l.Resolved() {
			res.Pending = append(res.Pending, l.TargetTitle)
		}
	}
	return res, nil
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
