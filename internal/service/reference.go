package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/models"
	"github.com/starford/ghostkb/internal/parser"
	"github.com/starford/ghostkb/internal/storage"
)

var topicNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// RefWriteRequest stores one member file of a reference topic.
type RefWriteRequest struct {
	Ghost string `json:"-"`
	Model string `json:"model,omitempty"`

	Scope    models.Scope `json:"scope,omitempty"`
	Topic    string       `json:"topic"`
	Filename string       `json:"filename"`
	// Exactly one of Content and ContentRef is set. ContentRef names a file
	// in the staging inbox that is moved into the topic.
	Content    *string `json:"content,omitempty"`
	ContentRef string  `json:"content_ref,omitempty"`

	SourceURL  string    `json:"source_url,omitempty"`
	SourceType string    `json:"source_type,omitempty"`
	Role       string    `json:"role,omitempty"`
	FetchedAt  time.Time `json:"fetched_at,omitempty"`
	MaxAgeDays int       `json:"max_age_days,omitempty"`
	// TopicTitle names a topic created by this call.
	TopicTitle string   `json:"topic_title,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Validate checks the request shape.
func (r RefWriteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Ghost, validation.Required),
		validation.Field(&r.Scope, validation.In(models.Scope(""), models.ScopeSharedReference, models.ScopeGhostReference)),
		validation.Field(&r.Topic, validation.Required, validation.Match(topicNameRe)),
		validation.Field(&r.Filename, validation.Required, validation.By(memberName)),
		validation.Field(&r.ContentRef, validation.When(r.Content != nil, validation.Empty.Error("content and content_ref are exclusive"))),
		validation.Field(&r.Content, validation.When(r.ContentRef == "", validation.NotNil.Error("content or content_ref is required"))),
		validation.Field(&r.SourceType, validation.In(string(models.SourceGit), string(models.SourceWeb))),
		validation.Field(&r.MaxAgeDays, validation.Min(0)),
	)
}

func memberName(v any) error {
	name, _ := v.(string)
	if name == storage.TopicDescriptor {
		return errors.New("is reserved for the topic descriptor")
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == ".." || strings.HasPrefix(part, ".") {
			return errors.New("must be a relative path without dot segments")
		}
	}
	if !storage.Indexable(name) {
		return errors.New("has an extension that is not indexed")
	}
	return nil
}

// RefWriteResult is the member file record after a reference write.
type RefWriteResult struct {
	Member models.Entry `json:"member"`
	File   FileView     `json:"file"`
	Topic  *TopicView   `json:"topic"`
}

// ReferenceWrite writes a member file and records it in the topic
// descriptor, creating the topic on first use. Both files are reindexed.
func (s *Service) ReferenceWrite(ctx context.Context, req RefWriteRequest) (*RefWriteResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	s.writes.Lock()
	defer s.writes.Unlock()

	scope := req.Scope
	if scope == "" {
		scope = models.ScopeSharedReference
	}
	owner := ""
	if !scope.Shared() {
		owner = req.Ghost
	}
	dir, err := storage.TopicDir(scope, owner, req.Topic)
	if err != nil {
		return nil, err
	}
	memberPath := path.Join(dir, req.Filename)
	descPath := path.Join(dir, storage.TopicDescriptor)
	now := s.now().UTC().Truncate(time.Second)

	desc, meta, body, err := s.loadDescriptor(descPath)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		title := strings.TrimSpace(req.TopicTitle)
		if title == "" {
			title = req.Topic
		}
		desc = &models.Entry{
			ID:         uuid.NewString(),
			Title:      title,
			Type:       models.TypeReferenceTopic,
			Scope:      scope,
			Owner:      owner,
			TrustScore: parser.DefaultTrustScore,
			Tags:       parser.NormalizeTags(req.Tags),
			CreatedAt:  now,
			Creator:    models.Creator{Ghost: req.Ghost, Model: req.Model},
		}
		meta = &parser.TopicMeta{MaxAgeDays: req.MaxAgeDays}
		if req.SourceURL != "" {
			meta.Sources = []models.Source{{Type: models.SourceType(req.SourceType), URL: req.SourceURL, Role: req.Role}}
		}
	} else {
		if !desc.Scope.Shared() && desc.Owner != req.Ghost {
			return nil, fmt.Errorf("%w: topic %s belongs to %s", apperr.ErrScopeViolation, req.Topic, desc.Owner)
		}
		indexed, err := s.db.GetEntry(ctx, desc.ID)
		switch {
		case err == nil:
			desc.Version = max(desc.Version, indexed.Version)
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
	}

	fetched := req.FetchedAt.UTC()
	if fetched.IsZero() {
		fetched = now
	}
	file := models.RefFile{
		Name:       req.Filename,
		SourceURL:  req.SourceURL,
		SourceType: req.SourceType,
		FetchedAt:  fetched,
		MaxAgeDays: req.MaxAgeDays,
		Role:       req.Role,
		Status:     "fetched",
	}
	if i := indexOfFile(meta.Files, req.Filename); i >= 0 {
		file.Position = meta.Files[i].Position
		if file.MaxAgeDays == 0 {
			file.MaxAgeDays = meta.Files[i].MaxAgeDays
		}
		if file.Role == "" {
			file.Role = meta.Files[i].Role
		}
		meta.Files[i] = file
	} else {
		file.Position = len(meta.Files)
		meta.Files = append(meta.Files, file)
	}
	meta.FetchedAt = fetched
	desc.Path = descPath
	desc.UpdatedAt = now
	desc.Version++

	// Member text links are checked like any shared write.
	var content []byte
	if req.ContentRef == "" {
		content = []byte(*req.Content)
		member := models.Entry{ID: parser.MemberID(scope, owner, req.Topic, req.Filename), Scope: scope, Owner: owner}
		if storage.IsProse(req.Filename) {
			if err := s.checkLinks(ctx, member, *req.Content); err != nil {
				return nil, err
			}
		}
	}
	descData, err := parser.Render(*desc, meta, body)
	if err != nil {
		return nil, err
	}

	if req.ContentRef != "" {
		src, err := inboxPath(req.ContentRef)
		if err != nil {
			return nil, err
		}
		if !s.store.Exists(src) {
			return nil, fmt.Errorf("%w: %s is not in the inbox", apperr.ErrNotFound, req.ContentRef)
		}
		if err := s.store.Move(src, memberPath); err != nil {
			return nil, err
		}
	} else if err := s.store.Write(memberPath, content); err != nil {
		return nil, err
	}
	if err := s.store.Write(descPath, descData); err != nil {
		return nil, err
	}

	memberID := parser.MemberID(scope, owner, req.Topic, req.Filename)
	if _, err := s.reindex(ctx, memberPath, memberID); err != nil {
		return nil, err
	}
	if _, err := s.reindex(ctx, descPath, desc.ID); err != nil {
		return nil, err
	}
	s.log.Info("service: reference file written", slog.String("topic", req.Topic), slog.String("file", req.Filename), slog.String("scope", string(scope)), slog.String("ghost", req.Ghost))

	member, err := s.db.GetEntry(ctx, memberID)
	if err != nil {
		return nil, err
	}
	t, err := s.db.Topic(ctx, desc.ID)
	if err != nil {
		return nil, err
	}
	view := s.topicView(t)
	out := &RefWriteResult{Member: member, Topic: view}
	for _, f := range view.Files {
		if f.Name == req.Filename {
			out.File = f
		}
	}
	return out, nil
}

// loadDescriptor reads an existing topic descriptor. A missing descriptor
// yields a nil entry.
func (s *Service) loadDescriptor(p string) (*models.Entry, *parser.TopicMeta, string, error) {
	data, err := s.store.Read(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, "", nil
	}
	if err != nil {
		return nil, nil, "", err
	}
	res, err := parser.Parse(p, data)
	if err != nil {
		return nil, nil, "", err
	}
	meta := res.Topic
	if meta == nil {
		meta = &parser.TopicMeta{}
	}
	return &res.Entry, meta, res.Body, nil
}

func indexOfFile(files []models.RefFile, name string) int {
	for i, f := range files {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// inboxPath maps a content_ref to its vault path, rejecting references
// that escape the inbox.
func inboxPath(ref string) (string, error) {
	ref = strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(ref)), "/")
	ref = strings.TrimPrefix(ref, storage.InboxDir+"/")
	if ref == "" || ref == "." || ref == storage.InboxDir {
		return "", fmt.Errorf("%w: empty content_ref", apperr.ErrInvalidInput)
	}
	return path.Join(storage.InboxDir, ref), nil
}
