package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/ghostkb/internal/models"
)

const delim = "---"

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// frontMatter is the typed view of the YAML header. Unknown keys land in
// Extra and are written back unchanged by Render.
type frontMatter struct {
	ID         string          `yaml:"id,omitempty" json:"id"`
	Title      string          `yaml:"title,omitempty" json:"title"`
	EntryType  string          `yaml:"entry_type,omitempty" json:"entry_type"`
	Archetype  string          `yaml:"archetype,omitempty" json:"archetype"`
	CreatedAt  string          `yaml:"created_at,omitempty" json:"created_at"`
	UpdatedAt  string          `yaml:"updated_at,omitempty" json:"updated_at"`
	TrustScore *int            `yaml:"trust_score,omitempty" json:"trust_score"`
	CreatedBy  *models.Creator `yaml:"created_by,omitempty" json:"created_by"`
	Tags       tagList         `yaml:"tags,omitempty" json:"tags"`
	Parent     string          `yaml:"parent,omitempty" json:"parent"`
	Version    *int            `yaml:"version,omitempty" json:"version"`
	Source     []any           `yaml:"source,omitempty" json:"source"`
	Scope      string          `yaml:"scope,omitempty" json:"scope"`
	Owner      string          `yaml:"owner,omitempty" json:"owner"`

	// Topic descriptor fields.
	Files      []fileSpec      `yaml:"files,omitempty" json:"files"`
	MaxAgeDays int             `yaml:"max_age_days,omitempty" json:"max_age_days"`
	FetchedAt  string          `yaml:"fetched_at,omitempty" json:"fetched_at"`
	Sources    []models.Source `yaml:"sources,omitempty" json:"sources"`

	Extra map[string]any `yaml:",inline" json:"-"`
}

// Validate checks the fields every note and topic descriptor must carry.
func (fm *frontMatter) Validate() error {
	return validation.ValidateStruct(fm,
		validation.Field(&fm.ID, validation.Required),
		validation.Field(&fm.Title, validation.Required),
		validation.Field(&fm.CreatedAt, validation.Required, validation.By(timestampRule)),
		validation.Field(&fm.UpdatedAt, validation.By(timestampRule)),
		validation.Field(&fm.TrustScore, validation.NotNil, validation.Min(0), validation.Max(10)),
		validation.Field(&fm.CreatedBy, validation.NotNil, validation.By(creatorRule)),
		validation.Field(&fm.Version, validation.Min(0)),
	)
}

func timestampRule(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	if _, err := parseTime(s); err != nil {
		return errors.New("must be an ISO-8601 date or timestamp")
	}
	return nil
}

func creatorRule(v any) error {
	c, _ := v.(*models.Creator)
	if c == nil {
		return nil
	}
	if strings.TrimSpace(c.Ghost) == "" {
		return errors.New("ghost is required")
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// tagList accepts either a YAML sequence or a comma/space separated scalar.
type tagList []string

func (t *tagList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*t = strings.FieldsFunc(n.Value, func(r rune) bool { return r == ',' || r == ' ' })
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return err
		}
		*t = out
		return nil
	}
	return fmt.Errorf("tags: expected list or string")
}

// fileSpec is one entry of a topic descriptor's files list: either a bare
// file name or a mapping with per-file metadata.
type fileSpec struct {
	Name       string `yaml:"name"`
	SourceURL  string `yaml:"source_url,omitempty"`
	SourceType string `yaml:"source_type,omitempty"`
	FetchedAt  string `yaml:"fetched_at,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Role       string `yaml:"role,omitempty"`
	Status     string `yaml:"status,omitempty"`
}

func (f *fileSpec) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		f.Name = n.Value
		return nil
	}
	type plain fileSpec
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*f = fileSpec(p)
	return nil
}

func (f fileSpec) MarshalYAML() (any, error) {
	if f == (fileSpec{Name: f.Name}) {
		return f.Name, nil
	}
	type plain fileSpec
	return plain(f), nil
}

func (f fileSpec) refFile(pos int) models.RefFile {
	rf := models.RefFile{
		Name:       f.Name,
		Position:   pos,
		SourceURL:  f.SourceURL,
		SourceType: f.SourceType,
		MaxAgeDays: f.MaxAgeDays,
		Role:       f.Role,
		Status:     f.Status,
	}
	if f.FetchedAt != "" {
		rf.FetchedAt, _ = parseTime(f.FetchedAt)
	}
	return rf
}

func specFromRefFile(rf models.RefFile) fileSpec {
	fs := fileSpec{
		Name:       rf.Name,
		SourceURL:  rf.SourceURL,
		SourceType: rf.SourceType,
		MaxAgeDays: rf.MaxAgeDays,
		Role:       rf.Role,
		Status:     rf.Status,
	}
	if !rf.FetchedAt.IsZero() {
		fs.FetchedAt = rf.FetchedAt.UTC().Format(time.RFC3339)
	}
	return fs
}

// splitFrontMatter separates the YAML header (between leading --- lines)
// from the body. ok is false when the file has no header at all.
func splitFrontMatter(data []byte) (header []byte, body string, ok bool, err error) {
	trimmed := bytes.TrimLeft(data, "\ufeff\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), false, nil
	}
	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, "", true, errors.New("front matter is not closed")
	}
	header = rest[:idx]
	after := rest[idx+1+len(delim):]
	body = strings.TrimLeft(string(after), "\r\n")
	return header, body, true, nil
}

func decodeFrontMatter(header []byte) (*frontMatter, error) {
	var fm frontMatter
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return nil, fmt.Errorf("invalid front matter: %v", err)
	}
	return &fm, nil
}
