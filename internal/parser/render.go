package parser

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/ghostkb/internal/models"
)

// Render serialises an entry back to file content. Notes and topic
// descriptors get a YAML header; diary days and member files are stored as
// the bare body, since their metadata is derived from the path.
func Render(e models.Entry, topic *TopicMeta, body string) ([]byte, error) {
	switch e.Type {
	case models.TypeDiary, models.TypeReferenceDocs, models.TypeReferenceCode:
		return []byte(body), nil
	}

	trust := e.TrustScore
	creator := e.Creator
	fm := frontMatter{
		ID:         e.ID,
		Title:      e.Title,
		EntryType:  string(e.Type),
		Archetype:  string(e.Archetype),
		CreatedAt:  formatTime(e.CreatedAt),
		UpdatedAt:  formatTime(e.UpdatedAt),
		TrustScore: &trust,
		CreatedBy:  &creator,
		Tags:       tagList(e.Tags),
		Parent:     e.ParentID,
		Source:     e.Sources,
		Extra:      e.Extra,
	}
	if e.Version > 0 {
		v := e.Version
		fm.Version = &v
	}
	if topic != nil {
		fm.MaxAgeDays = topic.MaxAgeDays
		fm.FetchedAt = formatTime(topic.FetchedAt)
		fm.Sources = topic.Sources
		for _, f := range topic.Files {
			fm.Files = append(fm.Files, specFromRefFile(f))
		}
	}

	var buf bytes.Buffer
	buf.WriteString(delim + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&fm); err != nil {
		return nil, fmt.Errorf("render front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render front matter: %w", err)
	}
	buf.WriteString(delim + "\n")
	if body != "" {
		buf.WriteString(strings.TrimLeft(body, "\r\n"))
		if !strings.HasSuffix(body, "\n") {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
