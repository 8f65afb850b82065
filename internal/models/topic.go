package models

import "time"

// SourceType is where reference material was fetched from.
type SourceType string

const (
	SourceGit SourceType = "git"
	SourceWeb SourceType = "web"
)

// Source describes one upstream of a reference topic.
type Source struct {
	Type  SourceType `json:"type" yaml:"type"`
	URL   string     `json:"url" yaml:"url"`
	Ref   string     `json:"ref,omitempty" yaml:"ref,omitempty"`
	Paths []string   `json:"paths,omitempty" yaml:"paths,omitempty"`
	Role  string     `json:"role,omitempty" yaml:"role,omitempty"`
}

// RefFile is a member file of a reference topic with its own metadata.
type RefFile struct {
	Name       string    `json:"name" yaml:"name"`
	Position   int       `json:"position" yaml:"-"`
	SourceURL  string    `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	SourceType string    `json:"source_type,omitempty" yaml:"source_type,omitempty"`
	FetchedAt  time.Time `json:"fetched_at,omitempty" yaml:"fetched_at,omitempty"`
	MaxAgeDays int       `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	Role       string    `json:"role,omitempty" yaml:"role,omitempty"`
	Status     string    `json:"status,omitempty" yaml:"status,omitempty"`
	EntryID    string    `json:"entry_id,omitempty" yaml:"-"`
}

// Stale reports whether the file is older than its max age. Files without a
// fetch time or max age never go stale.
func (f RefFile) Stale(now time.Time) bool {
	if f.FetchedAt.IsZero() || f.MaxAgeDays <= 0 {
		return false
	}
	return now.Sub(f.FetchedAt) > time.Duration(f.MaxAgeDays)*24*time.Hour
}

// Topic is a reference aggregate: a descriptor entry plus member files.
type Topic struct {
	Name       string    `json:"name"`
	Scope      Scope     `json:"scope"`
	Owner      string    `json:"owner,omitempty"`
	EntryID    string    `json:"entry_id"`
	MaxAgeDays int       `json:"max_age_days,omitempty"`
	FetchedAt  time.Time `json:"fetched_at,omitempty"`
	Sources    []Source  `json:"sources,omitempty"`
	Files      []RefFile `json:"files"`
}

// TopicKey is the long-form path of the topic ("name") or one of its files ("name/file").
func TopicKey(topic, file string) string {
	if file == "" {
		return topic
	}
	return topic + "/" + file
}
