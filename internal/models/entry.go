// Package models defines the domain types shared by the parser, index, and
// query layers.
package models

import (
	"strings"
	"time"
)

// EntryType is the structural kind of an entry.
type EntryType string

const (
	TypeNote           EntryType = "note"
	TypeReferenceTopic EntryType = "reference_topic"
	TypeReferenceDocs  EntryType = "reference_docs"
	TypeReferenceCode  EntryType = "reference_code"
	TypeDiary          EntryType = "diary"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case TypeNote, TypeReferenceTopic, TypeReferenceDocs, TypeReferenceCode, TypeDiary:
		return true
	}
	return false
}

// IsReference reports whether t belongs to a reference topic.
func (t EntryType) IsReference() bool {
	return t == TypeReferenceTopic || t == TypeReferenceDocs || t == TypeReferenceCode
}

// Archetype is the optional semantic classification of a note.
type Archetype string

// Archetypes is the closed set of accepted archetype values.
var Archetypes = []Archetype{
	"person", "concept", "decision", "event", "place",
	"project", "organization", "procedure", "media", "quote",
}

// ParseArchetype normalises s and reports whether it is in the closed set.
func ParseArchetype(s string) (Archetype, bool) {
	a := Archetype(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Archetypes {
		if a == known {
			return a, true
		}
	}
	return "", false
}

// Creator identifies who wrote an entry.
type Creator struct {
	Ghost string `json:"ghost" yaml:"ghost"`
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Entry is one indexed file.
type Entry struct {
	ID          string         `json:"id"`
	Path        string         `json:"path"`
	Title       string         `json:"title"`
	Type        EntryType      `json:"entry_type"`
	Archetype   Archetype      `json:"archetype,omitempty"`
	Scope       Scope          `json:"scope"`
	Owner       string         `json:"owner,omitempty"`
	TrustScore  int            `json:"trust_score"`
	Tags        []string       `json:"tags"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ContentHash string         `json:"content_hash"`
	Version     int            `json:"version"`
	ParentID    string         `json:"parent,omitempty"`
	Topic       string         `json:"topic,omitempty"`
	TopicKey    string         `json:"topic_key,omitempty"`
	Creator     Creator        `json:"created_by"`
	Sources     []any          `json:"source,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Chunk is a retrieval unit of an entry.
type Chunk struct {
	ID             int64     `json:"id"`
	EntryID        string    `json:"entry_id"`
	Index          int       `json:"chunk_index"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	ContentHash    string    `json:"content_hash"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	Vector         []float32 `json:"-"`
	NeedsEmbedding bool      `json:"needs_embedding"`
}

// Link is a wiki-link edge. TargetID is empty while unresolved.
type Link struct {
	SourceID        string `json:"source_id"`
	TargetTitle     string `json:"target_title"`
	Alias           string `json:"alias,omitempty"`
	TargetID        string `json:"target_id,omitempty"`
	PolicyViolation bool   `json:"policy_violation,omitempty"`
}

// Resolved reports whether the link points at an entry.
func (l Link) Resolved() bool { return l.TargetID != "" }
