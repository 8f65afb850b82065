package index

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/starford/ghostkb/internal/models"
)

const entryColumns = `e.id, e.path, e.title, e.entry_type, e.archetype, e.scope, e.owner,
	e.trust_score, e.created_at, e.updated_at, e.content_hash, e.version, e.parent_id,
	e.topic, e.topic_key, e.creator_ghost, e.creator_model, e.meta`

// entryRow is the entries table as scanned by sqlx.
type entryRow struct {
	ID           string    `db:"id"`
	Path         string    `db:"path"`
	Title        string    `db:"title"`
	EntryType    string    `db:"entry_type"`
	Archetype    string    `db:"archetype"`
	Scope        string    `db:"scope"`
	Owner        string    `db:"owner"`
	TrustScore   int       `db:"trust_score"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
	ContentHash  string    `db:"content_hash"`
	Version      int       `db:"version"`
	ParentID     string    `db:"parent_id"`
	Topic        string    `db:"topic"`
	TopicKey     string    `db:"topic_key"`
	CreatorGhost string    `db:"creator_ghost"`
	CreatorModel string    `db:"creator_model"`
	Meta         string    `db:"meta"`
}

// entryMeta holds the opaque parts of an entry, stored as JSON.
type entryMeta struct {
	Sources []any          `json:"source,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func (r entryRow) model(tags []string) models.Entry {
	var meta entryMeta
	_ = json.Unmarshal([]byte(r.Meta), &meta)
	return models.Entry{
		ID:          r.ID,
		Path:        r.Path,
		Title:       r.Title,
		Type:        models.EntryType(r.EntryType),
		Archetype:   models.Archetype(r.Archetype),
		Scope:       models.Scope(r.Scope),
		Owner:       r.Owner,
		TrustScore:  r.TrustScore,
		Tags:        tags,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		ContentHash: r.ContentHash,
		Version:     r.Version,
		ParentID:    r.ParentID,
		Topic:       r.Topic,
		TopicKey:    r.TopicKey,
		Creator:     models.Creator{Ghost: r.CreatorGhost, Model: r.CreatorModel},
		Sources:     meta.Sources,
		Extra:       meta.Extra,
	}
}

func rowFromEntry(e models.Entry) entryRow {
	meta, _ := json.Marshal(entryMeta{Sources: e.Sources, Extra: e.Extra})
	return entryRow{
		ID:           e.ID,
		Path:         e.Path,
		Title:        e.Title,
		EntryType:    string(e.Type),
		Archetype:    string(e.Archetype),
		Scope:        string(e.Scope),
		Owner:        e.Owner,
		TrustScore:   e.TrustScore,
		CreatedAt:    e.CreatedAt.UTC(),
		UpdatedAt:    e.UpdatedAt.UTC(),
		ContentHash:  e.ContentHash,
		Version:      e.Version,
		ParentID:     e.ParentID,
		Topic:        e.Topic,
		TopicKey:     e.TopicKey,
		CreatorGhost: e.Creator.Ghost,
		CreatorModel: e.Creator.Model,
		Meta:         string(meta),
	}
}

// titleKey is the case-insensitive lookup key for titles and link targets.
func titleKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

type chunkRow struct {
	ID             int64  `db:"id"`
	EntryID        string `db:"entry_id"`
	Index          int    `db:"chunk_index"`
	Title          string `db:"title"`
	Content        string `db:"content"`
	ContentHash    string `db:"content_hash"`
	NeedsEmbedding bool   `db:"needs_embedding"`
	Model          string `db:"model"`
}

func (r chunkRow) model() models.Chunk {
	return models.Chunk{
		ID:             r.ID,
		EntryID:        r.EntryID,
		Index:          r.Index,
		Title:          r.Title,
		Content:        r.Content,
		ContentHash:    r.ContentHash,
		EmbeddingModel: r.Model,
		NeedsEmbedding: r.NeedsEmbedding,
	}
}

type linkRow struct {
	SourceID        string  `db:"source_id"`
	TargetTitle     string  `db:"target_title"`
	Alias           string  `db:"alias"`
	TargetID        *string `db:"target_id"`
	PolicyViolation bool    `db:"policy_violation"`
}

func (r linkRow) model() models.Link {
	l := models.Link{
		SourceID:        r.SourceID,
		TargetTitle:     r.TargetTitle,
		Alias:           r.Alias,
		PolicyViolation: r.PolicyViolation,
	}
	if r.TargetID != nil {
		l.TargetID = *r.TargetID
	}
	return l
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
