// Package testutil provides shared test helpers for setting up vaults,
// databases and embedding providers.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/embedding"
	"github.com/starford/ghostkb/internal/index"
	"github.com/starford/ghostkb/internal/storage"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	db, err := index.Open(filepath.Join(t.TempDir(), "ghostkb-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a temporary vault directory with the standard layout
// and a storage.Provider over it.
func TestVault(t *testing.T) (string, storage.Provider) {
	t.Helper()
	vaultDir := t.TempDir()
	if err := storage.EnsureLayout(vaultDir); err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, store
}

// WriteFile writes content at a vault-relative path, creating directories.
func WriteFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// Note renders a minimal valid note with front matter.
func Note(id, title string, trust int, tags []string, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "---\nid: %s\ntitle: %q\ncreated_at: 2026-01-02T10:00:00Z\ntrust_score: %d\ncreated_by:\n  ghost: tester\n  model: test-model\n", id, title, trust)
	if len(tags) > 0 {
		b.WriteString("tags:\n")
		for _, tag := range tags {
			fmt.Fprintf(&b, "  - %s\n", tag)
		}
	}
	b.WriteString("---\n")
	b.WriteString(body)
	return b.String()
}

// Embedder is a deterministic provider that counts calls and can be told
// to fail.
type Embedder struct {
	inner *embedding.Hashing

	mu    sync.Mutex
	calls int
	texts int
	fail  bool
}

// NewEmbedder returns an Embedder producing dim-sized vectors.
func NewEmbedder(dim int) *Embedder {
	return &Embedder{inner: embedding.NewHashing(dim)}
}

func (e *Embedder) Model() string  { return e.inner.Model() }
func (e *Embedder) Dimension() int { return e.inner.Dimension() }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	fail := e.fail
	if !fail {
		e.texts += len(texts)
	}
	e.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("test embedder down: %w", apperr.ErrEmbeddingUnavailable)
	}
	return e.inner.Embed(ctx, texts)
}

// SetFailing toggles failure mode.
func (e *Embedder) SetFailing(fail bool) {
	e.mu.Lock()
	e.fail = fail
	e.mu.Unlock()
}

// Texts returns how many texts were embedded successfully.
func (e *Embedder) Texts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.texts
}

// Calls returns how many Embed calls were made.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
