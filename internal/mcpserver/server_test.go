package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/ghostkb/internal/embedding"
	"github.com/starford/ghostkb/internal/query"
	"github.com/starford/ghostkb/internal/reconcile"
	"github.com/starford/ghostkb/internal/service"
	"github.com/starford/ghostkb/internal/storage"
	"github.com/starford/ghostkb/internal/testutil"
)

func testServer(t *testing.T, opts ...Option) (*Server, storage.Provider) {
	t.Helper()
	_, store := testutil.TestVault(t)
	db := testutil.TestDB(t)
	emb := testutil.NewEmbedder(16)
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	rec := reconcile.New(db, store, reconcile.Options{Batcher: embedding.NewBatcher(emb, 8, log), Logger: log})
	eng, err := query.New(db, emb, query.Options{Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	svc := service.New(store, db, rec, eng, service.Options{Logger: log})
	opts = append([]Option{WithLogger(log)}, opts...)
	return New(svc, store, "test", opts...), store
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"search":          srv.search,
		"get":             srv.get,
		"write":           srv.write,
		"reference_write": srv.referenceWrite,
		"capture":         srv.capture,
		"entry_contract":  srv.entryContract,
	}
	h, ok := handlers[name]
	if !ok {
		t.Fatalf("unknown tool: %s", name)
	}
	result, err := h(ctx, req)
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decode(t *testing.T, r *mcp.CallToolResult, v any) {
	t.Helper()
	if r.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(r))
	}
	if err := json.Unmarshal([]byte(resultText(r)), v); err != nil {
		t.Fatalf("decode %q: %v", resultText(r), err)
	}
}

func TestWriteThenGet(t *testing.T) {
	srv, _ := testServer(t, WithGhost("Kestrel"), WithModel("m1"))

	var res service.WriteResult
	decode(t, callTool(t, srv, "write", map[string]any{
		"action": "create",
		"title":  "Retry Budget",
		"body":   "Cap retries at 10% of traffic. See [[Backoff]].",
		"tags":   []any{"infra/http"},
	}), &res)
	if res.Entry == nil || res.Entry.Path != "shared/notes/infra/http/retry-budget.md" {
		t.Fatalf("unexpected entry: %+v", res.Entry)
	}
	if res.Entry.Creator.Ghost != "kestrel" || res.Entry.Creator.Model != "m1" {
		t.Errorf("creator = %+v", res.Entry.Creator)
	}
	if len(res.Pending) != 1 || res.Pending[0] != "Backoff" {
		t.Errorf("pending = %v", res.Pending)
	}

	var d service.EntryDetail
	decode(t, callTool(t, srv, "get", map[string]any{"ref": "retry budget"}), &d)
	if d.ID != res.Entry.ID {
		t.Errorf("got id %s, want %s", d.ID, res.Entry.ID)
	}
	if !strings.Contains(d.Body, "Cap retries") {
		t.Errorf("body = %q", d.Body)
	}
}

func TestWriteRequiresGhost(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "write", map[string]any{"action": "create", "title": "X"})
	if !r.IsError || !strings.Contains(resultText(r), "ghost is required") {
		t.Fatalf("expected ghost error, got %q", resultText(r))
	}

	// Unpinned servers take the ghost from the call.
	var res service.WriteResult
	decode(t, callTool(t, srv, "write", map[string]any{
		"action": "create", "title": "Mine", "scope": "ghost_note", "ghost": "wren",
	}), &res)
	if res.Entry.Owner != "wren" {
		t.Errorf("owner = %q", res.Entry.Owner)
	}
}

func TestSearchRespectsVisibility(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "write", map[string]any{
		"action": "create", "ghost": "wren", "scope": "ghost_note",
		"title": "Private heron sighting", "body": "A heron by the canal.",
	})
	callTool(t, srv, "write", map[string]any{
		"action": "create", "ghost": "wren",
		"title": "Shared heron facts", "body": "Herons hunt fish.",
	})

	var own service.SearchResponse
	decode(t, callTool(t, srv, "search", map[string]any{"query": "heron", "ghost": "wren"}), &own)
	if len(own.Results) != 2 {
		t.Fatalf("owner sees %d results, want 2", len(own.Results))
	}

	var other service.SearchResponse
	decode(t, callTool(t, srv, "search", map[string]any{"query": "heron", "ghost": "kestrel"}), &other)
	if len(other.Results) != 1 || other.Results[0].Title != "Shared heron facts" {
		t.Fatalf("other ghost sees %+v", other.Results)
	}

	var scoped service.SearchResponse
	decode(t, callTool(t, srv, "search", map[string]any{
		"query": "heron", "ghost": "wren", "scope": []any{"ghost_note"},
	}), &scoped)
	if len(scoped.Results) != 1 || scoped.Results[0].Scope != "ghost_note" {
		t.Fatalf("scoped search = %+v", scoped.Results)
	}
}

func TestSearchRejectsUnknownScope(t *testing.T) {
	srv, _ := testServer(t, WithGhost("wren"))
	r := callTool(t, srv, "search", map[string]any{"query": "x", "scope": []any{"everything"}})
	if !r.IsError {
		t.Fatal("expected error for unknown scope")
	}
}

func TestGetNotFound(t *testing.T) {
	srv, _ := testServer(t, WithGhost("wren"))
	r := callTool(t, srv, "get", map[string]any{"ref": "nope"})
	if !r.IsError || !strings.Contains(resultText(r), "not found") {
		t.Fatalf("expected not found, got %q", resultText(r))
	}
}

func TestUpdateConflictReturnsCurrentState(t *testing.T) {
	srv, _ := testServer(t, WithGhost("wren"))
	var res service.WriteResult
	decode(t, callTool(t, srv, "write", map[string]any{"action": "create", "title": "Plan", "body": "v1"}), &res)
	decode(t, callTool(t, srv, "write", map[string]any{
		"action": "update", "ref": res.Entry.ID, "body": "v2", "expected_version": 1,
	}), &res)

	r := callTool(t, srv, "write", map[string]any{
		"action": "update", "ref": res.Entry.ID, "body": "stale", "expected_version": 1,
	})
	if !r.IsError {
		t.Fatal("expected conflict")
	}
	var c conflictResult
	if err := json.Unmarshal([]byte(resultText(r)), &c); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if c.CurrentVersion != 2 || c.EntryID != res.Entry.ID || c.RejectedContent == "" {
		t.Errorf("conflict = %+v", c)
	}
}

func TestCaptureThenReferenceWrite(t *testing.T) {
	srv, store := testServer(t, WithGhost("wren"))

	var captured captureResult
	decode(t, callTool(t, srv, "capture", map[string]any{
		"url":      "data:text/markdown;base64,IyBHdWlkZQoKVXNlIHRoZSBjbGllbnQu",
		"filename": "guide.md",
		"dir":      "web",
	}), &captured)
	if captured.ContentRef != "web/guide.md" {
		t.Fatalf("content_ref = %q", captured.ContentRef)
	}
	if !store.Exists("inbox/web/guide.md") {
		t.Fatal("capture not staged in inbox")
	}

	var res service.RefWriteResult
	decode(t, callTool(t, srv, "reference_write", map[string]any{
		"topic":        "http",
		"filename":     "guide.md",
		"content_ref":  captured.ContentRef,
		"source_url":   "https://example.com/guide",
		"source_type":  "web",
		"max_age_days": 30,
	}), &res)
	if res.Member.Path != "shared/reference/http/guide.md" {
		t.Errorf("member path = %q", res.Member.Path)
	}
	if store.Exists("inbox/web/guide.md") {
		t.Error("inbox file should have been moved")
	}
	if res.Topic == nil || res.Topic.MaxAgeDays != 30 {
		t.Errorf("topic = %+v", res.Topic)
	}

	var d service.EntryDetail
	decode(t, callTool(t, srv, "get", map[string]any{"ref": "http/guide.md"}), &d)
	if !strings.Contains(d.Content, "Use the client.") {
		t.Errorf("content = %q", d.Content)
	}
}

func TestCaptureRejects(t *testing.T) {
	srv, _ := testServer(t, WithGhost("wren"))
	tests := []struct {
		name string
		args map[string]any
	}{
		{"binary extension", map[string]any{"url": "data:text/plain;base64,aGk=", "filename": "x.png"}},
		{"non utf8", map[string]any{"url": "data:text/plain;base64,/w==", "filename": "x.txt"}},
		{"bad scheme", map[string]any{"url": "ftp://example.com/a.md"}},
		{"loopback", map[string]any{"url": "http://127.0.0.1/a.md"}},
		{"bad dir", map[string]any{"url": "data:text/plain,hi", "filename": "a.txt", "dir": "../etc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := callTool(t, srv, "capture", tt.args)
			if !r.IsError {
				t.Fatalf("expected error, got %q", resultText(r))
			}
		})
	}
}

func TestEntryContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "entry_contract", nil)
	text := resultText(r)
	for _, want := range []string{"trust_score", "_topic.md", "ghost_diary", "expected_version"} {
		if !strings.Contains(text, want) {
			t.Errorf("contract missing %q", want)
		}
	}

	contents, err := srv.readFormatResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || tc.URI != formatURI || tc.Text != EntryFormatContract {
		t.Errorf("resource = %+v", contents[0])
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct{ in, want string }{
		{"guide.md", "guide.md"},
		{"../../etc/passwd.txt", "passwd.txt"},
		{`dir\evil name.md`, "evil_name.md"},
		{".hidden.md", "hidden.md"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFilenameFromURL(t *testing.T) {
	if got := filenameFromURL("https://example.com/docs/guide.md", ""); got != "guide.md" {
		t.Errorf("got %q", got)
	}
	if got := filenameFromURL("https://example.com/docs/readme", ".md"); got != "readme.md" {
		t.Errorf("got %q", got)
	}
	if got := filenameFromURL("data:text/plain,hi", ".txt"); !strings.HasSuffix(got, ".txt") {
		t.Errorf("got %q", got)
	}
}
