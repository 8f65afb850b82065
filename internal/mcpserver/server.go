// Package mcpserver exposes the knowledge engine to agents as MCP tools
// over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/models"
	"github.com/starford/ghostkb/internal/service"
	"github.com/starford/ghostkb/internal/storage"
)

const formatURI = "ghostkb://entry-format"

// Option configures a Server.
type Option func(*Server)

// WithGhost pins the identity every call acts as. Without it each call
// must pass a ghost argument.
func WithGhost(ghost string) Option {
	return func(s *Server) { s.ghost = strings.ToLower(strings.TrimSpace(ghost)) }
}

// WithModel sets the model recorded on writes that do not name one.
func WithModel(model string) Option {
	return func(s *Server) { s.model = model }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server wraps the MCP server with the knowledge tools.
type Server struct {
	mcp   *server.MCPServer
	svc   *service.Service
	store storage.Provider
	ghost string
	model string
	log   *slog.Logger
}

// New creates a server with all tools and resources registered.
func New(svc *service.Service, store storage.Provider, version string, opts ...Option) *Server {
	s := &Server{svc: svc, store: store, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}

	s.mcp = server.NewMCPServer(
		"GhostKB",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	ghostArg := mcp.WithString("ghost", mcp.Description("Calling ghost. Ignored when the server is pinned to one."))

	s.mcp.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Hybrid keyword and semantic search over every entry visible to the calling ghost. "+
			"Results are ranked by reciprocal rank fusion; degraded is true when semantic ranking was unavailable."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Free-text query")),
		mcp.WithArray("scope", mcp.WithStringItems(), mcp.Description("Restrict to these scopes")),
		mcp.WithArray("category", mcp.WithStringItems(), mcp.Description("Restrict to these entry types")),
		mcp.WithString("topic", mcp.Description("Restrict to one reference topic")),
		mcp.WithString("archetype", mcp.Description("Restrict to one archetype")),
		mcp.WithString("tag", mcp.Description("Restrict to a tag or its children (a/b matches a/b/c)")),
		mcp.WithNumber("limit", mcp.Description("Maximum results, default 10")),
		mcp.WithBoolean("expand", mcp.Description("Also return parent, sibling and linked entries")),
		ghostArg,
	), s.search)

	s.mcp.AddTool(mcp.NewTool("get",
		mcp.WithDescription("Read one entry with its body, links, backlinks and, for reference topics, file staleness."),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Entry id, title, or topic path such as http/guide.md")),
		ghostArg,
	), s.get)

	s.mcp.AddTool(mcp.NewTool("write",
		mcp.WithDescription("Create, update, comment on, validate or delete a note or diary entry. "+
			"Read the entry_contract tool or the "+formatURI+" resource first."),
		mcp.WithString("action", mcp.Required(), mcp.Enum(actionNames()...), mcp.Description("What to do")),
		mcp.WithString("ref", mcp.Description("Target entry for every action but create")),
		mcp.WithString("scope", mcp.Description("shared_note, ghost_note or ghost_diary")),
		mcp.WithString("entry_type", mcp.Description("note or diary")),
		mcp.WithString("title", mcp.Description("Title, required to create a note")),
		mcp.WithString("body", mcp.Description("Markdown body")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Hierarchical tags; the first one picks the folder")),
		mcp.WithString("archetype", mcp.Description("Optional semantic classification")),
		mcp.WithNumber("trust_score", mcp.Description("0..10")),
		mcp.WithString("parent", mcp.Description("Parent entry id")),
		mcp.WithArray("source", mcp.Description("Provenance, URLs or objects")),
		mcp.WithString("date", mcp.Description("Diary day, YYYY-MM-DD")),
		mcp.WithString("diary_mode", mcp.Enum(service.DiaryAppend, service.DiaryReplace),
			mcp.Description("Whether a diary write appends to the day (default) or replaces it")),
		mcp.WithString("comment", mcp.Description("Comment text")),
		mcp.WithNumber("expected_version", mcp.Description("Version the change is based on")),
		mcp.WithString("if_match", mcp.Description("Content hash the change is based on")),
		mcp.WithString("model", mcp.Description("Model recorded as author")),
		ghostArg,
	), s.write)

	s.mcp.AddTool(mcp.NewTool("reference_write",
		mcp.WithDescription("Store one member file of a reference topic, creating the topic when needed. "+
			"Pass either content or content_ref (a file staged in the inbox)."),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Topic directory name, lowercase")),
		mcp.WithString("filename", mcp.Required(), mcp.Description("Member file name, e.g. guide.md or client.go")),
		mcp.WithString("content", mcp.Description("Inline file content")),
		mcp.WithString("content_ref", mcp.Description("Inbox path returned by capture")),
		mcp.WithString("scope", mcp.Description("shared_reference (default) or ghost_reference")),
		mcp.WithString("source_url", mcp.Description("Where the file was fetched from")),
		mcp.WithString("source_type", mcp.Enum(string(models.SourceGit), string(models.SourceWeb))),
		mcp.WithString("role", mcp.Description("Role of the source, e.g. primary")),
		mcp.WithNumber("max_age_days", mcp.Description("Staleness threshold of the topic")),
		mcp.WithString("topic_title", mcp.Description("Title of a newly created topic")),
		mcp.WithArray("tags", mcp.WithStringItems()),
		mcp.WithString("model", mcp.Description("Model recorded as author")),
		ghostArg,
	), s.referenceWrite)

	s.mcp.AddTool(mcp.NewTool("capture",
		mcp.WithDescription("Download a text or source file (http/https URL or base64 data URI) into the staging inbox. "+
			"Returns a content_ref for reference_write."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data URI")),
		mcp.WithString("filename", mcp.Description("File name to store as; derived from the URL when empty")),
		mcp.WithString("dir", mcp.Description("Optional inbox sub-directory")),
	), s.capture)

	s.mcp.AddTool(mcp.NewTool("entry_contract",
		mcp.WithDescription("Returns the on-disk entry format and write rules. Call this before writing."),
	), s.entryContract)

	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Entry Format Contract",
			mcp.WithResourceDescription("On-disk format of notes, diaries and reference topics."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func actionNames() []string {
	out := make([]string, len(service.Actions))
	for i, a := range service.Actions {
		out[i] = string(a)
	}
	return out
}

// caller returns the acting ghost: the pinned identity or the ghost
// argument.
func (s *Server) caller(req mcp.CallToolRequest) (string, error) {
	if s.ghost != "" {
		return s.ghost, nil
	}
	g := strings.ToLower(strings.TrimSpace(req.GetString("ghost", "")))
	if g == "" {
		return "", errors.New("ghost is required")
	}
	if strings.ContainsAny(g, `/\`) || strings.HasPrefix(g, ".") {
		return "", fmt.Errorf("invalid ghost %q", g)
	}
	return g, nil
}

func (s *Server) search(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	// Search works without an identity; only shared scopes are visible then.
	viewer, _ := s.caller(req)

	p := service.SearchParams{
		Query:     query,
		Viewer:    viewer,
		Topic:     req.GetString("topic", ""),
		Archetype: req.GetString("archetype", ""),
		Tag:       req.GetString("tag", ""),
		Limit:     req.GetInt("limit", 0),
		Expand:    req.GetBool("expand", false),
	}
	for _, sc := range req.GetStringSlice("scope", nil) {
		p.Scopes = append(p.Scopes, models.Scope(sc))
	}
	for _, c := range req.GetStringSlice("category", nil) {
		p.Categories = append(p.Categories, models.EntryType(c))
	}

	resp, err := s.svc.Search(ctx, p)
	if err != nil {
		return s.toolError("search", err), nil
	}
	return jsonResult(resp)
}

func (s *Server) get(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	viewer, _ := s.caller(req)
	d, err := s.svc.Get(ctx, viewer, ref)
	if err != nil {
		return s.toolError("get", err), nil
	}
	return jsonResult(d)
}

func (s *Server) write(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ghost, err := s.caller(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var wr service.WriteRequest
	if err := req.BindArguments(&wr); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	wr.Ghost = ghost
	if wr.Model == "" {
		wr.Model = s.model
	}
	res, err := s.svc.Write(ctx, wr)
	if err != nil {
		return s.toolError("write", err), nil
	}
	return jsonResult(res)
}

func (s *Server) referenceWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ghost, err := s.caller(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var rr service.RefWriteRequest
	if err := req.BindArguments(&rr); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	rr.Ghost = ghost
	if rr.Model == "" {
		rr.Model = s.model
	}
	res, err := s.svc.ReferenceWrite(ctx, rr)
	if err != nil {
		return s.toolError("reference_write", err), nil
	}
	return jsonResult(res)
}

func (s *Server) entryContract(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(EntryFormatContract), nil
}

func (s *Server) readFormatResource(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     EntryFormatContract,
		},
	}, nil
}

// conflictResult carries the rejected content back to the agent.
type conflictResult struct {
	Error           string `json:"error"`
	EntryID         string `json:"entry_id"`
	CurrentVersion  int    `json:"current_version"`
	CurrentHash     string `json:"current_hash"`
	RejectedContent string `json:"rejected_content,omitempty"`
}

// toolError turns a service error into a tool-level error result.
// Unexpected failures are logged; the agent only sees a generic message.
func (s *Server) toolError(op string, err error) *mcp.CallToolResult {
	var ce *apperr.ConflictError
	switch {
	case errors.As(err, &ce):
		out, _ := json.MarshalIndent(conflictResult{
			Error:           "conflict: re-read the entry and retry",
			EntryID:         ce.EntryID,
			CurrentVersion:  ce.CurrentVersion,
			CurrentHash:     ce.CurrentHash,
			RejectedContent: ce.RejectedContent,
		}, "", "  ")
		return mcp.NewToolResultError(string(out))
	case errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrInvalidInput),
		errors.Is(err, apperr.ErrScopeViolation),
		errors.Is(err, apperr.ErrConflict),
		errors.Is(err, apperr.ErrAlreadyExists),
		errors.Is(err, apperr.ErrParse):
		return mcp.NewToolResultError(err.Error())
	}
	s.log.Error("mcp: tool failed", slog.String("tool", op), slog.String("error", err.Error()))
	return mcp.NewToolResultError(op + " failed")
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: encode result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}
