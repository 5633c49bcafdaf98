// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the local page store and sync engine over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/localstore"
	"github.com/starford/sowilo/internal/storage"
	"github.com/starford/sowilo/internal/syncclient"
)

// Syncer runs sync cycles on demand and reports their state.
type Syncer interface {
	Sync(ctx context.Context) (*syncclient.Result, error)
	State(ctx context.Context) syncclient.State
}

// Server wraps the MCP server with page tools.
type Server struct {
	mcp    *server.MCPServer
	store  *localstore.Store
	syncer Syncer
	assets storage.Provider
}

// New creates a new MCP server with all page tools registered. syncer and
// assets may be nil; the tools depending on them are then not registered.
func New(store *localstore.Store, syncer Syncer, assets storage.Provider) *Server {
	s := &Server{store: store, syncer: syncer, assets: assets}

	s.mcp = server.NewMCPServer(
		"Sowilo",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_pages",
		mcp.WithDescription("Search active pages by title and plain text."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchPages)

	s.mcp.AddTool(mcp.NewTool("read_page",
		mcp.WithDescription("Read a page by id or by title."),
		mcp.WithString("id", mcp.Description("Page id (temporary or server id)")),
		mcp.WithString("title", mcp.Description("Page title, matched case-insensitively")),
	), s.readPage)

	s.mcp.AddTool(mcp.NewTool("create_page",
		mcp.WithDescription("Create a page in the local store. It syncs to the server on the next cycle. "+
			"Titles are unique among active pages; read the sowilo://page-format resource first."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Page title")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Page body")),
		mcp.WithString("content_type", mcp.Description("json, markdown, text or canvas (default markdown)")),
	), s.createPage)

	s.mcp.AddTool(mcp.NewTool("list_pages",
		mcp.WithDescription("List the titles and ids of all active pages."),
		mcp.WithBoolean("dirty_only", mcp.Description("Only list pages not yet acknowledged by the server")),
	), s.listPages)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find all pages that link to the specified page."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Id of the page to find backlinks for")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("get_links",
		mcp.WithDescription("List the pages the specified page links to."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Id of the source page")),
	), s.getLinks)

	s.mcp.AddTool(mcp.NewTool("link_pages",
		mcp.WithDescription("Add a link from one page to another."),
		mcp.WithString("source_id", mcp.Required(), mcp.Description("Id of the linking page")),
		mcp.WithString("target_id", mcp.Required(), mcp.Description("Id of the linked page")),
	), s.linkPages)

	s.mcp.AddTool(mcp.NewTool("unlink_pages",
		mcp.WithDescription("Remove the link from one page to another."),
		mcp.WithString("source_id", mcp.Required(), mcp.Description("Id of the linking page")),
		mcp.WithString("target_id", mcp.Required(), mcp.Description("Id of the linked page")),
	), s.unlinkPages)

	if syncer != nil {
		s.mcp.AddTool(mcp.NewTool("sync_status",
			mcp.WithDescription("Report the sync status, watermark and last cycle summary."),
		), s.syncStatus)

		s.mcp.AddTool(mcp.NewTool("sync_now",
			mcp.WithDescription("Run one push-then-pull sync cycle now."),
		), s.syncNow)
	}

	if assets != nil {
		s.mcp.AddTool(mcp.NewTool("attach_image",
			mcp.WithDescription("Store an image (http(s) URL or base64 data URI) and add it to a page's image previews."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Page id")),
			mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data URI of the image")),
		), s.attachImage)
	}

	s.mcp.AddResource(
		mcp.NewResource("sowilo://page-format", "Page Format Contract",
			mcp.WithResourceDescription("Content types and title rules for pages."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readPageFormatResource,
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

type pageSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	IsSynced bool   `json:"is_synced"`
	IsDaily  bool   `json:"is_daily,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
}

func summarize(p localstore.Page, withSnippet bool) pageSummary {
	out := pageSummary{ID: p.ID, Title: p.Title, IsSynced: p.IsSynced, IsDaily: p.IsDaily}
	if withSnippet {
		out.Snippet = p.PlainText
		if r := []rune(out.Snippet); len(r) > 200 {
			out.Snippet = string(r[:200]) + "..."
		}
	}
	return out
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func (s *Server) searchPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pages, err := s.store.Search(ctx, query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := make([]pageSummary, 0, len(pages))
	for _, p := range pages {
		out = append(out, summarize(p, true))
	}
	return jsonResult(out), nil
}

func (s *Server) readPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	title := req.GetString("title", "")

	var (
		p   *localstore.Page
		err error
	)
	switch {
	case id != "":
		// Ids handed out by create_page stay valid after the page syncs.
		if id, err = s.store.CurrentID(ctx, id); err == nil {
			p, err = s.store.GetPage(ctx, id)
		}
	case title != "":
		p, err = s.store.FindByTitle(ctx, title)
	default:
		return mcp.NewToolResultError("id or title is required"), nil
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("page not found: %s%s", id, title)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(p), nil
}

func (s *Server) createPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	contentType := req.GetString("content_type", "markdown")

	p, err := s.store.CreatePage(ctx, localstore.NewPage{Title: title, Content: content, ContentType: contentType})
	if errors.Is(err, apperr.ErrTitleTaken) {
		return mcp.NewToolResultError(fmt.Sprintf("title already used: %s", title)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", p.ID)), nil
}

func (s *Server) listPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		pages []localstore.Page
		err   error
	)
	if req.GetBool("dirty_only", false) {
		pages, err = s.store.DirtyPages(ctx)
	} else {
		pages, err = s.store.ListPages(ctx, false)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines := make([]string, 0, len(pages))
	for _, p := range pages {
		lines = append(lines, p.ID+"\t"+p.Title)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	bl, err := s.store.Backlinks(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(bl) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	return mcp.NewToolResultText(strings.Join(bl, "\n")), nil
}

func (s *Server) getLinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.store.LinksFrom(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(out) == 0 {
		return mcp.NewToolResultText("no links found"), nil
	}
	return mcp.NewToolResultText(strings.Join(out, "\n")), nil
}

func linkArgs(req mcp.CallToolRequest) (string, string, error) {
	source, err := req.RequireString("source_id")
	if err != nil {
		return "", "", err
	}
	target, err := req.RequireString("target_id")
	if err != nil {
		return "", "", err
	}
	return source, target, nil
}

func (s *Server) linkPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, target, err := linkArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	err = s.store.AddLink(ctx, source, target)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("page not found: %v", err)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("linked: %s -> %s", source, target)), nil
}

func (s *Server) unlinkPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, target, err := linkArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.store.RemoveLink(ctx, source, target); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("unlinked: %s -> %s", source, target)), nil
}

func (s *Server) syncStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.syncer.State(ctx)), nil
}

func (s *Server) syncNow(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.syncer.Sync(ctx)
	if errors.Is(err, apperr.ErrSyncInProgress) {
		return mcp.NewToolResultText("sync already in progress"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res), nil
}

func (s *Server) readPageFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "sowilo://page-format",
			MIMEType: "text/markdown",
			Text:     PageFormatContract,
		},
	}, nil
}
