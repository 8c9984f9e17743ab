// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes notesync tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/notesync/internal/noteservice"
	"github.com/starford/notesync/internal/store"
)

const (
	searchLimit = 20
	listLimit   = 200
)

// Server wraps the MCP server with notesync tools.
type Server struct {
	mcp *server.MCPServer
	svc *noteservice.Service
}

// New creates a new MCP server with all notesync tools registered.
func New(svc *noteservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Notesync",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Full-text search through notes content and titles."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the full Markdown content of a note, with its tags, links and checksum. "+
			"Notes that were synced without their body are downloaded first."),
		mcp.WithString("guid", mcp.Required(), mcp.Description("Guid of the note")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new Markdown note. "+
			"Content MUST follow the note format contract (title on the first line, inline #tags, "+
			"[[wikilinks]] by title). Read the contract first via the get_note_contract tool "+
			"or the "+ContractURI+" resource."),
		mcp.WithString("markdown", mcp.Required(), mcp.Description("Markdown content following the note format contract")),
		mcp.WithString("tag", mcp.Description("Optional tag appended to the note")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("update_note",
		mcp.WithDescription("Replace the body of an existing note. Pass the checksum returned by read_note "+
			"to refuse the update when the note changed in the meantime."),
		mcp.WithString("guid", mcp.Required(), mcp.Description("Guid of the note")),
		mcp.WithString("markdown", mcp.Required(), mcp.Description("New Markdown content")),
		mcp.WithString("checksum", mcp.Description("Checksum of the body the update is based on")),
	), s.updateNote)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the canonical note format contract. "+
			"Call this before creating or updating notes to ensure correct structure."),
	), s.getNoteContract)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List notes, newest first, optionally restricted to a tag."),
		mcp.WithString("tag", mcp.Description("Optional tag to filter by (children included)")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find all notes that link to the note with the given title."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Title of the note to find backlinks for")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("list_tags",
		mcp.WithDescription("Return the tag tree with note counts."),
	), s.listTags)

	s.mcp.AddTool(mcp.NewTool("rename_tag",
		mcp.WithDescription("Rename a tag and all of its children in every note."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Current tag name")),
		mcp.WithString("to", mcp.Required(), mcp.Description("New tag name")),
	), s.renameTag)

	s.mcp.AddTool(mcp.NewTool("sync",
		mcp.WithDescription("Synchronize notes with the bound account and report what moved."),
	), s.sync)

	s.mcp.AddTool(mcp.NewTool("upload_asset",
		mcp.WithDescription("Attach an image to a note from an http(s) URL or a data: URI. "+
			"Returns a Markdown image reference to paste into the note body."),
		mcp.WithString("guid", mcp.Required(), mcp.Description("Guid of the note the image belongs to")),
		mcp.WithString("url", mcp.Required(), mcp.Description("Image URL or data: URI")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL if empty")),
	), s.uploadAsset)

	// Resource: note format contract.
	s.mcp.AddResource(
		mcp.NewResource(ContractURI, "Note Format Contract",
			mcp.WithResourceDescription("Canonical Markdown note format that all notes must follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
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

func optionalString(req mcp.CallToolRequest, key string) string {
	v, err := req.RequireString(key)
	if err != nil {
		return ""
	}
	return v
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, 0, searchLimit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(results)
}

type noteView struct {
	GUID     string   `json:"guid"`
	Title    string   `json:"title"`
	Checksum string   `json:"checksum"`
	Tags     []string `json:"tags"`
	Links    []string `json:"links"`
	Markdown string   `json:"markdown"`
}

func viewOf(d *noteservice.NoteDetail) noteView {
	return noteView{
		GUID:     d.GUID,
		Title:    d.Title,
		Checksum: d.Checksum,
		Tags:     d.TagList,
		Links:    d.Links,
		Markdown: d.Markdown,
	}
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guid, err := req.RequireString("guid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.svc.GetNote(ctx, guid)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read %s: %v", guid, err)), nil
	}
	return jsonResult(viewOf(note))
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	markdown, err := req.RequireString("markdown")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.svc.CreateNote(ctx, store.CreateNoteOptions{
		Markdown: markdown,
		Tag:      optionalString(req, "tag"),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(viewOf(note))
}

func (s *Server) updateNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guid, err := req.RequireString("guid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	markdown, err := req.RequireString("markdown")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.svc.UpdateNote(ctx, guid, markdown, optionalString(req, "checksum"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update %s: %v", guid, err)), nil
	}
	return jsonResult(viewOf(note))
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter store.QueryFilter
	if tag := optionalString(req, "tag"); tag != "" {
		filter.Tags = []string{tag}
	}
	items, err := s.svc.ListNotes(ctx, 0, listLimit, filter)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, it.GUID+"\t"+it.Title)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) getNoteContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ContractURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items, err := s.svc.Backlinks(ctx, title)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, it.GUID+"\t"+it.Title)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) listTags(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tree, err := s.svc.Tags(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(tree)
}

func (s *Server) renameTag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	renamed, err := s.svc.RenameTag(ctx, from, to)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("renamed #%s to #%s in %d notes", from, to, len(renamed))), nil
}

func (s *Server) sync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.svc.Sync(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if res == nil {
		return mcp.NewToolResultText("sync already in progress"), nil
	}
	return jsonResult(res)
}
