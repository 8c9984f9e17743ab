package mcpserver

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/notesync/internal/parser"
)

type uploadResult struct {
	SavedName     string `json:"savedName"`
	MarkdownImage string `json:"markdownImage"`
}

func (s *Server) uploadAsset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guid, err := req.RequireString("guid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	img, err := s.svc.ImportResource(ctx, guid, rawURL, optionalString(req, "filename"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	name := strings.TrimSuffix(img[strings.LastIndex(img, parser.ResourcePrefix)+len(parser.ResourcePrefix):], ")")
	return jsonResult(uploadResult{SavedName: name, MarkdownImage: img})
}
