package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/notesync/internal/noteservice"
	"github.com/starford/notesync/internal/testutil"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	env := testutil.TestStore(t)
	return New(noteservice.NewService(env.DB, nil, nil, testutil.QuietLogger()))
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no in-process call helper, so handlers are invoked directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "search_notes":
		result, err = srv.searchNotes(ctx, req)
	case "read_note":
		result, err = srv.readNote(ctx, req)
	case "create_note":
		result, err = srv.createNote(ctx, req)
	case "update_note":
		result, err = srv.updateNote(ctx, req)
	case "list_notes":
		result, err = srv.listNotes(ctx, req)
	case "get_backlinks":
		result, err = srv.getBacklinks(ctx, req)
	case "list_tags":
		result, err = srv.listTags(ctx, req)
	case "rename_tag":
		result, err = srv.renameTag(ctx, req)
	case "sync":
		result, err = srv.sync(ctx, req)
	case "upload_asset":
		result, err = srv.uploadAsset(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

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

func create(t *testing.T, srv *Server, markdown string) noteView {
	t.Helper()
	r := callTool(t, srv, "create_note", map[string]interface{}{"markdown": markdown})
	if r.IsError {
		t.Fatalf("create failed: %s", resultText(r))
	}
	var v noteView
	if err := json.Unmarshal([]byte(resultText(r)), &v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestCreateAndReadNote(t *testing.T) {
	srv := testServer(t)
	created := create(t, srv, "# Test\nHello #demo")
	if created.GUID == "" || created.Title != "Test" {
		t.Fatalf("created = %+v", created)
	}

	r := callTool(t, srv, "read_note", map[string]interface{}{"guid": created.GUID})
	var got noteView
	_ = json.Unmarshal([]byte(resultText(r)), &got)
	if got.Markdown != "# Test\nHello #demo" {
		t.Errorf("markdown = %q", got.Markdown)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "demo" {
		t.Errorf("tags = %v", got.Tags)
	}
}

func TestUpdateNoteChecksConflicts(t *testing.T) {
	srv := testServer(t)
	created := create(t, srv, "# Doc\nv1")

	r := callTool(t, srv, "update_note", map[string]interface{}{
		"guid": created.GUID, "markdown": "# Doc\nv2", "checksum": "stale",
	})
	if !r.IsError {
		t.Fatal("expected conflict for stale checksum")
	}

	r = callTool(t, srv, "update_note", map[string]interface{}{
		"guid": created.GUID, "markdown": "# Doc\nv2", "checksum": created.Checksum,
	})
	if r.IsError {
		t.Fatalf("update failed: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), "v2") {
		t.Errorf("update result = %q", resultText(r))
	}
}

func TestListNotes(t *testing.T) {
	srv := testServer(t)
	create(t, srv, "# A\n#x")
	create(t, srv, "# B")

	text := resultText(callTool(t, srv, "list_notes", map[string]interface{}{}))
	if strings.Count(text, "\n") != 1 {
		t.Errorf("list = %q, want two lines", text)
	}
	text = resultText(callTool(t, srv, "list_notes", map[string]interface{}{"tag": "x"}))
	if !strings.HasSuffix(text, "\tA") || strings.Contains(text, "\n") {
		t.Errorf("tag list = %q", text)
	}
}

func TestReadNoteMissing(t *testing.T) {
	srv := testServer(t)
	r := callTool(t, srv, "read_note", map[string]interface{}{"guid": "nope"})
	if !r.IsError {
		t.Error("expected error for missing note")
	}
}

func TestSearchNotes(t *testing.T) {
	srv := testServer(t)
	create(t, srv, "# Bread\nbanana bread")
	r := callTool(t, srv, "search_notes", map[string]interface{}{"query": "banana"})
	if r.IsError || !strings.Contains(resultText(r), "Bread") {
		t.Errorf("search = %q", resultText(r))
	}
}

func TestGetBacklinks(t *testing.T) {
	srv := testServer(t)
	a := create(t, srv, "# A\nlinks to [[B]]")
	create(t, srv, "# B")

	text := resultText(callTool(t, srv, "get_backlinks", map[string]interface{}{"title": "B"}))
	if text != a.GUID+"\tA" {
		t.Errorf("backlinks = %q", text)
	}
	text = resultText(callTool(t, srv, "get_backlinks", map[string]interface{}{"title": "A"}))
	if text != "no backlinks found" {
		t.Errorf("backlinks = %q", text)
	}
}

func TestTagsAndRename(t *testing.T) {
	srv := testServer(t)
	create(t, srv, "# A\n#work/project")

	if text := resultText(callTool(t, srv, "list_tags", map[string]interface{}{})); !strings.Contains(text, `"work"`) {
		t.Errorf("tags = %q", text)
	}
	text := resultText(callTool(t, srv, "rename_tag", map[string]interface{}{"from": "work", "to": "job"}))
	if text != "renamed #work to #job in 1 notes" {
		t.Errorf("rename = %q", text)
	}
}

func TestSyncWithoutAccount(t *testing.T) {
	srv := testServer(t)
	r := callTool(t, srv, "sync", map[string]interface{}{})
	if !r.IsError {
		t.Error("expected error without a bound account")
	}
}

func TestUploadAssetFromDataURI(t *testing.T) {
	srv := testServer(t)
	note := create(t, srv, "# Pics")
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR fake image body")

	r := callTool(t, srv, "upload_asset", map[string]interface{}{
		"guid":     note.GUID,
		"url":      "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		"filename": "dot.png",
	})
	if r.IsError {
		t.Fatalf("upload failed: %s", resultText(r))
	}
	var res uploadResult
	_ = json.Unmarshal([]byte(resultText(r)), &res)
	if res.SavedName != "dot.png" || res.MarkdownImage != "![dot.png](index_files/dot.png)" {
		t.Errorf("upload = %+v", res)
	}

	r = callTool(t, srv, "upload_asset", map[string]interface{}{"guid": note.GUID, "url": "ftp://x/y.png"})
	if !r.IsError {
		t.Error("expected error for unsupported scheme")
	}
}

func TestNoteContract(t *testing.T) {
	srv := testServer(t)
	r, err := srv.getNoteContract(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(r), "index_files/") {
		t.Error("contract does not describe image references")
	}
}
