package parser

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ResourcePrefix is the relative directory that holds a note's resources.
const ResourcePrefix = "index_files/"

var md = goldmark.New()

func parseAST(src []byte) ast.Node {
	return md.Parser().Parse(text.NewReader(src))
}

// PlainText renders Markdown to plain text: markup is dropped, one line per
// block. Raw HTML is skipped.
func PlainText(markdown string) string {
	src := []byte(markdown)
	doc := parseAST(src)

	var buf bytes.Buffer
	newline := func() {
		if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '\n' {
			buf.WriteByte('\n')
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
				newline()
			}
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := v.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			buf.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(v.Value)
		case *ast.AutoLink:
			buf.Write(v.Label(src))
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(buf.String())
}

// Resources returns the names of images referenced under index_files/, in
// document order and without duplicates.
func Resources(markdown string) []string {
	src := []byte(markdown)
	doc := parseAST(src)

	seen := make(map[string]struct{})
	out := []string{}
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		img, ok := n.(*ast.Image)
		if !ok {
			return ast.WalkContinue, nil
		}
		dest := string(img.Destination)
		if !strings.HasPrefix(dest, ResourcePrefix) {
			return ast.WalkContinue, nil
		}
		name := strings.TrimPrefix(dest, ResourcePrefix)
		if name == "" || strings.Contains(name, "/") {
			return ast.WalkContinue, nil
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			out = append(out, name)
		}
		return ast.WalkContinue, nil
	})
	return out
}

// ExternalImages returns image destinations that point outside the note:
// data URIs and http(s) URLs, without duplicates.
func ExternalImages(markdown string) []string {
	src := []byte(markdown)
	doc := parseAST(src)

	seen := make(map[string]struct{})
	var out []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		img, ok := n.(*ast.Image)
		if !ok {
			return ast.WalkContinue, nil
		}
		dest := string(img.Destination)
		if !strings.HasPrefix(dest, "data:") && !strings.HasPrefix(dest, "http://") && !strings.HasPrefix(dest, "https://") {
			return ast.WalkContinue, nil
		}
		if _, dup := seen[dest]; !dup {
			seen[dest] = struct{}{}
			out = append(out, dest)
		}
		return ast.WalkContinue, nil
	})
	return out
}
