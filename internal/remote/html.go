package remote

import (
	"html"
	"regexp"
	"strings"

	"github.com/starford/notesync/internal/apperr"
)

// MarkdownPlaceholder marks where the escaped Markdown goes in NoteHTML.
const MarkdownPlaceholder = "<!--wiznote-lite-markdown-->"

// NoteHTML is the document the service stores for Markdown notes.
const NoteHTML = `<!DOCTYPE html>
<html>
<head>
<meta http-equiv="Content-Type" content="text/html; charset=UTF-8">
<meta name="wiz-note-type" content="lite/markdown">
</head>
<body><pre>` + MarkdownPlaceholder + `</pre></body>
</html>
`

var (
	preRe  = regexp.MustCompile(`(?is)<pre[^>]*>(.*?)</pre>`)
	bodyRe = regexp.MustCompile(`(?is)<body[^>]*>(.*?)</body>`)
	brRe   = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>`)
	tagRe  = regexp.MustCompile(`(?s)<[^>]*>`)
)

var markdownEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// MarkdownToHTML escapes markdown into the note document template.
func MarkdownToHTML(markdown string) (string, error) {
	i := strings.Index(NoteHTML, MarkdownPlaceholder)
	if i < 0 {
		return "", &apperr.InternalError{Msg: "remote: invalid html template"}
	}
	return NoteHTML[:i] + markdownEscaper.Replace(markdown) + NoteHTML[i+len(MarkdownPlaceholder):], nil
}

// MarkdownFromHTML recovers the Markdown text of a note document. Documents
// not produced by MarkdownToHTML are reduced to their text content.
func MarkdownFromHTML(doc string) string {
	if m := preRe.FindStringSubmatch(doc); m != nil {
		return html.UnescapeString(m[1])
	}
	body := doc
	if m := bodyRe.FindStringSubmatch(doc); m != nil {
		body = m[1]
	}
	body = brRe.ReplaceAllString(body, "\n")
	return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(body, "")))
}
