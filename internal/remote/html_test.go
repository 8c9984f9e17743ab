package remote

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkdownHTMLRoundTrip(t *testing.T) {
	md := "# Title\n<b>not bold</b> & </pre> stays text"
	doc, err := MarkdownToHTML(md)
	require.NoError(t, err)
	require.NotContains(t, doc, MarkdownPlaceholder)
	require.NotContains(t, doc, "<b>")
	require.Equal(t, md, MarkdownFromHTML(doc))
}

func TestMarkdownFromForeignHTML(t *testing.T) {
	doc := "<html><body><p>first &amp; line</p><div>second</div></body></html>"
	got := MarkdownFromHTML(doc)
	require.Equal(t, []string{"first & line", "second"}, strings.Split(got, "\n"))
}
