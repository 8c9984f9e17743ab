// Package parser extracts frontmatter, wikilinks, tags, plain text and
// resource references from Markdown note bodies.
package parser

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([^\s#\[\]()]+)#?`)
	fenceRe    = regexp.MustCompile("(?ms)^```.*?^```")
)

// maxAbstract is the abstract length in characters.
const maxAbstract = 200

// Result holds the output of analyzing a Markdown note.
type Result struct {
	Frontmatter map[string]interface{}
	Body        string
	Text        string
	Title       string
	Abstract    string
	Links       []string
	Tags        []string
	Resources   []string
}

// Parse analyzes raw Markdown bytes.
func Parse(data []byte) (*Result, error) {
	fm, body := splitFrontmatter(data)
	text := PlainText(body)
	title, abstract := TitleAndAbstract(text)

	return &Result{
		Frontmatter: fm,
		Body:        body,
		Text:        text,
		Title:       title,
		Abstract:    abstract,
		Links:       extractLinks(body),
		Tags:        extractTags(body, fm),
		Resources:   Resources(body),
	}, nil
}

// Analyze is Parse for string content.
func Analyze(markdown string) *Result {
	r, _ := Parse([]byte(markdown))
	return r
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. If no valid frontmatter is found the entire content
// is body.
func splitFrontmatter(data []byte) (map[string]interface{}, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]interface{}
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		return nil, string(data)
	}
	return fm, body
}

// TitleAndAbstract derives the title (first line) and abstract (up to 200
// characters after the first line) from plain text.
func TitleAndAbstract(text string) (title, abstract string) {
	end := strings.IndexByte(text, '\n')
	if end < 0 {
		return strings.TrimSpace(text), ""
	}
	title = strings.TrimSpace(text[:end])
	rest := []rune(text[end+1:])
	if len(rest) > maxAbstract {
		rest = rest[:maxAbstract]
	}
	return title, strings.TrimSpace(string(rest))
}

// extractLinks returns sorted, deduplicated wikilink targets with aliases
// stripped.
func extractLinks(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(stripFences(body), -1)
	seen := make(map[string]struct{}, len(matches))
	out := []string{}
	for _, m := range matches {
		target := m[1]
		if i := strings.Index(target, "|"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

// extractTags collects #tags from the body and the frontmatter "tags" list,
// normalized and sorted.
func extractTags(body string, fm map[string]interface{}) []string {
	seen := make(map[string]struct{})
	out := []string{}
	add := func(raw string) {
		t := NormalizeTag(raw)
		if t == "" {
			return
		}
		if _, dup := seen[t]; !dup {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}

	if fm != nil {
		if v, ok := fm["tags"].([]interface{}); ok {
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		}
	}

	for _, m := range tagRe.FindAllStringSubmatch(stripFences(body), -1) {
		add(m[1])
	}

	sort.Strings(out)
	return out
}

// NormalizeTag trims surrounding '#' and '/' characters and whitespace.
func NormalizeTag(tag string) string {
	return strings.Trim(strings.TrimSpace(tag), "#/")
}

func stripFences(body string) string {
	return fenceRe.ReplaceAllString(body, "")
}

// Tags returns the normalized tag set of a Markdown body.
func Tags(markdown string) []string {
	fm, body := splitFrontmatter([]byte(markdown))
	return extractTags(body, fm)
}

// Links returns the wikilink targets of a Markdown body.
func Links(markdown string) []string {
	_, body := splitFrontmatter([]byte(markdown))
	return extractLinks(body)
}

// JoinTags encodes tags in the stored form "#a/|#b/c/".
func JoinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = "#" + t + "/"
	}
	return strings.Join(parts, "|")
}

// SplitTags decodes the stored tag form back into normalized names.
func SplitTags(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := NormalizeTag(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ReplaceTag renames #from (case-insensitive) to #to, including nested
// children such as #from/child. #fromage is left untouched.
func ReplaceTag(markdown, from, to string) string {
	from = NormalizeTag(from)
	to = NormalizeTag(to)
	if from == "" || to == "" {
		return markdown
	}
	re := regexp.MustCompile(`(?i)#` + regexp.QuoteMeta(from) + `([/#\s]|$)`)
	return re.ReplaceAllString(markdown, "#"+strings.ReplaceAll(to, "$", "$$")+"${1}")
}

// ReplaceLinkTitle rewrites [[old]] and [[old|alias]] references to new.
func ReplaceLinkTitle(markdown, oldTitle, newTitle string) string {
	re := regexp.MustCompile(`\[\[` + regexp.QuoteMeta(oldTitle) + `(\|[^\]]*)?\]\]`)
	return re.ReplaceAllString(markdown, "[["+strings.ReplaceAll(newTitle, "$", "$$")+"${1}]]")
}
