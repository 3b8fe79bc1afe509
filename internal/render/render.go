// Package render turns raw fetched bytes into the canonical line-oriented
// text every downstream check runs against, and splits that text into
// ordered chunks for extraction. Line numbers are 1-based positions in
// the canonical text and stay stable for the life of the document.
package render

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	blockRe = regexp.MustCompile(`(?i)</(p|div|tr|li|h[1-6]|table|ul|ol|blockquote)>|<br\s*/?>`)
	cellRe  = regexp.MustCompile(`(?i)</(td|th)>`)
	tagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRe = regexp.MustCompile(`[ \t]+`)
	blankRe = regexp.MustCompile(`\n{3,}`)
)

// Canonicalize converts raw document bytes into canonical text. HTML is
// reduced to plaintext with block boundaries preserved as line breaks so
// table rows and paragraphs keep their own lines; anything else is
// treated as already-plain text and only normalized.
func Canonicalize(raw []byte, contentType string) (string, error) {
	if len(raw) == 0 {
		return "", eris.New("render: empty document")
	}
	text := string(raw)
	if isHTML(contentType, text) {
		text = stripHTML(text)
	}
	return normalize(text), nil
}

func isHTML(contentType, text string) bool {
	if strings.Contains(contentType, "html") {
		return true
	}
	head := strings.ToLower(text[:min(len(text), 512)])
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// stripHTML removes script/style blocks, keeps block-level boundaries as
// newlines and table cells as tab stops, strips remaining tags, and
// decodes common entities.
func stripHTML(html string) string {
	for _, tag := range []string{"script", "style", "head"} {
		re := regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
		html = re.ReplaceAllString(html, "")
	}

	html = cellRe.ReplaceAllString(html, "\t")
	html = blockRe.ReplaceAllString(html, "\n")
	html = tagRe.ReplaceAllString(html, " ")

	r := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
		"&sect;", "§",
		"&ndash;", "–",
		"&mdash;", "—",
	)
	return r.Replace(html)
}

// normalize trims per-line whitespace, collapses runs of spaces, and
// caps blank runs at one empty line.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		l = strings.ReplaceAll(l, "\t", " ")
		l = spaceRe.ReplaceAllString(l, " ")
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Lines splits canonical text into its 1-based addressable lines.
func Lines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// FindLine returns the 1-based number of the first line containing
// needle, or 0 when absent.
func FindLine(text, needle string) int {
	for i, l := range Lines(text) {
		if strings.Contains(l, needle) {
			return i + 1
		}
	}
	return 0
}

// Slice returns the inclusive line range [start, end] of canonical text,
// clamped to the document. Used to rebuild evidence quotes.
func Slice(text string, start, end int) string {
	lines := Lines(text)
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end || len(lines) == 0 {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
