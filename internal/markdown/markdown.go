// Package markdown renders generator-written markdown into XHTML fragments
// that can be inserted into EPUB chapters.
package markdown

import (
	"bytes"
	"html"
	"strings"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

// ToXHTML renders md as an XHTML fragment. Raw HTML in the input is dropped
// so the output stays well-formed.
func ToXHTML(md []byte) string {
	opts := mdhtml.RendererOptions{
		Flags: mdhtml.UseXHTML | mdhtml.SkipHTML,
	}
	renderer := mdhtml.NewRenderer(opts)
	ext := parser.CommonExtensions
	p := parser.NewWithExtensions(ext)
	doc := p.Parse(normalizeNewlines(md))
	return strings.TrimSpace(string(markdown.Render(doc, renderer)))
}

// ToPlainText renders md and returns its text with markup removed and
// entities decoded.
func ToPlainText(md []byte) string {
	return strings.TrimSpace(html.UnescapeString(StripHTMLTags(ToXHTML(md))))
}

func StripHTMLTags(htmlContent string) string {
	var result bytes.Buffer
	inTag := false

	for _, ch := range htmlContent {
		switch ch {
		case '<':
			inTag = true
		case '>':
			inTag = false
		default:
			if !inTag {
				result.WriteRune(ch)
			}
		}
	}

	return result.String()
}

func normalizeNewlines(md []byte) []byte {
	return bytes.ReplaceAll(md, []byte("\r\n"), []byte("\n"))
}
