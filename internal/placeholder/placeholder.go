// Package placeholder swaps translatable text nodes of a document for
// numbered markers ([[[0]]], [[[1]]], …) and later substitutes translated
// text back by id. The markers survive the trip through the generator
// untouched because the generator only ever sees the flat id→text map.
package placeholder

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/valpere/epubtran/internal/xhtml"
)

const (
	tokenOpen  = "[[["
	tokenClose = "]]]"
)

var reToken = regexp.MustCompile(`\[\[\[(\d+)\]\]\]`)

// defaultSkip holds elements whose text is never translatable.
var defaultSkip = []string{"script", "style"}

// Token returns the marker for id.
func Token(id int) string {
	return tokenOpen + strconv.Itoa(id) + tokenClose
}

// Codec issues ids from a running counter. Reusing one Codec across the
// documents of a book keeps their id ranges contiguous and disjoint.
type Codec struct {
	next int
	skip map[string]bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithSkipTags excludes the text of the named elements (local names) in
// addition to script and style.
func WithSkipTags(tags ...string) Option {
	return func(c *Codec) {
		for _, t := range tags {
			c.skip[strings.ToLower(t)] = true
		}
	}
}

// NewCodec returns a Codec whose first issued id is startID.
func NewCodec(startID int, opts ...Option) *Codec {
	c := &Codec{next: startID, skip: make(map[string]bool)}
	for _, t := range defaultSkip {
		c.skip[t] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Next returns the id the next extracted text node will get.
func (c *Codec) Next() int { return c.next }

// Extract replaces every translatable text node of doc with a marker and
// returns the extracted id→text map. Whitespace-only text and text that
// already holds a marker are left alone, so a second call on the same
// document returns an empty map. Surrounding whitespace stays in the
// document; the map holds the trimmed text.
func (c *Codec) Extract(doc *xhtml.Document) TextMap {
	units := make(TextMap)
	xhtml.Walk(doc.Root(), func(tok etree.Token) bool {
		switch t := tok.(type) {
		case *etree.Element:
			return !c.skip[strings.ToLower(t.Tag)]
		case *etree.CharData:
			c.extractText(t, units)
		}
		return true
	})
	return units
}

func (c *Codec) extractText(cd *etree.CharData, units TextMap) {
	data := cd.Data
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return
	}
	if strings.Contains(trimmed, tokenOpen) && strings.Contains(trimmed, tokenClose) {
		return
	}
	start := strings.Index(data, trimmed)
	id := c.next
	c.next++
	units[strconv.Itoa(id)] = trimmed
	cd.Data = data[:start] + Token(id) + data[start+len(trimmed):]
}

// Substitute replaces every marker in doc whose id is present in m with the
// mapped text. Markers with unknown ids are left in place. It returns the
// number of markers replaced.
func Substitute(doc *xhtml.Document, m TextMap) int {
	replaced := 0
	xhtml.Walk(doc.Root(), func(tok etree.Token) bool {
		cd, ok := tok.(*etree.CharData)
		if !ok || !strings.Contains(cd.Data, tokenOpen) {
			return true
		}
		cd.Data = reToken.ReplaceAllStringFunc(cd.Data, func(match string) string {
			id := match[len(tokenOpen) : len(match)-len(tokenClose)]
			if text, ok := m[id]; ok {
				replaced++
				return text
			}
			return match
		})
		return true
	})
	return replaced
}

// Remaining returns the ids of markers still present in doc.
func Remaining(doc *xhtml.Document) []string {
	var ids []string
	xhtml.Walk(doc.Root(), func(tok etree.Token) bool {
		if cd, ok := tok.(*etree.CharData); ok {
			for _, sub := range reToken.FindAllStringSubmatch(cd.Data, -1) {
				ids = append(ids, sub[1])
			}
		}
		return true
	})
	return ids
}
