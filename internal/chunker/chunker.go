// Package chunker splits translatable input into size-bounded groups: plain
// prose (Chunk), flat id→text maps (ChunkTextMap) and sibling markup nodes
// (ChunkNodes). Sizes are counted in unicode code points.
package chunker

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/beevik/etree"

	"github.com/valpere/epubtran/internal/placeholder"
	"github.com/valpere/epubtran/internal/xhtml"
)

// ErrInvalidSize is returned for a non-positive size budget.
var ErrInvalidSize = errors.New("chunk size must be positive")

// Chunk splits text into pieces each no longer than maxChars unicode
// code points. Splits are attempted (in order of preference) at:
//  1. Paragraph boundaries (\n\n or \r\n\r\n)
//  2. Sentence-ending punctuation: . ! ? followed by whitespace, or
//     。 ！ ？ not followed by a closing bracket
//  3. Whitespace (word boundary)
//  4. Hard cut at maxChars if no suitable boundary is found
//
// If text fits entirely within maxChars, a single-element slice is returned.
// If maxChars ≤ 0 it is treated as unlimited (returns the whole text).
func Chunk(text string, maxChars int) []string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for utf8.RuneCountInString(remaining) > maxChars {
		split := findSplit(remaining, maxChars)
		chunk := strings.TrimSpace(remaining[:split])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimSpace(remaining[split:])
	}

	if strings.TrimSpace(remaining) != "" {
		chunks = append(chunks, strings.TrimSpace(remaining))
	}

	return chunks
}

// findSplit returns the byte index within text at which to split, aiming for
// at most maxChars runes. It searches backwards from maxChars for the best
// split boundary.
func findSplit(text string, maxChars int) int {
	candidate := prefixRunes(text, maxChars)

	// 1. Paragraph boundary.
	if idx := strings.LastIndex(candidate, "\n\n"); idx > 0 {
		return idx + 2
	}
	if idx := strings.LastIndex(candidate, "\r\n\r\n"); idx > 0 {
		return idx + 4
	}

	runes := []rune(candidate)

	// 2. Sentence end. CJK full stops need no following space.
	after, _ := utf8.DecodeRuneInString(text[len(candidate):])
	for i := len(runes) - 1; i > 0; i-- {
		next := after
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch runes[i] {
		case '.', '!', '?':
			if unicode.IsSpace(next) {
				return len(string(runes[:i+1]))
			}
		case '。', '！', '？':
			if next != '」' && next != '』' && next != '）' {
				return len(string(runes[:i+1]))
			}
		}
	}

	// 3. Whitespace word boundary.
	for i := len(runes) - 1; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return len(string(runes[:i]))
		}
	}

	// 4. Hard cut.
	return len(candidate)
}

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// ChunkTextMap groups the entries of m, in id order, into maps whose values
// total at most maxChars code points. An entry larger than maxChars on its
// own becomes a single-entry chunk; values are never split.
func ChunkTextMap(m placeholder.TextMap, maxChars int) ([]placeholder.TextMap, error) {
	if maxChars <= 0 {
		return nil, ErrInvalidSize
	}
	var chunks []placeholder.TextMap
	cur := make(placeholder.TextMap)
	curLen := 0
	for _, id := range m.IDs() {
		n := utf8.RuneCountInString(m[id])
		if len(cur) > 0 && curLen+n > maxChars {
			chunks = append(chunks, cur)
			cur = make(placeholder.TextMap)
			curLen = 0
		}
		cur[id] = m[id]
		curLen += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks, nil
}

// NodeGroup is a run of sibling tokens sent together.
type NodeGroup []etree.Token

// String serializes the group.
func (g NodeGroup) String() string { return xhtml.Fragment(g) }

// ChunkNodes groups sibling tokens so that each group serializes to at most
// maxChars code points. A token too large on its own is broken down: text is
// cut so each escaped piece fits maxChars, an element with children is split
// into copies of itself holding disjoint runs of its children, and anything
// else is emitted alone.
func ChunkNodes(nodes []etree.Token, maxChars int) ([]NodeGroup, error) {
	if maxChars <= 0 {
		return nil, ErrInvalidSize
	}
	var groups []NodeGroup
	var cur NodeGroup
	curLen := 0
	flush := func() {
		if len(cur) > 0 {
			groups = append(groups, cur)
			cur = nil
			curLen = 0
		}
	}

	for _, node := range nodes {
		n := size(node)
		if n > maxChars {
			flush()
			groups = append(groups, split(node, maxChars)...)
			continue
		}
		if len(cur) > 0 && curLen+n > maxChars {
			flush()
		}
		cur = append(cur, node)
		curLen += n
	}
	flush()
	return groups, nil
}

func size(tok etree.Token) int {
	return utf8.RuneCountInString(xhtml.TokenString(tok))
}

func split(node etree.Token, maxChars int) []NodeGroup {
	switch t := node.(type) {
	case *etree.CharData:
		if t.IsCData() {
			break
		}
		return splitText(t.Data, maxChars)
	case *etree.Element:
		if len(t.Child) == 0 {
			break
		}
		budget := maxChars - shellSize(t)
		if budget <= 0 {
			break
		}
		inner, err := ChunkNodes(t.Child, budget)
		if err != nil || len(inner) <= 1 {
			break
		}
		groups := make([]NodeGroup, 0, len(inner))
		for _, g := range inner {
			shell := emptyShell(t)
			for _, child := range g {
				if c := xhtml.CopyToken(child); c != nil {
					shell.AddChild(c)
				}
			}
			groups = append(groups, NodeGroup{shell})
		}
		return groups
	}
	return []NodeGroup{{node}}
}

// splitText cuts text into pieces whose escaped form is at most maxChars
// code points. A character whose escape alone is longer still gets a piece.
func splitText(text string, maxChars int) []NodeGroup {
	var groups []NodeGroup
	var sb strings.Builder
	n := 0
	for _, r := range text {
		c := escapedLen(r)
		if n > 0 && n+c > maxChars {
			groups = append(groups, NodeGroup{etree.NewText(sb.String())})
			sb.Reset()
			n = 0
		}
		sb.WriteRune(r)
		n += c
	}
	if sb.Len() > 0 {
		groups = append(groups, NodeGroup{etree.NewText(sb.String())})
	}
	return groups
}

func escapedLen(r rune) int {
	if r >= utf8.RuneSelf || unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
		return 1
	}
	return utf8.RuneCountInString(xhtml.TokenString(etree.NewText(string(r))))
}

func emptyShell(el *etree.Element) *etree.Element {
	shell := etree.NewElement(el.Tag)
	shell.Space = el.Space
	shell.Attr = append([]etree.Attr(nil), el.Attr...)
	return shell
}

// shellSize is the markup overhead of an element's open and close tags.
func shellSize(el *etree.Element) int {
	shell := emptyShell(el)
	shell.SetText("x")
	return utf8.RuneCountInString(xhtml.TokenString(shell)) - 1
}
