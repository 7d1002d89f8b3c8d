// Package xhtml wraps an etree document with the few operations the
// translation stages need: lossless parse/serialize, an explicit-stack
// pre-order walk, and fragment helpers.
package xhtml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/valpere/epubtran/internal/errs"
)

// Document is a parsed XHTML, OPF or NCX file.
type Document struct {
	doc *etree.Document
}

func newDocument() *etree.Document {
	d := etree.NewDocument()
	d.ReadSettings.Entity = xml.HTMLEntity
	d.ReadSettings.PreserveCData = true
	return d
}

// Parse builds a Document from raw bytes. Malformed input is reported as an
// errs.Parse error.
func Parse(data []byte) (*Document, error) {
	d := newDocument()
	if err := d.ReadFromBytes(data); err != nil {
		return nil, errs.New(errs.Parse, "parse document", err)
	}
	if d.Root() == nil {
		return nil, errs.Newf(errs.Parse, "parse document", "no root element")
	}
	return &Document{doc: d}, nil
}

// Root returns the document element.
func (d *Document) Root() *etree.Element { return d.doc.Root() }

// Body returns the first <body> element, or nil.
func (d *Document) Body() *etree.Element { return FirstElement(d.Root(), "body") }

// Head returns the first <head> element, or nil.
func (d *Document) Head() *etree.Element { return FirstElement(d.Root(), "head") }

// Bytes serializes the document.
func (d *Document) Bytes() ([]byte, error) {
	b, err := d.doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return b, nil
}

// Copy returns a deep copy of the document.
func (d *Document) Copy() *Document {
	return &Document{doc: d.doc.Copy()}
}

// Walk visits every token below root in reading order: an element's leading
// text, then each child element followed by its subtree, then the text after
// that child. fn returning false on an element skips its subtree. The walk
// keeps its own stack so document depth never grows the call stack.
func Walk(root *etree.Element, fn func(tok etree.Token) bool) {
	if root == nil {
		return
	}
	stack := make([]etree.Token, 0, 64)
	pushChildren := func(el *etree.Element) {
		for i := len(el.Child) - 1; i >= 0; i-- {
			stack = append(stack, el.Child[i])
		}
	}
	pushChildren(root)
	for len(stack) > 0 {
		tok := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		descend := fn(tok)
		if el, ok := tok.(*etree.Element); ok && descend {
			pushChildren(el)
		}
	}
}

// Elements returns all elements below root with the given local name, in
// document order.
func Elements(root *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	Walk(root, func(tok etree.Token) bool {
		if el, ok := tok.(*etree.Element); ok && strings.EqualFold(el.Tag, tag) {
			out = append(out, el)
		}
		return true
	})
	return out
}

// FirstElement returns the first element named tag at or below root.
func FirstElement(root *etree.Element, tag string) *etree.Element {
	if root == nil {
		return nil
	}
	if strings.EqualFold(root.Tag, tag) {
		return root
	}
	var found *etree.Element
	Walk(root, func(tok etree.Token) bool {
		if found != nil {
			return false
		}
		if el, ok := tok.(*etree.Element); ok && strings.EqualFold(el.Tag, tag) {
			found = el
			return false
		}
		return true
	})
	return found
}

// TextContent concatenates all character data below el, skipping the
// subtrees of elements named in skip.
func TextContent(el *etree.Element, skip ...string) string {
	var sb strings.Builder
	Walk(el, func(tok etree.Token) bool {
		switch t := tok.(type) {
		case *etree.CharData:
			sb.WriteString(t.Data)
		case *etree.Element:
			for _, s := range skip {
				if strings.EqualFold(t.Tag, s) {
					return false
				}
			}
		}
		return true
	})
	return sb.String()
}

// CopyToken returns a detached copy of tok.
func CopyToken(tok etree.Token) etree.Token {
	switch t := tok.(type) {
	case *etree.Element:
		return t.Copy()
	case *etree.CharData:
		if t.IsCData() {
			return etree.NewCData(t.Data)
		}
		return etree.NewText(t.Data)
	case *etree.Comment:
		return etree.NewComment(t.Data)
	case *etree.Directive:
		return etree.NewDirective(t.Data)
	case *etree.ProcInst:
		return etree.NewProcInst(t.Target, t.Inst)
	}
	return nil
}

// TokenString serializes a single token.
func TokenString(tok etree.Token) string {
	return Fragment([]etree.Token{tok})
}

// Fragment serializes a sequence of sibling tokens.
func Fragment(tokens []etree.Token) string {
	d := etree.NewDocument()
	for _, tok := range tokens {
		if c := CopyToken(tok); c != nil {
			d.AddChild(c)
		}
	}
	s, err := d.WriteToString()
	if err != nil {
		return ""
	}
	return s
}

// ParseFragment parses a sequence of sibling nodes, such as the body content
// returned by a generator.
func ParseFragment(s string) ([]etree.Token, error) {
	d := newDocument()
	var buf bytes.Buffer
	buf.WriteString("<fragment>")
	buf.WriteString(s)
	buf.WriteString("</fragment>")
	if err := d.ReadFromBytes(buf.Bytes()); err != nil {
		return nil, errs.New(errs.Parse, "parse fragment", err)
	}
	root := d.Root()
	tokens := make([]etree.Token, len(root.Child))
	copy(tokens, root.Child)
	for _, tok := range tokens {
		root.RemoveChild(tok)
	}
	return tokens, nil
}

// ReplaceChildren swaps el's children for tokens.
func ReplaceChildren(el *etree.Element, tokens []etree.Token) {
	for len(el.Child) > 0 {
		el.RemoveChildAt(len(el.Child) - 1)
	}
	for _, tok := range tokens {
		el.AddChild(tok)
	}
}

// InsertAfter places tok immediately after anchor in anchor's parent.
func InsertAfter(anchor *etree.Element, tok etree.Token) bool {
	parent := anchor.Parent()
	if parent == nil {
		return false
	}
	parent.InsertChildAt(anchor.Index()+1, tok)
	return true
}
