package xhtml

import (
	"bytes"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/beevik/etree"
)

const (
	horizontalWritingCSS = "body { writing-mode: horizontal-tb !important; }"

	// DualSeparatorClass marks the <br/> inserted between original and
	// translated text so a paragraph is never merged twice.
	DualSeparatorClass = "dual-language"

	// AnnotationClass marks a generated image annotation block.
	AnnotationClass = "image-annotation"
)

// RemoveRuby replaces every <ruby> element with its reading (the text of its
// <rt> children). A ruby without readings collapses to its base text. It
// returns the number of elements replaced.
func RemoveRuby(d *Document) int {
	rubies := Elements(d.Root(), "ruby")
	for _, ruby := range rubies {
		var reading strings.Builder
		for _, rt := range ruby.ChildElements() {
			if strings.EqualFold(rt.Tag, "rt") {
				reading.WriteString(TextContent(rt))
			}
		}
		text := reading.String()
		if text == "" {
			text = TextContent(ruby, "rp", "rt")
		}

		parent := ruby.Parent()
		if parent == nil {
			continue
		}
		idx := ruby.Index()
		parent.RemoveChildAt(idx)
		if text != "" {
			parent.InsertChildAt(idx, etree.NewText(text))
		}
	}
	return len(rubies)
}

// ForceHorizontalWriting appends a style rule overriding vertical writing
// modes. It reports false when the rule is already present.
func ForceHorizontalWriting(d *Document) bool {
	root := d.Root()
	head := d.Head()
	if head == nil {
		head = etree.NewElement("head")
		root.InsertChildAt(0, head)
	}
	for _, style := range Elements(head, "style") {
		if strings.Contains(TextContent(style), horizontalWritingCSS) {
			return false
		}
	}
	style := head.CreateElement("style")
	style.CreateAttr("type", "text/css")
	style.SetText(horizontalWritingCSS)
	return true
}

// MergeDualLanguage prefixes every <p> of translated with the matching <p>
// of original, separated by a line break. Paragraphs are paired by position,
// so nothing is merged when the counts differ.
func MergeDualLanguage(original, translated *Document) bool {
	ops := Elements(original.Root(), "p")
	tps := Elements(translated.Root(), "p")
	if len(ops) == 0 || len(ops) != len(tps) {
		return false
	}

	merged := false
	for i, tp := range tps {
		if hasDualSeparator(tp) {
			continue
		}
		op := ops[i]
		prefix := make([]etree.Token, 0, len(op.Child)+1)
		for _, tok := range op.Child {
			if c := CopyToken(tok); c != nil {
				prefix = append(prefix, c)
			}
		}
		br := etree.NewElement("br")
		br.CreateAttr("class", DualSeparatorClass)
		prefix = append(prefix, br)
		for j, tok := range prefix {
			tp.InsertChildAt(j, tok)
		}
		merged = true
	}
	return merged
}

func hasDualSeparator(p *etree.Element) bool {
	for _, br := range p.ChildElements() {
		if strings.EqualFold(br.Tag, "br") && br.SelectAttrValue("class", "") == DualSeparatorClass {
			return true
		}
	}
	return false
}

// Image is an image reference found in a chapter.
type Image struct {
	Element *etree.Element
	// Src is the reference as written in the document.
	Src string
}

// Images lists <img src> and SVG <image href> references in document order.
func Images(d *Document) []Image {
	var out []Image
	Walk(d.Root(), func(tok etree.Token) bool {
		el, ok := tok.(*etree.Element)
		if !ok {
			return true
		}
		switch strings.ToLower(el.Tag) {
		case "img":
			if src := el.SelectAttrValue("src", ""); src != "" {
				out = append(out, Image{Element: el, Src: src})
			}
		case "image":
			src := el.SelectAttrValue("xlink:href", "")
			if src == "" {
				src = el.SelectAttrValue("href", "")
			}
			if src != "" {
				out = append(out, Image{Element: el, Src: src})
			}
		}
		return true
	})
	return out
}

// ResolvePath resolves an image reference relative to the document that
// contains it, returning a container path.
func ResolvePath(docPath, ref string) string {
	if u, err := url.Parse(ref); err == nil {
		ref = u.Path
	}
	if strings.HasPrefix(ref, "/") {
		return strings.TrimPrefix(path.Clean(ref), "/")
	}
	return path.Join(path.Dir(docPath), ref)
}

var inlineAncestors = map[string]bool{
	"p": true, "a": true, "span": true, "svg": true, "figure": true,
	"em": true, "strong": true, "b": true, "i": true, "picture": true,
}

// AnnotationAnchor climbs from an image to the outermost inline or paragraph
// ancestor, the element after which an annotation block belongs.
func AnnotationAnchor(img *etree.Element) *etree.Element {
	anchor := img
	for {
		parent := anchor.Parent()
		if parent == nil || parent.Parent() == nil || !inlineAncestors[strings.ToLower(parent.Tag)] {
			return anchor
		}
		anchor = parent
	}
}

// Annotated reports whether an annotation block already follows anchor.
func Annotated(anchor *etree.Element) bool {
	parent := anchor.Parent()
	if parent == nil {
		return false
	}
	for _, tok := range parent.Child[anchor.Index()+1:] {
		switch t := tok.(type) {
		case *etree.CharData:
			if strings.TrimSpace(t.Data) != "" {
				return false
			}
		case *etree.Element:
			return t.SelectAttrValue("class", "") == AnnotationClass
		}
	}
	return false
}

// InsertAnnotation parses an XHTML fragment and inserts it, wrapped in an
// annotation block, after the image's anchor.
func InsertAnnotation(img *etree.Element, fragment string) error {
	tokens, err := ParseFragment(fragment)
	if err != nil {
		return err
	}
	div := etree.NewElement("div")
	div.CreateAttr("class", AnnotationClass)
	for _, tok := range tokens {
		div.AddChild(tok)
	}
	InsertAfter(AnnotationAnchor(img), div)
	return nil
}

// VisibleText returns the human-visible text of an HTML or XHTML document,
// without script and style content.
func VisibleText(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, rt, rp").Remove()
	sel := doc.Find("body")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	return strings.TrimSpace(sel.Text()), nil
}
