// Package epub reads an EPUB archive into memory, exposes its documents by
// archive path and writes the archive back out.
package epub

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/beevik/etree"

	"github.com/valpere/epubtran/internal/checkpoint"
)

const (
	containerPath = "META-INF/container.xml"
	mimetypeName  = "mimetype"
	epubMimetype  = "application/epub+zip"
)

type item struct {
	href       string
	mediaType  string
	properties string
}

// Book is an EPUB held in memory.
type Book struct {
	files map[string][]byte
	order []string

	opfPath  string
	spine    []string
	tocPath  string
	language string
	title    string
	media    map[string]string
}

// Open reads the EPUB at file.
func Open(file string) (*Book, error) {
	r, err := zip.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open EPUB: %w", err)
	}
	defer r.Close()
	return load(&r.Reader)
}

// Read parses an EPUB from r.
func Read(r io.ReaderAt, size int64) (*Book, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open EPUB: %w", err)
	}
	return load(zr)
}

func load(zr *zip.Reader) (*Book, error) {
	b := &Book{files: make(map[string][]byte), media: make(map[string]string)}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		if _, seen := b.files[f.Name]; !seen {
			b.order = append(b.order, f.Name)
		}
		b.files[f.Name] = data
	}
	if err := b.parseContainer(); err != nil {
		return nil, err
	}
	if err := b.parsePackage(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Book) parseContainer() error {
	data, ok := b.files[containerPath]
	if !ok {
		return fmt.Errorf("missing %s", containerPath)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return fmt.Errorf("failed to parse %s: %w", containerPath, err)
	}
	rootfile := doc.FindElement("//rootfile")
	if rootfile == nil || rootfile.SelectAttrValue("full-path", "") == "" {
		return fmt.Errorf("no rootfile in %s", containerPath)
	}
	b.opfPath = rootfile.SelectAttrValue("full-path", "")
	if _, ok := b.files[b.opfPath]; !ok {
		return fmt.Errorf("package document %s not found", b.opfPath)
	}
	return nil
}

func (b *Book) parsePackage() error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(b.files[b.opfPath]); err != nil {
		return fmt.Errorf("failed to parse %s: %w", b.opfPath, err)
	}
	pkg := doc.Root()
	if pkg == nil {
		return fmt.Errorf("empty package document %s", b.opfPath)
	}
	base := path.Dir(b.opfPath)

	if md := child(pkg, "metadata"); md != nil {
		if el := child(md, "language"); el != nil {
			b.language = strings.TrimSpace(el.Text())
		}
		if el := child(md, "title"); el != nil {
			b.title = strings.TrimSpace(el.Text())
		}
	}

	items := make(map[string]item)
	if manifest := child(pkg, "manifest"); manifest != nil {
		for _, el := range manifest.ChildElements() {
			if el.Tag != "item" {
				continue
			}
			href := resolve(base, el.SelectAttrValue("href", ""))
			it := item{
				href:       href,
				mediaType:  el.SelectAttrValue("media-type", ""),
				properties: el.SelectAttrValue("properties", ""),
			}
			items[el.SelectAttrValue("id", "")] = it
			b.media[href] = it.mediaType
			if b.tocPath == "" && hasProperty(it.properties, "nav") {
				b.tocPath = href
			}
		}
	}

	spine := child(pkg, "spine")
	if spine == nil {
		return fmt.Errorf("package document %s has no spine", b.opfPath)
	}
	if ncx, ok := items[spine.SelectAttrValue("toc", "")]; ok {
		b.tocPath = ncx.href
	}
	for _, ref := range spine.ChildElements() {
		if ref.Tag != "itemref" {
			continue
		}
		it, ok := items[ref.SelectAttrValue("idref", "")]
		if !ok || !isDocument(it.mediaType) {
			continue
		}
		if _, present := b.files[it.href]; present {
			b.spine = append(b.spine, it.href)
		}
	}
	return nil
}

// child returns the first direct child with the local name tag.
func child(el *etree.Element, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

func hasProperty(props, want string) bool {
	for _, p := range strings.Fields(props) {
		if p == want {
			return true
		}
	}
	return false
}

func isDocument(mediaType string) bool {
	return mediaType == "application/xhtml+xml" || mediaType == "text/html"
}

func resolve(base, href string) string {
	if u, err := url.PathUnescape(href); err == nil {
		href = u
	}
	if i := strings.IndexAny(href, "#?"); i >= 0 {
		href = href[:i]
	}
	if base == "." || base == "" {
		return path.Clean(href)
	}
	return path.Join(base, href)
}

// Read returns the bytes stored at name.
func (b *Book) Read(name string) ([]byte, error) {
	data, ok := b.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return data, nil
}

// Write replaces or adds the file at name.
func (b *Book) Write(name string, data []byte) error {
	if name == "" || name == mimetypeName {
		return fmt.Errorf("cannot write %q", name)
	}
	if _, ok := b.files[name]; !ok {
		b.order = append(b.order, name)
	}
	b.files[name] = data
	return nil
}

// ChapterPaths returns the spine documents in reading order.
func (b *Book) ChapterPaths() []string { return append([]string(nil), b.spine...) }

// TOCPath returns the NCX or navigation document, or "" when the book has
// neither.
func (b *Book) TOCPath() string { return b.tocPath }

// OPFPath returns the package document.
func (b *Book) OPFPath() string { return b.opfPath }

// Language returns the dc:language of the book.
func (b *Book) Language() string { return b.language }

// Title returns the dc:title of the book.
func (b *Book) Title() string { return b.title }

// MediaType returns the manifest media type of name, falling back to the
// type registered for its extension.
func (b *Book) MediaType(name string) string {
	if mt := b.media[name]; mt != "" {
		return mt
	}
	return mime.TypeByExtension(path.Ext(name))
}

// WriteTo writes the archive with the mimetype entry first and uncompressed.
func (b *Book) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	hdr := &zip.FileHeader{Name: mimetypeName, Method: zip.Store}
	mw, err := zw.CreateHeader(hdr)
	if err != nil {
		return cw.n, fmt.Errorf("failed to create mimetype: %w", err)
	}
	if _, err := io.WriteString(mw, epubMimetype); err != nil {
		return cw.n, err
	}

	for _, name := range b.order {
		if name == mimetypeName {
			continue
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return cw.n, fmt.Errorf("failed to create %s: %w", name, err)
		}
		if _, err := fw.Write(b.files[name]); err != nil {
			return cw.n, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Save writes the archive to dst.
func (b *Book) Save(dst string) error {
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return err
	}
	return checkpoint.WriteFile(dst, buf.Bytes())
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
