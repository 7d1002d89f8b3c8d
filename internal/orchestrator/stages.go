package orchestrator

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/valpere/epubtran/internal/checkpoint"
	"github.com/valpere/epubtran/internal/chunker"
	"github.com/valpere/epubtran/internal/dispatcher"
	"github.com/valpere/epubtran/internal/errs"
	"github.com/valpere/epubtran/internal/generator"
	"github.com/valpere/epubtran/internal/glossary"
	"github.com/valpere/epubtran/internal/markdown"
	"github.com/valpere/epubtran/internal/prompt"
	"github.com/valpere/epubtran/internal/xhtml"
)

// removeRuby strips furigana from every chapter in the container.
func (o *Orchestrator) removeRuby(ctx context.Context) error {
	paths := o.book.ChapterPaths()
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := o.book.Read(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		doc, err := xhtml.Parse(data)
		if err != nil {
			if !errs.Is(err, errs.Parse) {
				return err
			}
			o.log.WithFields(logrus.Fields{"chapter": p, "error": err}).Warn("skipping malformed document")
			continue
		}
		if n := xhtml.RemoveRuby(doc); n > 0 {
			out, err := doc.Bytes()
			if err != nil {
				return err
			}
			if err := o.book.Write(p, out); err != nil {
				return fmt.Errorf("failed to write %s: %w", p, err)
			}
			o.log.WithFields(logrus.Fields{"chapter": p, "ruby": n}).Debug("ruby removed")
		}
		o.progress.stage(StageRuby, i+1, len(paths))
	}
	return nil
}

// extractProperNouns asks the generator for the book's proper nouns and
// merges them into the dictionary. Entries already present keep their
// rendering.
func (o *Orchestrator) extractProperNouns(ctx context.Context) error {
	var sb strings.Builder
	for _, p := range o.book.ChapterPaths() {
		data, err := o.pristine(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		text, err := xhtml.VisibleText(data)
		if err != nil {
			o.log.WithFields(logrus.Fields{"chapter": p, "error": err}).Warn("skipping unreadable chapter")
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	source := sb.String()

	instructions := o.instructions(prompt.ProperNoun, nil)
	var work []dispatcher.Chunk
	for _, piece := range chunker.Chunk(source, o.cfg.MaxChunkSize) {
		if strings.TrimSpace(piece) == "" {
			continue
		}
		work = append(work, dispatcher.Chunk{
			Index:        len(work),
			Kind:         dispatcher.KindGlossary,
			Instructions: instructions,
			Text:         piece,
		})
	}
	if len(work) == 0 {
		return nil
	}

	found := glossary.Dictionary{}
	completed := 0
	for res := range o.newDispatcher(StagePNExtract, false).Dispatch(ctx, work) {
		completed++
		if !res.Fallback {
			found.Merge(glossary.Dictionary(res.Map))
		}
		o.progress.stage(StagePNExtract, completed, len(work))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	found = glossary.Normalize(found).Present(source)
	o.dict.Merge(found)
	o.log.WithFields(logrus.Fields{"found": len(found), "total": len(o.dict)}).Info("proper nouns extracted")
	return o.storeDictionary(ctx)
}

// editDictionary hands the dictionary to the editor and stores the result.
func (o *Orchestrator) editDictionary(ctx context.Context) error {
	if o.editor == nil {
		o.log.WithField("stage", StagePNEdit).Info("no dictionary editor, skipping")
		return nil
	}
	if err := o.storeDictionary(ctx); err != nil {
		return err
	}
	current := make(glossary.Dictionary, len(o.dict))
	for k, v := range o.dict {
		current[k] = v
	}
	edited, err := o.editor.EditDictionary(ctx, o.wd.Path(checkpoint.PNDict), current)
	if err != nil {
		return fmt.Errorf("failed to edit dictionary: %w", err)
	}
	o.dict = glossary.Normalize(edited)
	return o.storeDictionary(ctx)
}

// mergeDual interleaves every translated chapter with its pristine copy.
func (o *Orchestrator) mergeDual(ctx context.Context) error {
	paths := o.book.ChapterPaths()
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := o.log.WithField("chapter", p)
		original, ok, err := o.wd.Stashed(p)
		if err != nil {
			return err
		}
		if !ok {
			log.Warn("no untranslated copy, skipping")
			continue
		}
		translated, err := o.book.Read(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		od, err := xhtml.Parse(original)
		if err != nil {
			log.WithError(err).Warn("skipping malformed document")
			continue
		}
		td, err := xhtml.Parse(translated)
		if err != nil {
			log.WithError(err).Warn("skipping malformed document")
			continue
		}
		if !xhtml.MergeDualLanguage(od, td) {
			log.Warn("paragraph counts differ, keeping translation only")
		} else {
			out, err := td.Bytes()
			if err != nil {
				return err
			}
			if err := o.book.Write(p, out); err != nil {
				return fmt.Errorf("failed to write %s: %w", p, err)
			}
		}
		o.progress.stage(StageDual, i+1, len(paths))
	}
	return nil
}

type imageTarget struct {
	doc int
	img xhtml.Image
}

// annotateImages adds a translation of the text visible in each image
// below it.
func (o *Orchestrator) annotateImages(ctx context.Context) error {
	if _, ok := o.gen.(generator.ImageDescriber); !ok {
		o.log.WithField("generator", o.gen.Name()).Warn("generator cannot read images, skipping annotation")
		return nil
	}

	var docs []document
	for _, p := range o.book.ChapterPaths() {
		data, err := o.book.Read(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		doc, err := xhtml.Parse(data)
		if err != nil {
			o.log.WithFields(logrus.Fields{"chapter": p, "error": err}).Warn("skipping malformed document")
			continue
		}
		docs = append(docs, document{path: p, doc: doc})
	}

	instructions := o.instructions(prompt.Image, nil)
	var (
		work    []dispatcher.Chunk
		targets []imageTarget
	)
	for i, d := range docs {
		for _, img := range xhtml.Images(d.doc) {
			if xhtml.Annotated(xhtml.AnnotationAnchor(img.Element)) {
				continue
			}
			name := xhtml.ResolvePath(d.path, img.Src)
			mt := o.book.MediaType(name)
			if !strings.HasPrefix(mt, "image/") || mt == "image/svg+xml" {
				continue
			}
			data, err := o.book.Read(name)
			if err != nil {
				o.log.WithFields(logrus.Fields{"chapter": d.path, "image": name}).Warn("image not found")
				continue
			}
			work = append(work, dispatcher.Chunk{
				Index:    len(work),
				Kind:     dispatcher.KindImage,
				Text:     instructions,
				Image:    data,
				MimeType: mt,
			})
			targets = append(targets, imageTarget{doc: i, img: img})
		}
	}
	if len(work) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changed := make(map[int]bool)
	completed := 0
	for res := range o.newDispatcher(StageImage, false).Dispatch(ctx, work) {
		completed++
		o.progress.stage(StageImage, completed, len(work))
		if res.Fallback || strings.TrimSpace(res.Text) == "" {
			continue
		}
		t := targets[res.Index]
		if err := annotate(t.img, res.Text); err != nil {
			o.log.WithFields(logrus.Fields{"chapter": docs[t.doc].path, "error": err}).Warn("failed to insert annotation")
			continue
		}
		changed[t.doc] = true
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, d := range docs {
		if !changed[i] {
			continue
		}
		if err := o.writeDocument(d, false); err != nil {
			return err
		}
	}
	return nil
}

// annotate inserts the rendered description after img, falling back to a
// plain-text paragraph when the rendered markup does not parse.
func annotate(img xhtml.Image, description string) error {
	if err := xhtml.InsertAnnotation(img.Element, markdown.ToXHTML([]byte(description))); err == nil {
		return nil
	}
	plain := html.EscapeString(markdown.ToPlainText([]byte(description)))
	return xhtml.InsertAnnotation(img.Element, "<p>"+plain+"</p>")
}
