package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/valpere/epubtran/internal/checkpoint"
	"github.com/valpere/epubtran/internal/chunker"
	"github.com/valpere/epubtran/internal/dispatcher"
	"github.com/valpere/epubtran/internal/errs"
	"github.com/valpere/epubtran/internal/placeholder"
	"github.com/valpere/epubtran/internal/prompt"
	"github.com/valpere/epubtran/internal/repeat"
	"github.com/valpere/epubtran/internal/xhtml"
)

// Elements of the package document that hold identifiers rather than text.
var metadataTags = []string{"identifier", "language", "date", "meta", "source"}

// document is a parsed chapter, TOC or package document and its container
// path.
type document struct {
	path string
	doc  *xhtml.Document
}

// pristine returns the untranslated bytes of name. The first call stashes
// the container's copy in the working directory; later calls, including
// those of later runs, read the stash, so extraction always starts from
// the same text and issues the same ids.
func (o *Orchestrator) pristine(name string) ([]byte, error) {
	data, ok, err := o.wd.Stashed(name)
	if err != nil {
		return nil, err
	}
	if ok {
		return data, nil
	}
	data, err = o.book.Read(name)
	if err != nil {
		return nil, err
	}
	if err := o.wd.Stash(name, data); err != nil {
		return nil, fmt.Errorf("failed to stash %s: %w", name, err)
	}
	return data, nil
}

// parsePristine parses the pristine copy of each name. Documents that are
// not well-formed are logged and skipped; they stay untranslated.
func (o *Orchestrator) parsePristine(names []string) ([]document, error) {
	var docs []document
	for _, name := range names {
		data, err := o.pristine(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		doc, err := xhtml.Parse(data)
		if err != nil {
			if errs.Is(err, errs.Parse) {
				o.log.WithFields(logrus.Fields{"chapter": name, "error": err}).Warn("skipping malformed document")
				continue
			}
			return nil, err
		}
		docs = append(docs, document{path: name, doc: doc})
	}
	return docs, nil
}

// extract runs codec over docs in order, so each document's ids continue
// where the previous one's ended.
func (o *Orchestrator) extract(codec *placeholder.Codec, docs []document) placeholder.TextMap {
	all := make(placeholder.TextMap)
	for _, d := range docs {
		first := codec.Next()
		all.Merge(codec.Extract(d.doc))
		o.log.WithFields(logrus.Fields{"chapter": d.path, "first_id": first, "next_id": codec.Next()}).Debug("text extracted")
	}
	return all
}

// reassemble puts translations back into docs and writes them to the
// container. Ids without a translation get their original text back.
func (o *Orchestrator) reassemble(docs []document, all, done placeholder.TextMap, horizontal bool) error {
	merged := all.Clone()
	merged.Merge(done)
	for _, d := range docs {
		placeholder.Substitute(d.doc, merged)
		if left := placeholder.Remaining(d.doc); len(left) > 0 {
			o.log.WithFields(logrus.Fields{"chapter": d.path, "ids": left}).Warn("markers left without text")
		}
		if err := o.writeDocument(d, horizontal); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) writeDocument(d document, horizontal bool) error {
	if horizontal {
		xhtml.ForceHorizontalWriting(d.doc)
	}
	data, err := d.doc.Bytes()
	if err != nil {
		return err
	}
	if err := o.book.Write(d.path, []byte(repeat.Unwrap(string(data)))); err != nil {
		return fmt.Errorf("failed to write %s: %w", d.path, err)
	}
	return nil
}

// mapJob describes one id-map translation run.
type mapJob struct {
	stage        string
	file         string
	instructions string
	chunkSize    int
	withDict     bool
}

// translateMap chunks pending, dispatches the chunks and merges each
// validated result into done, rewriting the checkpoint file after every
// successful chunk. A chunk that falls back is neither merged nor saved:
// its ids stay pending so a later pass or run sends them again, and
// reassembly already keeps the original text for any id missing from done.
// It returns the number of fallbacks.
func (o *Orchestrator) translateMap(ctx context.Context, job mapJob, pending, done placeholder.TextMap, report func(completed, total int)) (int, error) {
	chunks, err := chunker.ChunkTextMap(pending, job.chunkSize)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	work := make([]dispatcher.Chunk, len(chunks))
	for i, m := range chunks {
		work[i] = dispatcher.Chunk{
			Index:        i,
			Kind:         dispatcher.KindTextMap,
			Instructions: job.instructions,
			Map:          m,
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := o.log.WithFields(logrus.Fields{"stage": job.stage, "chunks": len(work), "units": len(pending), "chars": pending.RuneLen()})
	log.Info("dispatching chunks")

	fallbacks, completed := 0, 0
	for res := range o.newDispatcher(job.stage, job.withDict).Dispatch(ctx, work) {
		completed++
		if res.Fallback {
			fallbacks++
		} else {
			done.Merge(res.Map)
			if err := o.wd.Save(job.file, done); err != nil {
				return fallbacks, fmt.Errorf("failed to write checkpoint: %w", err)
			}
		}
		if report != nil {
			report(completed, len(work))
		}
	}
	if err := ctx.Err(); err != nil {
		return fallbacks, err
	}
	if fallbacks > 0 {
		log.WithField("fallbacks", fallbacks).Warn("some chunks kept their original text")
	}
	return fallbacks, nil
}

// translatePasses repeats translateMap while ids remain untranslated, up to
// passes times. Each pass owns an equal share of the stage's progress.
func (o *Orchestrator) translatePasses(ctx context.Context, job mapJob, passes int, all, done placeholder.TextMap) error {
	for pass := 0; pass < passes; pass++ {
		pending := all.Without(done)
		if len(pending) == 0 {
			return nil
		}
		o.log.WithFields(logrus.Fields{"stage": job.stage, "pass": pass + 1, "pending": len(pending)}).Info("translation pass")
		fallbacks, err := o.translateMap(ctx, job, pending, done, func(c, t int) {
			o.progress.sub(job.stage, pass, passes, c, t)
		})
		if err != nil {
			return err
		}
		if fallbacks == 0 {
			return nil
		}
	}
	return nil
}

// translateMain is the id-map translation of every chapter.
func (o *Orchestrator) translateMain(ctx context.Context) error {
	docs, err := o.parsePristine(o.book.ChapterPaths())
	if err != nil {
		return err
	}
	all := o.extract(placeholder.NewCodec(0), docs)
	if err := o.wd.Save(checkpoint.OriginalTextDict, all); err != nil {
		return fmt.Errorf("failed to write source map: %w", err)
	}

	done, err := o.wd.Load(checkpoint.TextDict)
	if err != nil {
		return err
	}
	if len(done) > 0 {
		o.log.WithFields(logrus.Fields{"translated": len(done), "total": len(all)}).Info("resuming from checkpoint")
	}

	job := mapJob{
		stage:        StageMain,
		file:         checkpoint.TextDict,
		instructions: o.instructions(prompt.Main, o.dict),
		chunkSize:    o.cfg.MaxChunkSize,
		withDict:     true,
	}
	if err := o.translatePasses(ctx, job, o.cfg.MainPasses, all, done); err != nil {
		return err
	}
	return o.reassemble(docs, all, done, o.cfg.HorizontalWriting)
}

// translateTOC translates the package document and the TOC in their own id
// space: the package document starts at 0 and the TOC continues after it.
func (o *Orchestrator) translateTOC(ctx context.Context) error {
	var names []string
	for _, name := range []string{o.book.OPFPath(), o.book.TOCPath()} {
		if name != "" {
			names = append(names, name)
		}
	}
	docs, err := o.parsePristine(names)
	if err != nil {
		return err
	}
	all := o.extract(placeholder.NewCodec(0, placeholder.WithSkipTags(metadataTags...)), docs)
	if err := o.wd.Save(checkpoint.OriginalTOCDict, all); err != nil {
		return fmt.Errorf("failed to write source map: %w", err)
	}

	done, err := o.wd.Load(checkpoint.TOCDict)
	if err != nil {
		return err
	}
	job := mapJob{
		stage:        StageTOC,
		file:         checkpoint.TOCDict,
		instructions: o.instructions(prompt.TOC, o.dict),
		chunkSize:    o.cfg.MaxChunkSize,
		withDict:     true,
	}
	if err := o.translatePasses(ctx, job, o.cfg.MainPasses, all, done); err != nil {
		return err
	}
	return o.reassemble(docs, all, done, false)
}

var errNoCheckpoint = errors.New("no main translation checkpoint to review")

// review re-sends units whose translation still looks untranslated, with a
// smaller chunk size on every trial.
func (o *Orchestrator) review(ctx context.Context) error {
	if !o.wd.Exists(checkpoint.TextDict) {
		return errNoCheckpoint
	}
	docs, err := o.parsePristine(o.book.ChapterPaths())
	if err != nil {
		return err
	}
	all := o.extract(placeholder.NewCodec(0), docs)

	from := checkpoint.TextDict
	if o.wd.Exists(checkpoint.ReviewDict) {
		from = checkpoint.ReviewDict
	}
	done, err := o.wd.Load(from)
	if err != nil {
		return err
	}

	instructions := o.instructions(prompt.Review, o.dict)
	trials := o.cfg.ReviewTrials
	for trial := 0; trial < trials; trial++ {
		pending := o.reviewCandidates(all, done)
		if len(pending) == 0 {
			break
		}
		size := max(o.cfg.MaxChunkSize>>trial, 1)
		o.log.WithFields(logrus.Fields{"stage": StageReview, "trial": trial + 1, "candidates": len(pending), "chunk_size": size}).Info("review trial")
		job := mapJob{
			stage:        StageReview,
			file:         checkpoint.ReviewDict,
			instructions: instructions,
			chunkSize:    size,
			withDict:     true,
		}
		if _, err := o.translateMap(ctx, job, pending, done, func(c, t int) {
			o.progress.sub(StageReview, trial, trials, c, t)
		}); err != nil {
			return err
		}
	}

	if err := o.wd.Save(checkpoint.TextDict, done); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := o.wd.Remove(checkpoint.ReviewDict); err != nil {
		return err
	}
	return o.reassemble(docs, all, done, o.cfg.HorizontalWriting)
}

// reviewCandidates returns the source text of every unit that is missing
// from done or whose translation still needs review.
func (o *Orchestrator) reviewCandidates(all, done placeholder.TextMap) placeholder.TextMap {
	out := make(placeholder.TextMap)
	for id, src := range all {
		got, ok := done[id]
		if !ok || o.validator.NeedsReview(got, o.sourceLang, o.cfg.TargetLang) {
			out[id] = src
		}
	}
	return out
}
