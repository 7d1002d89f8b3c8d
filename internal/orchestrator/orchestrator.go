// Package orchestrator runs the translation pipeline over one book: it
// extracts text from every chapter, sends the untranslated part through the
// dispatcher, checkpoints each finished chunk and puts the translations back
// into the documents.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/valpere/epubtran/internal"
	"github.com/valpere/epubtran/internal/checkpoint"
	"github.com/valpere/epubtran/internal/config"
	"github.com/valpere/epubtran/internal/detector"
	"github.com/valpere/epubtran/internal/dispatcher"
	"github.com/valpere/epubtran/internal/generator"
	"github.com/valpere/epubtran/internal/glossary"
	"github.com/valpere/epubtran/internal/logging"
	"github.com/valpere/epubtran/internal/prompt"
	"github.com/valpere/epubtran/internal/repeat"
	"github.com/valpere/epubtran/internal/validator"
	"github.com/valpere/epubtran/internal/xhtml"
)

// Stage names, in pipeline order.
const (
	StageRuby      = config.StageRuby
	StagePNExtract = config.StagePNExtract
	StagePNEdit    = config.StagePNEdit
	StageMain      = config.StageMain
	StageTOC       = config.StageTOC
	StageReview    = config.StageReview
	StageDual      = config.StageDual
	StageImage     = config.StageImage
	StageDone      = "done"
)

// Container is the EPUB the pipeline reads chapters from and writes them
// back to.
type Container interface {
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
	ChapterPaths() []string
	TOCPath() string
	OPFPath() string
	Language() string
	MediaType(name string) string
}

// Saver is implemented by containers that can write themselves to disk.
type Saver interface {
	Save(dst string) error
}

// DictionaryEditor lets a person revise the proper-noun dictionary between
// extraction and translation. path is the YAML copy in the working
// directory.
type DictionaryEditor interface {
	EditDictionary(ctx context.Context, path string, dict glossary.Dictionary) (glossary.Dictionary, error)
}

// GlossaryStore persists the dictionary per book and language pair.
type GlossaryStore interface {
	GetGlossaryTerms(ctx context.Context, book, sourceLang, targetLang string) (map[string]string, error)
	ReplaceGlossary(ctx context.Context, book, sourceLang, targetLang string, terms map[string]string) error
}

// RunStore records pipeline runs.
type RunStore interface {
	StartRun(ctx context.Context, book string, stages []string) (internal.Run, error)
	FinishRun(ctx context.Context, id string, runErr error) error
}

// Config is the per-book run configuration.
type Config struct {
	// Book names the working directory and the run ledger entry; usually
	// the input file name.
	Book      string
	OutputDir string
	// OutputPath is where Done saves the book. Empty means
	// <OutputDir>/<book>.epub.
	OutputPath string

	Stages     []string
	Mode       string
	SourceLang string
	TargetLang string

	MaxChunkSize      int
	MainPasses        int
	ReviewTrials      int
	ApplyDictionary   bool
	HorizontalWriting bool

	Prompts  prompt.Set
	Dispatch dispatcher.Config
}

// FromConfig builds the run configuration for book from the loaded settings.
func FromConfig(c config.Config, book string, prompts prompt.Set) Config {
	return Config{
		Book:              book,
		OutputDir:         c.OutputDir,
		Stages:            c.Pipeline,
		Mode:              c.Mode,
		SourceLang:        c.SourceLang,
		TargetLang:        c.TargetLang,
		MaxChunkSize:      c.MaxChunkSize,
		MainPasses:        c.MainPasses,
		ReviewTrials:      c.ReviewTrials,
		ApplyDictionary:   c.ApplyDictionary,
		HorizontalWriting: c.HorizontalWriting,
		Prompts:           prompts,
		Dispatch:          c.Dispatch(c.SourceLang),
	}
}

// StageError is returned when a stage aborts the run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithProgress registers a progress callback. It is called from the
// orchestrator's goroutine only.
func WithProgress(fn func(Progress)) Option {
	return func(o *Orchestrator) { o.progressFn = fn }
}

// WithSleep replaces the dispatcher's wait function.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithEditor sets the dictionary editor used by the pn_edit stage.
func WithEditor(e DictionaryEditor) Option {
	return func(o *Orchestrator) { o.editor = e }
}

// WithGlossaryStore sets where the dictionary is stored.
func WithGlossaryStore(s GlossaryStore) Option {
	return func(o *Orchestrator) { o.glossary = s }
}

// WithRunStore sets the run ledger.
func WithRunStore(s RunStore) Option {
	return func(o *Orchestrator) { o.runs = s }
}

// Orchestrator runs the pipeline for one book. It is not safe for
// concurrent use, and no two orchestrators may share a working directory.
type Orchestrator struct {
	book Container
	gen  generator.TextGenerator
	cfg  Config
	wd   checkpoint.Dir

	log        logrus.FieldLogger
	progressFn func(Progress)
	sleep      func(ctx context.Context, d time.Duration) error
	editor     DictionaryEditor
	glossary   GlossaryStore
	runs       RunStore

	progress   *tracker
	sourceLang string
	dict       glossary.Dictionary
	validator  *validator.Validator
}

// New creates an Orchestrator for book.
func New(book Container, gen generator.TextGenerator, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 4096
	}
	if cfg.MainPasses <= 0 {
		cfg.MainPasses = 1
	}
	if cfg.ReviewTrials <= 0 {
		cfg.ReviewTrials = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeJSON
	}
	if cfg.Prompts == (prompt.Set{}) {
		cfg.Prompts = prompt.Default()
	}
	o := &Orchestrator{
		book: book,
		gen:  gen,
		cfg:  cfg,
		wd:   checkpoint.Workdir(cfg.OutputDir, cfg.Book),
		log:  logging.Discard(),
		dict: glossary.Dictionary{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.WithField("book", bookName(cfg.Book))
	o.progress = newTracker(o.progressFn)
	return o
}

// Workdir returns the book's working directory.
func (o *Orchestrator) Workdir() checkpoint.Dir { return o.wd }

// Percent returns the last reported overall progress.
func (o *Orchestrator) Percent() float64 { return o.progress.percent() }

// Run executes the enabled stages in pipeline order and saves the book. The
// first stage error aborts the remaining stages and resets progress to zero.
// Checkpoints already written stay on disk for the next run.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	stages := o.enabledStages()

	if o.runs != nil {
		run, startErr := o.runs.StartRun(ctx, bookName(o.cfg.Book), stages)
		if startErr != nil {
			o.log.WithError(startErr).Warn("failed to record run start")
		} else {
			o.log = o.log.WithField("run_id", run.ID)
			defer func() {
				if finErr := o.runs.FinishRun(context.WithoutCancel(ctx), run.ID, err); finErr != nil {
					o.log.WithError(finErr).Warn("failed to record run finish")
				}
			}()
		}
	}

	o.resolveSourceLang()
	if err := o.loadDictionary(ctx); err != nil {
		o.log.WithError(err).Warn("failed to load dictionary")
	}
	o.validator = validator.New(o.sourceLang, o.cfg.TargetLang)

	for _, stage := range stages {
		log := o.log.WithField("stage", stage)
		log.Info("stage started")
		start := time.Now()
		if err := o.runStage(ctx, stage); err != nil {
			o.progress.reset(stage)
			log.WithError(err).Error("stage failed, aborting run")
			return &StageError{Stage: stage, Err: err}
		}
		o.progress.stage(stage, 1, 1)
		log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("stage finished")
	}

	if err := o.save(); err != nil {
		o.progress.reset(StageDone)
		return &StageError{Stage: StageDone, Err: err}
	}
	o.progress.stage(StageDone, 1, 1)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch stage {
	case StageRuby:
		return o.removeRuby(ctx)
	case StagePNExtract:
		return o.extractProperNouns(ctx)
	case StagePNEdit:
		return o.editDictionary(ctx)
	case StageMain:
		if o.cfg.Mode == config.ModeHTML {
			return o.translateHTML(ctx)
		}
		return o.translateMain(ctx)
	case StageTOC:
		return o.translateTOC(ctx)
	case StageReview:
		return o.review(ctx)
	case StageDual:
		return o.mergeDual(ctx)
	case StageImage:
		return o.annotateImages(ctx)
	}
	return fmt.Errorf("unknown stage %q", stage)
}

// enabledStages returns the configured stages in pipeline order.
func (o *Orchestrator) enabledStages() []string {
	var out []string
	for _, s := range config.Stages {
		if slices.Contains(o.cfg.Stages, s) {
			out = append(out, s)
		}
	}
	return out
}

func (o *Orchestrator) save() error {
	saver, ok := o.book.(Saver)
	if !ok {
		return nil
	}
	dst := o.cfg.OutputPath
	if dst == "" {
		dst = filepath.Join(o.cfg.OutputDir, bookName(o.cfg.Book)+".epub")
	}
	if err := saver.Save(dst); err != nil {
		return fmt.Errorf("failed to save book: %w", err)
	}
	o.log.WithField("output", dst).Info("book saved")
	return nil
}

// resolveSourceLang picks the configured language, then the package
// document's, then whatever lingua detects in the first chapters.
func (o *Orchestrator) resolveSourceLang() {
	o.sourceLang = o.cfg.SourceLang
	if o.sourceLang == "" {
		o.sourceLang = strings.TrimSpace(o.book.Language())
	}
	if o.sourceLang == "" {
		var sample strings.Builder
		for _, p := range o.book.ChapterPaths() {
			data, err := o.book.Read(p)
			if err != nil {
				continue
			}
			if text, err := xhtml.VisibleText(data); err == nil {
				sample.WriteString(text)
				sample.WriteByte('\n')
			}
			if sample.Len() > 2000 {
				break
			}
		}
		if iso, ok := detector.New().DetectISO(sample.String()); ok {
			o.sourceLang = strings.ToLower(iso)
		}
	}
	o.cfg.Dispatch.SourceLang = o.sourceLang
	o.log.WithField("source_lang", o.sourceLang).Debug("source language resolved")
}

// loadDictionary reads the stored dictionary, falling back to the working
// directory copy.
func (o *Orchestrator) loadDictionary(ctx context.Context) error {
	if o.glossary != nil {
		terms, err := o.glossary.GetGlossaryTerms(ctx, bookName(o.cfg.Book), o.sourceLang, o.cfg.TargetLang)
		if err != nil {
			return err
		}
		if len(terms) > 0 {
			o.dict = glossary.Normalize(terms)
			return nil
		}
	}
	if !o.wd.Exists(checkpoint.PNDict) {
		return nil
	}
	d, err := glossary.Load(o.wd.Path(checkpoint.PNDict))
	if err != nil {
		return err
	}
	o.dict = glossary.Normalize(d)
	return nil
}

// storeDictionary writes the dictionary to the store and the working
// directory.
func (o *Orchestrator) storeDictionary(ctx context.Context) error {
	if o.glossary != nil {
		if err := o.glossary.ReplaceGlossary(ctx, bookName(o.cfg.Book), o.sourceLang, o.cfg.TargetLang, o.dict); err != nil {
			return fmt.Errorf("failed to store dictionary: %w", err)
		}
	}
	path := o.wd.Path(checkpoint.PNDict)
	data, err := glossary.Encode(path, o.dict)
	if err != nil {
		return err
	}
	return checkpoint.WriteFile(path, data)
}

// newDispatcher builds a dispatcher for one stage. Outgoing text has its
// repetitions folded; withDict also folds dictionary terms into id-map
// values.
func (o *Orchestrator) newDispatcher(stage string, withDict bool) *dispatcher.Dispatcher {
	cfg := o.cfg.Dispatch
	rc := repeat.New()
	cfg.Repeat = &rc
	if withDict && o.cfg.ApplyDictionary && len(o.dict) > 0 {
		cfg.Preprocess = o.dict.Replacer().Replace
	}
	opts := []dispatcher.Option{dispatcher.WithLogger(o.log.WithField("stage", stage))}
	if o.sleep != nil {
		opts = append(opts, dispatcher.WithSleep(o.sleep))
	}
	return dispatcher.New(o.gen, cfg, opts...)
}

func (o *Orchestrator) instructions(name prompt.Name, dict glossary.Dictionary) string {
	return o.cfg.Prompts.Render(name, o.sourceLang, o.cfg.TargetLang, dict)
}

func bookName(book string) string {
	base := filepath.Base(book)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
