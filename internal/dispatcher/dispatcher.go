// Package dispatcher sends chunks to a TextGenerator under a concurrency
// ceiling, validates each response and retries failed chunks. A chunk whose
// retries run out resolves to its own original content, so one bad chunk
// never stops a book.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/valpere/epubtran/internal/errs"
	"github.com/valpere/epubtran/internal/generator"
	"github.com/valpere/epubtran/internal/logging"
	"github.com/valpere/epubtran/internal/placeholder"
	"github.com/valpere/epubtran/internal/repeat"
)

// Kind selects how a chunk is sent and how its response is validated.
type Kind int

const (
	// KindTextMap sends an id→text map as JSON; the response must carry
	// exactly the same ids.
	KindTextMap Kind = iota
	// KindHTML sends serialized markup; the response must keep the
	// paragraph and heading counts.
	KindHTML
	// KindGlossary sends prose and expects a JSON object of proper nouns.
	KindGlossary
	// KindImage sends an image to an ImageDescriber.
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindTextMap:
		return "textmap"
	case KindHTML:
		return "html"
	case KindGlossary:
		return "glossary"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// Chunk is one unit of work.
type Chunk struct {
	Index        int
	Kind         Kind
	Instructions string

	Map  placeholder.TextMap // KindTextMap
	HTML string              // KindHTML
	Text string              // KindGlossary, or the prompt of KindImage

	Image    []byte // KindImage
	MimeType string // KindImage
}

// Result is the outcome of one chunk. Exactly one of Map, HTML or Text is
// meaningful, according to Kind.
type Result struct {
	Index int
	Kind  Kind

	Map  placeholder.TextMap
	HTML string
	Text string

	// Attempts counts budget-consuming attempts, Calls every generator call
	// including rate-limited ones.
	Attempts int
	Calls    int

	// Fallback is set when the result is the chunk's original content; Err
	// then holds the FinalFailure.
	Fallback bool
	Err      error

	// Waits lists every backoff and rate-limit delay taken, in order.
	Waits []time.Duration
}

// Config holds the dispatch policy.
type Config struct {
	MaxConcurrent     int
	MaxAttempts       int
	BackoffUnit       time.Duration
	RateLimitExtra    time.Duration
	RateLimitFallback time.Duration
	MaxRateLimitWaits int
	RequestDelay      time.Duration
	RequestsPerMinute int
	CallTimeout       time.Duration

	// ResidueThreshold is the number of source-script code points above
	// which a response counts as partly untranslated. Zero disables it.
	ResidueThreshold int
	SourceLang       string

	// Repeat, when set, folds repetitions in outgoing text.
	Repeat *repeat.Codec
	// Preprocess rewrites each outgoing id-map value (glossary terms).
	Preprocess func(string) string
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     3,
		MaxAttempts:       3,
		BackoffUnit:       5 * time.Second,
		RateLimitExtra:    5 * time.Second,
		RateLimitFallback: 10 * time.Second,
		MaxRateLimitWaits: 20,
		CallTimeout:       10 * time.Minute,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffUnit < 0 {
		c.BackoffUnit = 0
	}
	if c.RateLimitFallback <= 0 {
		c.RateLimitFallback = def.RateLimitFallback
	}
	if c.MaxRateLimitWaits <= 0 {
		c.MaxRateLimitWaits = def.MaxRateLimitWaits
	}
}

// Dispatcher runs chunks against one generator.
type Dispatcher struct {
	gen     generator.TextGenerator
	cfg     Config
	log     logrus.FieldLogger
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	gate    *pauseGate
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithSleep replaces the function used for every wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// New creates a Dispatcher.
func New(gen generator.TextGenerator, cfg Config, opts ...Option) *Dispatcher {
	cfg.normalize()
	d := &Dispatcher{
		gen:   gen,
		cfg:   cfg,
		log:   logging.Discard(),
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		gate:  &pauseGate{},
		sleep: sleepContext,
	}
	if cfg.RequestsPerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch translates chunks concurrently and delivers each Result as soon
// as it is ready, in completion order. The channel is closed after the last
// result.
func (d *Dispatcher) Dispatch(ctx context.Context, chunks []Chunk) <-chan Result {
	out := make(chan Result, len(chunks))
	go func() {
		defer close(out)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.cfg.MaxConcurrent)
		for _, c := range chunks {
			g.Go(func() error {
				out <- d.Translate(gctx, c)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// attemptState carries the counters of one chunk across retry iterations.
type attemptState struct {
	failures  int
	rateWaits int
}

// Translate runs one chunk to completion: a validated result, or the
// chunk's original content after the retry budget is spent.
func (d *Dispatcher) Translate(ctx context.Context, c Chunk) Result {
	res := Result{Index: c.Index, Kind: c.Kind}
	log := d.log.WithFields(logrus.Fields{"chunk": c.Index, "kind": c.Kind.String()})

	prompt, err := d.prepare(c)
	if err != nil {
		return d.fallback(c, res, errs.New(errs.FinalFailure, "prepare chunk", err), log)
	}

	var st attemptState
	backoff := retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		res.Calls++
		text, callErr := d.call(ctx, c, prompt)
		if callErr == nil {
			out, verr := d.validate(c, text)
			if verr == nil {
				res.Attempts = st.failures + 1
				res.Map, res.HTML, res.Text = out.Map, out.HTML, out.Text
				return nil
			}
			if errs.Is(verr, errs.Validation) && isResidue(verr) && st.failures+1 >= d.cfg.MaxAttempts {
				// Residue is soft: the final attempt keeps what it got.
				res.Attempts = st.failures + 1
				res.Map, res.HTML, res.Text = out.Map, out.HTML, out.Text
				log.WithField("attempt", res.Attempts).Warn("accepting response with untranslated residue")
				return nil
			}
			callErr = verr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errs.Is(callErr, errs.RateLimit) && st.rateWaits < d.cfg.MaxRateLimitWaits {
			st.rateWaits++
			wait := d.rateLimitWait(callErr)
			res.Waits = append(res.Waits, wait)
			log.WithFields(logrus.Fields{"wait": wait, "rate_waits": st.rateWaits}).Warn("rate limited, pausing")
			d.gate.extend(time.Now().Add(wait))
			return retry.RetryableError(callErr)
		}

		st.failures++
		log.WithFields(logrus.Fields{"attempt": st.failures, "error": callErr}).Warn("chunk attempt failed")
		if st.failures >= d.cfg.MaxAttempts {
			return callErr
		}
		wait := d.cfg.BackoffUnit * time.Duration(st.failures)
		res.Waits = append(res.Waits, wait)
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
		return retry.RetryableError(callErr)
	})

	if err != nil {
		res.Attempts = st.failures
		return d.fallback(c, res, errs.New(errs.FinalFailure, "translate chunk", err), log)
	}
	return res
}

// call makes one generator call inside the concurrency ceiling.
func (d *Dispatcher) call(ctx context.Context, c Chunk, prompt string) (string, error) {
	if err := d.gate.wait(ctx, d.sleep); err != nil {
		return "", err
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer d.sem.Release(1)

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
	}
	defer cancel()

	var (
		text string
		err  error
	)
	switch c.Kind {
	case KindImage:
		describer, ok := d.gen.(generator.ImageDescriber)
		if !ok {
			return "", errs.Newf(errs.Transport, "describe image", "%s cannot read images", d.gen.Name())
		}
		text, err = describer.DescribeImage(callCtx, c.Text, c.Image, c.MimeType)
	default:
		text, err = generator.WithInstructions(callCtx, d.gen, c.Instructions, prompt)
	}
	if err != nil {
		if errs.KindOf(err) == 0 {
			err = errs.New(errs.Transport, "generate", err)
		}
		return "", err
	}

	if d.cfg.RequestDelay > 0 {
		if err := d.sleep(ctx, d.cfg.RequestDelay); err != nil {
			return "", err
		}
	}
	return text, nil
}

func (d *Dispatcher) rateLimitWait(err error) time.Duration {
	if hint, ok := errs.RetryAfter(err); ok {
		return hint + d.cfg.RateLimitExtra
	}
	return d.cfg.RateLimitFallback
}

func (d *Dispatcher) fallback(c Chunk, res Result, err error, log logrus.FieldLogger) Result {
	res.Fallback = true
	res.Err = err
	switch c.Kind {
	case KindTextMap:
		res.Map = c.Map.Clone()
	case KindHTML:
		res.HTML = c.HTML
	case KindGlossary:
		res.Map = placeholder.TextMap{}
	case KindImage:
		res.Text = ""
	}
	if errors.Is(err, context.Canceled) {
		log.WithError(err).Debug("chunk cancelled")
	} else {
		log.WithError(err).Error("chunk failed, keeping original content")
	}
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errResidue = errors.New("untranslated residue")

func isResidue(err error) bool { return errors.Is(err, errResidue) }

func residueError(n int) error {
	return errs.New(errs.Validation, "check residue", fmt.Errorf("%w: %d source characters", errResidue, n))
}
