package orchestrator

import "sync"

// Progress is one report of overall completion, 0 to 100.
type Progress struct {
	Stage   string
	Percent float64
}

// span is the slice of the 0–100 scale a stage owns.
type span struct{ from, to float64 }

var stageSpans = map[string]span{
	StageRuby:      {0, 1},
	StagePNExtract: {1, 6},
	StagePNEdit:    {6, 6},
	StageMain:      {6, 80},
	StageTOC:       {80, 82},
	StageReview:    {82, 90},
	StageDual:      {90, 91},
	StageImage:     {91, 99},
	StageDone:      {100, 100},
}

// tracker turns per-stage fractions into a non-decreasing overall
// percentage. Only an abort moves it back, to zero.
type tracker struct {
	mu   sync.Mutex
	fn   func(Progress)
	last float64
}

func newTracker(fn func(Progress)) *tracker {
	return &tracker{fn: fn}
}

// stage reports that stage is done/total complete.
func (t *tracker) stage(stage string, done, total int) {
	s := stageSpans[stage]
	frac := 1.0
	if total > 0 {
		frac = float64(done) / float64(total)
	}
	if frac > 1 {
		frac = 1
	}
	t.set(stage, s.from+(s.to-s.from)*frac)
}

// sub reports progress of one part out of parts within stage.
func (t *tracker) sub(stage string, part, parts, done, total int) {
	if parts <= 0 {
		parts = 1
	}
	frac := 1.0
	if total > 0 {
		frac = float64(done) / float64(total)
	}
	t.stage(stage, part*1000+int(frac*1000), parts*1000)
}

func (t *tracker) set(stage string, pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pct <= t.last {
		return
	}
	t.last = pct
	if t.fn != nil {
		t.fn(Progress{Stage: stage, Percent: pct})
	}
}

func (t *tracker) reset(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = 0
	if t.fn != nil {
		t.fn(Progress{Stage: stage, Percent: 0})
	}
}

func (t *tracker) percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
