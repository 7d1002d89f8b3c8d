package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valpere/epubtran/internal/errs"
	"github.com/valpere/epubtran/internal/placeholder"
	"github.com/valpere/epubtran/internal/repeat"
)

// stubGen answers every call with respond; calls counts invocations.
type stubGen struct {
	respond func(call int32, prompt string) (string, error)
	calls   atomic.Int32
}

func (s *stubGen) Name() string { return "stub" }

func (s *stubGen) Generate(_ context.Context, prompt string) (string, error) {
	n := s.calls.Add(1)
	return s.respond(n, prompt)
}

type imageGen struct {
	stubGen
	described atomic.Int32
}

func (g *imageGen) DescribeImage(_ context.Context, _ string, image []byte, _ string) (string, error) {
	g.described.Add(1)
	return "a girl holding " + string(image), nil
}

// sleepRecorder replaces real waits and remembers what was asked for.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffUnit = 5 * time.Second
	cfg.RateLimitExtra = 5 * time.Second
	cfg.RateLimitFallback = 10 * time.Second
	return cfg
}

func newTestDispatcher(gen *stubGen, cfg Config) (*Dispatcher, *sleepRecorder) {
	rec := &sleepRecorder{}
	return New(gen, cfg, WithSleep(rec.sleep)), rec
}

func textChunk(m placeholder.TextMap) Chunk {
	return Chunk{Index: 0, Kind: KindTextMap, Instructions: "translate", Map: m}
}

func TestTranslate_TextMap(t *testing.T) {
	gen := &stubGen{respond: func(_ int32, _ string) (string, error) {
		return `{"0":"안녕하세요","1":"안녕히 가세요"}`, nil
	}}
	d, rec := newTestDispatcher(gen, testConfig())

	res := d.Translate(context.Background(), textChunk(placeholder.TextMap{"0": "こんにちは", "1": "さようなら"}))
	if res.Fallback || res.Err != nil {
		t.Fatalf("unexpected fallback: %v", res.Err)
	}
	want := placeholder.TextMap{"0": "안녕하세요", "1": "안녕히 가세요"}
	for id, v := range want {
		if res.Map[id] != v {
			t.Errorf("id %s: expected %q, got %q", id, v, res.Map[id])
		}
	}
	if res.Attempts != 1 || res.Calls != 1 {
		t.Errorf("expected one attempt and call, got %d/%d", res.Attempts, res.Calls)
	}
	if len(rec.waits) != 0 {
		t.Errorf("expected no waits, got %v", rec.waits)
	}
}

func TestTranslate_InvalidFallsBack(t *testing.T) {
	gen := &stubGen{respond: func(_ int32, _ string) (string, error) {
		return `{"0":"only one"}`, nil
	}}
	d, _ := newTestDispatcher(gen, testConfig())

	orig := placeholder.TextMap{"0": "こんにちは", "1": "さようなら"}
	res := d.Translate(context.Background(), textChunk(orig))

	if !res.Fallback {
		t.Fatal("expected fallback")
	}
	if !errs.Is(res.Err, errs.FinalFailure) {
		t.Errorf("expected final failure, got %v", res.Err)
	}
	if gen.calls.Load() != 3 || res.Attempts != 3 || res.Calls != 3 {
		t.Errorf("expected 3 attempts, got calls=%d attempts=%d", gen.calls.Load(), res.Attempts)
	}
	for id, v := range orig {
		if res.Map[id] != v {
			t.Errorf("id %s: expected original %q, got %q", id, v, res.Map[id])
		}
	}
	wantWaits := []time.Duration{5 * time.Second, 10 * time.Second}
	if len(res.Waits) != len(wantWaits) {
		t.Fatalf("expected waits %v, got %v", wantWaits, res.Waits)
	}
	for i := range wantWaits {
		if res.Waits[i] != wantWaits[i] {
			t.Errorf("wait %d: expected %v, got %v", i, wantWaits[i], res.Waits[i])
		}
	}
}

func TestTranslate_RateLimit(t *testing.T) {
	tests := []struct {
		name string
		hint time.Duration
		want time.Duration
	}{
		{"with hint", 39 * time.Second, 44 * time.Second},
		{"without hint", 0, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &stubGen{respond: func(call int32, _ string) (string, error) {
				if call == 1 {
					return "", errs.RateLimited("generate", tt.hint, nil)
				}
				return `{"0":"안녕"}`, nil
			}}
			d, rec := newTestDispatcher(gen, testConfig())

			res := d.Translate(context.Background(), textChunk(placeholder.TextMap{"0": "こんにちは"}))
			if res.Fallback {
				t.Fatalf("unexpected fallback: %v", res.Err)
			}
			if len(res.Waits) != 1 || res.Waits[0] != tt.want {
				t.Errorf("expected wait %v, got %v", tt.want, res.Waits)
			}
			if res.Attempts != 1 || res.Calls != 2 {
				t.Errorf("expected rate limit not to consume an attempt, got attempts=%d calls=%d", res.Attempts, res.Calls)
			}
			if len(rec.waits) == 0 {
				t.Error("expected the second call to wait on the pause gate")
			}
		})
	}
}

func TestTranslate_RateLimitCap(t *testing.T) {
	gen := &stubGen{respond: func(_ int32, _ string) (string, error) {
		return "", errs.RateLimited("generate", time.Second, nil)
	}}
	cfg := testConfig()
	cfg.MaxRateLimitWaits = 20
	d, _ := newTestDispatcher(gen, cfg)

	res := d.Translate(context.Background(), textChunk(placeholder.TextMap{"0": "x"}))
	if !res.Fallback {
		t.Fatal("expected fallback once rate-limit waits are exhausted")
	}
	if got := gen.calls.Load(); got != 23 {
		t.Errorf("expected 20 free waits plus 3 attempts, got %d calls", got)
	}
}

func TestTranslate_HTMLMismatchFallsBack(t *testing.T) {
	orig := "<p>一</p><p>二</p>"
	gen := &stubGen{respond: func(_ int32, _ string) (string, error) {
		return "<p>one two</p>", nil
	}}
	d, _ := newTestDispatcher(gen, testConfig())

	res := d.Translate(context.Background(), Chunk{Kind: KindHTML, HTML: orig})
	if !res.Fallback || res.HTML != orig {
		t.Errorf("expected original markup back, got %q (fallback=%v)", res.HTML, res.Fallback)
	}
}

func TestTranslate_HTMLCodeFence(t *testing.T) {
	gen := &stubGen{respond: func(_ int32, _ string) (string, error) {
		return "```html\n<p>one</p><p>two</p>\n```", nil
	}}
	d, _ := newTestDispatcher(gen, testConfig())

	res := d.Translate(context.Background(), Chunk{Kind: KindHTML, HTML: "<p>一</p><p>二</p>"})
	if res.Fallback {
		t.Fatalf("unexpected fallback: %v", res.Err)
	}
	if res.HTML != "<p>one</p><p>two</p>" {
		t.Errorf("expected fence stripped, got %q", res.HTML)
	}
}

func TestTranslate_ResidueAcceptedOnFinalAttempt(t *testing.T) {
	gen := &stubGen{respond: func(_ int32, _ string) (string, error) {
		return `{"0":"Hello 残った日本語"}`, nil
	}}
	cfg := testConfig()
	cfg.SourceLang = "ja"
	cfg.ResidueThreshold = 3
	d, _ := newTestDispatcher(gen, cfg)

	res := d.Translate(context.Background(), textChunk(placeholder.TextMap{"0": "こんにちは"}))
	if res.Fallback {
		t.Fatalf("expected residue to be accepted on the final attempt, got %v", res.Err)
	}
	if res.Map["0"] != "Hello 残った日本語" {
		t.Errorf("unexpected result %q", res.Map["0"])
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestTranslate_RepeatRoundTrip(t *testing.T) {
	var sent map[string]string
	gen := &stubGen{respond: func(_ int32, prompt string) (string, error) {
		if err := json.Unmarshal([]byte(prompt), &sent); err != nil {
			return "", err
		}
		return prompt, nil
	}}
	rc := repeat.New()
	cfg := testConfig()
	cfg.Repeat = &rc
	d, _ := newTestDispatcher(gen, cfg)

	res := d.Translate(context.Background(), Chunk{Kind: KindTextMap, Map: placeholder.TextMap{"0": "あああああああ"}})
	if res.Fallback {
		t.Fatalf("unexpected fallback: %v", res.Err)
	}
	if sent["0"] != repeat.Marker("あ", 7) {
		t.Errorf("expected folded run in prompt, got %q", sent["0"])
	}
	if res.Map["0"] != "あああああああ" {
		t.Errorf("expected run restored, got %q", res.Map["0"])
	}
}

func TestTranslate_Preprocess(t *testing.T) {
	var sent string
	gen := &stubGen{respond: func(_ int32, prompt string) (string, error) {
		sent = prompt
		return `{"0":"ok"}`, nil
	}}
	cfg := testConfig()
	cfg.Preprocess = func(s string) string { return strings.ReplaceAll(s, "田中", "Tanaka") }
	d, _ := newTestDispatcher(gen, cfg)

	d.Translate(context.Background(), textChunk(placeholder.TextMap{"0": "田中さん"}))
	if !strings.Contains(sent, "Tanakaさん") {
		t.Errorf("expected glossary term substituted, got %q", sent)
	}
}

func TestTranslate_GlossaryFallbackIsEmpty(t *testing.T) {
	gen := &stubGen{respond: func(_ int32, _ string) (string, error) {
		return "no json here", nil
	}}
	d, _ := newTestDispatcher(gen, testConfig())

	res := d.Translate(context.Background(), Chunk{Kind: KindGlossary, Text: "田中は走った。"})
	if !res.Fallback {
		t.Fatal("expected fallback")
	}
	if res.Map == nil || len(res.Map) != 0 {
		t.Errorf("expected empty glossary, got %v", res.Map)
	}
}

func TestTranslate_Image(t *testing.T) {
	gen := &imageGen{}
	gen.respond = func(_ int32, _ string) (string, error) { return "", nil }
	d := New(gen, testConfig(), WithSleep((&sleepRecorder{}).sleep))

	res := d.Translate(context.Background(), Chunk{Kind: KindImage, Text: "describe", Image: []byte("a sword"), MimeType: "image/png"})
	if res.Fallback {
		t.Fatalf("unexpected fallback: %v", res.Err)
	}
	if res.Text != "a girl holding a sword" {
		t.Errorf("unexpected description %q", res.Text)
	}
	if gen.described.Load() != 1 || gen.calls.Load() != 0 {
		t.Errorf("expected the image path only, got describe=%d generate=%d", gen.described.Load(), gen.calls.Load())
	}
}

func TestTranslate_ImageUnsupported(t *testing.T) {
	gen := &stubGen{respond: func(_ int32, _ string) (string, error) { return "x", nil }}
	d, _ := newTestDispatcher(gen, testConfig())

	res := d.Translate(context.Background(), Chunk{Kind: KindImage, Image: []byte{1}})
	if !res.Fallback || res.Text != "" {
		t.Errorf("expected empty fallback, got %q (fallback=%v)", res.Text, res.Fallback)
	}
}

func TestTranslate_RequestDelay(t *testing.T) {
	gen := &stubGen{respond: func(_ int32, _ string) (string, error) { return `{"0":"ok"}`, nil }}
	cfg := testConfig()
	cfg.RequestDelay = 2 * time.Second
	d, rec := newTestDispatcher(gen, cfg)

	d.Translate(context.Background(), textChunk(placeholder.TextMap{"0": "x"}))
	if len(rec.waits) != 1 || rec.waits[0] != 2*time.Second {
		t.Errorf("expected one 2s delay, got %v", rec.waits)
	}
}

func TestDispatch_ConcurrencyCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	gen := &stubGen{respond: func(_ int32, prompt string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return prompt, nil
	}}
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	d, _ := newTestDispatcher(gen, cfg)

	chunks := make([]Chunk, 10)
	for i := range chunks {
		chunks[i] = Chunk{Index: i, Kind: KindTextMap, Map: placeholder.TextMap{"0": "x"}}
	}

	seen := make(map[int]bool)
	for res := range d.Dispatch(context.Background(), chunks) {
		if res.Fallback {
			t.Errorf("chunk %d fell back: %v", res.Index, res.Err)
		}
		seen[res.Index] = true
	}
	if len(seen) != len(chunks) {
		t.Errorf("expected %d results, got %d", len(chunks), len(seen))
	}
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 calls in flight, saw %d", peak.Load())
	}
}

func TestDispatch_Cancelled(t *testing.T) {
	gen := &stubGen{respond: func(_ int32, _ string) (string, error) { return "", errs.New(errs.Transport, "generate", context.Canceled) }}
	d, _ := newTestDispatcher(gen, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := 0
	for res := range d.Dispatch(ctx, []Chunk{textChunk(placeholder.TextMap{"0": "x"})}) {
		n++
		if !res.Fallback {
			t.Error("expected cancelled chunk to fall back")
		}
	}
	if n != 1 {
		t.Errorf("expected one result, got %d", n)
	}
}
