package generator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valpere/epubtran/internal/errs"
)

func TestParseRetryDelay(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    time.Duration
		wantOK  bool
	}{
		{
			name: "google RetryInfo json",
			payload: `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","details":[
				{"@type":"type.googleapis.com/google.rpc.QuotaFailure"},
				{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"39s"}]}}`,
			want:   39 * time.Second,
			wantOK: true,
		},
		{
			name:    "fractional seconds",
			payload: `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"1.5s"}]}}`,
			want:    1500 * time.Millisecond,
			wantOK:  true,
		},
		{
			name:    "flattened message",
			payload: `googleapi: Error 429: quota exceeded, details: [{"retryDelay": "12s"}]`,
			want:    12 * time.Second,
			wantOK:  true,
		},
		{
			name:    "grpc text form",
			payload: `rpc error: code = ResourceExhausted desc = quota retry_delay:{seconds:7}`,
			want:    7 * time.Second,
			wantOK:  true,
		},
		{
			name:    "no hint",
			payload: `{"error":{"code":429,"message":"slow down"}}`,
			wantOK:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryDelay(tt.payload)
			if ok != tt.wantOK {
				t.Fatalf("ParseRetryDelay ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("ParseRetryDelay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("7"); got != 7*time.Second {
		t.Errorf("expected 7s, got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 {
		t.Errorf("expected positive delay for HTTP date, got %v", got)
	}
}

type plainGen struct {
	prompt string
}

func (p *plainGen) Name() string { return "plain" }
func (p *plainGen) Generate(_ context.Context, prompt string) (string, error) {
	p.prompt = prompt
	return "ok", nil
}

type instructGen struct {
	plainGen
	instructions string
}

func (g *instructGen) GenerateWithInstructions(_ context.Context, instructions, prompt string) (string, error) {
	g.instructions, g.prompt = instructions, prompt
	return "ok", nil
}

func TestWithInstructions(t *testing.T) {
	ctx := context.Background()

	plain := &plainGen{}
	if _, err := WithInstructions(ctx, plain, "SYSTEM", "USER"); err != nil {
		t.Fatalf("failed to generate: %v", err)
	}
	if plain.prompt != "SYSTEM\n\nUSER" {
		t.Errorf("expected instructions prepended, got %q", plain.prompt)
	}

	ig := &instructGen{}
	if _, err := WithInstructions(ctx, ig, "SYSTEM", "USER"); err != nil {
		t.Fatalf("failed to generate: %v", err)
	}
	if ig.instructions != "SYSTEM" || ig.prompt != "USER" {
		t.Errorf("expected native instructions, got %q / %q", ig.instructions, ig.prompt)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), ServiceConfig{Provider: "babelfish"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNew_OpenAIRequiresKey(t *testing.T) {
	if _, err := New(context.Background(), ServiceConfig{Provider: ProviderOpenRouter}); err == nil {
		t.Error("expected error without API key")
	}
}

// --- OpenAI-compatible ---

func chatServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		handler(w, body)
	}))
}

func TestOpenAI_Generate(t *testing.T) {
	server := chatServer(t, func(w http.ResponseWriter, body map[string]any) {
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("expected system and user messages, got %d", len(msgs))
		}
		if body["model"] != "test-model" {
			t.Errorf("unexpected model %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":0,"model":"test-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"0\":\"안녕\"}"}}]}`))
	})
	defer server.Close()

	g, err := newOpenAICompatible(ProviderOpenRouter, ServiceConfig{APIKey: "k", Model: "test-model", BaseURL: server.URL}, server.Client())
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}
	got, err := g.GenerateWithInstructions(context.Background(), "translate", `{"0":"こんにちは"}`)
	if err != nil {
		t.Fatalf("failed to generate: %v", err)
	}
	if got != `{"0":"안녕"}` {
		t.Errorf("unexpected response %q", got)
	}
	if g.Name() != "openrouter" {
		t.Errorf("unexpected name %q", g.Name())
	}
}

func TestOpenAI_RateLimit(t *testing.T) {
	var calls atomic.Int32
	server := chatServer(t, func(w http.ResponseWriter, _ map[string]any) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
	})
	defer server.Close()

	g, err := newOpenAICompatible(ProviderOpenAI, ServiceConfig{APIKey: "k", Model: "m", BaseURL: server.URL}, server.Client())
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}
	_, err = g.Generate(context.Background(), "x")
	if !errs.Is(err, errs.RateLimit) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if d, ok := errs.RetryAfter(err); !ok || d != 7*time.Second {
		t.Errorf("expected 7s hint, got %v %v", d, ok)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no SDK retries, got %d calls", calls.Load())
	}
}

func TestOpenAI_ServerError(t *testing.T) {
	server := chatServer(t, func(w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	})
	defer server.Close()

	g, err := newOpenAICompatible(ProviderOpenAI, ServiceConfig{APIKey: "k", Model: "m", BaseURL: server.URL}, server.Client())
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}
	_, err = g.Generate(context.Background(), "x")
	if !errs.Is(err, errs.Transport) {
		t.Errorf("expected transport error, got %v", err)
	}
}

// --- Ollama ---

func TestOllama_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.System != "be terse" || req.Stream {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "번역"})
	}))
	defer server.Close()

	g := NewOllama(ServiceConfig{BaseURL: server.URL, Model: "m"})
	got, err := g.GenerateWithInstructions(context.Background(), "be terse", "翻訳")
	if err != nil {
		t.Fatalf("failed to generate: %v", err)
	}
	if got != "번역" {
		t.Errorf("unexpected response %q", got)
	}
}

func TestOllama_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
		kind   errs.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, "3", errs.RateLimit},
		{"server error", http.StatusInternalServerError, "", errs.Transport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewOllama(ServiceConfig{BaseURL: server.URL}).Generate(context.Background(), "x")
			if !errs.Is(err, tt.kind) {
				t.Errorf("expected %s error, got %v", tt.kind, err)
			}
		})
	}
}

func TestOllama_WaitReady(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer server.Close()

	g := NewOllama(ServiceConfig{BaseURL: server.URL})
	if err := g.WaitReady(context.Background(), 5, time.Millisecond); err != nil {
		t.Fatalf("failed to wait for server: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", calls.Load())
	}
}

func TestOllama_WaitReadyGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if err := NewOllama(ServiceConfig{BaseURL: server.URL}).WaitReady(context.Background(), 2, time.Millisecond); err == nil {
		t.Error("expected error when server never becomes ready")
	}
}
