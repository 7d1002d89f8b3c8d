// Package generator adapts LLM providers to a single prompt→text contract.
// Provider failures are mapped onto the errs taxonomy so callers can tell a
// rate limit (with its retry hint) from any other transport failure.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TextGenerator turns a prompt into text.
type TextGenerator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Instructable generators accept a separate system instruction.
type Instructable interface {
	GenerateWithInstructions(ctx context.Context, instructions, prompt string) (string, error)
}

// ImageDescriber generators can read an image.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, instructions string, image []byte, mimeType string) (string, error)
}

// WithInstructions calls g with a system instruction, natively when g is
// Instructable and otherwise by prepending it to the prompt.
func WithInstructions(ctx context.Context, g TextGenerator, instructions, prompt string) (string, error) {
	if instructions == "" {
		return g.Generate(ctx, prompt)
	}
	if ig, ok := g.(Instructable); ok {
		return ig.GenerateWithInstructions(ctx, instructions, prompt)
	}
	return g.Generate(ctx, instructions+"\n\n"+prompt)
}

// Provider names.
const (
	ProviderGemini     = "gemini"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

// Providers lists the accepted provider names.
var Providers = []string{ProviderGemini, ProviderOpenAI, ProviderOpenRouter, ProviderOllama}

type ServiceConfig struct {
	Provider    string        `mapstructure:"provider" json:"provider"`
	APIKey      string        `mapstructure:"api_key" json:"api_key"`
	Model       string        `mapstructure:"model" json:"model"`
	ImageModel  string        `mapstructure:"image_model" json:"image_model"`
	BaseURL     string        `mapstructure:"base_url" json:"base_url"`
	Temperature float64       `mapstructure:"temperature" json:"temperature"`
	TopP        float64       `mapstructure:"top_p" json:"top_p"`
	Timeout     time.Duration `mapstructure:"call_timeout" json:"timeout"`
}

func (c ServiceConfig) imageModel() string {
	if c.ImageModel != "" {
		return c.ImageModel
	}
	return c.Model
}

// New builds the generator named by cfg.Provider.
func New(ctx context.Context, cfg ServiceConfig) (TextGenerator, error) {
	switch cfg.Provider {
	case ProviderGemini, "":
		return NewGemini(ctx, cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderOpenRouter:
		return NewOpenRouter(cfg)
	case ProviderOllama:
		return NewOllama(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// Close releases the generator's client when it holds one.
func Close(g TextGenerator) error {
	if c, ok := g.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

var reRetryDelay = regexp.MustCompile(`retry[_ ]?[dD]elay"?\s*[:=]?\s*(?:\{\s*seconds\s*:\s*(\d+)|"?(\d+(?:\.\d+)?)s)`)

// ParseRetryDelay extracts the server-suggested delay from a rate-limit
// payload. It understands Google's RetryInfo detail ({"retryDelay": "39s"})
// both as JSON and as it appears flattened into an error message.
func ParseRetryDelay(payload string) (time.Duration, bool) {
	var errResp struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &errResp); err == nil {
		for _, detail := range errResp.Error.Details {
			if strings.Contains(detail.Type, "RetryInfo") && detail.RetryDelay != "" {
				if d, ok := parseSeconds(detail.RetryDelay); ok {
					return d, true
				}
			}
		}
	}

	m := reRetryDelay.FindStringSubmatch(payload)
	if m == nil {
		return 0, false
	}
	if m[1] != "" {
		return parseSeconds(m[1])
	}
	return parseSeconds(m[2])
}

// parseSeconds parses "30s", "45.123s" or "30".
func parseSeconds(s string) (time.Duration, bool) {
	secs, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "s"), 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs*1000) * time.Millisecond, true
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func isRateLimitMessage(msg string) bool {
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(strings.ToLower(msg), "resource exhausted") ||
		strings.Contains(strings.ToLower(msg), "rate limit")
}
