package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/valpere/epubtran/internal/errs"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "qwen2.5:7b"
)

// Ollama calls a local Ollama server's /api/generate endpoint.
type Ollama struct {
	baseURL     string
	model       string
	imageModel  string
	temperature float64
	topP        float64
	client      *http.Client
}

func NewOllama(cfg ServiceConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Ollama{
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		imageModel:  cfg.imageModel(),
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		client:      &http.Client{Timeout: timeout},
	}
}

func (s *Ollama) Name() string {
	return ProviderOllama
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

func (s *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	return s.GenerateWithInstructions(ctx, "", prompt)
}

func (s *Ollama) GenerateWithInstructions(ctx context.Context, instructions, prompt string) (string, error) {
	return s.generate(ctx, ollamaRequest{Model: s.model, Prompt: prompt, System: instructions})
}

// DescribeImage needs a multimodal model (llava, qwen2.5vl, gemma3).
func (s *Ollama) DescribeImage(ctx context.Context, instructions string, image []byte, mimeType string) (string, error) {
	return s.generate(ctx, ollamaRequest{
		Model:  s.imageModel,
		Prompt: instructions,
		Images: []string{base64.StdEncoding.EncodeToString(image)},
	})
}

func (s *Ollama) generate(ctx context.Context, ollamaReq ollamaRequest) (string, error) {
	const op = "ollama generate"

	opts := map[string]any{}
	if s.temperature > 0 {
		opts["temperature"] = s.temperature
	}
	if s.topP > 0 {
		opts["top_p"] = s.topP
	}
	if len(opts) > 0 {
		ollamaReq.Options = opts
	}

	jsonData, err := json.Marshal(ollamaReq)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/api/generate", s.baseURL), bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", errs.New(errs.Transport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		delay := parseRetryAfter(resp.Header.Get("Retry-After"))
		if delay == 0 {
			delay, _ = ParseRetryDelay(string(body))
		}
		return "", errs.RateLimited(op, delay, fmt.Errorf("API returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", errs.Newf(errs.Transport, op, "API returned status %d", resp.StatusCode)
	}

	var ollamaResp struct {
		Response string `json:"response"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return "", errs.New(errs.Transport, op, fmt.Errorf("failed to decode response: %w", err))
	}
	if ollamaResp.Error != "" {
		return "", errs.Newf(errs.Transport, op, "%s", ollamaResp.Error)
	}
	return ollamaResp.Response, nil
}

// Ping checks that the server answers /api/tags.
func (s *Ollama) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/api/tags", s.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("Ollama not available: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// WaitReady polls Ping until the server answers or attempts run out.
func (s *Ollama) WaitReady(ctx context.Context, attempts uint, delay time.Duration) error {
	return retry.Do(
		func() error { return s.Ping(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}
