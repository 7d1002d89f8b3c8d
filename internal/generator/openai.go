package generator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/valpere/epubtran/internal/errs"
)

const (
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultOpenRouterModel = "google/gemini-2.5-flash"
	defaultOpenRouterURL   = "https://openrouter.ai/api/v1"
	defaultOpenAITimeout   = 10 * time.Minute
)

// OpenAI calls an OpenAI-compatible chat completions endpoint. It serves
// both the openai and openrouter providers.
type OpenAI struct {
	name        string
	client      openai.Client
	model       string
	imageModel  string
	temperature float64
	topP        float64
}

// NewOpenAI creates a generator for api.openai.com (or cfg.BaseURL).
func NewOpenAI(cfg ServiceConfig) (*OpenAI, error) {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	return newOpenAICompatible(ProviderOpenAI, cfg, nil)
}

// NewOpenRouter creates a generator for the OpenRouter API.
func NewOpenRouter(cfg ServiceConfig) (*OpenAI, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenRouterURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenRouterModel
	}
	return newOpenAICompatible(ProviderOpenRouter, cfg, nil)
}

func newOpenAICompatible(name string, cfg ServiceConfig, httpClient *http.Client) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s API key required", name)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultOpenAITimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		// Retries belong to the dispatcher, which knows the retry budget.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		name:        name,
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		imageModel:  cfg.imageModel(),
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
	}, nil
}

func (c *OpenAI) Name() string {
	return c.name
}

func (c *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	return c.GenerateWithInstructions(ctx, "", prompt)
}

func (c *OpenAI) GenerateWithInstructions(ctx context.Context, instructions, prompt string) (string, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if instructions != "" {
		msgs = append(msgs, openai.SystemMessage(instructions))
	}
	msgs = append(msgs, openai.UserMessage(prompt))
	return c.complete(ctx, c.model, msgs)
}

// DescribeImage sends the image as a data URL content part.
func (c *OpenAI) DescribeImage(ctx context.Context, instructions string, image []byte, mimeType string) (string, error) {
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(instructions),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
	}
	msgs := []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)}
	return c.complete(ctx, c.imageModel, msgs)
}

func (c *OpenAI) complete(ctx context.Context, model string, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	op := c.name + " generate"

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.topP > 0 {
		params.TopP = openai.Float(c.topP)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", mapOpenAIError(op, err)
	}
	if len(completion.Choices) == 0 {
		return "", errs.Newf(errs.Transport, op, "no choices in response")
	}
	content := completion.Choices[0].Message.Content
	if content == "" {
		return "", errs.Newf(errs.Transport, op, "empty completion")
	}
	return content, nil
}

func mapOpenAIError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		if retryAfter == 0 {
			retryAfter, _ = ParseRetryDelay(err.Error())
		}
		return errs.RateLimited(op, retryAfter, err)
	}
	return errs.New(errs.Transport, op, err)
}
