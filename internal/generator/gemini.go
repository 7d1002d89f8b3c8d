package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/valpere/epubtran/internal/errs"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini calls the Google Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	imageModel  string
	temperature float32
	topP        float32
}

// NewGemini creates a Gemini generator. An API key is required.
func NewGemini(ctx context.Context, cfg ServiceConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key required")
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	return &Gemini{
		client:      client,
		model:       cfg.Model,
		imageModel:  cfg.imageModel(),
		temperature: float32(cfg.Temperature),
		topP:        float32(cfg.TopP),
	}, nil
}

func (g *Gemini) Name() string {
	return ProviderGemini
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	return g.GenerateWithInstructions(ctx, "", prompt)
}

func (g *Gemini) GenerateWithInstructions(ctx context.Context, instructions, prompt string) (string, error) {
	return g.generate(ctx, g.model, instructions, genai.Text(prompt))
}

// DescribeImage sends the image inline together with the instructions.
func (g *Gemini) DescribeImage(ctx context.Context, instructions string, image []byte, mimeType string) (string, error) {
	format := strings.TrimPrefix(mimeType, "image/")
	return g.generate(ctx, g.imageModel, "", genai.Text(instructions), genai.ImageData(format, image))
}

func (g *Gemini) generate(ctx context.Context, modelName, instructions string, parts ...genai.Part) (string, error) {
	const op = "gemini generate"

	model := g.client.GenerativeModel(modelName)
	if g.temperature > 0 {
		model.SetTemperature(g.temperature)
	}
	if g.topP > 0 {
		model.SetTopP(g.topP)
	}
	if instructions != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(instructions))
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", mapGeminiError(op, err)
	}
	text := responseText(resp)
	if text == "" {
		return "", errs.Newf(errs.Transport, op, "no text in Gemini response")
	}
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}

func mapGeminiError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		delay, _ := ParseRetryDelay(apiErr.Body)
		return errs.RateLimited(op, delay, err)
	}
	if msg := err.Error(); isRateLimitMessage(msg) {
		delay, _ := ParseRetryDelay(msg)
		return errs.RateLimited(op, delay, err)
	}
	return errs.New(errs.Transport, op, err)
}
