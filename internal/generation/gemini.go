package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const cardInstruction = `You turn the user's text into a content card.
Reply with a single JSON object and nothing else, using this shape:
{"title": string, "summary": string, "highlights": [string], "sections": [{"heading": string, "body": string}]}
Write in the same language as the user's text.`

// GeminiGenerator produces cards with the Gemini API.
type GeminiGenerator struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
	logger  *slog.Logger
}

// NewGeminiGenerator creates a client for the given model name.
func NewGeminiGenerator(ctx context.Context, apiKey, modelName string, timeout time.Duration, logger *slog.Logger) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is not configured")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(cardInstruction)}}

	return &GeminiGenerator{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger.With("component", "gemini", "model", modelName),
	}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, text string) (*Card, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.model.GenerateContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	raw := responseText(resp)
	card, err := decodeCard(raw)
	if err != nil {
		g.logger.Warn("Unusable model reply", "error", err, "reply_length", len(raw))
		return nil, err
	}
	return card, nil
}

// Close releases the underlying client connection.
func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		// Only the first candidate with content is used.
		if sb.Len() > 0 {
			break
		}
	}
	return sb.String()
}
