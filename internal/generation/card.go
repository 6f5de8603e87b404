package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Section is one titled block of a content card.
type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// Card is the structured content produced from a piece of user text.
type Card struct {
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	Highlights []string  `json:"highlights,omitempty"`
	Sections   []Section `json:"sections,omitempty"`
}

// Generator turns user text into a Card.
type Generator interface {
	Generate(ctx context.Context, text string) (*Card, error)
}

// ErrEmptyResponse is returned when the model produced no usable card.
var ErrEmptyResponse = errors.New("model returned an empty response")

// decodeCard parses a model reply, tolerating a surrounding markdown code fence.
func decodeCard(raw string) (*Card, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}
	if raw == "" {
		return nil, ErrEmptyResponse
	}

	var card Card
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		return nil, fmt.Errorf("failed to decode card: %w", err)
	}
	if strings.TrimSpace(card.Title) == "" {
		return nil, fmt.Errorf("failed to decode card: %w", ErrEmptyResponse)
	}
	return &card, nil
}
