package ai

import (
	"context"
	"strings"
)

// Completer is the narrow model surface the intent resolver depends on:
// a list of chat messages in, raw assistant text out.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// RuntimeCompleter adapts a Runtime to Completer with fixed generation knobs.
type RuntimeCompleter struct {
	Runtime     Runtime
	Model       string
	MaxTokens   int
	Temperature float64
	// JSONMode requests a bare JSON object from providers that support it.
	JSONMode bool
}

func (c *RuntimeCompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	req := GenerateRequest{
		Model:       c.Model,
		Messages:    messages,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	}
	if c.JSONMode {
		req.ResponseFormat = JSONObject
	}
	resp, err := c.Runtime.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	text, err := resp.Text()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
