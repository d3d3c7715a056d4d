package insight

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiSummarizer generates insight text through the Gemini API.
type GeminiSummarizer struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiSummarizer dials the Gemini API. modelName selects the
// generative model, e.g. "gemini-2.5-flash-lite".
func NewGeminiSummarizer(ctx context.Context, apiKey, modelName string) (*GeminiSummarizer, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiSummarizer{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// Summarize sends the prompt and concatenates the text parts of the first
// candidate.
func (g *GeminiSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no content received from model")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text += string(txt)
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content received from model")
	}
	return text, nil
}

func (g *GeminiSummarizer) Close() error {
	return g.client.Close()
}
