package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiKeywords asks a Gemini model for the keywords of a transcript.
type GeminiKeywords struct {
	client *genai.Client
	model  string
	topN   int
}

func NewGeminiKeywords(ctx context.Context, apiKey, model string, topN int) (*GeminiKeywords, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	if topN <= 0 {
		topN = 5
	}
	return &GeminiKeywords{client: client, model: model, topN: topN}, nil
}

func (g *GeminiKeywords) Keywords(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	prompt := fmt.Sprintf("Extract at most %d keywords from the following transcript. "+
		"Reply with a JSON array of strings only.\n\n%s", g.topN, text)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{
		{Parts: []*genai.Part{{Text: prompt}}, Role: "user"},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return parseKeywords(sb.String(), g.topN), nil
}

// parseKeywords accepts a JSON array, optionally inside a markdown fence,
// and falls back to comma or newline separated text.
func parseKeywords(raw string, limit int) []string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		items = strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' })
	}

	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.Trim(strings.TrimSpace(it), `"'-*`)
		it = strings.TrimSpace(it)
		key := strings.ToLower(it)
		if it == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
