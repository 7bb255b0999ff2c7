package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
}

func NewGeminiClient(ctx context.Context, opts Options) (Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	return &geminiClient{client: client, model: model}, nil
}

// Generate maps system messages onto the system instruction and the rest
// onto user/model turns.
func (c *geminiClient) Generate(ctx context.Context, messages []Message) (string, error) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("gemini request has no user content")
	}

	var cfg *genai.GenerateContentConfig
	if len(system) > 0 {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(strings.Join(system, "\n"), genai.RoleUser),
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned no text")
	}
	return text, nil
}
