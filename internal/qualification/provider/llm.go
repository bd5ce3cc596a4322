package provider

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/adk/model"
	"google.golang.org/genai"

	"leadqual_backend/internal/qualification/domain"
)

type llmBackend struct {
	llm         model.LLM
	temperature float32
}

// NewLLM builds a Provider on top of any ADK model, such as the Moonshot adapter.
func NewLLM(llm model.LLM) *Model {
	return &Model{
		name:    llm.Name(),
		backend: &llmBackend{llm: llm, temperature: 0.2},
	}
}

func (b *llmBackend) complete(ctx context.Context, system string, turns []turn) (string, error) {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		c := &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{genai.NewPartFromText(t.text)}}
		if t.role == domain.RoleAgent {
			c.Role = genai.RoleModel
		}
		contents = append(contents, c)
	}

	temperature := b.temperature
	req := &model.LLMRequest{
		Model:    b.llm.Name(),
		Contents: contents,
		Config: &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}},
			Temperature:       &temperature,
		},
	}

	var text strings.Builder
	for resp, err := range b.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return "", fmt.Errorf("%s generate content: %w", b.llm.Name(), err)
		}
		if resp == nil || resp.Content == nil {
			continue
		}
		for _, part := range resp.Content.Parts {
			if part != nil && part.Text != "" {
				text.WriteString(part.Text)
			}
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%w: %s returned no text", ErrUnavailable, b.llm.Name())
	}
	return text.String(), nil
}
