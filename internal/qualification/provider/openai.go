package provider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"leadqual_backend/internal/qualification/domain"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = openai.ChatModelGPT4oMini

// chatCompleter is the slice of the OpenAI client used here.
type chatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type openAIBackend struct {
	chat  chatCompleter
	model string
}

// NewOpenAI builds a Provider backed by OpenAI chat completions.
func NewOpenAI(cfg OpenAIConfig) (*Model, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return newOpenAIModel(&client.Chat.Completions, cfg.Model), nil
}

func newOpenAIModel(chat chatCompleter, modelName string) *Model {
	if modelName == "" {
		modelName = DefaultOpenAIModel
	}
	return &Model{
		name:    "openai",
		backend: &openAIBackend{chat: chat, model: modelName},
	}
}

func (b *openAIBackend) complete(ctx context.Context, system string, turns []turn) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	messages = append(messages, openai.SystemMessage(system))
	for _, t := range turns {
		if t.role == domain.RoleAgent {
			messages = append(messages, openai.AssistantMessage(t.text))
			continue
		}
		messages = append(messages, openai.UserMessage(t.text))
	}

	resp, err := b.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:       b.model,
		Messages:    messages,
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}
