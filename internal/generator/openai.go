package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tomkotik/aimanager/internal/contract"
)

// OpenAIOptions configure the OpenAI adapter.
type OpenAIOptions struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// OpenAI generates drafts with the Chat Completions API.
type OpenAI struct {
	client *openai.Client
	opts   OpenAIOptions
}

func NewOpenAI(optFns ...func(o *OpenAIOptions)) *OpenAI {
	opts := OpenAIOptions{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.3,
		MaxCompletionTokens: 512,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return &OpenAI{client: &client, opts: opts}
}

func (g *OpenAI) Generate(ctx context.Context, c Context) (contract.Proposed, error) {
	start := time.Now()
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(SystemPrompt(c))}
	for _, t := range Dialogue(c) {
		if t.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Text))
		} else {
			messages = append(messages, openai.UserMessage(t.Text))
		}
	}

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               g.opts.Model,
		Messages:            messages,
		Temperature:         openai.Float(g.opts.Temperature),
		MaxCompletionTokens: openai.Int(g.opts.MaxCompletionTokens),
	})
	if err != nil {
		return contract.Proposed{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return contract.Proposed{}, ErrEmptyCompletion
	}

	p := ParseDraft(resp.Choices[0].Message.Content)
	p.Intent = c.Intent
	p.Model = g.opts.Model
	p.LatencyMS = time.Since(start).Milliseconds()
	return p, nil
}
