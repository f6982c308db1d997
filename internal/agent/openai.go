package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"chatloop.dev/dispatch/core/config"
)

type openaiInvoker struct {
	client openai.Client
	model  string
}

// NewOpenAIInvoker creates an Invoker backed by the OpenAI chat API. Used by
// direct communication mode; event mode delegates to an external processor.
func NewOpenAIInvoker(cfg config.OpenAIConfig) Invoker {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &openaiInvoker{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (c *openaiInvoker) Invoke(ctx context.Context, agentID, content string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf("You are agent %q responding to a chat-channel request.", agentID)),
			openai.UserMessage(content),
		},
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	slog.DebugContext(ctx, "agent invocation completed",
		"model", c.model,
		"agent_id", agentID,
		"duration_ms", time.Since(start).Milliseconds(),
		"completion_tokens", resp.Usage.CompletionTokens)

	return resp.Choices[0].Message.Content, nil
}
