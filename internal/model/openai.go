package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	logx "leafbot/pkg/logx"
)

// openaiClient speaks any OpenAI-compatible chat endpoint; Moonshot and
// Spark both expose this shape, selected purely via BaseURL.
type openaiClient struct {
	api         *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
	log         logx.Logger
}

func newOpenAI(cfg Config, log logx.Logger) *openaiClient {
	cc := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	name := cfg.Name
	if name == "" {
		name = openai.GPT3Dot5Turbo
	}
	return &openaiClient{
		api:         openai.NewClientWithConfig(cc),
		model:       name,
		temperature: float32(cfg.Temperature),
		timeout:     cfg.Timeout,
		log:         log,
	}
}

func (c *openaiClient) Complete(ctx context.Context, persona, userText string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(persona) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: persona,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages:    msgs,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
