package provider

import (
	"context"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/af-corp/relay-gateway/internal/circuit"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/types"
)

// OpenAI adapts the OpenAI Chat Completions API.
type OpenAI struct {
	core
	client *openai.Client
}

func NewOpenAI(name string, cfg config.ProviderConfig, reg *circuit.Registry) (*OpenAI, error) {
	c, err := newCore(name, cfg, reg)
	if err != nil {
		return nil, err
	}
	return &OpenAI{core: c, client: newOpenAIClient(cfg)}, nil
}

func newOpenAIClient(cfg config.ProviderConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return openai.NewClientWithConfig(clientCfg)
}

func (a *OpenAI) Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResult, error) {
	return a.guard(ctx, func(ctx context.Context) (*types.CompletionResult, error) {
		resp, err := a.client.CreateChatCompletion(ctx, buildOpenAIRequest(a.model(), req))
		if err != nil {
			return nil, fmt.Errorf("openai api: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai api: empty choices in response")
		}

		choice := resp.Choices[0]
		return &types.CompletionResult{
			ID:         resp.ID,
			Content:    choice.Message.Content,
			Model:      resp.Model,
			StopReason: string(choice.FinishReason),
			Usage: types.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}, nil
	})
}

func buildOpenAIRequest(model string, req *types.CompletionRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	return out
}
