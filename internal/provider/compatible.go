package provider

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/af-corp/relay-gateway/internal/circuit"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/types"
)

// Compatible adapts self-hosted OpenAI-compatible servers (LocalAI, vLLM,
// AnythingLLM and friends). These typically bill nothing and some omit
// usage counts, so missing usage is estimated rather than trusted to be
// present.
type Compatible struct {
	core
	client *openai.Client
}

func NewCompatible(name string, cfg config.ProviderConfig, reg *circuit.Registry) (*Compatible, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %q: base_url is required for compatible providers", name)
	}
	c, err := newCore(name, cfg, reg)
	if err != nil {
		return nil, err
	}
	return &Compatible{core: c, client: newOpenAIClient(cfg)}, nil
}

func (a *Compatible) Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResult, error) {
	return a.guard(ctx, func(ctx context.Context) (*types.CompletionResult, error) {
		resp, err := a.client.CreateChatCompletion(ctx, buildOpenAIRequest(a.model(), req))
		if err != nil {
			return nil, fmt.Errorf("%s api: %w", a.name, err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("%s api: empty choices in response", a.name)
		}

		choice := resp.Choices[0]
		usage := types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		if usage.TotalTokens == 0 {
			usage.PromptTokens = a.CountTokens(req.PromptText())
			usage.CompletionTokens = a.CountTokens(choice.Message.Content)
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}

		id := resp.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", a.name, time.Now().UnixNano())
		}

		model := resp.Model
		if model == "" {
			model = a.model()
		}

		return &types.CompletionResult{
			ID:         id,
			Content:    choice.Message.Content,
			Model:      model,
			StopReason: string(choice.FinishReason),
			Usage:      usage,
		}, nil
	})
}
