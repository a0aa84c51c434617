package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/af-corp/relay-gateway/internal/circuit"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/types"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic adapts the Anthropic Messages API.
type Anthropic struct {
	core
	client anthropic.Client
}

func NewAnthropic(name string, cfg config.ProviderConfig, reg *circuit.Registry) (*Anthropic, error) {
	c, err := newCore(name, cfg, reg)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	return &Anthropic{core: c, client: anthropic.NewClient(opts...)}, nil
}

func (a *Anthropic) Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResult, error) {
	return a.guard(ctx, func(ctx context.Context) (*types.CompletionResult, error) {
		// System messages move into the dedicated field.
		var system string
		var messages []anthropic.MessageParam
		for _, m := range req.Messages {
			switch m.Role {
			case "system":
				if system != "" {
					system += "\n"
				}
				system += m.Content
			case "assistant":
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			default:
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}

		maxTokens := req.MaxTokens
		if maxTokens == 0 {
			maxTokens = anthropicDefaultMaxTokens
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model()),
			MaxTokens: int64(maxTokens),
			Messages:  messages,
		}
		if system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}
		if req.Temperature != nil {
			params.Temperature = anthropic.Float(*req.Temperature)
		}
		if req.TopP != nil {
			params.TopP = anthropic.Float(*req.TopP)
		}
		if len(req.Stop) > 0 {
			params.StopSequences = req.Stop
		}

		msg, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic api: %w", err)
		}

		var content string
		for _, block := range msg.Content {
			if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
				content = tb.Text
				break
			}
		}

		return &types.CompletionResult{
			ID:         msg.ID,
			Content:    content,
			Model:      string(msg.Model),
			StopReason: mapAnthropicStopReason(string(msg.StopReason)),
			Usage: types.Usage{
				PromptTokens:     int(msg.Usage.InputTokens),
				CompletionTokens: int(msg.Usage.OutputTokens),
				TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			},
		}, nil
	})
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
