package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/af-corp/relay-gateway/internal/circuit"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/types"
)

const ollamaDefaultBaseURL = "http://localhost:11434"

// Ollama adapts a local Ollama server. Local inference is free, so the
// cost model always prices it at zero.
type Ollama struct {
	core
	baseURL string
	client  *http.Client
}

func NewOllama(name string, cfg config.ProviderConfig, reg *circuit.Registry) (*Ollama, error) {
	c, err := newCore(name, cfg, reg)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}

	return &Ollama{
		core:    c,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type ollamaRequestBody struct {
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaResponseBody struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (a *Ollama) Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResult, error) {
	return a.guard(ctx, func(ctx context.Context) (*types.CompletionResult, error) {
		body := ollamaRequestBody{
			Model:    a.model(),
			Messages: req.Messages,
			Stream:   false,
		}
		if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 || len(req.Stop) > 0 {
			body.Options = &ollamaOptions{
				Temperature: req.Temperature,
				TopP:        req.TopP,
				NumPredict:  req.MaxTokens,
				Stop:        req.Stop,
			}
		}

		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal ollama request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create http request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("ollama request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read ollama response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(respBody))
		}

		var ollamaResp ollamaResponseBody
		if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
			return nil, fmt.Errorf("unmarshal ollama response: %w", err)
		}

		// Ollama reports eval counts; fall back to estimation when absent.
		usage := types.Usage{
			PromptTokens:     ollamaResp.PromptEvalCount,
			CompletionTokens: ollamaResp.EvalCount,
		}
		if usage.PromptTokens == 0 {
			usage.PromptTokens = a.CountTokens(req.PromptText())
		}
		if usage.CompletionTokens == 0 {
			usage.CompletionTokens = a.CountTokens(ollamaResp.Message.Content)
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

		stopReason := ollamaResp.DoneReason
		if stopReason == "" {
			stopReason = "stop"
		}

		model := ollamaResp.Model
		if model == "" {
			model = a.model()
		}

		return &types.CompletionResult{
			ID:         fmt.Sprintf("ollama-%d", time.Now().UnixNano()),
			Content:    ollamaResp.Message.Content,
			Model:      model,
			StopReason: stopReason,
			Usage:      usage,
		}, nil
	})
}
