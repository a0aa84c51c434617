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

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// Gemini adapts the Google Gemini generateContent API.
type Gemini struct {
	core
	baseURL string
	client  *http.Client
}

func NewGemini(name string, cfg config.ProviderConfig, reg *circuit.Registry) (*Gemini, error) {
	c, err := newCore(name, cfg, reg)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}

	return &Gemini{
		core:    c,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequestBody struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponseBody struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (a *Gemini) Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResult, error) {
	return a.guard(ctx, func(ctx context.Context) (*types.CompletionResult, error) {
		body := geminiRequestBody{}
		for _, m := range req.Messages {
			switch m.Role {
			case "system":
				// Gemini carries system prompts in a dedicated field.
				if body.SystemInstruction == nil {
					body.SystemInstruction = &geminiContent{}
				}
				body.SystemInstruction.Parts = append(body.SystemInstruction.Parts, geminiPart{Text: m.Content})
			case "assistant":
				body.Contents = append(body.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
			default:
				body.Contents = append(body.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
			}
		}
		if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 || len(req.Stop) > 0 {
			body.GenerationConfig = &geminiGenerationConfig{
				Temperature:     req.Temperature,
				TopP:            req.TopP,
				MaxOutputTokens: req.MaxTokens,
				StopSequences:   req.Stop,
			}
		}

		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal gemini request: %w", err)
		}

		url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, a.model(), a.cfg.APIKey)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create http request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("gemini request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read gemini response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, string(respBody))
		}

		var geminiResp geminiResponseBody
		if err := json.Unmarshal(respBody, &geminiResp); err != nil {
			return nil, fmt.Errorf("unmarshal gemini response: %w", err)
		}
		if len(geminiResp.Candidates) == 0 {
			return nil, fmt.Errorf("gemini api: no candidates in response")
		}

		candidate := geminiResp.Candidates[0]
		var content string
		for _, part := range candidate.Content.Parts {
			content += part.Text
		}

		usage := types.Usage{
			PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
		}
		if usage.TotalTokens == 0 {
			usage.PromptTokens = a.CountTokens(req.PromptText())
			usage.CompletionTokens = a.CountTokens(content)
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}

		return &types.CompletionResult{
			ID:         fmt.Sprintf("gemini-%d", time.Now().UnixNano()),
			Content:    content,
			Model:      a.model(),
			StopReason: mapGeminiFinishReason(candidate.FinishReason),
			Usage:      usage,
		}, nil
	})
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return reason
	}
}
