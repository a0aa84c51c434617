package types

import "time"

// CompletionResult is the normalized reply from whichever provider served the
// request. Provider, cost, and latency are stamped by the invocation guard,
// not by the individual adapters.
type CompletionResult struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id,omitempty"`
	Content    string `json:"content"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage"`

	CostUSD float64       `json:"cost_usd"`
	Latency time.Duration `json:"-"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
