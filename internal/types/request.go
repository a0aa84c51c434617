package types

import "time"

// CompletionRequest is the canonical internal representation of a generation
// request. Provider adapters translate it into their backend's wire format.
type CompletionRequest struct {
	RequestID string `json:"request_id"`

	// Request content
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`

	// Metadata
	PreferProvider string `json:"prefer_provider,omitempty"`

	// Internal tracking
	ReceivedAt time.Time `json:"-"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptText concatenates all message contents. Used for pre-flight token
// estimation only, never for billing.
func (r *CompletionRequest) PromptText() string {
	var s string
	for i, m := range r.Messages {
		if i > 0 {
			s += " "
		}
		s += m.Content
	}
	return s
}
