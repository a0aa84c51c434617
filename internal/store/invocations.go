// Package store persists invocation history to PostgreSQL for usage and cost
// analytics. Writes are fire-and-forget so a slow database never sits on the
// request path; a nil pool disables persistence entirely.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/relay-gateway/internal/failover"
)

const writeTimeout = 2 * time.Second

// InvocationStore records provider invocations and serves usage summaries.
type InvocationStore struct {
	db *pgxpool.Pool
}

func NewInvocationStore(db *pgxpool.Pool) *InvocationStore {
	return &InvocationStore{db: db}
}

// Record implements failover.Sink. The insert runs in the background with its
// own deadline.
func (s *InvocationStore) Record(ctx context.Context, inv failover.Invocation) {
	if s.db == nil {
		return
	}
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		_, err := s.db.Exec(bgCtx, `
			INSERT INTO llm_invocations
				(request_id, provider, model, success, failed_over, error_kind,
				 prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, inv.RequestID, inv.Provider, inv.Model, inv.Success, inv.FailedOver, inv.ErrorKind,
			inv.Usage.PromptTokens, inv.Usage.CompletionTokens, inv.Usage.TotalTokens,
			inv.CostUSD, inv.Latency.Milliseconds(), inv.At)
		if err != nil {
			slog.Warn("invocation insert failed", "provider", inv.Provider, "error", err)
		}
	}()
}

// ProviderSummary aggregates one provider's invocations over a window.
type ProviderSummary struct {
	Provider         string  `json:"provider"`
	Invocations      int64   `json:"invocations"`
	Successes        int64   `json:"successes"`
	Failures         int64   `json:"failures"`
	Failovers        int64   `json:"failovers"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
}

// Summary returns per-provider aggregates for invocations newer than since.
func (s *InvocationStore) Summary(ctx context.Context, since time.Time) ([]ProviderSummary, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT provider,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COUNT(*) FILTER (WHERE NOT success),
		       COUNT(*) FILTER (WHERE failed_over),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(AVG(latency_ms) FILTER (WHERE success), 0)
		FROM llm_invocations
		WHERE created_at >= $1
		GROUP BY provider
		ORDER BY provider
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query llm_invocations: %w", err)
	}
	defer rows.Close()

	var out []ProviderSummary
	for rows.Next() {
		var ps ProviderSummary
		if err := rows.Scan(&ps.Provider, &ps.Invocations, &ps.Successes, &ps.Failures,
			&ps.Failovers, &ps.PromptTokens, &ps.CompletionTokens, &ps.CostUSD, &ps.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}
