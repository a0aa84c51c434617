package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/relay-gateway/internal/failover"
	"github.com/af-corp/relay-gateway/internal/httputil"
	"github.com/af-corp/relay-gateway/internal/store"
	"github.com/af-corp/relay-gateway/internal/types"
)

// Handler holds dependencies for the relay HTTP handlers. The orchestrator is
// fetched per request so config hot-reload can swap it underneath.
type Handler struct {
	orchestrator func() *failover.Orchestrator
	invocations  *store.InvocationStore
	version      string
}

func NewHandler(orchestrator func() *failover.Orchestrator, invocations *store.InvocationStore, version string) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		invocations:  invocations,
		version:      version,
	}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	var req types.CompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	req.RequestID = reqID
	req.ReceivedAt = receivedAt
	if req.PreferProvider == "" {
		req.PreferProvider = r.Header.Get("X-Relay-Prefer-Provider")
	}

	if len(req.Messages) == 0 {
		httputil.WriteBadRequestError(w, reqID, "messages is required")
		return
	}
	for _, m := range req.Messages {
		if m.Role == "" {
			httputil.WriteBadRequestError(w, reqID, "message role is required")
			return
		}
	}
	if req.MaxTokens < 0 {
		httputil.WriteBadRequestError(w, reqID, "max_tokens must be non-negative")
		return
	}

	result, err := h.orchestrator().CreateCompletion(r.Context(), &req)
	if err != nil {
		var exhausted *failover.ExhaustionError
		if errors.As(err, &exhausted) {
			httputil.WriteExhaustedError(w, reqID, exhausted.Error())
			return
		}
		slog.Error("completion failed", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, "Completion failed")
		return
	}

	result.RequestID = reqID

	slog.Info("request completed",
		"request_id", reqID,
		"provider", result.Provider,
		"model", result.Model,
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens,
		"total_tokens", result.Usage.TotalTokens,
		"cost_usd", result.CostUSD,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// Health handles GET /relay/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	circuits := h.orchestrator().CircuitStatus()

	open := 0
	for _, st := range circuits {
		if st.State == "open" {
			open++
		}
	}
	serving := len(circuits) - open

	status := "healthy"
	switch {
	case len(circuits) > 0 && serving == 0:
		status = "unhealthy"
	case open > 0:
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":            status,
		"version":           h.version,
		"providers":         len(circuits),
		"providers_serving": serving,
	})
}

// Metrics handles GET /relay/v1/metrics
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.orchestrator().Metrics())
}

// Circuits handles GET /relay/v1/circuits
func (h *Handler) Circuits(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.orchestrator().CircuitStatus())
}

// ResetCircuit handles POST /relay/v1/circuits/{provider}/reset
func (h *Handler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	name := chi.URLParam(r, "provider")

	adapter, ok := h.orchestrator().Adapter(name)
	if !ok {
		httputil.WriteNotFoundError(w, reqID, "unknown provider: "+name)
		return
	}
	adapter.Circuit().Reset()
	slog.Info("circuit reset via admin api", "provider", name, "request_id", reqID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(adapter.Circuit().Status())
}

// ForceOpenCircuit handles POST /relay/v1/circuits/{provider}/force-open
func (h *Handler) ForceOpenCircuit(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	name := chi.URLParam(r, "provider")

	adapter, ok := h.orchestrator().Adapter(name)
	if !ok {
		httputil.WriteNotFoundError(w, reqID, "unknown provider: "+name)
		return
	}

	var duration time.Duration
	if s := r.URL.Query().Get("seconds"); s != "" {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil || secs < 0 {
			httputil.WriteBadRequestError(w, reqID, "seconds must be a non-negative number")
			return
		}
		duration = time.Duration(secs * float64(time.Second))
	}

	adapter.Circuit().ForceOpen(duration)
	slog.Warn("circuit forced open via admin api",
		"provider", name,
		"duration", duration,
		"request_id", reqID,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(adapter.Circuit().Status())
}

// Usage handles GET /relay/v1/usage
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	hours := 24
	if s := r.URL.Query().Get("hours"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			httputil.WriteBadRequestError(w, reqID, "hours must be a positive integer")
			return
		}
		hours = n
	}

	if h.invocations == nil {
		httputil.WriteNotFoundError(w, reqID, "usage history is not enabled")
		return
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	summaries, err := h.invocations.Summary(r.Context(), since)
	if err != nil {
		slog.Error("usage summary query failed", "error", err, "request_id", reqID)
		httputil.WriteInternalError(w, reqID, "Failed to query usage history")
		return
	}
	if summaries == nil {
		summaries = []store.ProviderSummary{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"window_hours": hours,
		"providers":    summaries,
	})
}
