package failover

import (
	"fmt"
	"strings"
)

// AttemptOutcome describes what happened with one provider during a failover
// pass: either it was skipped without a call, or it was attempted and failed.
type AttemptOutcome struct {
	Provider string `json:"provider"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason"`
}

// ExhaustionError is returned when every provider in the failover order was
// either skipped or failed. It carries the per-provider outcomes so callers
// can see exactly why no one served the request.
type ExhaustionError struct {
	Outcomes []AttemptOutcome
}

func (e *ExhaustionError) Error() string {
	parts := make([]string, 0, len(e.Outcomes))
	for _, o := range e.Outcomes {
		if o.Skipped {
			parts = append(parts, fmt.Sprintf("%s: skipped (%s)", o.Provider, o.Reason))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", o.Provider, o.Reason))
		}
	}
	if len(parts) == 0 {
		return "all providers exhausted: no providers configured"
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}
