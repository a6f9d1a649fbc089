package retry

import (
	"context"
	"time"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// Policy bounds how often a processing step is re-attempted.
type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     7,
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Minute,
		AttemptTimeout: 30 * time.Second,
	}
}

// Exhausted reports whether an entity that entered its state stateCount times
// has used up its retry budget.
func (p Policy) Exhausted(stateCount int) bool {
	return stateCount > p.MaxRetries
}

// Backoff returns the store due-time schedule for this policy.
func (p Policy) Backoff() negotiation.Backoff {
	return negotiation.Backoff{Base: p.BaseDelay, Max: p.MaxDelay}
}

// AttemptContext bounds a single outbound call.
func (p Policy) AttemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.AttemptTimeout)
}
