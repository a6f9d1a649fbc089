package memory

import (
	"context"
	"sync"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/audit"
)

// AuditRepository keeps audit entries in process memory.
type AuditRepository struct {
	mu      sync.RWMutex
	entries map[string][]*audit.Entry
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{entries: map[string][]*audit.Entry{}}
}

func (r *AuditRepository) Create(ctx context.Context, e *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *e
	cp.Signature = append([]byte(nil), e.Signature...)
	r.mu.Lock()
	r.entries[e.NegotiationID] = append(r.entries[e.NegotiationID], &cp)
	r.mu.Unlock()
	return nil
}

func (r *AuditRepository) ListByNegotiation(ctx context.Context, negotiationID string, limit int) ([]*audit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.entries[negotiationID]
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}
	out := make([]*audit.Entry, 0, len(stored))
	for _, e := range stored {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
