package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/audit"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// AuditRepository implements audit.Repository.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) Create(ctx context.Context, e *audit.Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO negotiation_audit_log
		(id, negotiation_id, negotiation_type, correlation_id, counter_party_id, event, state, error_detail, agreement_id, key_id, signature, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, e.ID, e.NegotiationID, string(e.NegotiationType), e.CorrelationID, e.CounterPartyID, string(e.Event),
		e.State.Code(), e.ErrorDetail, e.AgreementID, e.KeyID, e.Signature, e.CreatedAt)
	return err
}

func (r *AuditRepository) ListByNegotiation(ctx context.Context, negotiationID string, limit int) ([]*audit.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, negotiation_id, negotiation_type, correlation_id, counter_party_id, event, state, error_detail, agreement_id, key_id, signature, created_at
		FROM negotiation_audit_log
		WHERE negotiation_id=$1
		ORDER BY created_at, id
		LIMIT $2
	`, negotiationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAudit(row pgx.Row) (*audit.Entry, error) {
	var (
		e     audit.Entry
		typ   string
		event string
		state int
	)
	if err := row.Scan(&e.ID, &e.NegotiationID, &typ, &e.CorrelationID, &e.CounterPartyID, &event, &state,
		&e.ErrorDetail, &e.AgreementID, &e.KeyID, &e.Signature, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.NegotiationType = negotiation.Type(typ)
	e.Event = negotiation.EventType(event)
	e.State = negotiation.State(state)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
