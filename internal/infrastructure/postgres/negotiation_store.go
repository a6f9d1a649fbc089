package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

var _ negotiation.Store = (*NegotiationStore)(nil)

// unboundedDelayMs stands in for a missing backoff cap.
const unboundedDelayMs = float64(365 * 24 * time.Hour / time.Millisecond)

// NegotiationStore implements negotiation.Store on PostgreSQL. Leases live in
// the leases table, one row per entity.
type NegotiationStore struct {
	pool          *pgxpool.Pool
	holderID      string
	leaseDuration time.Duration
	clock         func() time.Time
	entityClock   func() time.Time
}

// StoreOption configures a NegotiationStore.
type StoreOption func(*NegotiationStore)

// WithStoreClock overrides the clock used for lease bookkeeping and for the
// entities the store returns.
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *NegotiationStore) {
		if clock != nil {
			s.clock = clock
			s.entityClock = clock
		}
	}
}

func NewNegotiationStore(pool *pgxpool.Pool, holderID string, leaseDuration time.Duration, opts ...StoreOption) *NegotiationStore {
	if leaseDuration <= 0 {
		leaseDuration = time.Minute
	}
	s := &NegotiationStore{
		pool:          pool,
		holderID:      holderID,
		leaseDuration: leaseDuration,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *NegotiationStore) now() time.Time {
	return s.clock().UTC()
}

func (s *NegotiationStore) FindByID(ctx context.Context, id string) (*negotiation.Negotiation, error) {
	row := s.db(ctx).QueryRow(ctx, selectNegotiations+` WHERE n.id=$1`, id)
	n, err := s.scanNegotiation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", negotiation.ErrNotFound, id)
	}
	return n, err
}

func (s *NegotiationStore) NextNotLeased(ctx context.Context, max int, c negotiation.Criteria) ([]*negotiation.Negotiation, error) {
	if max <= 0 {
		return nil, nil
	}
	states := make([]int, 0, len(c.States))
	for _, st := range c.States {
		states = append(states, st.Code())
	}
	baseMs := float64(0)
	if c.Backoff.Base > 0 {
		baseMs = float64(c.Backoff.Base / time.Millisecond)
	}
	maxMs := unboundedDelayMs
	if c.Backoff.Max > 0 {
		maxMs = float64(c.Backoff.Max / time.Millisecond)
	}
	now := s.now()

	var out []*negotiation.Negotiation
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectNegotiations+`
		LEFT JOIN leases l ON l.entity_id = n.id
		WHERE ($1::int[] IS NULL OR cardinality($1::int[]) = 0 OR n.state = ANY($1::int[]))
		  AND ($2 = '' OR n.type = $2)
		  AND (l.entity_id IS NULL OR l.acquired_at + l.duration_ms * interval '1 millisecond' <= $3)
		  AND n.state_timestamp + (CASE WHEN n.state_count <= 1 THEN 0
		        ELSE LEAST($5::float8, $4::float8 * power(2::float8, n.state_count - 2)) END) * interval '1 millisecond' <= $3
		ORDER BY n.state_timestamp, n.id
		LIMIT $6
		FOR UPDATE OF n SKIP LOCKED
		`, states, string(c.Type), now, baseMs, maxMs, max)
		if err != nil {
			return err
		}
		out, err = s.collectNegotiations(rows)
		if err != nil || len(out) == 0 {
			return err
		}
		ids := make([]string, 0, len(out))
		for _, n := range out {
			ids = append(ids, n.ID())
		}
		granted, err := s.acquireAll(ctx, tx, ids)
		if err != nil {
			return err
		}
		// A competing holder may have committed its lease after this
		// statement's snapshot was taken. Only rows leased here are returned.
		leased := out[:0]
		for _, n := range out {
			if granted[n.ID()] {
				leased = append(leased, n)
			}
		}
		out = leased
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lease next negotiations: %w", err)
	}
	return out, nil
}

func (s *NegotiationStore) FindByIDAndLease(ctx context.Context, id string) (*negotiation.Negotiation, error) {
	var n *negotiation.Negotiation
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		n, err = s.scanNegotiation(tx.QueryRow(ctx, selectNegotiations+` WHERE n.id=$1 FOR UPDATE OF n`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", negotiation.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := s.checkLease(ctx, tx, id); err != nil {
			return err
		}
		return s.acquire(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *NegotiationStore) Save(ctx context.Context, n *negotiation.Negotiation) error {
	snap := n.Snapshot()
	if err := snap.Validate(); err != nil {
		return err
	}
	agreement := snap.ContractAgreement
	snap.ContractAgreement = nil
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal negotiation %s: %w", snap.ID, err)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		var stored *string
		err := tx.QueryRow(ctx, `SELECT agreement_id FROM contract_negotiations WHERE id=$1 FOR UPDATE`, snap.ID).Scan(&stored)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err := s.checkLease(ctx, tx, snap.ID); err != nil {
			return err
		}
		if stored != nil && (agreement == nil || agreement.ID != *stored) {
			return fmt.Errorf("%w: negotiation %s", negotiation.ErrAgreementConflict, snap.ID)
		}

		var agreementID *string
		if agreement != nil {
			abody, err := json.Marshal(agreement)
			if err != nil {
				return fmt.Errorf("marshal agreement %s: %w", agreement.ID, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO contract_agreements (id, provider_id, consumer_id, asset_id, signing_date, body)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (id) DO NOTHING
			`, agreement.ID, agreement.ProviderID, agreement.ConsumerID, agreement.AssetID, agreement.SigningDate, abody); err != nil {
				return fmt.Errorf("upsert agreement: %w", err)
			}
			agreementID = &agreement.ID
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO contract_negotiations
			(id, type, correlation_id, counter_party_id, counter_party_address, protocol, state, state_count, state_timestamp, error_detail, agreement_id, body, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (id) DO UPDATE SET
				correlation_id=EXCLUDED.correlation_id,
				counter_party_address=EXCLUDED.counter_party_address,
				state=EXCLUDED.state,
				state_count=EXCLUDED.state_count,
				state_timestamp=EXCLUDED.state_timestamp,
				error_detail=EXCLUDED.error_detail,
				agreement_id=EXCLUDED.agreement_id,
				body=EXCLUDED.body,
				updated_at=EXCLUDED.updated_at
		`, snap.ID, string(snap.Type), snap.CorrelationID, snap.CounterPartyID, snap.CounterPartyAddress, snap.Protocol,
			snap.State.Code(), snap.StateCount, snap.StateTimestamp, snap.ErrorDetail, agreementID, body, snap.CreatedAt, snap.UpdatedAt); err != nil {
			return fmt.Errorf("upsert negotiation: %w", err)
		}

		_, err = tx.Exec(ctx, `DELETE FROM leases WHERE entity_id=$1`, snap.ID)
		return err
	})
}

func (s *NegotiationStore) BreakLease(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.checkLease(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM leases WHERE entity_id=$1`, id)
		return err
	})
}

func (s *NegotiationStore) DeleteByID(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			state       int
			agreementID *string
		)
		err := tx.QueryRow(ctx, `SELECT state, agreement_id FROM contract_negotiations WHERE id=$1 FOR UPDATE`, id).
			Scan(&state, &agreementID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", negotiation.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := s.checkLease(ctx, tx, id); err != nil {
			return err
		}
		if agreementID != nil {
			return fmt.Errorf("%w: %s has agreement %s", negotiation.ErrDeleteNotAllowed, id, *agreementID)
		}
		if st := negotiation.State(state); !st.IsTerminal() {
			return fmt.Errorf("%w: %s is in state %s", negotiation.ErrDeleteNotAllowed, id, st)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM contract_negotiations WHERE id=$1`, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM leases WHERE entity_id=$1`, id)
		return err
	})
}

func (s *NegotiationStore) QueryNegotiations(ctx context.Context, q negotiation.QuerySpec) ([]*negotiation.Negotiation, error) {
	query, args, err := buildNegotiationQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.collectNegotiations(rows)
}

func (s *NegotiationStore) QueryAgreements(ctx context.Context, q negotiation.QuerySpec) ([]negotiation.ContractAgreement, error) {
	query, args, err := buildAgreementQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []negotiation.ContractAgreement
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a negotiation.ContractAgreement
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("decode agreement: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// checkLease fails with ErrAlreadyLeased when another holder has a live lease.
func (s *NegotiationStore) checkLease(ctx context.Context, tx pgx.Tx, id string) error {
	var (
		l          negotiation.Lease
		durationMs int64
	)
	err := tx.QueryRow(ctx, `SELECT holder_id, acquired_at, duration_ms FROM leases WHERE entity_id=$1 FOR UPDATE`, id).
		Scan(&l.HolderID, &l.AcquiredAt, &durationMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	l.Duration = time.Duration(durationMs) * time.Millisecond
	if l.HeldByOther(s.holderID, s.now()) {
		return fmt.Errorf("%w: %s", negotiation.ErrAlreadyLeased, id)
	}
	return nil
}

func (s *NegotiationStore) acquire(ctx context.Context, tx pgx.Tx, id string) error {
	granted, err := s.acquireAll(ctx, tx, []string{id})
	if err != nil {
		return err
	}
	if !granted[id] {
		return fmt.Errorf("%w: %s", negotiation.ErrAlreadyLeased, id)
	}
	return nil
}

// acquireAll writes a lease for each id unless another holder's lease is
// still live. The conflict check runs against the latest committed lease row,
// so two holders can never both be granted the same id.
func (s *NegotiationStore) acquireAll(ctx context.Context, tx pgx.Tx, ids []string) (map[string]bool, error) {
	rows, err := tx.Query(ctx, `
		INSERT INTO leases (entity_id, holder_id, acquired_at, duration_ms)
		SELECT id, $2, $3, $4 FROM unnest($1::text[]) AS id
		ON CONFLICT (entity_id) DO UPDATE
		SET holder_id=EXCLUDED.holder_id, acquired_at=EXCLUDED.acquired_at, duration_ms=EXCLUDED.duration_ms
		WHERE leases.holder_id = EXCLUDED.holder_id
		   OR leases.acquired_at + leases.duration_ms * interval '1 millisecond' <= EXCLUDED.acquired_at
		RETURNING entity_id
	`, ids, s.holderID, s.now(), s.leaseDuration.Milliseconds())
	if err != nil {
		return nil, err
	}
	leased, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	granted := make(map[string]bool, len(leased))
	for _, id := range leased {
		granted[id] = true
	}
	return granted, nil
}

func (s *NegotiationStore) scanNegotiation(row pgx.Row) (*negotiation.Negotiation, error) {
	var body, agreement []byte
	if err := row.Scan(&body, &agreement); err != nil {
		return nil, err
	}
	return decodeNegotiation(body, agreement, s.entityOptions()...)
}

func (s *NegotiationStore) collectNegotiations(rows pgx.Rows) ([]*negotiation.Negotiation, error) {
	defer rows.Close()
	var out []*negotiation.Negotiation
	for rows.Next() {
		n, err := s.scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *NegotiationStore) entityOptions() []negotiation.Option {
	if s.entityClock == nil {
		return nil
	}
	return []negotiation.Option{negotiation.WithClock(s.entityClock)}
}

func decodeNegotiation(body, agreement []byte, opts ...negotiation.Option) (*negotiation.Negotiation, error) {
	var snap negotiation.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode negotiation: %w", err)
	}
	if len(agreement) > 0 {
		var a negotiation.ContractAgreement
		if err := json.Unmarshal(agreement, &a); err != nil {
			return nil, fmt.Errorf("decode agreement: %w", err)
		}
		snap.ContractAgreement = &a
	}
	return negotiation.Rehydrate(snap, opts...)
}
