package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

var _ negotiation.Store = (*Store)(nil)

// Store is an in-process negotiation store. Several stores may share one
// table to model competing lease holders.
type Store struct {
	table         *Table
	holderID      string
	leaseDuration time.Duration
	clock         func() time.Time
	entityClock   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for lease bookkeeping and for the
// entities the store returns.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
			s.entityClock = clock
		}
	}
}

func NewStore(table *Table, holderID string, leaseDuration time.Duration, opts ...Option) *Store {
	if table == nil {
		table = NewTable()
	}
	if leaseDuration <= 0 {
		leaseDuration = time.Minute
	}
	s := &Store{
		table:         table,
		holderID:      holderID,
		leaseDuration: leaseDuration,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Table returns the backing table.
func (s *Store) Table() *Table { return s.table }

// HolderID returns the lease holder this store acts for.
func (s *Store) HolderID() string { return s.holderID }

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func (s *Store) rehydrate(snap negotiation.Snapshot) (*negotiation.Negotiation, error) {
	var opts []negotiation.Option
	if s.entityClock != nil {
		opts = append(opts, negotiation.WithClock(s.entityClock))
	}
	n, err := negotiation.Rehydrate(snap, opts...)
	if err != nil {
		return nil, fmt.Errorf("rehydrate negotiation %s: %w", snap.ID, err)
	}
	return n, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*negotiation.Negotiation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, _, ok := s.table.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", negotiation.ErrNotFound, id)
	}
	return s.rehydrate(snap)
}

func (s *Store) NextNotLeased(ctx context.Context, max int, c negotiation.Criteria) ([]*negotiation.Negotiation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snaps := s.table.LeaseNext(s.holderID, max, c, s.now(), s.leaseDuration)
	out := make([]*negotiation.Negotiation, 0, len(snaps))
	for _, snap := range snaps {
		n, err := s.rehydrate(snap)
		if err != nil {
			// None of the batch is returned, so none of it may stay leased.
			for _, leased := range snaps {
				_ = s.table.BreakLease(s.holderID, leased.ID, s.now())
			}
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) FindByIDAndLease(ctx context.Context, id string) (*negotiation.Negotiation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := s.table.Lease(id, s.holderID, s.now(), s.leaseDuration)
	if err != nil {
		return nil, err
	}
	n, err := s.rehydrate(snap)
	if err != nil {
		_ = s.table.BreakLease(s.holderID, id, s.now())
		return nil, err
	}
	return n, nil
}

func (s *Store) Save(ctx context.Context, n *negotiation.Negotiation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.table.Save(s.holderID, n.Snapshot(), s.now())
}

func (s *Store) BreakLease(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.table.BreakLease(s.holderID, id, s.now())
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.table.Delete(s.holderID, id, s.now())
}

func (s *Store) QueryNegotiations(ctx context.Context, q negotiation.QuerySpec) ([]*negotiation.Negotiation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snaps, err := s.table.QueryNegotiations(q)
	if err != nil {
		return nil, err
	}
	out := make([]*negotiation.Negotiation, 0, len(snaps))
	for _, snap := range snaps {
		n, err := s.rehydrate(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) QueryAgreements(ctx context.Context, q negotiation.QuerySpec) ([]negotiation.ContractAgreement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.table.QueryAgreements(q)
}
