package raftstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/memory"
)

var _ negotiation.Store = (*Store)(nil)

// Store implements negotiation.Store on a replicated table. Reads are served
// from the local replica. Writes go through the Raft log and fail with
// ErrNotLeader on followers.
type Store struct {
	node          *Node
	local         *memory.Store
	holderID      string
	leaseDuration time.Duration
	clock         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock stamped on proposed commands.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewStore(node *Node, holderID string, leaseDuration time.Duration, opts ...Option) *Store {
	if leaseDuration <= 0 {
		leaseDuration = time.Minute
	}
	s := &Store{
		node:          node,
		holderID:      holderID,
		leaseDuration: leaseDuration,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.local = memory.NewStore(node.Table(), holderID, leaseDuration, memory.WithClock(s.clock))
	return s
}

func (s *Store) propose(ctx context.Context, op Op, payload any) (applyResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return applyResult{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	return s.node.propose(ctx, Command{
		ID:      ulid.MustNew(ulid.Now(), rand.Reader).String(),
		Op:      op,
		Holder:  s.holderID,
		At:      s.clock().UTC(),
		Payload: raw,
	})
}

func (s *Store) rehydrate(snap negotiation.Snapshot) (*negotiation.Negotiation, error) {
	n, err := negotiation.Rehydrate(snap, negotiation.WithClock(s.clock))
	if err != nil {
		return nil, fmt.Errorf("rehydrate negotiation %s: %w", snap.ID, err)
	}
	return n, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*negotiation.Negotiation, error) {
	return s.local.FindByID(ctx, id)
}

func (s *Store) NextNotLeased(ctx context.Context, max int, c negotiation.Criteria) ([]*negotiation.Negotiation, error) {
	if max <= 0 {
		return nil, nil
	}
	res, err := s.propose(ctx, OpLeaseNext, LeaseNextPayload{Max: max, Criteria: c, Duration: s.leaseDuration})
	if err != nil {
		return nil, err
	}
	out := make([]*negotiation.Negotiation, 0, len(res.snapshots))
	for _, snap := range res.snapshots {
		n, err := s.rehydrate(snap)
		if err != nil {
			s.release(ctx, res.snapshots)
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// release breaks the leases of snapshots that are not handed to the caller.
func (s *Store) release(ctx context.Context, snaps []negotiation.Snapshot) {
	for _, snap := range snaps {
		_ = s.BreakLease(ctx, snap.ID)
	}
}

func (s *Store) FindByIDAndLease(ctx context.Context, id string) (*negotiation.Negotiation, error) {
	res, err := s.propose(ctx, OpLease, LeasePayload{EntityID: id, Duration: s.leaseDuration})
	if err != nil {
		return nil, err
	}
	if len(res.snapshots) != 1 {
		return nil, fmt.Errorf("lease %s: unexpected result", id)
	}
	n, err := s.rehydrate(res.snapshots[0])
	if err != nil {
		s.release(ctx, res.snapshots)
		return nil, err
	}
	return n, nil
}

func (s *Store) Save(ctx context.Context, n *negotiation.Negotiation) error {
	snap := n.Snapshot()
	if err := snap.Validate(); err != nil {
		return err
	}
	_, err := s.propose(ctx, OpSave, SavePayload{Negotiation: snap})
	return err
}

func (s *Store) BreakLease(ctx context.Context, id string) error {
	_, err := s.propose(ctx, OpBreakLease, EntityPayload{EntityID: id})
	return err
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	_, err := s.propose(ctx, OpDelete, EntityPayload{EntityID: id})
	return err
}

func (s *Store) QueryNegotiations(ctx context.Context, q negotiation.QuerySpec) ([]*negotiation.Negotiation, error) {
	return s.local.QueryNegotiations(ctx, q)
}

func (s *Store) QueryAgreements(ctx context.Context, q negotiation.QuerySpec) ([]negotiation.ContractAgreement, error) {
	return s.local.QueryAgreements(ctx, q)
}
