//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/migrations"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := NewPool(ctx, testDatabaseURL(t), PoolConfig{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, RunMigrations(ctx, pool, migrations.FS))
	require.NoError(t, RunMigrations(ctx, pool, migrations.FS), "second run is a no-op")
	_, err = pool.Exec(ctx, `TRUNCATE TABLE leases, contract_negotiations, contract_agreements, negotiation_audit_log`)
	require.NoError(t, err)
	return pool
}

func requesting(t *testing.T, s *NegotiationStore, clock func() time.Time) *negotiation.Negotiation {
	t.Helper()
	n, err := negotiation.New(negotiation.Params{
		Type:                negotiation.TypeConsumer,
		CorrelationID:       "process-1",
		CounterPartyID:      "provider",
		CounterPartyAddress: "http://provider.example",
		Protocol:            "http-json",
		Offers:              []negotiation.ContractOffer{{ID: "offer-1", AssetID: "asset-1"}},
	}, negotiation.WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, n.TransitionRequesting())
	require.NoError(t, s.Save(context.Background(), n))
	return n
}

var requestingCriteria = negotiation.Criteria{
	States: []negotiation.State{negotiation.StateRequesting},
	Type:   negotiation.TypeConsumer,
}

func TestNegotiationStoreLeasing(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := NewNegotiationStore(pool, "holder-a", time.Minute, WithStoreClock(clock.Now))
	b := NewNegotiationStore(pool, "holder-b", time.Minute, WithStoreClock(clock.Now))
	for i := 0; i < 6; i++ {
		requesting(t, a, clock.Now)
	}
	clock.Advance(time.Second)

	first, err := a.NextNotLeased(ctx, 3, requestingCriteria)
	require.NoError(t, err)
	second, err := b.NextNotLeased(ctx, 10, requestingCriteria)
	require.NoError(t, err)
	assert.Len(t, first, 3)
	assert.Len(t, second, 3)

	seen := map[string]bool{}
	for _, n := range append(first, second...) {
		assert.False(t, seen[n.ID()])
		seen[n.ID()] = true
	}

	_, err = b.FindByIDAndLease(ctx, first[0].ID())
	assert.ErrorIs(t, err, negotiation.ErrAlreadyLeased)
	assert.ErrorIs(t, b.Save(ctx, first[0]), negotiation.ErrAlreadyLeased)

	require.NoError(t, first[0].TransitionRequested())
	require.NoError(t, a.Save(ctx, first[0]))
	_, err = b.FindByIDAndLease(ctx, first[0].ID())
	assert.NoError(t, err)

	clock.Advance(time.Minute)
	stale, err := a.NextNotLeased(ctx, 10, requestingCriteria)
	require.NoError(t, err)
	assert.Len(t, stale, 5, "expired leases are taken over")
}

func TestNegotiationStoreConcurrentHolders(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	const total = 20
	seed := NewNegotiationStore(pool, "seed", time.Minute, WithStoreClock(clock.Now))
	for i := 0; i < total; i++ {
		requesting(t, seed, clock.Now)
	}
	clock.Advance(time.Second)

	holders := []string{"holder-a", "holder-b", "holder-c", "holder-d"}
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		owners = map[string][]string{}
	)
	for _, holder := range holders {
		s := NewNegotiationStore(pool, holder, time.Minute, WithStoreClock(clock.Now))
		for worker := 0; worker < 2; worker++ {
			wg.Add(1)
			go func(holder string) {
				defer wg.Done()
				for round := 0; round < 10; round++ {
					batch, err := s.NextNotLeased(ctx, 3, requestingCriteria)
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					for _, n := range batch {
						owners[n.ID()] = append(owners[n.ID()], holder)
					}
					mu.Unlock()
				}
			}(holder)
		}
	}
	wg.Wait()

	assert.Len(t, owners, total)
	for id, got := range owners {
		// A holder may re-lease its own row; a second holder may not.
		distinct := map[string]bool{}
		for _, h := range got {
			distinct[h] = true
		}
		assert.Len(t, distinct, 1, "entity %s leased by %v", id, got)
	}
}

func TestNegotiationStoreLeaseUpsertKeepsForeignLease(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := NewNegotiationStore(pool, "holder-a", time.Minute, WithStoreClock(clock.Now))
	b := NewNegotiationStore(pool, "holder-b", time.Minute, WithStoreClock(clock.Now))
	held := requesting(t, a, clock.Now)
	free := requesting(t, a, clock.Now)
	_, err := a.FindByIDAndLease(ctx, held.ID())
	require.NoError(t, err)

	// b's selection may still see held as free; the upsert must not take it.
	var granted map[string]bool
	require.NoError(t, b.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		granted, err = b.acquireAll(ctx, tx, []string{held.ID(), free.ID()})
		return err
	}))
	assert.Equal(t, map[string]bool{free.ID(): true}, granted)

	var holder string
	require.NoError(t, pool.QueryRow(ctx, `SELECT holder_id FROM leases WHERE entity_id = $1`, held.ID()).Scan(&holder))
	assert.Equal(t, "holder-a", holder)

	clock.Advance(time.Minute)
	require.NoError(t, b.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		granted, err = b.acquireAll(ctx, tx, []string{held.ID()})
		return err
	}))
	assert.True(t, granted[held.ID()], "expired leases are taken over")
}

func TestNegotiationStoreBackoff(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewNegotiationStore(pool, "holder-a", time.Minute, WithStoreClock(clock.Now))
	n := requesting(t, s, clock.Now)

	leased, err := s.FindByIDAndLease(ctx, n.ID())
	require.NoError(t, err)
	require.NoError(t, leased.Reattempt())
	require.NoError(t, leased.Reattempt())
	require.NoError(t, s.Save(ctx, leased))

	c := requestingCriteria
	c.Backoff = negotiation.Backoff{Base: 10 * time.Second, Max: 15 * time.Second}
	batch, err := s.NextNotLeased(ctx, 10, c)
	require.NoError(t, err)
	assert.Empty(t, batch)

	clock.Advance(16 * time.Second)
	batch, err = s.NextNotLeased(ctx, 10, c)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 3, batch[0].StateCount())
}

func TestNegotiationStoreAgreementsAndDelete(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewNegotiationStore(pool, "holder-a", time.Minute, WithStoreClock(clock.Now))

	n, err := negotiation.New(negotiation.Params{
		Type:                negotiation.TypeProvider,
		CorrelationID:       "process-2",
		CounterPartyID:      "consumer",
		CounterPartyAddress: "http://consumer.example",
		Protocol:            "http-json",
	}, negotiation.WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, n.TransitionRequested())
	require.NoError(t, n.TransitionAgreeing())
	a1 := negotiation.ContractAgreement{ID: "A1", ProviderID: "provider", ConsumerID: "consumer", AssetID: "asset-1", SigningDate: 1}
	require.NoError(t, n.SetAgreement(a1))
	require.NoError(t, s.Save(ctx, n))

	stored, err := s.FindByID(ctx, n.ID())
	require.NoError(t, err)
	assert.Equal(t, a1.Hash(), stored.Agreement().Hash())

	snap := n.Snapshot()
	snap.ContractAgreement = &negotiation.ContractAgreement{ID: "A2", ProviderID: "provider", ConsumerID: "consumer", AssetID: "asset-1"}
	forged, err := negotiation.Rehydrate(snap)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Save(ctx, forged), negotiation.ErrAgreementConflict)

	agreements, err := s.QueryAgreements(ctx, negotiation.QuerySpec{
		Criteria: []negotiation.Criterion{{Field: "assetId", Operator: "=", Value: "asset-1"}},
	})
	require.NoError(t, err)
	require.Len(t, agreements, 1)
	assert.Equal(t, "A1", agreements[0].ID)

	found, err := s.QueryNegotiations(ctx, negotiation.QuerySpec{
		Criteria: []negotiation.Criterion{{Field: "state", Operator: "in", Value: []any{"AGREEING"}}},
	})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	require.NoError(t, stored.TransitionTerminated())
	require.NoError(t, s.Save(ctx, stored))
	assert.ErrorIs(t, s.DeleteByID(ctx, n.ID()), negotiation.ErrDeleteNotAllowed)
	assert.ErrorIs(t, s.DeleteByID(ctx, "missing"), negotiation.ErrNotFound)
}

func TestWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewNegotiationStore(pool, "holder-a", time.Minute, WithStoreClock(clock.Now))

	var id string
	err := WithinTx(ctx, pool, func(ctx context.Context) error {
		n := requestingIn(t, ctx, s, clock.Now)
		id = n.ID()
		return negotiation.ErrInvalidEntity
	})
	assert.ErrorIs(t, err, negotiation.ErrInvalidEntity)
	_, err = s.FindByID(ctx, id)
	assert.ErrorIs(t, err, negotiation.ErrNotFound)
}

func requestingIn(t *testing.T, ctx context.Context, s *NegotiationStore, clock func() time.Time) *negotiation.Negotiation {
	t.Helper()
	n, err := negotiation.New(negotiation.Params{
		Type:                negotiation.TypeConsumer,
		CorrelationID:       "process-tx",
		CounterPartyID:      "provider",
		CounterPartyAddress: "http://provider.example",
		Protocol:            "http-json",
	}, negotiation.WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, n.TransitionRequesting())
	require.NoError(t, s.Save(ctx, n))
	return n
}
