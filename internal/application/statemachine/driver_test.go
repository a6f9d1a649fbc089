package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/negotiation-hub/negotiation-hub/internal/application/observer"
	"github.com/negotiation-hub/negotiation-hub/internal/application/retry"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation/mocks"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

type eventRecorder struct {
	mu     sync.Mutex
	events []negotiation.Event
}

func (r *eventRecorder) OnNegotiationEvent(_ context.Context, ev negotiation.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []negotiation.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]negotiation.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newNotifier() (*observer.Notifier, *eventRecorder) {
	obs := observer.NewObservable(zerolog.Nop())
	rec := &eventRecorder{}
	obs.Register(rec)
	return observer.NewNotifier(obs), rec
}

func seedRequesting(t *testing.T, store negotiation.Store, count int, clock func() time.Time) []string {
	t.Helper()
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		n, err := negotiation.New(negotiation.Params{
			Type:                negotiation.TypeConsumer,
			CorrelationID:       "process",
			CounterPartyID:      "provider",
			CounterPartyAddress: "http://provider.example",
			Protocol:            "http-json",
		}, negotiation.WithClock(clock))
		require.NoError(t, err)
		require.NoError(t, n.TransitionRequesting())
		require.NoError(t, store.Save(context.Background(), n))
		ids = append(ids, n.ID())
	}
	return ids
}

func newDriver(t *testing.T, store negotiation.Store, notifier *observer.Notifier, processors map[negotiation.State]ProcessFunc) *Driver {
	t.Helper()
	d, err := NewDriver(Config{
		Name:       "test",
		Type:       negotiation.TypeConsumer,
		BatchSize:  5,
		Processors: processors,
		Wait:       retry.FixedWait(time.Millisecond),
		Retry:      retry.Policy{MaxRetries: 2},
	}, store, notifier, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func TestNewDriverValidation(t *testing.T) {
	store := memory.NewStore(nil, "holder", time.Minute)
	_, err := NewDriver(Config{Type: negotiation.TypeConsumer}, store, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewDriver(Config{
		Type:       "BROKER",
		Processors: map[negotiation.State]ProcessFunc{negotiation.StateRequesting: nil},
	}, store, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewDriver(Config{
		Type:       negotiation.TypeConsumer,
		Processors: map[negotiation.State]ProcessFunc{negotiation.StateRequesting: nil},
	}, store, nil, zerolog.Nop())
	assert.Error(t, err)

	d, err := NewDriver(Config{
		Type: negotiation.TypeConsumer,
		Processors: map[negotiation.State]ProcessFunc{
			negotiation.StateVerifying:  func(context.Context, *negotiation.Negotiation) (bool, error) { return false, nil },
			negotiation.StateRequesting: func(context.Context, *negotiation.Negotiation) (bool, error) { return false, nil },
		},
	}, store, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []negotiation.State{negotiation.StateRequesting, negotiation.StateVerifying}, d.Criteria().States)
	assert.Equal(t, "CONSUMER", d.Name())
}

func TestRunOnceSavesModifiedEntitiesAndNotifies(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := memory.NewStore(nil, "holder", time.Minute, memory.WithClock(clock.Now))
	ids := seedRequesting(t, store, 3, clock.Now)
	clock.Advance(time.Second)
	notifier, rec := newNotifier()

	d := newDriver(t, store, notifier, map[negotiation.State]ProcessFunc{
		negotiation.StateRequesting: func(_ context.Context, n *negotiation.Negotiation) (bool, error) {
			return true, n.TransitionRequested()
		},
	})

	processed, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	for _, id := range ids {
		n, err := store.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, negotiation.StateRequested, n.State())
		_, lease, _ := store.Table().Get(id)
		assert.Nil(t, lease)
	}
	assert.ElementsMatch(t, []negotiation.EventType{
		negotiation.EventRequested, negotiation.EventRequested, negotiation.EventRequested,
	}, rec.types())

	clock.Advance(time.Second)
	processed, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestRunOnceBreaksLeaseWhenUnmodified(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := memory.NewStore(nil, "holder", time.Minute, memory.WithClock(clock.Now))
	ids := seedRequesting(t, store, 1, clock.Now)
	clock.Advance(time.Second)
	notifier, rec := newNotifier()

	d := newDriver(t, store, notifier, map[negotiation.State]ProcessFunc{
		negotiation.StateRequesting: func(context.Context, *negotiation.Negotiation) (bool, error) {
			return false, nil
		},
	})
	processed, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	n, err := store.FindByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateRequesting, n.State())
	assert.Equal(t, 1, n.StateCount())
	_, lease, _ := store.Table().Get(ids[0])
	assert.Nil(t, lease)
	assert.Empty(t, rec.types())
}

func TestRunOnceReattemptsThenFailsWhenBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := memory.NewStore(nil, "holder", time.Minute, memory.WithClock(clock.Now))
	ids := seedRequesting(t, store, 1, clock.Now)
	clock.Advance(time.Second)
	notifier, rec := newNotifier()

	attempts := 0
	d := newDriver(t, store, notifier, map[negotiation.State]ProcessFunc{
		negotiation.StateRequesting: func(_ context.Context, n *negotiation.Negotiation) (bool, error) {
			attempts++
			// mutations made before the failure are discarded
			_ = n.TransitionRequested()
			return true, errors.New("catalog unavailable")
		},
	})

	for i := 1; i <= 2; i++ {
		_, err := d.RunOnce(ctx)
		clock.Advance(time.Second)
		require.NoError(t, err)
		n, err := store.FindByID(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, negotiation.StateRequesting, n.State())
		assert.Equal(t, i+1, n.StateCount())
	}

	_, err := d.RunOnce(ctx)
	require.NoError(t, err)
	n, err := store.FindByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateError, n.State())
	assert.Equal(t, "catalog unavailable", n.ErrorDetail())
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []negotiation.EventType{negotiation.EventFailed}, rec.types())
}

func TestRunOnceRecoversFromPanics(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := memory.NewStore(nil, "holder", time.Minute, memory.WithClock(clock.Now))
	ids := seedRequesting(t, store, 1, clock.Now)
	clock.Advance(time.Second)

	d := newDriver(t, store, nil, map[negotiation.State]ProcessFunc{
		negotiation.StateRequesting: func(context.Context, *negotiation.Negotiation) (bool, error) {
			panic("nil offer")
		},
	})
	assert.NotPanics(t, func() {
		_, err := d.RunOnce(ctx)
		require.NoError(t, err)
	})
	n, err := store.FindByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateRequesting, n.State())
	assert.Equal(t, 2, n.StateCount())
}

func TestRunOnceIllegalTransitionMovesToError(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := memory.NewStore(nil, "holder", time.Minute, memory.WithClock(clock.Now))
	ids := seedRequesting(t, store, 1, clock.Now)
	clock.Advance(time.Second)

	d := newDriver(t, store, nil, map[negotiation.State]ProcessFunc{
		negotiation.StateRequesting: func(_ context.Context, n *negotiation.Negotiation) (bool, error) {
			return true, n.TransitionFinalized()
		},
	})
	_, err := d.RunOnce(ctx)
	require.NoError(t, err)

	n, err := store.FindByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateError, n.State())
	assert.Contains(t, n.ErrorDetail(), "illegal transition")
}

func TestTwoDriversNeverShareEntities(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	table := memory.NewTable()
	storeA := memory.NewStore(table, "holderA", time.Minute, memory.WithClock(clock.Now))
	storeB := memory.NewStore(table, "holderB", time.Minute, memory.WithClock(clock.Now))
	seedRequesting(t, storeA, 10, clock.Now)
	clock.Advance(time.Second)

	var (
		mu   sync.Mutex
		seen = map[string][]string{}
	)
	record := func(holder string) ProcessFunc {
		return func(_ context.Context, n *negotiation.Negotiation) (bool, error) {
			mu.Lock()
			seen[n.ID()] = append(seen[n.ID()], holder)
			mu.Unlock()
			return false, nil
		}
	}
	a := newDriver(t, storeA, nil, map[negotiation.State]ProcessFunc{negotiation.StateRequesting: record("holderA")})
	b := newDriver(t, storeB, nil, map[negotiation.State]ProcessFunc{negotiation.StateRequesting: record("holderB")})

	// Hold every lease for the whole test so the second cycle cannot reuse ids.
	var wg sync.WaitGroup
	var counts [2]int
	for i, d := range []*Driver{a, b} {
		wg.Add(1)
		go func(i int, d *Driver) {
			defer wg.Done()
			batch, err := d.store.NextNotLeased(ctx, 5, d.Criteria())
			assert.NoError(t, err)
			for _, n := range batch {
				_, _ = d.processors[n.State()](ctx, n)
			}
			counts[i] = len(batch)
		}(i, d)
	}
	wg.Wait()

	assert.Equal(t, 5, counts[0])
	assert.Equal(t, 5, counts[1])
	assert.Len(t, seen, 10)
	for id, holders := range seen {
		assert.Len(t, holders, 1, "entity %s processed by %v", id, holders)
	}
}

func TestRunOnceSurvivesStoreFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	store := mocks.NewMockStore(ctrl)
	n, err := negotiation.New(negotiation.Params{
		Type:                negotiation.TypeConsumer,
		CorrelationID:       "process",
		CounterPartyID:      "provider",
		CounterPartyAddress: "http://provider.example",
		Protocol:            "http-json",
	})
	require.NoError(t, err)
	require.NoError(t, n.TransitionRequesting())

	d := newDriver(t, store, nil, map[negotiation.State]ProcessFunc{
		negotiation.StateRequesting: func(_ context.Context, n *negotiation.Negotiation) (bool, error) {
			return true, n.TransitionRequested()
		},
	})

	store.EXPECT().NextNotLeased(ctx, 5, d.Criteria()).Return(nil, errors.New("connection refused"))
	_, err = d.RunOnce(ctx)
	assert.Error(t, err)

	store.EXPECT().NextNotLeased(ctx, 5, d.Criteria()).Return([]*negotiation.Negotiation{n}, nil)
	store.EXPECT().Save(gomock.Any(), n).Return(errors.New("connection reset"))
	store.EXPECT().BreakLease(gomock.Any(), n.ID()).Return(errors.New("connection reset"))
	processed, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memory.NewStore(nil, "holder", time.Minute)
	seedRequesting(t, store, 2, time.Now)

	var mu sync.Mutex
	calls := 0
	d := newDriver(t, store, nil, map[negotiation.State]ProcessFunc{
		negotiation.StateRequesting: func(_ context.Context, n *negotiation.Negotiation) (bool, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return true, n.TransitionRequested()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("driver did not stop")
	}
}
