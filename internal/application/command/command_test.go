package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/negotiation-hub/negotiation-hub/internal/application/observer"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation/mocks"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/memory"
)

func newNegotiation(t *testing.T, typ negotiation.Type) *negotiation.Negotiation {
	t.Helper()
	n, err := negotiation.New(negotiation.Params{
		Type:                typ,
		CorrelationID:       "process-1",
		CounterPartyID:      "counterparty",
		CounterPartyAddress: "http://counterparty.example",
		Protocol:            "http-json",
		Offers:              []negotiation.ContractOffer{{ID: "offer-1", AssetID: "asset-1"}},
	})
	require.NoError(t, err)
	return n
}

func saved(t *testing.T, store negotiation.Store, n *negotiation.Negotiation) *negotiation.Negotiation {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), n))
	return n
}

type recorder struct {
	events []negotiation.EventType
}

func (r *recorder) OnNegotiationEvent(_ context.Context, ev negotiation.Event) {
	r.events = append(r.events, ev.Type)
}

func newExecutor(store negotiation.Store) (*Executor, *recorder) {
	obs := observer.NewObservable(zerolog.Nop())
	rec := &recorder{}
	obs.Register(rec)
	return NewExecutor(store, observer.NewNotifier(obs), zerolog.Nop()), rec
}

func TestCommandIDsAreUnique(t *testing.T) {
	a := NewCancelNegotiation("n", "")
	b := NewCancelNegotiation("n", "")
	assert.NotEqual(t, a.CommandID(), b.CommandID())
	assert.Len(t, a.CommandID(), 26)
	assert.Equal(t, "n", a.NegotiationID())
}

func TestCancelMovesToTerminating(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil, "commands", time.Minute)
	n := newNegotiation(t, negotiation.TypeConsumer)
	require.NoError(t, n.TransitionRequesting())
	saved(t, store, n)
	exec, rec := newExecutor(store)

	got, err := exec.Execute(ctx, NewCancelNegotiation(n.ID(), "user request"))
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateTerminating, got.State())
	assert.Equal(t, "user request", got.ErrorDetail())

	stored, err := store.FindByID(ctx, n.ID())
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateTerminating, stored.State())
	_, lease, _ := store.Table().Get(n.ID())
	assert.Nil(t, lease)
	// TERMINATING carries no event of its own.
	assert.Empty(t, rec.events)
}

func TestCancelTerminatedReportsConflict(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil, "commands", time.Minute)
	n := newNegotiation(t, negotiation.TypeConsumer)
	require.NoError(t, n.TransitionTerminated())
	saved(t, store, n)
	before := n.Snapshot()
	exec, rec := newExecutor(store)

	_, err := exec.Execute(ctx, NewCancelNegotiation(n.ID(), ""))
	require.ErrorIs(t, err, ErrConflict)

	after, _, _ := store.Table().Get(n.ID())
	assert.Equal(t, before, after)
	_, lease, _ := store.Table().Get(n.ID())
	assert.Nil(t, lease)
	assert.Empty(t, rec.events)

	_, err = exec.Execute(ctx, NewCancelNegotiation(n.ID(), ""))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCancelLeasedEntityWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	table := memory.NewTable()
	driverStore := memory.NewStore(table, "driver", time.Minute)
	commandStore := memory.NewStore(table, "commands", time.Minute)

	n := newNegotiation(t, negotiation.TypeConsumer)
	require.NoError(t, n.TransitionRequesting())
	saved(t, driverStore, n)

	inFlight, err := driverStore.FindByIDAndLease(ctx, n.ID())
	require.NoError(t, err)

	exec, _ := newExecutor(commandStore)
	_, err = exec.Execute(ctx, NewCancelNegotiation(n.ID(), "stop"))
	require.ErrorIs(t, err, negotiation.ErrAlreadyLeased)

	stored, err := commandStore.FindByID(ctx, n.ID())
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateRequesting, stored.State())

	require.NoError(t, inFlight.TransitionRequested())
	require.NoError(t, driverStore.Save(ctx, inFlight))

	got, err := exec.Execute(ctx, NewCancelNegotiation(n.ID(), "stop"))
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateTerminating, got.State())
}

func TestExecuteUnknownEntity(t *testing.T) {
	exec, _ := newExecutor(memory.NewStore(nil, "commands", time.Minute))
	_, err := exec.Execute(context.Background(), NewDeclineNegotiation("missing", "no"))
	assert.ErrorIs(t, err, negotiation.ErrNotFound)
}

func TestDuplicateMessageIsAcknowledgedWithoutEffect(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil, "commands", time.Minute)
	n := newNegotiation(t, negotiation.TypeProvider)
	require.NoError(t, n.TransitionProviderOffering())
	require.NoError(t, n.TransitionProviderOffered())
	saved(t, store, n)
	exec, rec := newExecutor(store)

	got, err := exec.Execute(ctx, NewNotifyAccepted(n.ID(), "msg-1"))
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateAccepted, got.State())
	assert.True(t, got.IsMessageReceived("msg-1"))

	_, err = exec.Execute(ctx, NewNotifyAccepted(n.ID(), "msg-1"))
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	stored, err := store.FindByID(ctx, n.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, stored.StateCount())
	assert.Equal(t, []negotiation.EventType{negotiation.EventAccepted}, rec.events)
}

func TestNotifyCommands(t *testing.T) {
	agreement := negotiation.ContractAgreement{ID: "agreement-1", ProviderID: "p", ConsumerID: "c", AssetID: "asset-1"}
	offer := negotiation.ContractOffer{ID: "offer-2", AssetID: "asset-1"}

	tests := []struct {
		name  string
		typ   negotiation.Type
		setup func(n *negotiation.Negotiation)
		cmd   func(id string) Command
		want  negotiation.State
		ok    bool
	}{
		{
			name:  "offered on requested consumer",
			typ:   negotiation.TypeConsumer,
			setup: func(n *negotiation.Negotiation) { _ = n.TransitionRequested() },
			cmd:   func(id string) Command { return NewNotifyOffered(id, "m", offer) },
			want:  negotiation.StateProviderOffered,
			ok:    true,
		},
		{
			name:  "counter request on offered provider",
			typ:   negotiation.TypeProvider,
			setup: func(n *negotiation.Negotiation) { _ = n.TransitionProviderOffered() },
			cmd:   func(id string) Command { return NewNotifyRequested(id, "m", offer) },
			want:  negotiation.StateConsumerOffered,
			ok:    true,
		},
		{
			name:  "agreed on requested consumer",
			typ:   negotiation.TypeConsumer,
			setup: func(n *negotiation.Negotiation) { _ = n.TransitionRequested() },
			cmd:   func(id string) Command { return NewNotifyAgreed(id, "m", agreement) },
			want:  negotiation.StateAgreed,
			ok:    true,
		},
		{
			name:  "agreed on initial consumer",
			typ:   negotiation.TypeConsumer,
			setup: func(*negotiation.Negotiation) {},
			cmd:   func(id string) Command { return NewNotifyAgreed(id, "m", agreement) },
			ok:    false,
		},
		{
			name: "verified with matching hash",
			typ:  negotiation.TypeProvider,
			setup: func(n *negotiation.Negotiation) {
				_ = n.TransitionRequested()
				_ = n.SetAgreement(agreement)
				_ = n.TransitionAgreed()
			},
			cmd:  func(id string) Command { return NewNotifyVerified(id, "m", agreement.Hash()) },
			want: negotiation.StateVerified,
			ok:   true,
		},
		{
			name: "verified with other hash",
			typ:  negotiation.TypeProvider,
			setup: func(n *negotiation.Negotiation) {
				_ = n.TransitionRequested()
				_ = n.SetAgreement(agreement)
				_ = n.TransitionAgreed()
			},
			cmd: func(id string) Command { return NewNotifyVerified(id, "m", "deadbeef") },
			ok:  false,
		},
		{
			name: "finalized on verified provider",
			typ:  negotiation.TypeProvider,
			setup: func(n *negotiation.Negotiation) {
				_ = n.TransitionRequested()
				_ = n.SetAgreement(agreement)
				_ = n.TransitionAgreed()
				_ = n.TransitionVerified()
			},
			cmd:  func(id string) Command { return NewNotifyFinalized(id, "m") },
			want: negotiation.StateFinalized,
			ok:   true,
		},
		{
			name:  "terminated records reason",
			typ:   negotiation.TypeConsumer,
			setup: func(n *negotiation.Negotiation) { _ = n.TransitionRequested() },
			cmd:   func(id string) Command { return NewNotifyTerminated(id, "m", "asset withdrawn") },
			want:  negotiation.StateTerminated,
			ok:    true,
		},
		{
			name:  "declined",
			typ:   negotiation.TypeProvider,
			setup: func(n *negotiation.Negotiation) { _ = n.TransitionProviderOffered() },
			cmd:   func(id string) Command { return NewNotifyDeclined(id, "m") },
			want:  negotiation.StateDeclined,
			ok:    true,
		},
		{
			name:  "accept provider offer",
			typ:   negotiation.TypeConsumer,
			setup: func(n *negotiation.Negotiation) { _ = n.TransitionProviderOffered() },
			cmd:   func(id string) Command { return NewAcceptOffer(id) },
			want:  negotiation.StateAccepting,
			ok:    true,
		},
		{
			name:  "counter offer",
			typ:   negotiation.TypeConsumer,
			setup: func(n *negotiation.Negotiation) { _ = n.TransitionProviderOffered() },
			cmd:   func(id string) Command { return NewCounterOffer(id, offer) },
			want:  negotiation.StateConsumerOffering,
			ok:    true,
		},
		{
			name:  "counter offer on provider",
			typ:   negotiation.TypeProvider,
			setup: func(n *negotiation.Negotiation) { _ = n.TransitionProviderOffered() },
			cmd:   func(id string) Command { return NewCounterOffer(id, offer) },
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewStore(nil, "commands", time.Minute)
			n := newNegotiation(t, tt.typ)
			tt.setup(n)
			saved(t, store, n)
			exec, _ := newExecutor(store)

			got, err := exec.Execute(ctx, tt.cmd(n.ID()))
			if !tt.ok {
				assert.ErrorIs(t, err, ErrConflict)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.State())
		})
	}
}

func TestExecuteSaveFailureBreaksLease(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	store := mocks.NewMockStore(ctrl)
	n := newNegotiation(t, negotiation.TypeConsumer)
	require.NoError(t, n.TransitionRequesting())

	store.EXPECT().FindByIDAndLease(ctx, n.ID()).Return(n, nil)
	store.EXPECT().Save(ctx, n).Return(errors.New("connection reset"))
	store.EXPECT().BreakLease(ctx, n.ID()).Return(nil)

	exec, rec := newExecutor(store)
	_, err := exec.Execute(ctx, NewCancelNegotiation(n.ID(), ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, rec.events)
}

func TestQueueRejectsWhenFull(t *testing.T) {
	exec, _ := newExecutor(memory.NewStore(nil, "commands", time.Minute))
	q := NewQueue(QueueConfig{Size: 1}, exec, zerolog.Nop())
	require.NoError(t, q.Enqueue(NewCancelNegotiation("a", "")))
	assert.ErrorIs(t, q.Enqueue(NewCancelNegotiation("b", "")), ErrQueueFull)
	assert.Equal(t, 1, q.Len())
}

func TestQueueRetriesLeasedTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := memory.NewTable()
	driverStore := memory.NewStore(table, "driver", time.Minute)
	commandStore := memory.NewStore(table, "commands", time.Minute)
	n := newNegotiation(t, negotiation.TypeConsumer)
	require.NoError(t, n.TransitionRequesting())
	saved(t, driverStore, n)
	_, err := driverStore.FindByIDAndLease(ctx, n.ID())
	require.NoError(t, err)

	exec, _ := newExecutor(commandStore)
	q := NewQueue(QueueConfig{Size: 4, RetryDelay: 10 * time.Millisecond, MaxAttempts: 100}, exec, zerolog.Nop())
	go func() { _ = q.Run(ctx) }()
	require.NoError(t, q.Enqueue(NewCancelNegotiation(n.ID(), "stop")))

	time.Sleep(30 * time.Millisecond)
	stored, err := commandStore.FindByID(ctx, n.ID())
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateRequesting, stored.State())

	require.NoError(t, driverStore.BreakLease(ctx, n.ID()))
	require.Eventually(t, func() bool {
		s, _, _ := table.Get(n.ID())
		return s.State == negotiation.StateTerminating
	}, time.Second, 5*time.Millisecond)
}

func TestQueueDropsCommandWhenTargetStaysLeased(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := memory.NewTable()
	driverStore := memory.NewStore(table, "driver", time.Minute)
	commandStore := memory.NewStore(table, "commands", time.Minute)
	n := newNegotiation(t, negotiation.TypeConsumer)
	require.NoError(t, n.TransitionRequesting())
	saved(t, driverStore, n)
	_, err := driverStore.FindByIDAndLease(ctx, n.ID())
	require.NoError(t, err)

	exec, rec := newExecutor(commandStore)
	q := NewQueue(QueueConfig{Size: 4, RetryDelay: 5 * time.Millisecond, MaxAttempts: 3}, exec, zerolog.Nop())
	go func() { _ = q.Run(ctx) }()
	require.NoError(t, q.Enqueue(NewCancelNegotiation(n.ID(), "stop")))

	require.Eventually(t, func() bool { return q.Dropped() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, q.Len())
	assert.Empty(t, rec.events)

	// Releasing the lease afterwards does not resurrect the command.
	require.NoError(t, driverStore.BreakLease(ctx, n.ID()))
	time.Sleep(30 * time.Millisecond)
	stored, err := commandStore.FindByID(ctx, n.ID())
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateRequesting, stored.State())
	assert.Equal(t, int64(1), q.Dropped())
}
