package observer

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// Observable holds the registered negotiation listeners. Listeners are
// invoked synchronously in registration order.
type Observable struct {
	mu        sync.RWMutex
	listeners []negotiation.Listener
	logger    zerolog.Logger
}

func NewObservable(logger zerolog.Logger) *Observable {
	return &Observable{
		logger: logger.With().Str("service", "observer").Logger(),
	}
}

// Register adds a listener.
func (o *Observable) Register(l negotiation.Listener) {
	if l == nil {
		return
	}
	o.mu.Lock()
	o.listeners = append(o.listeners, l)
	o.mu.Unlock()
}

// Listeners returns a copy of the registered listeners.
func (o *Observable) Listeners() []negotiation.Listener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]negotiation.Listener(nil), o.listeners...)
}

// InvokeForEach calls fn for every listener. A panicking listener is logged
// and does not prevent the others from running.
func (o *Observable) InvokeForEach(fn func(negotiation.Listener)) {
	for _, l := range o.Listeners() {
		o.invoke(l, fn)
	}
}

func (o *Observable) invoke(l negotiation.Listener, fn func(negotiation.Listener)) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("listener", fmt.Sprintf("%T", l)).
				Interface("panic", r).
				Msg("listener panicked")
		}
	}()
	fn(l)
}

// Notifier publishes the event for a committed state change to every listener.
type Notifier struct {
	observable *Observable
}

func NewNotifier(observable *Observable) *Notifier {
	return &Notifier{observable: observable}
}

// Publish emits the event for n having moved from previous to its current
// state. It returns false when the change carries no event.
func (n *Notifier) Publish(ctx context.Context, previous negotiation.State, entity *negotiation.Negotiation) bool {
	if n == nil || n.observable == nil {
		return false
	}
	ev, ok := negotiation.EventFor(previous, entity)
	if !ok {
		return false
	}
	n.Emit(ctx, ev)
	return true
}

// Emit delivers ev to every listener.
func (n *Notifier) Emit(ctx context.Context, ev negotiation.Event) {
	if n == nil || n.observable == nil {
		return
	}
	n.observable.InvokeForEach(func(l negotiation.Listener) {
		l.OnNegotiationEvent(ctx, ev)
	})
}
