package observer

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

var eventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "negotiation",
		Subsystem: "observer",
		Name:      "events_total",
		Help:      "Total number of negotiation events published",
	},
	[]string{"negotiation_type", "event_type"},
)

// LogListener writes every event to the logger.
type LogListener struct {
	logger zerolog.Logger
}

func NewLogListener(logger zerolog.Logger) *LogListener {
	return &LogListener{logger: logger.With().Str("service", "negotiation-events").Logger()}
}

func (l *LogListener) OnNegotiationEvent(_ context.Context, ev negotiation.Event) {
	e := l.logger.Info()
	if ev.Type == negotiation.EventFailed || ev.Type == negotiation.EventTerminated {
		e = l.logger.Warn()
	}
	e.Str("event", string(ev.Type)).
		Str("negotiation_id", ev.NegotiationID).
		Str("type", string(ev.NegotiationType)).
		Str("state", ev.State.String()).
		Str("error_detail", ev.ErrorDetail).
		Msg("negotiation event")
}

// MetricsListener counts events by type.
type MetricsListener struct{}

func (MetricsListener) OnNegotiationEvent(_ context.Context, ev negotiation.Event) {
	eventsTotal.WithLabelValues(string(ev.NegotiationType), string(ev.Type)).Inc()
}
