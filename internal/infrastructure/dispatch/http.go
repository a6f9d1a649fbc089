package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/protocol"
)

// IngressPath is the route prefix participants accept protocol messages on.
const IngressPath = "/protocol/negotiations/"

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "negotiation",
		Subsystem: "dispatch",
		Name:      "messages_total",
		Help:      "Protocol messages dispatched, by kind and status code.",
	}, []string{"kind", "code"})
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "negotiation",
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Latency of protocol message delivery.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
)

// Config configures the HTTP dispatcher.
type Config struct {
	Timeout   time.Duration
	Headers   map[string]string
	UserAgent string
}

// HTTPDispatcher posts protocol messages as JSON to
// {address}/protocol/negotiations/{kind}.
type HTTPDispatcher struct {
	client    *http.Client
	headers   map[string]string
	userAgent string
	logger    zerolog.Logger
}

var _ protocol.Dispatcher = (*HTTPDispatcher)(nil)

func NewHTTPDispatcher(cfg Config, logger zerolog.Logger) *HTTPDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "negotiation-hub/1.0"
	}
	return &HTTPDispatcher{
		client:    &http.Client{Timeout: timeout},
		headers:   cfg.Headers,
		userAgent: ua,
		logger:    logger.With().Str("service", "dispatch").Logger(),
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, address string, msg protocol.Message) (*protocol.Ack, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &protocol.DispatchError{Kind: msg.Kind, Permanent: true, Err: fmt.Errorf("marshal message: %w", err)}
	}
	url := strings.TrimRight(address, "/") + IngressPath + string(msg.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &protocol.DispatchError{Kind: msg.Kind, Permanent: true, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("X-Message-ID", msg.ID)
	for key, value := range d.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	dispatchDuration.WithLabelValues(string(msg.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		dispatchTotal.WithLabelValues(string(msg.Kind), "error").Inc()
		return nil, &protocol.DispatchError{Kind: msg.Kind, Err: err}
	}
	defer resp.Body.Close()
	dispatchTotal.WithLabelValues(string(msg.Kind), strconv.Itoa(resp.StatusCode)).Inc()

	d.logger.Debug().
		Str("message_id", msg.ID).
		Str("kind", string(msg.Kind)).
		Str("process_id", msg.ProcessID).
		Str("url", url).
		Int("status_code", resp.StatusCode).
		Msg("protocol message dispatched")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ack protocol.Ack
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ack); err != nil && !errors.Is(err, io.EOF) {
			return nil, &protocol.DispatchError{Kind: msg.Kind, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode ack: %w", err)}
		}
		if ack.ProcessID == "" {
			ack.ProcessID = msg.ProcessID
		}
		return &ack, nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return nil, &protocol.DispatchError{
		Kind:       msg.Kind,
		StatusCode: resp.StatusCode,
		Permanent:  isPermanentStatus(resp.StatusCode),
		Err:        errors.New(strings.TrimSpace(string(respBody))),
	}
}

// isPermanentStatus reports client errors that a retry cannot fix. Timeouts
// and rate limits are retried.
func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code == http.StatusLocked {
		return false
	}
	return code >= 400 && code < 500
}
