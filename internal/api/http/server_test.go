package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appAudit "github.com/negotiation-hub/negotiation-hub/internal/application/audit"
	"github.com/negotiation-hub/negotiation-hub/internal/application/command"
	appNegotiation "github.com/negotiation-hub/negotiation-hub/internal/application/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/application/observer"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/protocol"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/keystore"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/memory"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/sse"
)

var testOffer = negotiation.ContractOffer{ID: "offer-1", AssetID: "asset-1", ProviderID: "provider"}

type testEnv struct {
	table   *memory.Table
	driver  *memory.Store
	handler http.Handler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	table := memory.NewTable()
	store := memory.NewStore(table, "commands", time.Minute)
	keys, err := keystore.Parse("k1:0102", "k1")
	require.NoError(t, err)
	auditSvc := appAudit.NewService(memory.NewAuditRepository(), keys, zerolog.Nop())
	observable := observer.NewObservable(zerolog.Nop())
	observable.Register(auditSvc)
	notifier := observer.NewNotifier(observable)
	executor := command.NewExecutor(store, notifier, zerolog.Nop())
	svc := appNegotiation.NewService(store, executor, nil, notifier, zerolog.Nop())
	srv := NewServer(svc, sse.NewHub(), zerolog.Nop(), append([]Option{WithAudit(auditSvc)}, opts...)...)
	return &testEnv{
		table:   table,
		driver:  memory.NewStore(table, "driver", time.Minute),
		handler: srv.Router(),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) initiate(t *testing.T) negotiationResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/negotiations", appNegotiation.InitiateRequest{
		CounterPartyID:      "provider",
		CounterPartyAddress: "http://provider.example",
		Protocol:            "http-json",
		Offer:               testOffer,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out negotiationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestInitiateAndGetNegotiation(t *testing.T) {
	env := newTestEnv(t)
	created := env.initiate(t)
	assert.Equal(t, negotiation.StateRequesting, created.State)
	assert.Equal(t, "REQUESTING", created.StateName)
	assert.Equal(t, negotiation.TypeConsumer, created.Type)
	assert.NotEmpty(t, created.CorrelationID)

	rec := env.do(t, http.MethodGet, "/v1/negotiations/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got negotiationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "offer-1", got.ContractOffers[0].ID)

	rec = env.do(t, http.MethodGet, "/v1/negotiations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInitiateRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/negotiations", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/negotiations", appNegotiation.InitiateRequest{Protocol: "http-json", Offer: testOffer})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_PARAM")
}

func TestListNegotiationsFiltersByState(t *testing.T) {
	env := newTestEnv(t)
	first := env.initiate(t)
	env.initiate(t)

	rec := env.do(t, http.MethodPost, "/v1/negotiations/"+first.ID+"/cancel", map[string]string{"reason": "changed plans"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page struct {
		Items []negotiationResponse `json:"items"`
		Limit int                   `json:"limit"`
	}
	rec = env.do(t, http.MethodGet, "/v1/negotiations?state=TERMINATING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, first.ID, page.Items[0].ID)
	assert.Equal(t, "changed plans", page.Items[0].ErrorDetail)
	assert.Equal(t, defaultPageSize, page.Limit)

	rec = env.do(t, http.MethodGet, "/v1/negotiations?state=REQUESTING,TERMINATING&limit=1000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Items, 2)
	assert.Equal(t, maxPageSize, page.Limit)

	rec = env.do(t, http.MethodGet, "/v1/negotiations?state=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryNegotiationsBody(t *testing.T) {
	env := newTestEnv(t)
	created := env.initiate(t)
	env.initiate(t)

	rec := env.do(t, http.MethodPost, "/v1/negotiations/query", map[string]any{
		"criteria": []map[string]any{
			{"field": "correlationId", "operator": "=", "value": created.CorrelationID},
			{"field": "state", "operator": "in", "value": []int{100, 200}},
		},
		"sortField": "createdAt",
		"sortOrder": "desc",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page struct {
		Items []negotiationResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, created.ID, page.Items[0].ID)

	rec = env.do(t, http.MethodPost, "/v1/negotiations/query", map[string]any{
		"criteria": []map[string]any{{"field": "state", "operator": "like", "value": "X"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandStatusCodes(t *testing.T) {
	env := newTestEnv(t)
	created := env.initiate(t)

	// ACCEPTING is only reachable from PROVIDER_OFFERED.
	rec := env.do(t, http.MethodPost, "/v1/negotiations/"+created.ID+"/accept", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/negotiations/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/negotiations/"+created.ID+"/counter-offer", map[string]any{"offer": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := env.driver.FindByIDAndLease(context.Background(), created.ID)
	require.NoError(t, err)
	rec = env.do(t, http.MethodPost, "/v1/negotiations/"+created.ID+"/cancel", nil)
	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestDeleteNegotiation(t *testing.T) {
	env := newTestEnv(t)
	created := env.initiate(t)

	rec := env.do(t, http.MethodDelete, "/v1/negotiations/"+created.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	n, err := env.driver.FindByIDAndLease(context.Background(), created.ID)
	require.NoError(t, err)
	require.NoError(t, n.TransitionTerminating("done"))
	require.NoError(t, n.TransitionTerminated())
	require.NoError(t, env.driver.Save(context.Background(), n))

	rec = env.do(t, http.MethodDelete, "/v1/negotiations/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, env.table.Len())
}

func TestTokensGuardRouteGroups(t *testing.T) {
	env := newTestEnv(t, WithTokens("mgmt-secret", "proto-secret"))

	rec := env.do(t, http.MethodGet, "/v1/negotiations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/negotiations", nil, "Authorization", "Bearer proto-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/negotiations", nil, "Authorization", "Bearer mgmt-secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/protocol/negotiations/request", requestMessage("process-1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/protocol/negotiations/request", requestMessage("process-1"), "Authorization", "Bearer proto-secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func requestMessage(processID string) protocol.Message {
	offer := testOffer
	return protocol.Message{
		ID:              "msg-1",
		Kind:            protocol.KindRequest,
		ProcessID:       processID,
		Protocol:        "http-json",
		SenderID:        "consumer",
		SenderType:      negotiation.TypeConsumer,
		CallbackAddress: "http://consumer.example",
		Offer:           &offer,
	}
}

func TestReceiveProtocolMessage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/protocol/negotiations/request", requestMessage("process-7"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack protocol.Ack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "process-7", ack.ProcessID)
	assert.Equal(t, 1, env.table.Len())

	// Redelivery is acknowledged without a second entity.
	rec = env.do(t, http.MethodPost, "/protocol/negotiations/request", requestMessage("process-7"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.table.Len())

	rec = env.do(t, http.MethodPost, "/protocol/negotiations/offer", requestMessage("process-8"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/protocol/negotiations/gossip", requestMessage("process-8"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/protocol/negotiations/event", protocol.Message{
		ID: "msg-2", ProcessID: "unknown", SenderID: "consumer",
		SenderType: negotiation.TypeConsumer, Event: protocol.EventAccepted,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProtocolMessageForLeasedNegotiationIsLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/protocol/negotiations/request", requestMessage("process-9"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch, err := env.driver.NextNotLeased(ctx, 1, negotiation.Criteria{
		States: []negotiation.State{negotiation.StateRequested},
		Type:   negotiation.TypeProvider,
	})
	require.NoError(t, err)
	require.Len(t, batch, 1)

	termination := protocol.Message{
		ID: "msg-9", ProcessID: "process-9", SenderID: "consumer",
		SenderType: negotiation.TypeConsumer, Reason: "gone",
	}
	rec = env.do(t, http.MethodPost, "/protocol/negotiations/termination", termination)
	assert.Equal(t, http.StatusLocked, rec.Code, rec.Body.String())

	require.NoError(t, env.driver.BreakLease(ctx, batch[0].ID()))
	rec = env.do(t, http.MethodPost, "/protocol/negotiations/termination", termination)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err := env.driver.FindByID(ctx, batch[0].ID())
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateTerminated, stored.State())
}

func TestAgreementsListEmpty(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/agreements?assetId=asset-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[],"limit":50,"offset":0}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1/agreements/query", map[string]any{"sortField": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNegotiationAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	created := env.initiate(t)
	rec := env.do(t, http.MethodPost, "/v1/negotiations/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/negotiations/"+created.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail struct {
		Items []struct {
			Event    negotiation.EventType `json:"event"`
			KeyID    string                `json:"keyId"`
			Verified bool                  `json:"verified"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	require.NotEmpty(t, trail.Items)
	assert.Equal(t, negotiation.EventInitiated, trail.Items[0].Event)
	for _, item := range trail.Items {
		assert.Equal(t, "k1", item.KeyID)
		assert.True(t, item.Verified)
	}
}

func TestStreamSendsConnectedEvent(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/negotiations/stream?client_id=c1&type=CONSUMER", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected", strings.TrimSpace(line))
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"clientId":"c1"`)

	rec := env.do(t, http.MethodGet, "/v1/negotiations/stream?type=NOBODY", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
