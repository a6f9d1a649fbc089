package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

func TestBuildNegotiationQueryDefaults(t *testing.T) {
	query, args, err := buildNegotiationQuery(negotiation.QuerySpec{})
	require.NoError(t, err)
	assert.NotContains(t, query, "WHERE")
	assert.Contains(t, query, "ORDER BY n.created_at ASC, n.id ASC LIMIT $1 OFFSET $2")
	assert.Equal(t, []any{negotiation.DefaultQueryLimit, 0}, args)
}

func TestBuildNegotiationQueryCriteria(t *testing.T) {
	query, args, err := buildNegotiationQuery(negotiation.QuerySpec{
		Criteria: []negotiation.Criterion{
			{Field: "state", Operator: "in", Value: []any{"REQUESTED", 1200}},
			{Field: "type", Operator: "=", Value: negotiation.TypeProvider},
			{Field: "counterPartyId", Operator: "!=", Value: "other"},
		},
		Limit:     10,
		Offset:    20,
		SortField: "stateTimestamp",
		SortOrder: "desc",
	})
	require.NoError(t, err)
	assert.Contains(t, query, "WHERE n.state = ANY($1) AND n.type = $2 AND n.counter_party_id <> $3")
	assert.Contains(t, query, "ORDER BY n.state_timestamp DESC, n.id DESC LIMIT $4 OFFSET $5")
	assert.Equal(t, []any{[]int{200, 1200}, "PROVIDER", "other", 10, 20}, args)
}

func TestBuildNegotiationQuerySortsByCriterionField(t *testing.T) {
	query, _, err := buildNegotiationQuery(negotiation.QuerySpec{SortField: "correlationId"})
	require.NoError(t, err)
	assert.Contains(t, query, "ORDER BY n.correlation_id ASC")
}

func TestBuildNegotiationQueryRejectsInvalidInput(t *testing.T) {
	cases := map[string]negotiation.QuerySpec{
		"unknown field":    {Criteria: []negotiation.Criterion{{Field: "secret", Operator: "=", Value: "x"}}},
		"unknown operator": {Criteria: []negotiation.Criterion{{Field: "id", Operator: "like", Value: "x"}}},
		"unknown state":    {Criteria: []negotiation.Criterion{{Field: "state", Operator: "=", Value: "DONE"}}},
		"non numeric":      {Criteria: []negotiation.Criterion{{Field: "stateCount", Operator: "=", Value: "many"}}},
		"unknown sort":     {SortField: "body"},
		"bad order":        {SortOrder: "sideways"},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := buildNegotiationQuery(q)
			assert.ErrorIs(t, err, negotiation.ErrInvalidQuery)
		})
	}
}

func TestBuildAgreementQuery(t *testing.T) {
	query, args, err := buildAgreementQuery(negotiation.QuerySpec{
		Criteria:  []negotiation.Criterion{{Field: "assetId", Operator: "=", Value: "asset-1"}},
		SortField: "signingDate",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(query), "SELECT a.body FROM contract_agreements a WHERE a.asset_id = $1"))
	assert.Contains(t, query, "ORDER BY a.signing_date ASC, a.id ASC LIMIT $2 OFFSET $3")
	assert.Equal(t, []any{"asset-1", negotiation.DefaultQueryLimit, 0}, args)

	_, _, err = buildAgreementQuery(negotiation.QuerySpec{
		Criteria: []negotiation.Criterion{{Field: "state", Operator: "=", Value: "FINALIZED"}},
	})
	assert.ErrorIs(t, err, negotiation.ErrInvalidQuery)
}
