package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

type columnKind int

const (
	textColumn columnKind = iota
	stateColumn
	intColumn
)

type column struct {
	name string
	kind columnKind
}

var negotiationColumns = map[string]column{
	"id":                  {"n.id", textColumn},
	"state":               {"n.state", stateColumn},
	"type":                {"n.type", textColumn},
	"correlationId":       {"n.correlation_id", textColumn},
	"counterPartyId":      {"n.counter_party_id", textColumn},
	"counterPartyAddress": {"n.counter_party_address", textColumn},
	"protocol":            {"n.protocol", textColumn},
	"stateCount":          {"n.state_count", intColumn},
}

var negotiationSortColumns = map[string]string{
	"createdAt":      "n.created_at",
	"updatedAt":      "n.updated_at",
	"stateTimestamp": "n.state_timestamp",
}

var agreementColumns = map[string]column{
	"id":         {"a.id", textColumn},
	"assetId":    {"a.asset_id", textColumn},
	"providerId": {"a.provider_id", textColumn},
	"consumerId": {"a.consumer_id", textColumn},
}

const selectNegotiations = `
		SELECT n.body, a.body
		FROM contract_negotiations n
		LEFT JOIN contract_agreements a ON a.id = n.agreement_id`

// buildNegotiationQuery renders q as a SELECT over contract_negotiations.
func buildNegotiationQuery(q negotiation.QuerySpec) (string, []any, error) {
	q, err := q.Normalized()
	if err != nil {
		return "", nil, err
	}
	where, args, err := buildWhere(q.Criteria, negotiationColumns)
	if err != nil {
		return "", nil, err
	}
	sortField := q.SortField
	if sortField == "" {
		sortField = "createdAt"
	}
	orderBy, ok := negotiationSortColumns[sortField]
	if !ok {
		c, known := negotiationColumns[sortField]
		if !known {
			return "", nil, fmt.Errorf("%w: unsupported sort field %s", negotiation.ErrInvalidQuery, sortField)
		}
		orderBy = c.name
	}
	query := selectNegotiations + where +
		" ORDER BY " + orderBy + " " + string(q.SortOrder) + ", n.id " + string(q.SortOrder) +
		" LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, q.Limit, q.Offset)
	return query, args, nil
}

// buildAgreementQuery renders q as a SELECT over contract_agreements.
func buildAgreementQuery(q negotiation.QuerySpec) (string, []any, error) {
	q, err := q.Normalized()
	if err != nil {
		return "", nil, err
	}
	where, args, err := buildWhere(q.Criteria, agreementColumns)
	if err != nil {
		return "", nil, err
	}
	sortField := q.SortField
	if sortField == "" {
		sortField = "id"
	}
	var orderBy string
	if sortField == "signingDate" {
		orderBy = "a.signing_date"
	} else {
		c, ok := agreementColumns[sortField]
		if !ok {
			return "", nil, fmt.Errorf("%w: unsupported sort field %s", negotiation.ErrInvalidQuery, sortField)
		}
		orderBy = c.name
	}
	query := `
		SELECT a.body FROM contract_agreements a` + where +
		" ORDER BY " + orderBy + " " + string(q.SortOrder) + ", a.id " + string(q.SortOrder) +
		" LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, q.Limit, q.Offset)
	return query, args, nil
}

func buildWhere(criteria []negotiation.Criterion, columns map[string]column) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	for _, c := range criteria {
		col, ok := columns[c.Field]
		if !ok {
			return "", nil, fmt.Errorf("%w: unsupported field %s", negotiation.ErrInvalidQuery, c.Field)
		}
		operands, err := c.Operands()
		if err != nil {
			return "", nil, err
		}
		value, err := columnValue(col, c.Operator, operands)
		if err != nil {
			return "", nil, fmt.Errorf("%w: field %s: %w", negotiation.ErrInvalidQuery, c.Field, err)
		}
		args = append(args, value)
		placeholder := "$" + strconv.Itoa(len(args))
		switch c.Operator {
		case "=":
			conds = append(conds, col.name+" = "+placeholder)
		case "!=":
			conds = append(conds, col.name+" <> "+placeholder)
		case "in":
			conds = append(conds, col.name+" = ANY("+placeholder+")")
		}
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// columnValue converts string operands to the column's SQL type. The "in"
// operator binds an array.
func columnValue(col column, operator string, operands []string) (any, error) {
	switch col.kind {
	case stateColumn, intColumn:
		codes := make([]int, 0, len(operands))
		for _, op := range operands {
			var code int
			if col.kind == stateColumn {
				s, err := negotiation.ParseStateOperand(op)
				if err != nil {
					return nil, err
				}
				code = s.Code()
			} else {
				v, err := strconv.Atoi(strings.TrimSpace(op))
				if err != nil {
					return nil, err
				}
				code = v
			}
			codes = append(codes, code)
		}
		if operator == "in" {
			return codes, nil
		}
		return codes[0], nil
	default:
		if operator == "in" {
			return operands, nil
		}
		return operands[0], nil
	}
}
