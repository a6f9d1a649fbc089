package memory

import (
	"fmt"
	"strconv"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

type fieldFunc func(field string) (string, bool)

func negotiationField(s negotiation.Snapshot) fieldFunc {
	return func(field string) (string, bool) {
		switch field {
		case "id":
			return s.ID, true
		case "state":
			return s.State.String(), true
		case "type":
			return string(s.Type), true
		case "correlationId":
			return s.CorrelationID, true
		case "counterPartyId":
			return s.CounterPartyID, true
		case "counterPartyAddress":
			return s.CounterPartyAddress, true
		case "protocol":
			return s.Protocol, true
		case "stateCount":
			return strconv.Itoa(s.StateCount), true
		}
		return "", false
	}
}

func negotiationSortable(field string) bool {
	switch field {
	case "createdAt", "updatedAt", "stateTimestamp":
		return true
	}
	_, ok := negotiationField(negotiation.Snapshot{})(field)
	return ok
}

func agreementField(a negotiation.ContractAgreement) fieldFunc {
	return func(field string) (string, bool) {
		switch field {
		case "id":
			return a.ID, true
		case "assetId":
			return a.AssetID, true
		case "providerId":
			return a.ProviderID, true
		case "consumerId":
			return a.ConsumerID, true
		}
		return "", false
	}
}

func matchAll(criteria []negotiation.Criterion, get fieldFunc) (bool, error) {
	for _, c := range criteria {
		actual, ok := get(c.Field)
		if !ok {
			return false, fmt.Errorf("%w: unsupported field %s", negotiation.ErrInvalidQuery, c.Field)
		}
		operands, err := c.Operands()
		if err != nil {
			return false, err
		}
		if c.Field == "state" {
			for i, op := range operands {
				s, err := negotiation.ParseStateOperand(op)
				if err != nil {
					return false, fmt.Errorf("%w: %w", negotiation.ErrInvalidQuery, err)
				}
				operands[i] = s.String()
			}
		}
		if !matchOne(c.Operator, actual, operands) {
			return false, nil
		}
	}
	return true, nil
}

func matchOne(operator, actual string, operands []string) bool {
	switch operator {
	case "=":
		return len(operands) == 1 && actual == operands[0]
	case "!=":
		return len(operands) == 1 && actual != operands[0]
	case "in":
		for _, op := range operands {
			if actual == op {
				return true
			}
		}
	}
	return false
}

func compareNegotiations(a, b negotiation.Snapshot, field string) bool {
	switch field {
	case "state":
		if a.State != b.State {
			return a.State < b.State
		}
	case "stateCount":
		if a.StateCount != b.StateCount {
			return a.StateCount < b.StateCount
		}
	case "createdAt":
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	case "updatedAt":
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
	case "stateTimestamp":
		if !a.StateTimestamp.Equal(b.StateTimestamp) {
			return a.StateTimestamp.Before(b.StateTimestamp)
		}
	default:
		av, _ := negotiationField(a)(field)
		bv, _ := negotiationField(b)(field)
		if av != bv {
			return av < bv
		}
	}
	return a.ID < b.ID
}

func compareAgreements(a, b negotiation.ContractAgreement, field string) bool {
	if field == "signingDate" {
		if a.SigningDate != b.SigningDate {
			return a.SigningDate < b.SigningDate
		}
		return a.ID < b.ID
	}
	av, _ := agreementField(a)(field)
	bv, _ := agreementField(b)(field)
	if av != bv {
		return av < bv
	}
	return a.ID < b.ID
}
