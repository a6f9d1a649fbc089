package negotiation

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_store.go -package=mocks . Store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Store is the durable, lease-aware negotiation repository. Each instance acts
// on behalf of one lease holder.
type Store interface {
	// FindByID returns ErrNotFound when the id is unknown.
	FindByID(ctx context.Context, id string) (*Negotiation, error)
	// NextNotLeased returns up to max due entities matching c that are not
	// leased by another holder, and leases each of them to the caller.
	NextNotLeased(ctx context.Context, max int, c Criteria) ([]*Negotiation, error)
	// FindByIDAndLease returns ErrNotFound or ErrAlreadyLeased.
	FindByIDAndLease(ctx context.Context, id string) (*Negotiation, error)
	// Save upserts the entity and its agreement and releases the caller's lease.
	Save(ctx context.Context, n *Negotiation) error
	// BreakLease releases the caller's lease without persisting changes.
	BreakLease(ctx context.Context, id string) error
	// DeleteByID removes a terminal entity without agreement.
	DeleteByID(ctx context.Context, id string) error
	QueryNegotiations(ctx context.Context, q QuerySpec) ([]*Negotiation, error)
	QueryAgreements(ctx context.Context, q QuerySpec) ([]ContractAgreement, error)
}

// Lease marks exclusive ownership of an entity by a holder until it expires.
type Lease struct {
	HolderID   string        `json:"holderId"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	Duration   time.Duration `json:"duration"`
}

// ExpiresAt returns the instant the lease stops being valid.
func (l Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.Duration)
}

// IsExpired reports whether the lease is stale at now.
func (l Lease) IsExpired(now time.Time) bool {
	return !l.ExpiresAt().After(now)
}

// HeldByOther reports whether a live lease belongs to a holder other than holderID.
func (l *Lease) HeldByOther(holderID string, now time.Time) bool {
	return l != nil && !l.IsExpired(now) && l.HolderID != holderID
}

// Backoff is the due-time schedule for re-entrant processing attempts.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the last state change before an entity with
// the given state count is due again.
func (b Backoff) Delay(stateCount int) time.Duration {
	if stateCount <= 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 2; i < stateCount; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Criteria selects the entities a driver polls.
type Criteria struct {
	States  []State
	Type    Type
	Backoff Backoff
}

// Matches reports whether n is in one of the states and of the type.
func (c Criteria) Matches(n *Negotiation) bool {
	return c.matches(n.negotiationType, n.state)
}

// IsDue reports whether n's backoff since the last state change has elapsed.
func (c Criteria) IsDue(n *Negotiation, now time.Time) bool {
	return c.isDue(n.stateCount, n.stateTimestamp, now)
}

// Selects reports whether a stored snapshot matches c and is due at now.
func (c Criteria) Selects(s Snapshot, now time.Time) bool {
	return c.matches(s.Type, s.State) && c.isDue(s.StateCount, s.StateTimestamp, now)
}

func (c Criteria) matches(t Type, state State) bool {
	if c.Type != "" && t != c.Type {
		return false
	}
	if len(c.States) == 0 {
		return true
	}
	for _, s := range c.States {
		if state == s {
			return true
		}
	}
	return false
}

func (c Criteria) isDue(stateCount int, stateTimestamp, now time.Time) bool {
	return !stateTimestamp.Add(c.Backoff.Delay(stateCount)).After(now)
}

// SortOrder for query results.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// Criterion is one filter of a query.
type Criterion struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Operands returns the criterion value as strings. The "in" operator takes a
// list, the others a single scalar.
func (c Criterion) Operands() ([]string, error) {
	if c.Operator == "in" {
		switch v := c.Value.(type) {
		case []string:
			return append([]string(nil), v...), nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, err := scalarString(item)
				if err != nil {
					return nil, fmt.Errorf("%w: field %s: %w", ErrInvalidQuery, c.Field, err)
				}
				out = append(out, s)
			}
			return out, nil
		case string:
			parts := strings.Split(v, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return parts, nil
		default:
			return nil, fmt.Errorf("%w: field %s: operator in requires a list", ErrInvalidQuery, c.Field)
		}
	}
	s, err := scalarString(c.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: field %s: %w", ErrInvalidQuery, c.Field, err)
	}
	return []string{s}, nil
}

func scalarString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case State:
		return strconv.Itoa(int(x)), nil
	case Type:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("unsupported criterion value %T", v)
	}
}

// ParseStateOperand resolves a state given by name or by integer code.
func ParseStateOperand(v string) (State, error) {
	if code, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		s := State(code)
		if !s.Valid() {
			return StateUnsaved, fmt.Errorf("unknown negotiation state code: %d", code)
		}
		return s, nil
	}
	return ParseState(v)
}

// QuerySpec describes a filtered, paginated, sorted read.
type QuerySpec struct {
	Criteria  []Criterion
	Offset    int
	Limit     int
	SortField string
	SortOrder SortOrder
}

const DefaultQueryLimit = 50

// Normalized applies default paging and validates operators.
func (q QuerySpec) Normalized() (QuerySpec, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.SortOrder = SortOrder(strings.ToUpper(string(q.SortOrder)))
	if q.SortOrder == "" {
		q.SortOrder = SortAsc
	}
	if q.SortOrder != SortAsc && q.SortOrder != SortDesc {
		return q, fmt.Errorf("%w: sort order %s", ErrInvalidQuery, q.SortOrder)
	}
	for _, c := range q.Criteria {
		switch c.Operator {
		case "=", "!=", "in":
		default:
			return q, fmt.Errorf("%w: unsupported operator %q for field %s", ErrInvalidQuery, c.Operator, c.Field)
		}
	}
	return q, nil
}
