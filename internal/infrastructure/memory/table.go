package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

type tableState struct {
	Negotiations map[string]negotiation.Snapshot          `json:"negotiations"`
	Agreements   map[string]negotiation.ContractAgreement `json:"agreements"`
	Leases       map[string]negotiation.Lease             `json:"leases"`
}

// Table is the deterministic negotiation table shared by the in-memory and
// replicated stores. Every operation takes the acting holder and the
// timestamp it runs at, so applying the same sequence always yields the same
// state.
type Table struct {
	mu sync.RWMutex
	s  tableState
}

func NewTable() *Table {
	return &Table{s: emptyState()}
}

func emptyState() tableState {
	return tableState{
		Negotiations: map[string]negotiation.Snapshot{},
		Agreements:   map[string]negotiation.ContractAgreement{},
		Leases:       map[string]negotiation.Lease{},
	}
}

// Marshal serializes the table.
func (t *Table) Marshal() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(t.s)
}

// Unmarshal replaces the table content with a serialized table.
func (t *Table) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s tableState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Negotiations == nil {
		s.Negotiations = map[string]negotiation.Snapshot{}
	}
	if s.Agreements == nil {
		s.Agreements = map[string]negotiation.ContractAgreement{}
	}
	if s.Leases == nil {
		s.Leases = map[string]negotiation.Lease{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s = s
	return nil
}

// Get returns the stored snapshot and its lease, if any.
func (t *Table) Get(id string) (negotiation.Snapshot, *negotiation.Lease, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.s.Negotiations[id]
	if !ok {
		return negotiation.Snapshot{}, nil, false
	}
	return s, t.leaseLocked(id), true
}

func (t *Table) leaseLocked(id string) *negotiation.Lease {
	l, ok := t.s.Leases[id]
	if !ok {
		return nil
	}
	return &l
}

func (t *Table) acquireLocked(id, holder string, at time.Time, d time.Duration) error {
	if t.leaseLocked(id).HeldByOther(holder, at) {
		return fmt.Errorf("%w: %s", negotiation.ErrAlreadyLeased, id)
	}
	t.s.Leases[id] = negotiation.Lease{HolderID: holder, AcquiredAt: at, Duration: d}
	return nil
}

// Lease leases one entity to holder. An expired lease of another holder is
// taken over.
func (t *Table) Lease(id, holder string, at time.Time, d time.Duration) (negotiation.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.s.Negotiations[id]
	if !ok {
		return negotiation.Snapshot{}, fmt.Errorf("%w: %s", negotiation.ErrNotFound, id)
	}
	if err := t.acquireLocked(id, holder, at, d); err != nil {
		return negotiation.Snapshot{}, err
	}
	return s, nil
}

// LeaseNext leases up to max due entities matching c, oldest state change first.
func (t *Table) LeaseNext(holder string, max int, c negotiation.Criteria, at time.Time, d time.Duration) []negotiation.Snapshot {
	if max <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	candidates := make([]negotiation.Snapshot, 0)
	for id, s := range t.s.Negotiations {
		if l := t.leaseLocked(id); l != nil && !l.IsExpired(at) {
			continue
		}
		if !c.Selects(s, at) {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].StateTimestamp.Equal(candidates[j].StateTimestamp) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].StateTimestamp.Before(candidates[j].StateTimestamp)
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	for _, s := range candidates {
		t.s.Leases[s.ID] = negotiation.Lease{HolderID: holder, AcquiredAt: at, Duration: d}
	}
	return candidates
}

// Save upserts the snapshot and its agreement and releases holder's lease.
func (t *Table) Save(holder string, s negotiation.Snapshot, at time.Time) error {
	if err := s.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.leaseLocked(s.ID).HeldByOther(holder, at) {
		return fmt.Errorf("%w: %s", negotiation.ErrAlreadyLeased, s.ID)
	}
	if prev, ok := t.s.Negotiations[s.ID]; ok && prev.ContractAgreement != nil {
		if s.ContractAgreement == nil || s.ContractAgreement.ID != prev.ContractAgreement.ID {
			return fmt.Errorf("%w: negotiation %s", negotiation.ErrAgreementConflict, s.ID)
		}
	}
	if s.ContractAgreement != nil {
		t.s.Agreements[s.ContractAgreement.ID] = *s.ContractAgreement
	}
	t.s.Negotiations[s.ID] = s
	delete(t.s.Leases, s.ID)
	return nil
}

// BreakLease releases holder's lease on id. Leases of other holders are kept.
func (t *Table) BreakLease(holder, id string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.leaseLocked(id)
	if l == nil {
		return nil
	}
	if l.HeldByOther(holder, at) {
		return fmt.Errorf("%w: %s", negotiation.ErrAlreadyLeased, id)
	}
	delete(t.s.Leases, id)
	return nil
}

// Delete removes a terminal negotiation that carries no agreement.
func (t *Table) Delete(holder, id string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.s.Negotiations[id]
	if !ok {
		return fmt.Errorf("%w: %s", negotiation.ErrNotFound, id)
	}
	if t.leaseLocked(id).HeldByOther(holder, at) {
		return fmt.Errorf("%w: %s", negotiation.ErrAlreadyLeased, id)
	}
	if s.ContractAgreement != nil {
		return fmt.Errorf("%w: %s has agreement %s", negotiation.ErrDeleteNotAllowed, id, s.ContractAgreement.ID)
	}
	if !s.State.IsTerminal() {
		return fmt.Errorf("%w: %s is in state %s", negotiation.ErrDeleteNotAllowed, id, s.State)
	}
	delete(t.s.Negotiations, id)
	delete(t.s.Leases, id)
	return nil
}

// QueryNegotiations filters, sorts and pages the stored negotiations.
func (t *Table) QueryNegotiations(q negotiation.QuerySpec) ([]negotiation.Snapshot, error) {
	q, err := q.Normalized()
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	out := make([]negotiation.Snapshot, 0, len(t.s.Negotiations))
	for _, s := range t.s.Negotiations {
		ok, err := matchAll(q.Criteria, negotiationField(s))
		if err != nil {
			t.mu.RUnlock()
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	t.mu.RUnlock()

	field := q.SortField
	if field == "" {
		field = "createdAt"
	}
	if !negotiationSortable(field) {
		return nil, fmt.Errorf("%w: unsupported sort field %s", negotiation.ErrInvalidQuery, field)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.SortOrder == negotiation.SortDesc {
			return compareNegotiations(out[j], out[i], field)
		}
		return compareNegotiations(out[i], out[j], field)
	})
	start, end := pageWindow(len(out), q.Limit, q.Offset)
	return out[start:end], nil
}

// QueryAgreements filters, sorts and pages the stored agreements.
func (t *Table) QueryAgreements(q negotiation.QuerySpec) ([]negotiation.ContractAgreement, error) {
	q, err := q.Normalized()
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	out := make([]negotiation.ContractAgreement, 0, len(t.s.Agreements))
	for _, a := range t.s.Agreements {
		ok, err := matchAll(q.Criteria, agreementField(a))
		if err != nil {
			t.mu.RUnlock()
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}
	t.mu.RUnlock()

	field := q.SortField
	if field == "" {
		field = "id"
	}
	if _, ok := agreementField(negotiation.ContractAgreement{})(field); !ok && field != "signingDate" {
		return nil, fmt.Errorf("%w: unsupported sort field %s", negotiation.ErrInvalidQuery, field)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.SortOrder == negotiation.SortDesc {
			return compareAgreements(out[j], out[i], field)
		}
		return compareAgreements(out[i], out[j], field)
	})
	start, end := pageWindow(len(out), q.Limit, q.Offset)
	return out[start:end], nil
}

// Len returns the number of stored negotiations.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.s.Negotiations)
}

func pageWindow(total, limit, offset int) (int, int) {
	if limit <= 0 {
		limit = negotiation.DefaultQueryLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return total, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}
