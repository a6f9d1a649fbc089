package negotiation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		count int
		want  time.Duration
	}{
		{0, 0},
		{1, 0},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{5, 800 * time.Millisecond},
		{6, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.count), "state count %d", tt.count)
	}
	assert.Zero(t, Backoff{}.Delay(5))
}

func TestCriteriaIsDue(t *testing.T) {
	n := newConsumer(t)
	require.NoError(t, n.TransitionRequesting())
	c := Criteria{
		States:  []State{StateRequesting},
		Type:    TypeConsumer,
		Backoff: Backoff{Base: time.Second, Max: time.Minute},
	}
	assert.True(t, c.Matches(n))
	assert.True(t, c.IsDue(n, n.StateTimestamp()), "first attempt is due immediately")

	require.NoError(t, n.Reattempt())
	assert.False(t, c.IsDue(n, n.StateTimestamp().Add(999*time.Millisecond)))
	assert.True(t, c.IsDue(n, n.StateTimestamp().Add(time.Second)))

	c.Type = TypeProvider
	assert.False(t, c.Matches(n))
	c.Type = TypeConsumer
	c.States = []State{StateRequested}
	assert.False(t, c.Matches(n))
}

func TestLease(t *testing.T) {
	l := &Lease{HolderID: "a", AcquiredAt: fixedTime, Duration: time.Minute}
	assert.False(t, l.IsExpired(fixedTime.Add(59*time.Second)))
	assert.True(t, l.IsExpired(fixedTime.Add(time.Minute)))
	assert.True(t, l.HeldByOther("b", fixedTime))
	assert.False(t, l.HeldByOther("a", fixedTime))
	assert.False(t, l.HeldByOther("b", fixedTime.Add(2*time.Minute)))

	var none *Lease
	assert.False(t, none.HeldByOther("b", fixedTime))
}

func TestQuerySpecNormalized(t *testing.T) {
	q, err := QuerySpec{SortOrder: "desc", Offset: -3}.Normalized()
	require.NoError(t, err)
	assert.Equal(t, DefaultQueryLimit, q.Limit)
	assert.Equal(t, 0, q.Offset)
	assert.Equal(t, SortDesc, q.SortOrder)

	q, err = QuerySpec{}.Normalized()
	require.NoError(t, err)
	assert.Equal(t, SortAsc, q.SortOrder)

	_, err = QuerySpec{Criteria: []Criterion{{Field: "state", Operator: "like", Value: "x"}}}.Normalized()
	assert.Error(t, err)
	_, err = QuerySpec{SortOrder: "sideways"}.Normalized()
	assert.Error(t, err)
}
