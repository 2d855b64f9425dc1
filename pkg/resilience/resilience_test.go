package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker("indexing", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, to)
		},
	})
	boom := errors.New("boom")

	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []State{StateOpen}, transitions)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, []State{StateOpen, StateClosed}, transitions)
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("indexing", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Millisecond,
	})
	_ = cb.Execute(func() error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerSnapshot(t *testing.T) {
	cb := NewCircuitBreaker("indexing", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})
	snap := cb.Snapshot()
	assert.Equal(t, "indexing", snap.Name)
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, 2, snap.FailureThreshold)
	assert.True(t, snap.ReopensAt.IsZero())

	boom := errors.New("boom")
	before := time.Now()
	_ = cb.Execute(func() error { return boom })
	assert.Equal(t, 1, cb.Snapshot().ConsecutiveFailures)
	_ = cb.Execute(func() error { return boom })

	snap = cb.Snapshot()
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.False(t, snap.ReopensAt.Before(before.Add(time.Minute)))
}

func TestWithTimeoutNoDeadline(t *testing.T) {
	err := WithTimeout(context.Background(), 0, "op", func(ctx context.Context) error {
		_, has := ctx.Deadline()
		assert.False(t, has)
		return nil
	})
	assert.NoError(t, err)
}

func TestWithTimeoutExceeded(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "slow-op", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Contains(t, err.Error(), "slow-op")
}
