package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDown     = errors.New("upstream down")
	errRejected = errors.New("credential rejected")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(&Config{
		Name:                "test",
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Minute,
		HalfOpenMaxCalls:    2,
		IsFailure:           func(err error) bool { return !errors.Is(err, errRejected) },
		Now:                 clock.Now,
	})
}

func run(cb *CircuitBreaker, err error) error {
	return cb.Execute(context.Background(), func(ctx context.Context) error { return err })
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newBreaker(clock)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, run(cb, errDown), errDown)
	}
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, run(cb, nil), ErrCircuitOpen)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newBreaker(clock)

	_ = run(cb, errDown)
	_ = run(cb, errDown)
	require.NoError(t, run(cb, nil))
	_ = run(cb, errDown)

	assert.Equal(t, StateClosed, cb.GetState())
}

func TestIgnoredErrorsDoNotOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newBreaker(clock)

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, run(cb, errRejected), errRejected)
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 10, cb.GetStats().TotalCalls)
	assert.Equal(t, 0, cb.GetStats().TotalFailures)
}

func TestHalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = run(cb, errDown)
	}

	clock.Advance(2 * time.Minute)
	require.NoError(t, run(cb, nil))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, run(cb, nil))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = run(cb, errDown)
	}

	clock.Advance(2 * time.Minute)
	_ = run(cb, errDown)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, run(cb, nil), ErrCircuitOpen)
}

func TestReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = run(cb, errDown)
	}

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, run(cb, nil))
}

func TestManager(t *testing.T) {
	m := NewManager(nil)
	a := m.Get("token_exchange")
	assert.Same(t, a, m.Get("token_exchange"))
	assert.NotSame(t, a, m.Get("usage"))

	stats := m.GetAllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "usage", stats["usage"].Name)
	assert.Equal(t, StateClosed, stats["usage"].State)
}
