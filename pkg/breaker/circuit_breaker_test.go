package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func newTestBreaker(config Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("gateway", config)
	cb.now = clock.Now
	cb.Reset()
	return cb, clock
}

var errGateway = errors.New("gateway error")

func fail(context.Context) error    { return errGateway }
func succeed(context.Context) error { return nil }

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(999).String())
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{})

	assert.Equal(t, "test", cb.Name())
	assert.Equal(t, uint32(1), cb.maxRequests)
	assert.Equal(t, time.Minute, cb.interval)
	assert.Equal(t, 30*time.Second, cb.timeout)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(Config{ConsecutiveFailures: 3})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errGateway)
	}
	assert.Equal(t, StateClosed, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, uint32(0), cb.Counts().ConsecutiveFailures)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpenState)
	assert.True(t, IsRejection(err))
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	ctx := context.Background()
	var transitions []string
	cb, clock := newTestBreaker(Config{
		ConsecutiveFailures: 1,
		Timeout:             10 * time.Second,
		MaxRequests:         1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(Config{ConsecutiveFailures: 1, Timeout: time.Second})

	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(Config{ConsecutiveFailures: 1, Timeout: time.Second, MaxRequests: 1})

	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
}

func TestCircuitBreaker_IntervalClearsCounts(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(Config{ConsecutiveFailures: 3, Interval: time.Minute})

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Minute)
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreaker_CancelledCallsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(Config{ConsecutiveFailures: 1})

	err := cb.Execute(ctx, func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(Config{ConsecutiveFailures: 1})

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{ConsecutiveFailures: 1})

	assert.Same(t, m.GetBreaker("gateway"), m.GetBreaker("gateway"))

	_ = m.Execute(ctx, "gateway", fail)
	require.NoError(t, m.Execute(ctx, "inventory", succeed))

	states := m.States()
	assert.Equal(t, StateOpen, states["gateway"])
	assert.Equal(t, StateClosed, states["inventory"])
}
