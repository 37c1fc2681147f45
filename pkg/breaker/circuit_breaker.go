package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed normal state, requests are allowed
	StateClosed State = iota
	// StateOpen circuit is open, requests are blocked
	StateOpen
	// StateHalfOpen circuit is half-open, testing if service recovered
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config circuit breaker configuration
type Config struct {
	// MaxRequests allowed through while half-open
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Interval after which closed-state counts are cleared
	Interval time.Duration `mapstructure:"interval"`
	// Timeout before an open breaker lets a probe through
	Timeout time.Duration `mapstructure:"timeout"`
	// ConsecutiveFailures trips the breaker when ReadyToTrip is nil
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`

	ReadyToTrip   func(counts Counts) bool                 `mapstructure:"-"`
	IsSuccessful  func(err error) bool                     `mapstructure:"-"`
	OnStateChange func(name string, from State, to State) `mapstructure:"-"`
}

// Counts holds the numbers of requests and their outcomes
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker circuit breaker implementation
type CircuitBreaker struct {
	name          string
	maxRequests   uint32
	interval      time.Duration
	timeout       time.Duration
	readyToTrip   func(counts Counts) bool
	isSuccessful  func(err error) bool
	onStateChange func(name string, from State, to State)

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	now        func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          name,
		maxRequests:   config.MaxRequests,
		interval:      config.Interval,
		timeout:       config.Timeout,
		readyToTrip:   config.ReadyToTrip,
		isSuccessful:  config.IsSuccessful,
		onStateChange: config.OnStateChange,
		now:           time.Now,
	}

	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}

	if cb.interval == 0 {
		cb.interval = time.Minute
	}

	if cb.timeout == 0 {
		cb.timeout = 30 * time.Second
	}

	if cb.readyToTrip == nil {
		threshold := config.ConsecutiveFailures
		if threshold == 0 {
			threshold = 5
		}
		cb.readyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
	}

	// a cancelled caller says nothing about the dependency's health
	if cb.isSuccessful == nil {
		cb.isSuccessful = func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		}
	}

	cb.toNewGeneration(cb.now())

	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn if the breaker allows it. When the breaker rejects the call
// fn is not invoked and ErrOpenState or ErrTooManyRequests is returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		e := recover()
		if e != nil {
			cb.afterRequest(generation, false)
			panic(e)
		}
	}()

	err = fn(ctx)
	cb.afterRequest(generation, cb.isSuccessful(err))
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(cb.now())

	if state == StateOpen {
		return generation, ErrOpenState
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.maxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.maxRequests {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if cb.readyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		cb.expiry = now.Add(cb.interval)
	case StateOpen:
		cb.expiry = now.Add(cb.timeout)
	default: // StateHalfOpen
		cb.expiry = zero
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.state == StateClosed {
		cb.toNewGeneration(now)
		return
	}
	cb.setState(StateClosed, now)
}

var (
	// ErrOpenState circuit breaker is open
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrTooManyRequests too many requests in half-open state
	ErrTooManyRequests = errors.New("too many requests")
)

// IsRejection reports whether err was produced by a breaker refusing a call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpenState) || errors.Is(err, ErrTooManyRequests)
}

// Manager manages multiple circuit breakers sharing one configuration
type Manager struct {
	breakers sync.Map
	config   Config
}

// NewManager creates a new circuit breaker manager
func NewManager(config Config) *Manager {
	return &Manager{
		config: config,
	}
}

// GetBreaker gets or creates a circuit breaker
func (m *Manager) GetBreaker(name string) *CircuitBreaker {
	if cb, ok := m.breakers.Load(name); ok {
		return cb.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(name, m.config)
	actual, loaded := m.breakers.LoadOrStore(name, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}
	return cb
}

// Execute executes the given function with the named circuit breaker
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return m.GetBreaker(name).Execute(ctx, fn)
}

// States returns the state of every breaker created so far
func (m *Manager) States() map[string]State {
	states := make(map[string]State)
	m.breakers.Range(func(key, value any) bool {
		states[key.(string)] = value.(*CircuitBreaker).State()
		return true
	})
	return states
}
