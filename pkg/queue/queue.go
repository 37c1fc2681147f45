package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Bus is a publish/subscribe substrate with at-least-once delivery.
type Bus interface {
	// Publish sends payload wrapped in an envelope to route.
	Publish(ctx context.Context, route Route, event string, payload any, opts ...Option) error

	// Subscribe binds a queue to sub.Route and hands every delivery to handler
	// until ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context, sub Subscription, handler Handler, opts ...Option) error

	// Close stops all consumers and releases connections.
	Close() error

	// Health checks the health of the bus
	Health() error
}

// Kind is the exchange type.
type Kind string

const (
	KindDirect Kind = "direct"
	KindTopic  Kind = "topic"
)

// Route addresses an exchange and routing key.
type Route struct {
	Exchange   string
	Kind       Kind
	RoutingKey string
}

func (r Route) kind() Kind {
	if r.Kind == "" {
		return KindDirect
	}
	return r.Kind
}

func (r Route) String() string {
	return r.Exchange + "/" + r.RoutingKey
}

// Subscription describes where a consumer reads from. An empty Queue means an
// exclusive, auto-deleted, server-named queue.
type Subscription struct {
	Route    Route
	Queue    string
	Prefetch int
}

// Message is a decoded delivery.
type Message struct {
	ID          string
	Event       string
	Data        json.RawMessage
	OccurredAt  time.Time
	Exchange    string
	RoutingKey  string
	Redelivered bool
}

// Handler processes one message. Returning nil acks it, an error wrapping
// ErrMalformedMessage discards it, any other error requeues it.
type Handler func(ctx context.Context, msg *Message) error

// Options controls retry behaviour of a single call.
type Options struct {
	MaxRetries   int
	RetryDelay   time.Duration
	RequeueDelay time.Duration
}

// Option configures Options
type Option func(*Options)

// WithRetry sets the attempt budget and the fixed delay between attempts.
func WithRetry(maxRetries int, retryDelay time.Duration) Option {
	return func(o *Options) {
		o.MaxRetries = maxRetries
		o.RetryDelay = retryDelay
	}
}

// WithRequeueDelay sets how long a failed delivery waits before it is requeued.
func WithRequeueDelay(d time.Duration) Option {
	return func(o *Options) {
		o.RequeueDelay = d
	}
}

func (o Options) apply(opts []Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 1
	}
	return o
}

// DefaultOptions mirrors the defaults used by the services.
var DefaultOptions = Options{
	MaxRetries:   5,
	RetryDelay:   2 * time.Second,
	RequeueDelay: 5 * time.Second,
}

// Outcome of a delivery.
type Outcome string

const (
	OutcomeAck     Outcome = "ack"
	OutcomeRequeue Outcome = "requeue"
	OutcomeDiscard Outcome = "discard"
)

// Observer receives publish and delivery outcomes, typically for metrics.
type Observer interface {
	ObservePublish(event string, err error, elapsed time.Duration)
	ObserveDelivery(event string, outcome Outcome, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObservePublish(string, error, time.Duration)    {}
func (nopObserver) ObserveDelivery(string, Outcome, time.Duration) {}

// Common errors
var (
	ErrPublishFailure   = errors.New("publish failed")
	ErrMalformedMessage = errors.New("malformed message")
	ErrQueueClosed      = errors.New("queue is closed")
	ErrConnectionFailed = errors.New("connection failed")
	ErrSubscribeFailure = errors.New("subscribe failed")
)

// Malformed marks err as permanent so the delivery is discarded.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// dispatch runs handler and classifies the result. A panicking handler is
// treated like a transient failure.
func dispatch(ctx context.Context, handler Handler, msg *Message) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeRequeue
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	err = handler(ctx, msg)
	switch {
	case err == nil:
		return OutcomeAck, nil
	case errors.Is(err, ErrMalformedMessage):
		return OutcomeDiscard, err
	default:
		return OutcomeRequeue, err
	}
}

// sleepCtx waits for d, returning false if ctx or done fires first.
func sleepCtx(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-done:
		return false
	}
}
