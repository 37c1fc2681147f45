package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/pkg/log"
)

// MemoryBus is an in-process Bus with the same ack, discard and requeue
// semantics as RabbitBus.
type MemoryBus struct {
	mu        sync.RWMutex
	exchanges map[string]Kind
	queues    map[string]*memoryQueue
	bindings  []memoryBinding
	opts      Options
	observer  Observer
	closed    bool
	done      chan struct{}
	wg        sync.WaitGroup
	now       func() time.Time
}

type memoryBinding struct {
	exchange string
	key      string
	queue    *memoryQueue
}

type memoryDelivery struct {
	body        []byte
	exchange    string
	routingKey  string
	headers     propagation.MapCarrier
	redelivered bool
}

// memoryQueue is an unbounded FIFO so a requeue from inside a consumer can
// never block on its own queue.
type memoryQueue struct {
	name   string
	mu     sync.Mutex
	items  []memoryDelivery
	notify chan struct{}
}

func newMemoryQueue(name string) *memoryQueue {
	return &memoryQueue{name: name, notify: make(chan struct{}, 1)}
}

func (q *memoryQueue) push(d memoryDelivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) pop() (memoryDelivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return memoryDelivery{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return d, true
}

func (q *memoryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MemoryBusOption configures a MemoryBus
type MemoryBusOption func(*MemoryBus)

// WithMemoryObserver attaches an Observer.
func WithMemoryObserver(o Observer) MemoryBusOption {
	return func(b *MemoryBus) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithMemoryOptions overrides the default retry options.
func WithMemoryOptions(opts Options) MemoryBusOption {
	return func(b *MemoryBus) {
		b.opts = opts
	}
}

// NewMemoryBus creates a new memory bus instance
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		exchanges: make(map[string]Kind),
		queues:    make(map[string]*memoryQueue),
		opts:      Options{MaxRetries: 1, RequeueDelay: 10 * time.Millisecond},
		observer:  nopObserver{},
		done:      make(chan struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBus) declareExchange(route Route) error {
	if kind, ok := b.exchanges[route.Exchange]; ok {
		if kind != route.kind() {
			return fmt.Errorf("exchange %q already declared as %s", route.Exchange, kind)
		}
		return nil
	}
	b.exchanges[route.Exchange] = route.kind()
	return nil
}

// Publish routes the message to every bound queue whose binding matches.
func (b *MemoryBus) Publish(ctx context.Context, route Route, event string, payload any, opts ...Option) error {
	start := time.Now()
	err := b.publish(ctx, route, event, payload)
	b.observer.ObservePublish(event, err, time.Since(start))
	return err
}

func (b *MemoryBus) publish(ctx context.Context, route Route, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}

	id, body, err := encodeEnvelope(event, payload, b.now())
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, route.Exchange+" publish",
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	headers := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w: %w", ErrPublishFailure, ErrQueueClosed)
	}
	if err := b.declareExchange(route); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}

	delivered := 0
	for _, binding := range b.bindings {
		if binding.exchange != route.Exchange || !matchRoute(route.kind(), binding.key, route.RoutingKey) {
			continue
		}
		binding.queue.push(memoryDelivery{
			body:       body,
			exchange:   route.Exchange,
			routingKey: route.RoutingKey,
			headers:    headers,
		})
		delivered++
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"event":      event,
		"message_id": id,
		"route":      route.String(),
		"queues":     delivered,
	}).Debug("Message published")
	return nil
}

// Subscribe binds a queue and starts a consumer goroutine. Subscriptions that
// share a Queue name compete for its messages.
func (b *MemoryBus) Subscribe(ctx context.Context, sub Subscription, handler Handler, opts ...Option) error {
	o := b.opts.apply(opts)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrSubscribeFailure, ErrQueueClosed)
	}
	if err := b.declareExchange(sub.Route); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSubscribeFailure, err)
	}

	name := sub.Queue
	q, exists := b.queues[name]
	if name == "" || !exists {
		if name == "" {
			name = "amq.gen-" + uuid.NewString()
		}
		q = newMemoryQueue(name)
		b.queues[name] = q
	}

	bound := false
	for _, binding := range b.bindings {
		if binding.queue == q && binding.exchange == sub.Route.Exchange && binding.key == sub.Route.RoutingKey {
			bound = true
			break
		}
	}
	if !bound {
		b.bindings = append(b.bindings, memoryBinding{
			exchange: sub.Route.Exchange,
			key:      sub.Route.RoutingKey,
			queue:    q,
		})
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.consume(ctx, q, sub, handler, o)
	return nil
}

func (b *MemoryBus) consume(ctx context.Context, q *memoryQueue, sub Subscription, handler Handler, o Options) {
	defer b.wg.Done()
	defer func() {
		if sub.Queue == "" {
			b.unbind(q)
		}
	}()

	for {
		d, ok := q.pop()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
		if !b.deliver(ctx, q, d, handler, o) {
			return
		}
	}
}

// deliver returns false when the consumer should stop.
func (b *MemoryBus) deliver(ctx context.Context, q *memoryQueue, d memoryDelivery, handler Handler, o Options) bool {
	start := time.Now()

	msg, err := decodeEnvelope(d.body)
	if err != nil {
		log.WithError(err).WithField("queue", q.name).Warn("Discarding undecodable message")
		b.observer.ObserveDelivery("", OutcomeDiscard, time.Since(start))
		return true
	}
	msg.Exchange = d.exchange
	msg.RoutingKey = d.routingKey
	msg.Redelivered = d.redelivered

	hctx := otel.GetTextMapPropagator().Extract(ctx, d.headers)
	hctx, span := otel.Tracer(tracerName).Start(hctx, msg.Event+" process",
		trace.WithSpanKind(trace.SpanKindConsumer))
	outcome, herr := dispatch(hctx, handler, msg)
	span.End()

	b.observer.ObserveDelivery(msg.Event, outcome, time.Since(start))

	entry := log.WithContext(hctx).WithFields(map[string]interface{}{
		"event":      msg.Event,
		"message_id": msg.ID,
		"queue":      q.name,
		"outcome":    string(outcome),
	})
	switch outcome {
	case OutcomeAck:
		entry.Debug("Message handled")
	case OutcomeDiscard:
		entry.WithError(herr).Warn("Message discarded")
	case OutcomeRequeue:
		entry.WithError(herr).Warn("Message handling failed, requeueing")
		if !sleepCtx(ctx, b.done, o.RequeueDelay) {
			q.push(memoryDelivery{body: d.body, exchange: d.exchange, routingKey: d.routingKey, headers: d.headers, redelivered: true})
			return false
		}
		d.redelivered = true
		q.push(d)
	}
	return true
}

func (b *MemoryBus) unbind(q *memoryQueue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.bindings[:0]
	for _, binding := range b.bindings {
		if binding.queue != q {
			kept = append(kept, binding)
		}
	}
	b.bindings = kept
	delete(b.queues, q.name)
}

// Pending returns the number of messages waiting in all queues.
func (b *MemoryBus) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, q := range b.queues {
		total += q.len()
	}
	return total
}

// Close closes the bus and waits for consumers to exit
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Health checks the health of the bus
func (b *MemoryBus) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrQueueClosed
	}
	return nil
}
