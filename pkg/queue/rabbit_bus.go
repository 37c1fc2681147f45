package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/pkg/log"
)

// RabbitConfig RabbitMQ connection settings
type RabbitConfig struct {
	URL            string
	ConnectionName string
	Heartbeat      time.Duration
	Prefetch       int
	Options        Options
}

// RabbitBus is a Bus over one managed AMQP connection. The connection and the
// publish channel are re-opened lazily after failures; each subscription runs
// its own consumer loop that re-declares its queue after a disconnect.
type RabbitBus struct {
	cfg      RabbitConfig
	observer Observer

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]Kind
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// RabbitBusOption configures a RabbitBus
type RabbitBusOption func(*RabbitBus)

// WithRabbitObserver attaches an Observer.
func WithRabbitObserver(o Observer) RabbitBusOption {
	return func(b *RabbitBus) {
		if o != nil {
			b.observer = o
		}
	}
}

// NewRabbitBus creates a bus. No connection is made until first use or Connect.
func NewRabbitBus(cfg RabbitConfig, opts ...RabbitBusOption) *RabbitBus {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.Options.MaxRetries < 1 {
		cfg.Options = DefaultOptions
	}
	b := &RabbitBus{
		cfg:      cfg,
		observer: nopObserver{},
		declared: make(map[string]Kind),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect dials eagerly, retrying with the configured budget.
func (b *RabbitBus) Connect(ctx context.Context) error {
	o := b.cfg.Options
	var lastErr error
	for attempt := 1; attempt <= o.MaxRetries; attempt++ {
		b.mu.Lock()
		_, lastErr = b.connection()
		b.mu.Unlock()
		if lastErr == nil {
			return nil
		}
		log.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"max_retries": o.MaxRetries,
		}).WithError(lastErr).Warn("Failed to connect to RabbitMQ")
		if attempt < o.MaxRetries && !sleepCtx(ctx, b.done, o.RetryDelay) {
			break
		}
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
}

// connection must be called with mu held.
func (b *RabbitBus) connection() (*amqp.Connection, error) {
	if b.closed {
		return nil, ErrQueueClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	props := amqp.NewConnectionProperties()
	if b.cfg.ConnectionName != "" {
		props.SetClientConnectionName(b.cfg.ConnectionName)
	}
	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Heartbeat:  b.cfg.Heartbeat,
		Properties: props,
	})
	if err != nil {
		return nil, err
	}

	b.conn = conn
	b.pubCh = nil
	b.declared = make(map[string]Kind)
	log.WithField("connection", b.cfg.ConnectionName).Info("Connected to RabbitMQ")
	return conn, nil
}

// publishChannel must be called with mu held.
func (b *RabbitBus) publishChannel() (*amqp.Channel, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	b.pubCh = ch
	b.declared = make(map[string]Kind)
	return ch, nil
}

func (b *RabbitBus) resetPublisher() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
}

func declareExchange(ch *amqp.Channel, route Route) error {
	return ch.ExchangeDeclare(
		route.Exchange,
		string(route.kind()),
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// Publish asserts the exchange and publishes a persistent JSON envelope,
// retrying connection and channel failures.
func (b *RabbitBus) Publish(ctx context.Context, route Route, event string, payload any, opts ...Option) error {
	start := time.Now()
	err := b.publish(ctx, route, event, payload, b.cfg.Options.apply(opts))
	b.observer.ObservePublish(event, err, time.Since(start))
	return err
}

func (b *RabbitBus) publish(ctx context.Context, route Route, event string, payload any, o Options) error {
	id, body, err := encodeEnvelope(event, payload, time.Now())
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, route.Exchange+" publish",
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Type:         event,
		Headers:      headers,
		Body:         body,
	}

	var lastErr error
	for attempt := 1; attempt <= o.MaxRetries; attempt++ {
		lastErr = b.tryPublish(ctx, route, msg)
		if lastErr == nil {
			log.WithContext(ctx).WithFields(map[string]interface{}{
				"event":      event,
				"message_id": id,
				"route":      route.String(),
			}).Debug("Message published")
			return nil
		}
		if errors.Is(lastErr, ErrQueueClosed) {
			break
		}

		log.WithContext(ctx).WithFields(map[string]interface{}{
			"event":       event,
			"route":       route.String(),
			"attempt":     attempt,
			"max_retries": o.MaxRetries,
		}).WithError(lastErr).Warn("Publish attempt failed")
		b.resetPublisher()

		if attempt < o.MaxRetries && !sleepCtx(ctx, b.done, o.RetryDelay) {
			break
		}
	}

	span.RecordError(lastErr)
	return fmt.Errorf("%w: %s to %s: %v", ErrPublishFailure, event, route, lastErr)
}

func (b *RabbitBus) tryPublish(ctx context.Context, route Route, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.publishChannel()
	if err != nil {
		return err
	}
	if kind, ok := b.declared[route.Exchange]; !ok || kind != route.kind() {
		if err := declareExchange(ch, route); err != nil {
			return err
		}
		b.declared[route.Exchange] = route.kind()
	}
	return ch.PublishWithContext(ctx, route.Exchange, route.RoutingKey, false, false, msg)
}

// Subscribe establishes the consumer synchronously, then keeps it alive in the
// background until ctx is cancelled or the bus is closed.
func (b *RabbitBus) Subscribe(ctx context.Context, sub Subscription, handler Handler, opts ...Option) error {
	o := b.cfg.Options.apply(opts)
	if sub.Prefetch <= 0 {
		sub.Prefetch = b.cfg.Prefetch
	}

	var (
		ch         *amqp.Channel
		deliveries <-chan amqp.Delivery
		queueName  string
		err        error
	)
	for attempt := 1; attempt <= o.MaxRetries; attempt++ {
		ch, deliveries, queueName, err = b.establish(sub)
		if err == nil {
			break
		}
		if errors.Is(err, ErrQueueClosed) {
			return fmt.Errorf("%w: %w", ErrSubscribeFailure, err)
		}
		log.WithFields(map[string]interface{}{
			"route":   sub.Route.String(),
			"attempt": attempt,
		}).WithError(err).Warn("Subscribe attempt failed")
		if attempt < o.MaxRetries && !sleepCtx(ctx, b.done, o.RetryDelay) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscribeFailure, sub.Route, err)
	}

	log.WithFields(map[string]interface{}{
		"route": sub.Route.String(),
		"queue": queueName,
	}).Info("Subscribed")

	b.wg.Add(1)
	go b.consumeLoop(ctx, sub, handler, o, ch, deliveries, queueName)
	return nil
}

func (b *RabbitBus) establish(sub Subscription) (*amqp.Channel, <-chan amqp.Delivery, string, error) {
	b.mu.Lock()
	conn, err := b.connection()
	b.mu.Unlock()
	if err != nil {
		return nil, nil, "", err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, "", err
	}
	fail := func(err error) (*amqp.Channel, <-chan amqp.Delivery, string, error) {
		_ = ch.Close()
		return nil, nil, "", err
	}

	if sub.Prefetch > 0 {
		if err := ch.Qos(sub.Prefetch, 0, false); err != nil {
			return fail(err)
		}
	}
	if err := declareExchange(ch, sub.Route); err != nil {
		return fail(err)
	}

	var q amqp.Queue
	if sub.Queue == "" {
		q, err = ch.QueueDeclare("", false, true, true, false, nil)
	} else {
		q, err = ch.QueueDeclare(sub.Queue, true, false, false, false, nil)
	}
	if err != nil {
		return fail(err)
	}
	if err := ch.QueueBind(q.Name, sub.Route.RoutingKey, sub.Route.Exchange, false, nil); err != nil {
		return fail(err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fail(err)
	}
	return ch, deliveries, q.Name, nil
}

func (b *RabbitBus) consumeLoop(ctx context.Context, sub Subscription, handler Handler, o Options,
	ch *amqp.Channel, deliveries <-chan amqp.Delivery, queueName string) {
	defer b.wg.Done()

	for {
		if !b.drain(ctx, handler, o, deliveries, queueName) {
			_ = ch.Close()
			return
		}

		// delivery channel closed underneath us: re-establish until stopped
		log.WithField("route", sub.Route.String()).Warn("Consumer channel closed, reconnecting")
		for {
			if !sleepCtx(ctx, b.done, o.RetryDelay) {
				return
			}
			var err error
			ch, deliveries, queueName, err = b.establish(sub)
			if err == nil {
				log.WithFields(map[string]interface{}{
					"route": sub.Route.String(),
					"queue": queueName,
				}).Info("Consumer re-established")
				break
			}
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			log.WithField("route", sub.Route.String()).WithError(err).Warn("Re-subscribe failed")
		}
	}
}

// drain processes deliveries until the channel closes (returns true) or the
// consumer is stopped (returns false).
func (b *RabbitBus) drain(ctx context.Context, handler Handler, o Options, deliveries <-chan amqp.Delivery, queueName string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-b.done:
			return false
		case d, ok := <-deliveries:
			if !ok {
				return true
			}
			b.handleDelivery(ctx, handler, o, d, queueName)
		}
	}
}

func (b *RabbitBus) handleDelivery(ctx context.Context, handler Handler, o Options, d amqp.Delivery, queueName string) {
	start := time.Now()

	msg, err := decodeEnvelope(d.Body)
	if err != nil {
		log.WithError(err).WithField("queue", queueName).Warn("Discarding undecodable message")
		_ = d.Nack(false, false)
		b.observer.ObserveDelivery("", OutcomeDiscard, time.Since(start))
		return
	}
	msg.Exchange = d.Exchange
	msg.RoutingKey = d.RoutingKey
	msg.Redelivered = d.Redelivered
	if msg.ID == "" {
		msg.ID = d.MessageId
	}

	hctx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	hctx, span := otel.Tracer(tracerName).Start(hctx, msg.Event+" process",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	outcome, herr := dispatch(hctx, handler, msg)
	entry := log.WithContext(hctx).WithFields(map[string]interface{}{
		"event":       msg.Event,
		"message_id":  msg.ID,
		"queue":       queueName,
		"redelivered": msg.Redelivered,
		"outcome":     string(outcome),
	})

	switch outcome {
	case OutcomeAck:
		if err := d.Ack(false); err != nil {
			entry.WithError(err).Warn("Ack failed")
		}
	case OutcomeDiscard:
		span.RecordError(herr)
		entry.WithError(herr).Warn("Message discarded")
		_ = d.Nack(false, false)
	case OutcomeRequeue:
		span.RecordError(herr)
		entry.WithError(herr).Warn("Message handling failed, requeueing")
		sleepCtx(ctx, b.done, o.RequeueDelay)
		_ = d.Nack(false, true)
	}
	b.observer.ObserveDelivery(msg.Event, outcome, time.Since(start))
}

// Close closes the connection and waits for consumer loops to exit
func (b *RabbitBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)

	var err error
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	if b.conn != nil {
		err = b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()

	b.wg.Wait()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// Health checks the health of the connection
func (b *RabbitBus) Health() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrQueueClosed
	}
	if b.conn == nil || b.conn.IsClosed() {
		return ErrConnectionFailed
	}
	return nil
}
