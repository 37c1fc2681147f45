package consumer

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/config"
	"fulfillment/internal/saga"
	"fulfillment/pkg/log"
	"fulfillment/pkg/queue"
	"fulfillment/pkg/utils"
)

const (
	localFilterSize = 100000
	localFilterFPR  = 0.001
)

type binding struct {
	event   string
	handler queue.Handler
}

// Consumer subscribes one service to the saga events it reacts to
type Consumer struct {
	service  string
	bus      queue.Bus
	store    queue.ProcessedStore
	cfg      config.QueueConfig
	bindings []binding
}

func newConsumer(service string, bus queue.Bus, store queue.ProcessedStore, cfg config.QueueConfig) *Consumer {
	return &Consumer{
		service: service,
		bus:     bus,
		store:   store,
		cfg:     cfg,
	}
}

func (c *Consumer) on(event string, handler queue.Handler) {
	c.bindings = append(c.bindings, binding{event: event, handler: handler})
}

// Events lists the events this consumer subscribes to
func (c *Consumer) Events() []string {
	events := make([]string, 0, len(c.bindings))
	for _, b := range c.bindings {
		events = append(events, b.event)
	}
	return events
}

func (c *Consumer) queueName(event string) string {
	if !c.cfg.DurableQueues {
		return ""
	}
	return c.service + "." + event
}

func (c *Consumer) wrap(event string, handler queue.Handler) queue.Handler {
	if c.store == nil {
		return handler
	}
	var opts []queue.DedupOption
	if !c.cfg.DurableQueues {
		opts = append(opts, queue.WithLocalFilter(localFilterSize, localFilterFPR))
	}
	return queue.Deduplicate(c.store, c.service+":"+event, c.cfg.DedupTTL, handler, opts...)
}

// Start subscribes every handler. Consumers run until ctx is cancelled or the
// bus is closed.
func (c *Consumer) Start(ctx context.Context) error {
	opts := []queue.Option{
		queue.WithRetry(c.cfg.MaxRetries, c.cfg.RetryDelay),
		queue.WithRequeueDelay(c.cfg.RequeueDelay),
	}

	for _, b := range c.bindings {
		sub := saga.Subscription(b.event, c.queueName(b.event), c.cfg.Prefetch)
		if err := c.bus.Subscribe(ctx, sub, c.wrap(b.event, b.handler), opts...); err != nil {
			return fmt.Errorf("subscribe %s: %w", b.event, err)
		}
		log.WithFields(map[string]interface{}{
			"service": c.service,
			"event":   b.event,
			"route":   sub.Route.String(),
			"queue":   sub.Queue,
		}).Info("Consumer started")
	}
	return nil
}

// settle turns a service error into a delivery outcome: not-found is acked as a
// no-op, validation errors discard the message, everything else requeues.
func settle(ctx context.Context, msg *queue.Message, err error) error {
	if err == nil {
		return nil
	}
	entry := log.WithContext(ctx).WithFields(map[string]interface{}{
		"event":      msg.Event,
		"message_id": msg.ID,
		"error":      err.Error(),
	})

	switch {
	case errors.Is(err, queue.ErrMalformedMessage):
		return err
	case utils.IsNotFound(err):
		entry.Info("Event refers to an unknown entity, skipped")
		return nil
	case utils.GetErrorCode(err) == utils.CodeInvalidParam:
		return queue.Malformed("%s: %v", msg.Event, err)
	default:
		return err
	}
}
