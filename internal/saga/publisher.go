package saga

import (
	"context"
	"fmt"
	"time"

	"fulfillment/pkg/queue"
	"fulfillment/pkg/utils"
)

// Publisher emits saga events on their fixed routes with a bounded retry
// budget. A failed publish is returned to the caller and never re-enqueued.
type Publisher struct {
	bus  queue.Bus
	opts []queue.Option
}

// NewPublisher creates a publisher over bus
func NewPublisher(bus queue.Bus, maxRetries int, retryDelay time.Duration) *Publisher {
	return &Publisher{
		bus:  bus,
		opts: []queue.Option{queue.WithRetry(maxRetries, retryDelay)},
	}
}

// Publish emits event with payload
func (p *Publisher) Publish(ctx context.Context, event string, payload any) error {
	route, ok := RouteFor(event)
	if !ok {
		return utils.NewError(utils.CodeInvalidParam, fmt.Sprintf("unknown event %q", event))
	}
	if err := p.bus.Publish(ctx, route, event, payload, p.opts...); err != nil {
		return utils.WrapError(utils.ErrPublishFailed, err)
	}
	return nil
}

// Subscription builds the subscription for event. An empty queue name gives an
// exclusive server-named queue.
func Subscription(event, queueName string, prefetch int) queue.Subscription {
	return queue.Subscription{
		Route:    MustRoute(event),
		Queue:    queueName,
		Prefetch: prefetch,
	}
}
