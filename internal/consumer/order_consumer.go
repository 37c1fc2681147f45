package consumer

import (
	"context"

	"fulfillment/internal/config"
	"fulfillment/internal/model"
	"fulfillment/internal/saga"
	"fulfillment/internal/service/order"
	"fulfillment/pkg/queue"
)

// ProductInvalidator drops cached products
type ProductInvalidator interface {
	Invalidate(ctx context.Context, productID uint64) error
}

// NewOrderConsumer wires the order service to payment and inventory outcomes.
// products may be nil when the product cache is disabled.
func NewOrderConsumer(bus queue.Bus, store queue.ProcessedStore, cfg config.QueueConfig, orders order.OrderService, products ProductInvalidator) *Consumer {
	c := newConsumer("order", bus, store, cfg)

	c.on(saga.EventPaymentSuccess, func(ctx context.Context, msg *queue.Message) error {
		evt, err := saga.Decode[saga.PaymentSuccess](msg, saga.EventPaymentSuccess)
		if err != nil {
			return err
		}
		_, err = orders.Confirm(ctx, evt.OrderID)
		return settle(ctx, msg, err)
	})

	c.on(saga.EventPaymentFailure, func(ctx context.Context, msg *queue.Message) error {
		evt, err := saga.Decode[saga.PaymentFailure](msg, saga.EventPaymentFailure)
		if err != nil {
			return err
		}
		_, err = orders.Fail(ctx, evt.OrderID, model.FailReasonPaymentFailed)
		return settle(ctx, msg, err)
	})

	c.on(saga.EventOrderFailed, func(ctx context.Context, msg *queue.Message) error {
		evt, err := saga.Decode[saga.OrderFailed](msg, saga.EventOrderFailed)
		if err != nil {
			return err
		}
		if evt.OrderID == 0 {
			return nil
		}
		_, err = orders.Fail(ctx, evt.OrderID, model.FailReasonStockRolledBack)
		return settle(ctx, msg, err)
	})

	c.on(saga.EventReservationFailed, func(ctx context.Context, msg *queue.Message) error {
		evt, err := saga.Decode[saga.ReservationFailed](msg, saga.EventReservationFailed)
		if err != nil {
			return err
		}
		_, err = orders.Fail(ctx, evt.OrderID, model.FailReasonReservationFailed)
		return settle(ctx, msg, err)
	})

	if products != nil {
		c.on(saga.EventProductDeleted, func(ctx context.Context, msg *queue.Message) error {
			evt, err := saga.Decode[saga.ProductDeleted](msg, saga.EventProductDeleted)
			if err != nil {
				return err
			}
			return settle(ctx, msg, products.Invalidate(ctx, evt.ProductID))
		})
	}
	return c
}
