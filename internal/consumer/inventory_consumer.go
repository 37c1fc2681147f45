package consumer

import (
	"context"

	"fulfillment/internal/config"
	"fulfillment/internal/saga"
	"fulfillment/internal/service/inventory"
	"fulfillment/pkg/queue"
)

// NewInventoryConsumer wires the inventory service to order, payment and
// catalog events.
func NewInventoryConsumer(bus queue.Bus, store queue.ProcessedStore, cfg config.QueueConfig, inv inventory.InventoryService) *Consumer {
	c := newConsumer("inventory", bus, store, cfg)

	c.on(saga.EventOrderCreated, func(ctx context.Context, msg *queue.Message) error {
		evt, err := saga.Decode[saga.OrderCreated](msg, saga.EventOrderCreated)
		if err != nil {
			return err
		}
		_, err = inv.ReserveOrder(ctx, evt)
		return settle(ctx, msg, err)
	})

	c.on(saga.EventPaymentSuccess, func(ctx context.Context, msg *queue.Message) error {
		evt, err := saga.Decode[saga.PaymentSuccess](msg, saga.EventPaymentSuccess)
		if err != nil {
			return err
		}
		_, err = inv.ConfirmOrder(ctx, evt.OrderID)
		return settle(ctx, msg, err)
	})

	c.on(saga.EventPaymentFailure, func(ctx context.Context, msg *queue.Message) error {
		evt, err := saga.Decode[saga.PaymentFailure](msg, saga.EventPaymentFailure)
		if err != nil {
			return err
		}
		_, err = inv.ReleaseOrder(ctx, evt.OrderID)
		return settle(ctx, msg, err)
	})

	c.on(saga.EventProductCreated, func(ctx context.Context, msg *queue.Message) error {
		evt, err := saga.Decode[saga.ProductCreated](msg, saga.EventProductCreated)
		if err != nil {
			return err
		}
		_, err = inv.InitStock(ctx, evt)
		return settle(ctx, msg, err)
	})

	c.on(saga.EventProductDeleted, func(ctx context.Context, msg *queue.Message) error {
		evt, err := saga.Decode[saga.ProductDeleted](msg, saga.EventProductDeleted)
		if err != nil {
			return err
		}
		_, err = inv.RemoveProduct(ctx, evt.ProductID)
		return settle(ctx, msg, err)
	})
	return c
}
