package saga

import (
	"fulfillment/pkg/queue"
)

// Event names carried in the envelope
const (
	EventOrderCreated      = "order_created"
	EventStockDecrement    = "stock_decrement"
	EventPaymentSuccess    = "payment_success"
	EventPaymentFailure    = "payment_failure"
	EventOrderConfirmed    = "order_confirmed"
	EventOrderFailed       = "order_failed"
	EventReservationFailed = "reservation_failed"
	EventProductCreated    = "product_created"
	EventProductDeleted    = "product_deleted"
)

// Exchanges, one per producing service
const (
	ExchangeOrder     = "order_service"
	ExchangeInventory = "inventory_service"
	ExchangePayment   = "payment_service"
	ExchangeProduct   = "product_service"
)

var routes = map[string]queue.Route{
	EventOrderCreated:      {Exchange: ExchangeOrder, Kind: queue.KindDirect, RoutingKey: "create_order"},
	EventStockDecrement:    {Exchange: ExchangeInventory, Kind: queue.KindDirect, RoutingKey: "stock_decrement"},
	EventPaymentSuccess:    {Exchange: ExchangePayment, Kind: queue.KindDirect, RoutingKey: "payment_success"},
	EventPaymentFailure:    {Exchange: ExchangePayment, Kind: queue.KindDirect, RoutingKey: "payment_failure"},
	EventOrderConfirmed:    {Exchange: ExchangeInventory, Kind: queue.KindDirect, RoutingKey: "order_confirmed"},
	EventOrderFailed:       {Exchange: ExchangeInventory, Kind: queue.KindDirect, RoutingKey: "order_failed"},
	EventReservationFailed: {Exchange: ExchangeInventory, Kind: queue.KindDirect, RoutingKey: "reservation_failed"},
	EventProductCreated:    {Exchange: ExchangeProduct, Kind: queue.KindDirect, RoutingKey: "product_created"},
	EventProductDeleted:    {Exchange: ExchangeProduct, Kind: queue.KindDirect, RoutingKey: "product_deleted"},
}

// RouteFor returns the exchange and routing key of event
func RouteFor(event string) (queue.Route, bool) {
	route, ok := routes[event]
	return route, ok
}

// MustRoute is RouteFor for the package constants
func MustRoute(event string) queue.Route {
	route, ok := routes[event]
	if !ok {
		panic("saga: no route for event " + event)
	}
	return route
}
