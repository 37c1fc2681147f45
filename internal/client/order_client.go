package client

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/model"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/utils"
)

// OrderClient reads orders from the order service
type OrderClient struct {
	c *httpClient
}

// NewOrderClient creates an order service client
func NewOrderClient(baseURL string, timeout time.Duration, breakers *breaker.Manager) *OrderClient {
	return &OrderClient{c: newHTTPClient("order-service", baseURL, timeout, breakers)}
}

// GetOrder fetches an order with its items
func (o *OrderClient) GetOrder(ctx context.Context, orderID uint64) (*model.Order, error) {
	var order model.Order
	if err := o.c.get(ctx, fmt.Sprintf("/api/v1/orders/%d", orderID), utils.ErrOrderNotFound, &order); err != nil {
		return nil, err
	}
	return &order, nil
}
