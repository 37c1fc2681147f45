package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fulfillment/internal/model"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/utils"
)

// InventoryClient reads stock and reservations from the inventory service
type InventoryClient struct {
	c *httpClient
}

// NewInventoryClient creates an inventory service client
func NewInventoryClient(baseURL string, timeout time.Duration, breakers *breaker.Manager) *InventoryClient {
	return &InventoryClient{c: newHTTPClient("inventory-service", baseURL, timeout, breakers)}
}

// ListReservations lists the reservations of an order. An order inventory has
// not processed yet yields ErrReservationNotFound.
func (i *InventoryClient) ListReservations(ctx context.Context, orderID uint64) ([]model.Reservation, error) {
	var reservations []model.Reservation
	if err := i.c.get(ctx, fmt.Sprintf("/api/v1/reservations/%d", orderID), utils.ErrReservationNotFound, &reservations); err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, utils.ErrReservationNotFound
	}
	return reservations, nil
}

// GetStocks fetches available stock of the given products
func (i *InventoryClient) GetStocks(ctx context.Context, productIDs []uint64) ([]model.Stock, error) {
	ids := make([]string, len(productIDs))
	for idx, id := range productIDs {
		ids[idx] = strconv.FormatUint(id, 10)
	}

	var page stockPage
	if err := i.c.get(ctx, "/api/v1/stocks?product_ids="+strings.Join(ids, ","), utils.ErrStockNotFound, &page); err != nil {
		return nil, err
	}
	return page.List, nil
}

// stockPage mirrors the inventory service's list body
type stockPage struct {
	List  []model.Stock `json:"list"`
	Total int           `json:"total"`
}
