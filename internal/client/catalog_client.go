package client

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/catalog"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/utils"
)

// CatalogClient reads products from the catalog service
type CatalogClient struct {
	c *httpClient
}

// NewCatalogClient creates a catalog service client
func NewCatalogClient(baseURL string, timeout time.Duration, breakers *breaker.Manager) *CatalogClient {
	return &CatalogClient{c: newHTTPClient("catalog-service", baseURL, timeout, breakers)}
}

// FetchProduct fetches one product
func (cc *CatalogClient) FetchProduct(ctx context.Context, productID uint64) (*catalog.Product, error) {
	var product catalog.Product
	if err := cc.c.get(ctx, fmt.Sprintf("/api/v1/products/%d", productID), utils.ErrProductNotFound, &product); err != nil {
		return nil, err
	}
	if product.ID == 0 {
		product.ID = productID
	}
	return &product, nil
}
