package main

import (
	"context"
	"flag"

	"github.com/gin-gonic/gin"

	"fulfillment/internal/bootstrap"
	"fulfillment/internal/catalog"
	"fulfillment/internal/client"
	"fulfillment/internal/consumer"
	"fulfillment/internal/handler"
	internalredis "fulfillment/internal/redis"
	"fulfillment/internal/repository"
	"fulfillment/internal/service/order"
	"fulfillment/pkg/log"
	"fulfillment/pkg/snowflake"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	ctx := context.Background()
	rt, err := bootstrap.New(ctx, "order", *configPath)
	if err != nil {
		log.Fatalf("Failed to start order service: %v", err)
	}
	defer rt.Close()
	cfg := rt.Config

	idGenerator, err := snowflake.NewIDGenerator(cfg.Service.NodeID)
	if err != nil {
		log.Fatalf("Failed to create ID generator: %v", err)
	}

	catalogClient := client.NewCatalogClient(cfg.Services.CatalogURL, cfg.Services.Timeout, rt.Breakers)
	inventoryClient := client.NewInventoryClient(cfg.Services.InventoryURL, cfg.Services.Timeout, rt.Breakers)

	var (
		products    catalog.Lookup = catalog.Uncached{Source: catalogClient}
		invalidator consumer.ProductInvalidator
	)
	if cfg.Cache.ProductCache {
		cacheClient, err := internalredis.NewCacheClient(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect product cache: %v", err)
		}
		defer cacheClient.Close()

		cache, err := catalog.NewCache(ctx, catalogClient, cacheClient, catalog.Config{
			LocalTTL:    cfg.Cache.LocalTTL,
			LocalShards: cfg.Cache.LocalShards,
			LocalMaxMB:  cfg.Cache.LocalMaxMB,
			RedisTTL:    cfg.Cache.RedisTTL,
			RedisPrefix: cfg.Cache.RedisPrefix,
		})
		if err != nil {
			log.Fatalf("Failed to create product cache: %v", err)
		}
		defer cache.Close()
		products, invalidator = cache, cache
	}

	orderService := order.NewOrderService(
		repository.NewOrderRepository(rt.DB),
		products,
		inventoryClient,
		rt.Publisher,
		idGenerator,
		rt.Metrics,
	)

	orderConsumer := consumer.NewOrderConsumer(rt.Bus, rt.Processed, cfg.Queue, orderService, invalidator)
	router := rt.Router(func(api *gin.RouterGroup) {
		handler.NewOrderHandler(orderService).Register(api)
	})

	if err := rt.Run(router, orderConsumer); err != nil {
		log.WithError(err).Error("Order service stopped with error")
	}
}
