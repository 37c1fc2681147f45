package main

import (
	"context"
	"flag"

	"github.com/gin-gonic/gin"

	"fulfillment/internal/bootstrap"
	"fulfillment/internal/consumer"
	"fulfillment/internal/handler"
	"fulfillment/internal/repository"
	"fulfillment/internal/service/inventory"
	"fulfillment/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	rt, err := bootstrap.New(context.Background(), "inventory", *configPath)
	if err != nil {
		log.Fatalf("Failed to start inventory service: %v", err)
	}
	defer rt.Close()
	cfg := rt.Config

	inventoryService := inventory.NewInventoryService(
		repository.NewStockRepository(rt.DB),
		repository.NewReservationRepository(rt.DB),
		rt.Publisher,
		cfg.Inventory,
		rt.Metrics,
	)

	inventoryConsumer := consumer.NewInventoryConsumer(rt.Bus, rt.Processed, cfg.Queue, inventoryService)
	router := rt.Router(func(api *gin.RouterGroup) {
		handler.NewInventoryHandler(inventoryService).Register(api)
	})

	if err := rt.Run(router, inventoryConsumer); err != nil {
		log.WithError(err).Error("Inventory service stopped with error")
	}
}
