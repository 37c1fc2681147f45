package main

import (
	"context"
	"flag"

	"github.com/gin-gonic/gin"

	"fulfillment/internal/bootstrap"
	"fulfillment/internal/client"
	"fulfillment/internal/gateway"
	"fulfillment/internal/handler"
	"fulfillment/internal/repository"
	"fulfillment/internal/service/payment"
	"fulfillment/pkg/limiter"
	"fulfillment/pkg/lock"
	"fulfillment/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	rt, err := bootstrap.New(context.Background(), "payment", *configPath)
	if err != nil {
		log.Fatalf("Failed to start payment service: %v", err)
	}
	defer rt.Close()
	cfg := rt.Config

	var attempts limiter.RateLimiter
	if cfg.Payment.AttemptLimit > 0 {
		attempts = limiter.NewSlidingWindowLimiter(rt.Redis, "ratelimit", cfg.Payment.AttemptLimit, cfg.Payment.AttemptWindow)
	}

	paymentService := payment.NewPaymentService(payment.Deps{
		Orders:       client.NewOrderClient(cfg.Services.OrderURL, cfg.Services.Timeout, rt.Breakers),
		Reservations: client.NewInventoryClient(cfg.Services.InventoryURL, cfg.Services.Timeout, rt.Breakers),
		Gateway: gateway.NewSimulatedGateway(rt.Redis, gateway.Config{
			DeclineAboveCents: cfg.Payment.Gateway.DeclineAboveCents,
			Latency:           cfg.Payment.Gateway.Latency,
		}),
		Payments: repository.NewPaymentRepository(rt.DB),
		Locker: lock.NewLocker(rt.Redis, lock.Config{
			Prefix:     "lock",
			TTL:        cfg.Payment.Lock.TTL,
			MaxRetries: cfg.Payment.Lock.MaxRetries,
			RetryDelay: cfg.Payment.Lock.RetryDelay,
		}),
		Breakers:  rt.Breakers,
		Publisher: rt.Publisher,
		Attempts:  attempts,
		Metrics:   rt.Metrics,
	})

	router := rt.Router(func(api *gin.RouterGroup) {
		handler.NewPaymentHandler(paymentService).Register(api)
	})

	if err := rt.Run(router); err != nil {
		log.WithError(err).Error("Payment service stopped with error")
	}
}
