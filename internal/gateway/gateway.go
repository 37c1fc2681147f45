package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fulfillment/internal/model"
	"fulfillment/pkg/log"
)

// Charge is the outcome reported by a payment gateway
type Charge struct {
	PaymentID string              `json:"payment_id"`
	Status    model.PaymentStatus `json:"status"`
	Reason    string              `json:"reason,omitempty"`
}

// Gateway charges an amount once per idempotency key
type Gateway interface {
	Charge(ctx context.Context, amountCents int64, idempotencyKey string) (*Charge, error)
}

// Decline reasons
const (
	ReasonInvalidAmount = "invalid_amount"
	ReasonLimitExceeded = "amount_above_limit"
)

// Config for the simulated gateway
type Config struct {
	DeclineAboveCents int64
	Latency           time.Duration
	KeyTTL            time.Duration
}

// SimulatedGateway approves charges up to a limit and remembers every result
// by idempotency key so a retried charge returns the first result.
type SimulatedGateway struct {
	client redis.UniversalClient
	cfg    Config
}

// NewSimulatedGateway creates a simulated gateway
func NewSimulatedGateway(client redis.UniversalClient, cfg Config) *SimulatedGateway {
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 24 * time.Hour
	}
	return &SimulatedGateway{client: client, cfg: cfg}
}

func chargeKey(idempotencyKey string) string {
	return "gateway:charge:" + idempotencyKey
}

// Charge charges amountCents
func (g *SimulatedGateway) Charge(ctx context.Context, amountCents int64, idempotencyKey string) (*Charge, error) {
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	if g.cfg.Latency > 0 {
		select {
		case <-time.After(g.cfg.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	charge := &Charge{PaymentID: "pi_" + uuid.NewString(), Status: model.PaymentSuccess}
	switch {
	case amountCents <= 0:
		charge.Status, charge.Reason = model.PaymentFailed, ReasonInvalidAmount
	case g.cfg.DeclineAboveCents > 0 && amountCents > g.cfg.DeclineAboveCents:
		charge.Status, charge.Reason = model.PaymentFailed, ReasonLimitExceeded
	}

	body, err := json.Marshal(charge)
	if err != nil {
		return nil, err
	}

	key := chargeKey(idempotencyKey)
	stored, err := g.client.SetNX(ctx, key, body, g.cfg.KeyTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("record charge: %w", err)
	}
	if stored {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"idempotency_key": idempotencyKey,
			"payment_id":      charge.PaymentID,
			"status":          charge.Status,
			"amount":          amountCents,
		}).Info("Gateway charge processed")
		return charge, nil
	}

	raw, err := g.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load previous charge: %w", err)
	}
	var previous Charge
	if err := json.Unmarshal(raw, &previous); err != nil {
		return nil, fmt.Errorf("decode previous charge: %w", err)
	}
	return &previous, nil
}
