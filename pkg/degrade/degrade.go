package degrade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultMessage = "service busy, please try again later"

// Strategy describes how a degraded feature answers callers
type Strategy struct {
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// Manager keeps degradation switches in Redis so every replica of a service
// sees the same state. A switch is one key holding its Strategy.
type Manager struct {
	client redis.UniversalClient
	prefix string
}

// NewManager creates a degrade manager
func NewManager(client redis.UniversalClient, prefix string) *Manager {
	if prefix == "" {
		prefix = "degrade"
	}
	return &Manager{client: client, prefix: prefix}
}

func (m *Manager) key(feature string) string {
	return m.prefix + ":" + feature
}

// Check returns the strategy of feature when it is degraded. Redis errors
// report the feature as healthy.
func (m *Manager) Check(ctx context.Context, feature string) (*Strategy, bool) {
	data, err := m.client.Get(ctx, m.key(feature)).Bytes()
	if err != nil {
		return nil, false
	}

	var strategy Strategy
	if err := json.Unmarshal(data, &strategy); err != nil {
		strategy = Strategy{}
	}
	if strategy.Message == "" {
		strategy.Message = defaultMessage
	}
	return &strategy, true
}

// Enable degrades feature. A zero ttl keeps it degraded until Disable.
func (m *Manager) Enable(ctx context.Context, feature string, strategy *Strategy, ttl time.Duration) error {
	if strategy == nil {
		strategy = &Strategy{}
	}
	data, err := json.Marshal(strategy)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy: %w", err)
	}
	if err := m.client.Set(ctx, m.key(feature), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to enable degrade: %w", err)
	}
	return nil
}

// Disable restores feature
func (m *Manager) Disable(ctx context.Context, feature string) error {
	if err := m.client.Del(ctx, m.key(feature)).Err(); err != nil {
		return fmt.Errorf("failed to disable degrade: %w", err)
	}
	return nil
}

// Status lists every degraded feature
func (m *Manager) Status(ctx context.Context) (map[string]*Strategy, error) {
	result := make(map[string]*Strategy)

	iter := m.client.Scan(ctx, 0, m.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		feature := strings.TrimPrefix(iter.Val(), m.prefix+":")
		if strategy, ok := m.Check(ctx, feature); ok {
			result[feature] = strategy
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan degrade keys: %w", err)
	}
	return result, nil
}
