package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"fulfillment/pkg/log"
)

// Product is the catalog view the order service needs
type Product struct {
	ID    uint64          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Source loads products from the catalog of record
type Source interface {
	FetchProduct(ctx context.Context, productID uint64) (*Product, error)
}

// Lookup returns products, possibly from cache
type Lookup interface {
	GetProduct(ctx context.Context, productID uint64) (*Product, error)
}

// Config for the product cache
type Config struct {
	LocalTTL    time.Duration
	LocalShards int
	LocalMaxMB  int
	RedisTTL    time.Duration
	RedisPrefix string
}

// Cache is a two level cache-aside over Source: an in-process bigcache in
// front of Redis. Concurrent misses for one product share a single fetch.
type Cache struct {
	local  *bigcache.BigCache
	redis  *redisv8.Client
	source Source
	group  singleflight.Group
	cfg    Config
}

// NewCache creates a product cache. redis may be nil to run with the local level only.
func NewCache(ctx context.Context, source Source, redis *redisv8.Client, cfg Config) (*Cache, error) {
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = time.Minute
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = 600 * time.Second
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "product"
	}

	bc := bigcache.DefaultConfig(cfg.LocalTTL)
	if cfg.LocalShards > 0 {
		bc.Shards = cfg.LocalShards
	}
	if cfg.LocalMaxMB > 0 {
		bc.HardMaxCacheSize = cfg.LocalMaxMB
	}
	bc.Verbose = false

	local, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}

	return &Cache{local: local, redis: redis, source: source, cfg: cfg}, nil
}

func (c *Cache) key(productID uint64) string {
	return c.cfg.RedisPrefix + ":" + strconv.FormatUint(productID, 10)
}

// GetProduct returns the product from the first level that has it
func (c *Cache) GetProduct(ctx context.Context, productID uint64) (*Product, error) {
	key := c.key(productID)

	if raw, err := c.local.Get(key); err == nil {
		if p, err := decode(raw); err == nil {
			return p, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if raw, ok := c.fromRedis(ctx, key); ok {
			if p, err := decode(raw); err == nil {
				_ = c.local.Set(key, raw)
				return p, nil
			}
		}

		p, err := c.source.FetchProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		_ = c.local.Set(key, raw)
		if c.redis != nil {
			if err := c.redis.Set(ctx, key, raw, c.cfg.RedisTTL).Err(); err != nil {
				log.WithContext(ctx).WithError(err).WithField("key", key).Warn("Failed to cache product")
			}
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	p := *v.(*Product)
	return &p, nil
}

func (c *Cache) fromRedis(ctx context.Context, key string) ([]byte, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redisv8.Nil) {
			log.WithContext(ctx).WithError(err).WithField("key", key).Warn("Product cache read failed")
		}
		return nil, false
	}
	return raw, true
}

// Invalidate drops the product from both levels
func (c *Cache) Invalidate(ctx context.Context, productID uint64) error {
	key := c.key(productID)
	if err := c.local.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	if c.redis != nil {
		return c.redis.Del(ctx, key).Err()
	}
	return nil
}

// Close releases the local cache
func (c *Cache) Close() error {
	return c.local.Close()
}

func decode(raw []byte) (*Product, error) {
	var p Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Uncached looks every product up in Source
type Uncached struct {
	Source Source
}

// GetProduct fetches the product from the catalog of record
func (u Uncached) GetProduct(ctx context.Context, productID uint64) (*Product, error) {
	return u.Source.FetchProduct(ctx, productID)
}
