package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fulfillment/pkg/log"
)

// Config for named locks
type Config struct {
	Prefix     string
	TTL        time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Locker hands out named mutual-exclusion sections backed by RedisLock.
type Locker struct {
	client redis.UniversalClient
	cfg    Config
}

// NewLocker creates a Locker
func NewLocker(client redis.UniversalClient, cfg Config) *Locker {
	if cfg.Prefix == "" {
		cfg.Prefix = "lock"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 50
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 20 * time.Millisecond
	}
	return &Locker{client: client, cfg: cfg}
}

// HashKey maps an arbitrary name to a stable 32-bit key.
func HashKey(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// KeyFor returns the redis key used for name.
func (l *Locker) KeyFor(name string) string {
	return fmt.Sprintf("%s:%d", l.cfg.Prefix, HashKey(name))
}

// WithLock runs fn while holding the lock for name. It returns ErrLockFailed
// when the lock stays busy for the whole retry budget. The lock is released
// when fn returns, whatever its result.
func (l *Locker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	lk := NewRedisLock(l.client, l.KeyFor(name), uuid.NewString(), l.cfg.TTL)
	if err := lk.TryLock(ctx, l.cfg.MaxRetries, l.cfg.RetryDelay); err != nil {
		return err
	}

	defer func() {
		// release even if the caller's context is already done
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := lk.Unlock(unlockCtx); err != nil {
			log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"lock": name,
				"key":  lk.Key(),
			}).Warn("Lock release failed, it may have expired while held")
		}
	}()

	return fn(ctx)
}
