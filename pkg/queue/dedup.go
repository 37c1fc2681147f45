package queue

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"

	"fulfillment/pkg/log"
)

// ProcessedStore remembers which message ids have been handled.
type ProcessedStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// RedisProcessedStore keeps processed ids as expiring keys.
type RedisProcessedStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisProcessedStore creates a store writing keys under prefix.
func NewRedisProcessedStore(client redis.UniversalClient, prefix string) *RedisProcessedStore {
	if prefix == "" {
		prefix = "processed"
	}
	return &RedisProcessedStore{client: client, prefix: prefix}
}

func (s *RedisProcessedStore) key(k string) string {
	return s.prefix + ":" + k
}

// Seen reports whether key was marked.
func (s *RedisProcessedStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records key for ttl.
func (s *RedisProcessedStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.SetNX(ctx, s.key(key), time.Now().Unix(), ttl).Err()
}

// DedupOption configures Deduplicate
type DedupOption func(*dedup)

// WithLocalFilter adds an in-process bloom filter consulted before the store.
// It is only sound when every delivery of a message reaches this process, which
// holds for exclusive server-named queues.
func WithLocalFilter(expected uint, falsePositiveRate float64) DedupOption {
	return func(d *dedup) {
		d.filter = bloom.NewWithEstimates(expected, falsePositiveRate)
	}
}

type dedup struct {
	store  ProcessedStore
	scope  string
	ttl    time.Duration
	next   Handler
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// Deduplicate wraps next so that a message id already handled in scope is
// acked without running next again. Ids are marked only after next succeeds.
func Deduplicate(store ProcessedStore, scope string, ttl time.Duration, next Handler, opts ...DedupOption) Handler {
	d := &dedup{store: store, scope: scope, ttl: ttl, next: next}
	for _, opt := range opts {
		opt(d)
	}
	return d.handle
}

func (d *dedup) maybeMarked(key string) bool {
	if d.filter == nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter.TestString(key)
}

func (d *dedup) remember(key string) {
	if d.filter == nil {
		return
	}
	d.mu.Lock()
	d.filter.AddString(key)
	d.mu.Unlock()
}

func (d *dedup) handle(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		return d.next(ctx, msg)
	}
	key := d.scope + ":" + msg.ID

	if d.maybeMarked(key) {
		seen, err := d.store.Seen(ctx, key)
		if err != nil {
			return err
		}
		if seen {
			log.WithContext(ctx).WithFields(map[string]interface{}{
				"event":      msg.Event,
				"message_id": msg.ID,
				"scope":      d.scope,
			}).Info("Duplicate message skipped")
			return nil
		}
	}

	if err := d.next(ctx, msg); err != nil {
		return err
	}

	if err := d.store.Mark(ctx, key, d.ttl); err != nil {
		log.WithContext(ctx).WithError(err).WithField("message_id", msg.ID).Warn("Failed to mark message processed")
	}
	d.remember(key)
	return nil
}
