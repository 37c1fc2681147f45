package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter rate limiter interface
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])
	local member = ARGV[5]

	redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

	local current = redis.call('ZCARD', key)
	if current < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window_ms)
		return 1
	end
	return 0
`)

// SlidingWindowLimiter sliding window rate limiter using Redis, shared by all
// replicas of a service
type SlidingWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter
func NewSlidingWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *SlidingWindowLimiter {
	if prefix == "" {
		prefix = "rate_limit"
	}
	return &SlidingWindowLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records one attempt for key and reports whether it fits the window
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	now := l.now().UnixMilli()
	windowStart := now - l.window.Milliseconds()

	result, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + ":" + key},
		now,
		windowStart,
		l.limit,
		l.window.Milliseconds(),
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

const (
	defaultIdleTTL       = 10 * time.Minute
	defaultSweepInterval = time.Minute
)

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedTokenBucket keeps one in-process token bucket per key. Keys idle for
// longer than idleTTL are dropped on the next sweep.
type KeyedTokenBucket struct {
	mu            sync.Mutex
	limiters      map[string]*bucketEntry
	rate          rate.Limit
	burst         int
	idleTTL       time.Duration
	sweepInterval time.Duration
	lastSweep     time.Time
	now           func() time.Time
}

// NewKeyedTokenBucket creates a limiter allowing r events per second per key
// with bursts of up to burst
func NewKeyedTokenBucket(r rate.Limit, burst int) *KeyedTokenBucket {
	idleTTL := defaultIdleTTL
	// an evicted key must come back with the same full bucket it would have had
	if r > 0 {
		if refill := time.Duration(float64(burst) / float64(r) * float64(time.Second)); refill > idleTTL {
			idleTTL = refill
		}
	}
	return &KeyedTokenBucket{
		limiters:      make(map[string]*bucketEntry),
		rate:          r,
		burst:         burst,
		idleTTL:       idleTTL,
		sweepInterval: defaultSweepInterval,
		lastSweep:     time.Now(),
		now:           time.Now,
	}
}

func (l *KeyedTokenBucket) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.sweepInterval {
		l.sweep(now)
	}

	entry, ok := l.limiters[key]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// sweep drops idle keys; caller holds mu
func (l *KeyedTokenBucket) sweep(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

// Allow checks if the request is allowed
func (l *KeyedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	return l.get(key).Allow(), nil
}

// Size returns the number of tracked keys
func (l *KeyedTokenBucket) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
