package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/pkg/utils"
)

type countingSource struct {
	calls atomic.Int32
	delay time.Duration
}

func (s *countingSource) FetchProduct(ctx context.Context, productID uint64) (*Product, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	if productID == 404 {
		return nil, utils.ErrProductNotFound
	}
	return &Product{ID: productID, Name: "Mug", Price: decimal.RequireFromString("10.50")}, nil
}

func setupCache(t *testing.T, source Source) (*Cache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redisv8.NewClient(&redisv8.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cache, err := NewCache(context.Background(), source, rdb, Config{LocalTTL: time.Minute, RedisTTL: 600 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestCache_GetProduct(t *testing.T) {
	source := &countingSource{}
	cache, mr := setupCache(t, source)
	ctx := context.Background()

	p, err := cache.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10.50").Equal(p.Price))
	assert.True(t, mr.Exists("product:1"))
	assert.Equal(t, 600*time.Second, mr.TTL("product:1"))

	_, err = cache.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), source.calls.Load())

	_, err = cache.GetProduct(ctx, 404)
	assert.ErrorIs(t, err, utils.ErrProductNotFound)
}

func TestCache_RedisLevel(t *testing.T) {
	source := &countingSource{}
	cache, mr := setupCache(t, source)

	require.NoError(t, mr.Set("product:2", `{"id":2,"name":"Pen","price":"1.25"}`))

	p, err := cache.GetProduct(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Pen", p.Name)
	assert.Zero(t, source.calls.Load())
}

func TestCache_CollapsesConcurrentMisses(t *testing.T) {
	source := &countingSource{delay: 50 * time.Millisecond}
	cache, _ := setupCache(t, source)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetProduct(context.Background(), 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
}

func TestCache_Invalidate(t *testing.T) {
	source := &countingSource{}
	cache, mr := setupCache(t, source)
	ctx := context.Background()

	_, err := cache.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, 1))
	assert.False(t, mr.Exists("product:1"))

	_, err = cache.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())

	assert.NoError(t, cache.Invalidate(ctx, 99))
}

func TestUncached(t *testing.T) {
	source := &countingSource{}
	var lookup Lookup = Uncached{Source: source}

	for i := 0; i < 2; i++ {
		_, err := lookup.GetProduct(context.Background(), 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), source.calls.Load())
}
