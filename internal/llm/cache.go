package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache stores extraction results.
type Cache interface {
	Get(ctx context.Context, key string) (*Candidates, bool, error)
	Set(ctx context.Context, key string, c *Candidates) error
	Close() error
}

// MemoryCache is an in-process LRU with a TTL.
type MemoryCache struct {
	lru *expirable.LRU[string, *Candidates]
}

// NewMemoryCache creates a cache holding up to size entries for ttl (0 = no expiry).
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 1024
	}
	return &MemoryCache{lru: expirable.NewLRU[string, *Candidates](size, nil, ttl)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (*Candidates, bool, error) {
	c, ok := m.lru.Get(key)
	return c, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, c *Candidates) error {
	m.lru.Add(key, c)
	return nil
}

func (m *MemoryCache) Close() error {
	m.lru.Purge()
	return nil
}

// RedisOptions configures a RedisCache.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache shares extraction results between instances through Redis.
// Values are stored as JSON.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}
	return &RedisCache{client: client, ttl: opts.TTL}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (*Candidates, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var c Candidates
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached candidates: %w", err)
	}
	return &c, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, c *Candidates) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, r.ttl).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// CachedExtractor wraps an Extractor with a result cache. Concurrent
// identical requests share one upstream call.
type CachedExtractor struct {
	inner    Extractor
	cache    Cache
	defaults Options
	timeout  time.Duration
	group    singleflight.Group
	logger   *zap.Logger
}

// CachedOption configures a CachedExtractor.
type CachedOption func(*CachedExtractor)

// WithFlightTimeout bounds a shared upstream call, which does not follow
// any single caller's cancellation. Zero leaves it to the inner extractor.
func WithFlightTimeout(d time.Duration) CachedOption {
	return func(c *CachedExtractor) { c.timeout = d }
}

// NewCachedExtractor wraps inner. defaults resolve the endpoint, model and
// key that are part of the cache key when a request leaves them empty.
func NewCachedExtractor(inner Extractor, cache Cache, defaults Options, logger *zap.Logger, opts ...CachedOption) *CachedExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CachedExtractor{inner: inner, cache: cache, defaults: defaults, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract returns cached candidates when available. Cache failures are
// logged and fall through to the inner extractor. Empty replies are not
// cached. A caller that gives up returns its own context error while the
// shared call keeps running for the others.
func (c *CachedExtractor) Extract(ctx context.Context, query string, opts Options) (*Candidates, error) {
	key := cacheKey(query, opts.merge(c.defaults))
	if cached, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("LLM cache read failed", zap.Error(err))
	} else if ok {
		return cached, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		flightCtx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			flightCtx, cancel = context.WithTimeout(flightCtx, c.timeout)
			defer cancel()
		}
		cands, err := c.inner.Extract(flightCtx, query, opts)
		if err != nil {
			return nil, err
		}
		if cands.Empty() {
			return cands, nil
		}
		if err := c.cache.Set(flightCtx, key, cands); err != nil {
			c.logger.Warn("LLM cache write failed", zap.Error(err))
		}
		return cands, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("Shared in-flight extraction", zap.String("query", query))
		}
		return res.Val.(*Candidates), nil
	}
}

// Close closes the cache.
func (c *CachedExtractor) Close() error {
	return c.cache.Close()
}

// cacheKey identifies a result by endpoint, model, credential and query, so
// a caller never receives an answer fetched with another caller's key.
// Only the digest is stored.
func cacheKey(query string, opts Options) string {
	sum := sha256.Sum256([]byte(opts.Endpoint + "\x00" + opts.Model + "\x00" + opts.APIKey + "\x00" + query))
	return "fuda:llm:" + hex.EncodeToString(sum[:])
}
