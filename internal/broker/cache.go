package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CacheConfig configures the redis-backed market data cache.
type CacheConfig struct {
	Addr           string
	Password       string
	DB             int
	TLSEnabled     bool
	QuoteTTL       time.Duration
	InstrumentsTTL time.Duration
}

// ByteStore is the minimal key/value surface CachedGateway needs.
// ErrCacheMiss signals an absent key.
type ByteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ErrCacheMiss is returned by a ByteStore when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// RedisStore implements ByteStore on go-redis.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects and pings redis.
func NewRedisStore(ctx context.Context, cfg CacheConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Get implements ByteStore.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return b, nil
}

// Set implements ByteStore.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Close closes the redis connection.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

// CachedGateway caches instrument listings and quotes. Account state and
// order placement always pass through. Cache failures fall back to the
// wrapped gateway.
type CachedGateway struct {
	Gateway
	store          ByteStore
	log            logrus.FieldLogger
	quoteTTL       time.Duration
	instrumentsTTL time.Duration
}

// Ensure CachedGateway implements Gateway at compile time.
var _ Gateway = (*CachedGateway)(nil)

// NewCachedGateway wraps g. Zero TTLs default to 2s for quotes and 10m for
// instrument listings.
func NewCachedGateway(g Gateway, store ByteStore, quoteTTL, instrumentsTTL time.Duration, log logrus.FieldLogger) *CachedGateway {
	if quoteTTL <= 0 {
		quoteTTL = 2 * time.Second
	}
	if instrumentsTTL <= 0 {
		instrumentsTTL = 10 * time.Minute
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &CachedGateway{
		Gateway:        g,
		store:          store,
		log:            log.WithField("component", "gateway_cache"),
		quoteTTL:       quoteTTL,
		instrumentsTTL: instrumentsTTL,
	}
}

func instrumentsKey(currency string, kind InstrumentKind, includeExpired bool) string {
	return fmt.Sprintf("hedger:instruments:%s:%s:%t", currency, kind, includeExpired)
}

func quoteKey(instrument string) string {
	return "hedger:quote:" + instrument
}

func cached[T any](ctx context.Context, c *CachedGateway, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if b, err := c.store.Get(ctx, key); err == nil {
		var v T
		if jerr := json.Unmarshal(b, &v); jerr == nil {
			return v, nil
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		c.log.WithError(err).WithField("key", key).Warn("Cache read failed")
	}

	v, err := load()
	if err != nil {
		return v, err
	}
	if b, jerr := json.Marshal(v); jerr == nil {
		if serr := c.store.Set(ctx, key, b, ttl); serr != nil {
			c.log.WithError(serr).WithField("key", key).Warn("Cache write failed")
		}
	}
	return v, nil
}

// ListInstruments implements Gateway.
func (c *CachedGateway) ListInstruments(ctx context.Context, currency string, kind InstrumentKind, includeExpired bool) ([]Instrument, error) {
	return cached(ctx, c, instrumentsKey(currency, kind, includeExpired), c.instrumentsTTL, func() ([]Instrument, error) {
		return c.Gateway.ListInstruments(ctx, currency, kind, includeExpired)
	})
}

// GetQuote implements Gateway.
func (c *CachedGateway) GetQuote(ctx context.Context, instrumentName string) (*Quote, error) {
	return cached(ctx, c, quoteKey(instrumentName), c.quoteTTL, func() (*Quote, error) {
		return c.Gateway.GetQuote(ctx, instrumentName)
	})
}
