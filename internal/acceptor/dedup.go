package acceptor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionCache enforces the per-source-IP uniqueness invariant of
// spec.md §4.5 step 1 / §8 ("at most one live Connection per source IP
// at any moment"). Acquire must be atomic: only one caller racing for
// the same IP may succeed.
type SessionCache interface {
	Acquire(ip string) (bool, error)
	Release(ip string) error
}

// InProcessSessionCache is the default, dependency-free SessionCache: a
// mutex-guarded set, sufficient for a single acceptor instance.
type InProcessSessionCache struct {
	mu   sync.Mutex
	live map[string]struct{}
}

// NewInProcessSessionCache returns an empty cache.
func NewInProcessSessionCache() *InProcessSessionCache {
	return &InProcessSessionCache{live: make(map[string]struct{})}
}

// Acquire reports whether ip was not already held and, if so, marks it
// held.
func (c *InProcessSessionCache) Acquire(ip string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.live[ip]; exists {
		return false, nil
	}
	c.live[ip] = struct{}{}
	return true, nil
}

// Release frees ip for a future Acquire.
func (c *InProcessSessionCache) Release(ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, ip)
	return nil
}

// RedisSessionCache backs the same per-IP uniqueness check with a Redis
// SETNX, so multiple acceptor instances behind a load balancer agree on
// which IP currently holds a session, grounded on the teacher's
// pkg/persistence/redis.go session cache (same go-redis client,
// same TTL-guarded SET pattern, generalized from session-token caching
// to session-slot locking).
type RedisSessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisSessionCacheConfig mirrors pkg/persistence.RedisCacheConfig.
type RedisSessionCacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	// TTL bounds how long a slot is held if Release is never called
	// (e.g. the process crashes mid-session); it must comfortably
	// exceed any expected session lifetime.
	TTL time.Duration
}

// NewRedisSessionCache connects to Redis and verifies reachability.
func NewRedisSessionCache(cfg RedisSessionCacheConfig) (*RedisSessionCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("acceptor: failed to connect to redis session cache: %w", err)
	}

	return &RedisSessionCache{client: client, ttl: ttl}, nil
}

func (c *RedisSessionCache) key(ip string) string {
	return "spearhead:session:" + ip
}

// Acquire performs an atomic SET NX, returning true only if this call
// won the slot.
func (c *RedisSessionCache) Acquire(ip string) (bool, error) {
	ok, err := c.client.SetNX(context.Background(), c.key(ip), "1", c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acceptor: redis session acquire failed: %w", err)
	}
	return ok, nil
}

// Release deletes the slot so a future session from the same IP can
// proceed immediately.
func (c *RedisSessionCache) Release(ip string) error {
	if err := c.client.Del(context.Background(), c.key(ip)).Err(); err != nil {
		return fmt.Errorf("acceptor: redis session release failed: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (c *RedisSessionCache) Close() error {
	return c.client.Close()
}
