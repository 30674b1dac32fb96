// Package lease provides a named, expiring lock so that only one process
// runs the accrual tick at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease held by another holder")

// Locker acquires a lease. The returned release func is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, err error)
}

// =============================================================================
// LOCAL - single-process lease
// =============================================================================

type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

func (l *Local) Acquire(_ context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.held[name]; ok && now.Before(until) {
		return nil, ErrHeld
	}
	until := now.Add(ttl)
	l.held[name] = until

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[name].Equal(until) {
			delete(l.held, name)
		}
		return nil
	}, nil
}

// =============================================================================
// REDIS - cross-process lease
// =============================================================================

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := r.prefix + name
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, r.client, []string{key}, token).Err()
	}, nil
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
