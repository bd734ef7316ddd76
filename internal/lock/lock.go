// Package lock provides a Redis lease used to serialize aggregate runs for one
// worker across service replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Clark-Hu/crew-ratings/internal/logger"
)

var (
	// ErrNotAcquired is returned when the context ends before the lease is free or
	// Redis cannot be reached.
	ErrNotAcquired = errors.New("lock: lease not acquired")
	// ErrLeaseLost is returned by Release when the lease expired or changed owner.
	ErrLeaseLost = errors.New("lock: lease lost")
)

// Locker hands out exclusive leases per key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is held until Release. It is extended in the background while held; if
// Redis drops it anyway, Release reports ErrLeaseLost.
type Lease interface {
	Release(ctx context.Context) error
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript pushes the expiry forward only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Options tunes lease timing.
type Options struct {
	Prefix       string
	TTL          time.Duration
	PollInterval time.Duration
	// RenewInterval is how often a held lease is reset to TTL. Defaults to TTL/3.
	RenewInterval time.Duration
	Logger        *zap.Logger
}

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	renew  time.Duration
	logger *zap.Logger
}

// NewRedisLocker wraps an existing client. Zero options fall back to a 10s TTL and
// a 50ms poll.
func NewRedisLocker(client redis.UniversalClient, opts Options) *RedisLocker {
	if opts.Prefix == "" {
		opts.Prefix = "rating-sync:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.RenewInterval <= 0 || opts.RenewInterval >= opts.TTL {
		opts.RenewInterval = opts.TTL / 3
	}
	opts.Logger = logger.OrNop(opts.Logger)
	return &RedisLocker{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		poll:   opts.PollInterval,
		renew:  opts.RenewInterval,
		logger: opts.Logger.Named("lock"),
	}
}

// Acquire blocks until the lease for key is held or ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	name := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, err)
		}
		if ok {
			if attempt > 1 {
				l.logger.Debug("lease acquired after contention", zap.String("key", key), zap.Int("attempts", attempt))
			}
			return l.hold(name, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

type redisLease struct {
	client redis.UniversalClient
	name   string
	token  string
	ttl    time.Duration
	logger *zap.Logger

	stop context.CancelFunc
	done chan struct{}
}

func (l *RedisLocker) hold(name, token string) *redisLease {
	ctx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{
		client: l.client,
		name:   name,
		token:  token,
		ttl:    l.ttl,
		logger: l.logger,
		stop:   cancel,
		done:   make(chan struct{}),
	}
	go lease.keepAlive(ctx, l.renew)
	return lease
}

func (l *redisLease) keepAlive(ctx context.Context, every time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := renewScript.Run(ctx, l.client, []string{l.name}, l.token, l.ttl.Milliseconds()).Int()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("renew lease", zap.String("key", l.name), zap.Error(err))
			continue
		}
		if n == 0 {
			l.logger.Warn("lease expired while held", zap.String("key", l.name))
			return
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	l.stop()
	<-l.done

	n, err := releaseScript.Run(ctx, l.client, []string{l.name}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.name, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
