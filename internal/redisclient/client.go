package redisclient

import (
	"context"
	"fmt"
	"time"

	"pos-service/internal/lock"
	"pos-service/internal/util"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"go.uber.org/zap"
)

type Client struct {
	rdb *redis.Client
	rs  *redsync.Redsync
}

// NewClient creates a new Redis client and checks connectivity
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb: rdb,
		rs:  redsync.New(goredis.NewPool(rdb)),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Locker is a distributed lock.Locker backed by redsync
type Locker struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
	tries  int
	logger *zap.Logger
}

// NewLocker returns a Locker whose keys are namespaced by prefix
func (c *Client) NewLocker(prefix string, expiry time.Duration, tries int) *Locker {
	return &Locker{
		rs:     c.rs,
		prefix: prefix,
		expiry: expiry,
		tries:  tries,
		logger: util.GetLogger(),
	}
}

// Lock acquires the distributed mutex for key
func (l *Locker) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	mutex := l.rs.NewMutex(
		fmt.Sprintf("lock:%s:%s", l.prefix, key),
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if ok, err := mutex.UnlockContext(ctx); err != nil || !ok {
			l.logger.Warn("Failed to release distributed lock",
				zap.String("key", key),
				zap.Error(err))
		}
	}, nil
}
