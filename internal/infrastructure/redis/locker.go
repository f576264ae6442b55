// Package redis provides a Redis-backed lock so several API replicas
// serialise administrations of the same schedule entry.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection and lock settings
type Config struct {
	Addr     string
	Password string
	DB       int
	// LockTTL bounds how long a crashed holder keeps a key locked
	LockTTL time.Duration
	// RetryInterval is the pause between acquisition attempts
	RetryInterval time.Duration
	// Prefix namespaces lock keys
	Prefix string
}

// DefaultConfig returns defaults for a local Redis
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		LockTTL:       10 * time.Second,
		RetryInterval: 25 * time.Millisecond,
		Prefix:        "medadmin:lock:",
	}
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is empty")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// unlockScript deletes the key only while it still holds our token
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a distributed lock keyed by string. A lock expires after
// LockTTL if its holder never releases it.
type Locker struct {
	rdb    goredis.UniversalClient
	cfg    Config
	logger *zap.Logger
}

// NewLocker creates a locker on an existing client
func NewLocker(rdb goredis.UniversalClient, cfg Config, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	return &Locker{rdb: rdb, cfg: cfg, logger: logger}
}

// Lock blocks until key is acquired or ctx is done
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.cfg.Prefix + key
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.cfg.LockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// Release even when the caller's context is already done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, l.rdb, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn("release lock failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
