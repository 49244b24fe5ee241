// Package dedup remembers which message ids have been routed so that a
// re-fetched or re-delivered email is not answered twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/staydesk/staydesk/internal/config"
)

const (
	DefaultTTL = 24 * time.Hour

	keyPrefix = "staydesk:seen:"
)

// Checker decides whether a message id is seen for the first time
type Checker interface {
	IsNew(ctx context.Context, messageID string) bool
}

// Filter tracks seen message ids in Redis
type Filter struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewClient creates a Redis client from the config
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewFilter creates a dedup filter backed by Redis
func NewFilter(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{rdb: rdb, ttl: ttl, logger: logger}
}

// IsNew reports whether messageID has not been seen before, marking it
// seen atomically (SETNX). When Redis is unavailable the email is allowed
// through.
func (f *Filter) IsNew(ctx context.Context, messageID string) bool {
	key := fmt.Sprintf("%s%s", keyPrefix, messageID)

	ok, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		f.logger.Warn("redis dedup check failed, allowing processing",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		f.logger.Info("skipped duplicate email", zap.String("message_id", messageID))
	}
	return ok
}

// Forget removes a message id, so a failed email can be retried
func (f *Filter) Forget(ctx context.Context, messageID string) error {
	return f.rdb.Del(ctx, keyPrefix+messageID).Err()
}

// Ping checks the Redis connection
func (f *Filter) Ping(ctx context.Context) error {
	return f.rdb.Ping(ctx).Err()
}

// Close closes the Redis client
func (f *Filter) Close() error {
	return f.rdb.Close()
}

// None lets every email through; used when Redis is not configured
type None struct{}

func (None) IsNew(context.Context, string) bool { return true }
