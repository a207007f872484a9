package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/depositrecon/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyDigestLock    = "flex:digest:lock:%s:%s"
	keyDigestTrigger = "flex:digest:trigger:%s"

	digestLockTTL = 10 * time.Minute

	// Manual digest runs are limited to a handful per tenant per hour.
	digestTriggerRate  = 5.0 / 3600.0
	digestTriggerBurst = 5
)

// Limiter guards the digest. Without redis it is nil and every call
// succeeds, which is the single-replica setup.
type Limiter struct {
	locker *Locker
	bucket *TokenBucket
}

func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Info("redis not configured; digest locking runs in-process only")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func NewLimiter(client *redis.Client) *Limiter {
	if client == nil {
		return nil
	}
	return &Limiter{
		locker: NewLocker(client),
		bucket: NewTokenBucket(client),
	}
}

// TryLockDigest takes the per tenant and day digest lock. ok is false when
// another replica holds it.
func (l *Limiter) TryLockDigest(ctx context.Context, tenantID snowflake.ID, date string) (token string, ok bool, err error) {
	if l == nil {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyDigestLock, tenantID, date), digestLockTTL)
}

func (l *Limiter) ReleaseDigest(ctx context.Context, tenantID snowflake.ID, date, token string) error {
	if l == nil {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyDigestLock, tenantID, date), token)
}

// AllowDigestTrigger rate limits manual digest runs per tenant.
func (l *Limiter) AllowDigestTrigger(ctx context.Context, tenantID snowflake.ID) (*RateLimitResult, error) {
	if l == nil {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyDigestTrigger, tenantID), digestTriggerRate, digestTriggerBurst)
}
