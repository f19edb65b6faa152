package enforcer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs Store with Redis so rate-limit counters are shared
// across every process serving a given resource server, following the
// teacher's RedisIdempotencyStore pattern of wrapping redis.Cmdable
// directly rather than a full client.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// HealthCheck pings Redis, satisfying observability.HealthChecker for the
// RS readiness endpoint.
func (rs *RedisStore) HealthCheck(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("enforcer: redis ping: %w", err)
	}
	return nil
}

func hourlyKey(jti string, bucket int64) string {
	return fmt.Sprintf("aap:rate:hourly:%s:%d", jti, bucket)
}

func minuteKey(jti string) string {
	return fmt.Sprintf("aap:rate:minute:%s", jti)
}

// IncrHourly implements Store using INCR+EXPIRE on a bucket-suffixed key so
// stale buckets fall out of Redis on their own.
func (rs *RedisStore) IncrHourly(ctx context.Context, jti string, now time.Time) (int64, error) {
	bucket := now.Unix() / 3600
	key := hourlyKey(jti, bucket)

	count, err := rs.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("enforcer: redis incr %q: %w", key, err)
	}
	if count == 1 {
		if err := rs.client.Expire(ctx, key, 2*time.Hour).Err(); err != nil {
			return 0, fmt.Errorf("enforcer: redis expire %q: %w", key, err)
		}
	}
	return count, nil
}

// RecordMinute implements Store using a sorted set keyed by timestamp:
// ZREMRANGEBYSCORE evicts anything older than the 60-second window first,
// ZCARD reports the surviving count, and only a request that falls below
// limit gets ZADD'd into the set — a rejected request must never occupy a
// window slot, so the add happens after the limit check, not before.
func (rs *RedisStore) RecordMinute(ctx context.Context, jti string, now time.Time, limit int) (bool, error) {
	key := minuteKey(jti)

	cutoff := float64(now.Add(-60 * time.Second).UnixNano())
	if err := rs.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff)).Err(); err != nil {
		return false, fmt.Errorf("enforcer: redis zremrangebyscore %q: %w", key, err)
	}

	count, err := rs.client.ZCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("enforcer: redis zcard %q: %w", key, err)
	}
	if int(count) >= limit {
		return false, nil
	}

	score := float64(now.UnixNano())
	member := fmt.Sprintf("%d", now.UnixNano())
	if err := rs.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return false, fmt.Errorf("enforcer: redis zadd %q: %w", key, err)
	}
	if err := rs.client.Expire(ctx, key, 2*time.Minute).Err(); err != nil {
		return false, fmt.Errorf("enforcer: redis expire %q: %w", key, err)
	}

	return true, nil
}
