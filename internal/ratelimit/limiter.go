// Package ratelimit implements the per-IP sliding-window limiter that
// guards note/file creation and passphrase-validation attempts.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Limiter enforces a sliding-window request count per (IP, bucket) pair
// using a Redis sorted set: one member per request, scored by its
// timestamp, with everything older than the window trimmed on each check.
// On any Redis error it fails open — availability of the service outranks
// the rate limit, per spec §4.5/§9.
type Limiter struct {
	client *redis.Client
	logger *logrus.Logger
	window time.Duration
	limits map[string]int
}

// New builds a Limiter against an already-configured redis.Client. limits
// maps a bucket name (e.g. "create", "validate") to its max request count
// within window.
func New(client *redis.Client, window time.Duration, limits map[string]int, logger *logrus.Logger) *Limiter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Limiter{client: client, logger: logger, window: window, limits: limits}
}

// Decision reports whether a request is admitted and, when it is not, how
// long the caller should wait before trying again.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Allow reports whether ip may make one more request against bucket. A
// Redis failure is logged and reported as allowed (fail-open). When the
// request is rejected, RetryAfter holds the time until the oldest entry in
// the window ages out, for the response's Retry-After header.
func (l *Limiter) Allow(ctx context.Context, bucket, ip string) Decision {
	limit, ok := l.limits[bucket]
	if !ok || limit <= 0 {
		return Decision{Allowed: true}
	}

	now := time.Now()
	key := fmt.Sprintf("rate_limit:%s:%s", ip, bucket)
	cutoff := now.Add(-l.window)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	count := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{"bucket": bucket, "ip": ip}).
			Warn("rate limiter backend error, failing open")
		return Decision{Allowed: true}
	}

	// count reflects the window's occupancy before this request's own
	// entry, so ">= limit" (not "> limit") is the correct rejection test.
	if count.Val() >= int64(limit) {
		return Decision{Allowed: false, RetryAfter: retryAfter(now, l.window, oldest.Val())}
	}

	if err := l.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()}).Err(); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{"bucket": bucket, "ip": ip}).
			Warn("rate limiter backend error, failing open")
		return Decision{Allowed: true}
	}
	l.client.Expire(ctx, key, l.window)

	return Decision{Allowed: true}
}

// retryAfter computes the time until the window's oldest entry ages out of
// the limiter's window, given the sorted-set member with the lowest score.
// Falls back to the full window if the oldest member couldn't be read.
func retryAfter(now time.Time, window time.Duration, oldest []redis.Z) time.Duration {
	if len(oldest) != 1 {
		return window
	}
	oldestAt := time.Unix(0, int64(oldest[0].Score))
	remaining := window - now.Sub(oldestAt)
	if remaining <= 0 {
		return time.Second
	}
	return remaining
}

// ClientIP resolves the caller's address from a request using the
// precedence spec §4.5 specifies: X-Forwarded-For (first hop), then
// X-Real-IP, then CF-Connecting-IP, falling back to "unknown" rather than
// trusting RemoteAddr alone behind a reverse proxy.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return strings.TrimSpace(cf)
	}
	return "unknown"
}
