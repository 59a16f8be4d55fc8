package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"carelink/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// FailPolicy decides what happens to a request when redis cannot be asked.
type FailPolicy int

const (
	// FailOpen lets the request through.
	FailOpen FailPolicy = iota
	// FailClosed answers 503.
	FailClosed
)

var errNoLimiterStore = errors.New("rate limiter has no redis client")

// LimitResult is the outcome of one fixed-window check.
type LimitResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

func limiterBypassed() bool {
	switch os.Getenv("APP_ENV") {
	case "", "test", "development":
		return true
	}
	return false
}

// Allow counts one hit for id against resource in a fixed window. A key
// left without an expiry is given one, so it never outlives its window.
func Allow(ctx context.Context, rdb *redis.Client, resource, id string, limit int, window time.Duration) (LimitResult, error) {
	if limiterBypassed() {
		return LimitResult{Allowed: true, Remaining: limit}, nil
	}
	if rdb == nil {
		return LimitResult{}, errNoLimiterStore
	}

	key := "rl:" + resource + ":" + id
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		ttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return LimitResult{}, fmt.Errorf("rate limit %s: %w", resource, err)
	}

	resetIn := ttl.Val()
	if resetIn <= 0 {
		if err := rdb.PExpire(ctx, key, window).Err(); err != nil {
			return LimitResult{}, fmt.Errorf("rate limit %s: %w", resource, err)
		}
		resetIn = window
	}

	count := int(incr.Val())
	return LimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		ResetIn:   resetIn,
	}, nil
}

// CheckRateLimit reports whether id may hit resource again. Limiting is off
// when APP_ENV is unset, "test" or "development".
func CheckRateLimit(ctx context.Context, rdb *redis.Client, resource, id string, limit int, window time.Duration) (bool, error) {
	res, err := Allow(ctx, rdb, resource, id, limit, window)
	return res.Allowed, err
}

// RateLimit enforces limit requests per window, keyed by the authenticated
// patient or else the remote IP. Redis errors let the request through.
func RateLimit(rdb *redis.Client, limit int, window time.Duration, name ...string) fiber.Handler {
	return RateLimitWithPolicy(rdb, limit, window, FailOpen, name...)
}

// RateLimitWithPolicy is RateLimit with an explicit redis failure policy.
func RateLimitWithPolicy(rdb *redis.Client, limit int, window time.Duration, policy FailPolicy, name ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := "ip:" + c.IP()
		if pid, ok := c.Locals("patientID").(uint); ok && pid != 0 {
			id = "patient:" + strconv.FormatUint(uint64(pid), 10)
		}

		resource := c.Path()
		if len(name) > 0 {
			resource = name[0]
		}

		res, err := Allow(c.UserContext(), rdb, resource, id, limit, window)
		if err != nil {
			Logger.WarnContext(c.UserContext(), "rate limit check failed",
				slog.String("resource", resource),
				slog.Bool("fail_closed", policy == FailClosed),
				slog.String("error", err.Error()))
			if policy == FailClosed {
				return models.RespondWithError(c, fiber.StatusServiceUnavailable,
					models.NewRetryableError("rate limit unavailable", nil))
			}
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(res.ResetIn.Round(time.Second)/time.Second)))
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{
				Error: "rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
		}
		return c.Next()
	}
}
