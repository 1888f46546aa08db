// Package ratelimit provides a Redis-backed call budget for the upstream auth and usage
// endpoints, shared by every process that talks to them with the same credentials.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/credential-pool/internal/logging"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 10              // upstream calls per window
	DefaultReservedBudget = 6               // reserved for token refresh
	DefaultWindowSize     = time.Second     // fixed window
	DefaultKeyTTL         = 2 * time.Second // window + buffer
	DefaultKeyPrefix      = "credpool:budget"
)

// Priority selects the budget pool a call draws from.
type Priority int

const (
	// PriorityHigh is for token refresh, which sits on the request path (reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for usage and balance queries (shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// consumeScript checks both the total and the pool counter and increments them together.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local n = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + n > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + n > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, n)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, n)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + n, poolUsed + n}
`)

// BudgetTracker coordinates upstream call volume across processes using Redis.
// Each window has a reserved pool for high priority calls and a shared pool for the rest.
type BudgetTracker struct {
	redis          redis.Cmdable
	prefix         string
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
	logger         *logging.Logger
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	// KeyPrefix namespaces the window counters. Default: credpool:budget.
	KeyPrefix string

	// TotalBudget is the number of calls per window. Default: 10.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget only high priority calls may use. Default: 6.
	ReservedBudget int

	// WindowSize is the window duration. Default: 1s.
	WindowSize time.Duration

	// KeyTTL should be at least WindowSize. Default: 2s.
	KeyTTL time.Duration
}

// UsageStats contains the counters of the current window.
type UsageStats struct {
	TotalUsed      int
	ReservedUsed   int
	SharedUsed     int
	TotalBudget    int
	ReservedBudget int
	SharedBudget   int
	WindowStart    time.Time
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	total, reserved := c.budgets()
	if reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}
	return nil
}

func (c *BudgetTrackerConfig) budgets() (total, reserved int) {
	total, reserved = c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 {
		reserved = DefaultReservedBudget
		if reserved > total {
			reserved = total
		}
	}
	return total, reserved
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	total, reserved := cfg.budgets()

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL < windowSize {
		keyTTL = 2 * windowSize
	}

	return &BudgetTracker{
		redis:          cfg.Redis,
		prefix:         prefix,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
		now:            time.Now,
		logger:         logging.GetGlobalLogger().WithField("component", "budget_tracker"),
	}, nil
}

// windowStart returns the current window aligned to the window size.
func (t *BudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.windowSize)
}

// keys returns the Redis keys for the window starting at start.
func (t *BudgetTracker) keys(start time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(start.UnixMilli(), 10)
	totalKey = t.prefix + ":total:" + ts
	reservedKey = t.prefix + ":reserved:" + ts
	sharedKey = t.prefix + ":shared:" + ts
	return
}

// TryConsume attempts to take n calls from the pool matching priority.
// When denied it returns the time until the next window.
// A Redis failure allows the call: losing coordination must not block token refresh.
func (t *BudgetTracker) TryConsume(ctx context.Context, n int, priority Priority) (bool, time.Duration) {
	if n <= 0 {
		return true, 0
	}

	start := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(start)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		n, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		if ctx.Err() != nil {
			return false, 0
		}
		t.logger.WithError(err).WithField("priority", priority.String()).Warn("budget check failed, allowing call")
		return true, 0
	}

	if result[0] == 1 {
		return true, 0
	}
	return false, t.untilNextWindow(start)
}

// untilNextWindow returns the time until the window after start begins.
func (t *BudgetTracker) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage returns the counters of the current window.
func (t *BudgetTracker) GetUsage(ctx context.Context) (*UsageStats, error) {
	start := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(start)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)

	// missing keys come back as redis.Nil and count as zero
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read budget counters: %w", err)
	}

	return &UsageStats{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    start,
	}, nil
}

// parseIntOrZero parses a Redis string command result as int, returning 0 on error.
func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// AvailableBudget returns the calls left in the current window for priority.
func (t *BudgetTracker) AvailableBudget(ctx context.Context, priority Priority) (int, error) {
	stats, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}

	available := t.sharedBudget - stats.SharedUsed
	if priority == PriorityHigh {
		available = t.reservedBudget - stats.ReservedUsed
	}
	if left := t.totalBudget - stats.TotalUsed; left < available {
		available = left
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}

// Limiter returns a limiter drawing one call per Wait from the pool of priority.
func (t *BudgetTracker) Limiter(priority Priority) *Limiter {
	return &Limiter{tracker: t, priority: priority}
}

// Limiter blocks callers until the shared budget admits them.
type Limiter struct {
	tracker  *BudgetTracker
	priority Priority
}

// Wait blocks until one call is admitted or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		allowed, wait := l.tracker.TryConsume(ctx, 1, l.priority)
		if allowed {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
