package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// reserveScript increments the counter and rolls the increment back when
// it would pass the limit, so the check and the count are one step.
var reserveScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
	redis.call('DECR', KEYS[1])
	return 0
end
return 1
`)

// raiseScript sets the counter to ARGV[1] only if that is higher than the
// current value. Reservations already counted are never dropped.
var raiseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// CapCounter keeps per-window send counts for strictly capped alert types.
type CapCounter struct {
	client *Client
	logger *zap.Logger
}

// NewCapCounter creates a counter.
func NewCapCounter(client *Client, logger *zap.Logger) *CapCounter {
	return &CapCounter{client: client, logger: logger}
}

func counterKey(key string) string {
	return "gatekeeper:" + key
}

// Reserve counts one send against key and reports whether it fits within
// limit. A cold key is first seeded with the delivery log count so a
// restart or eviction does not reset the window.
func (c *CapCounter) Reserve(ctx context.Context, key string, limit int, ttl time.Duration, seed func() (int, error)) (bool, error) {
	rk := counterKey(key)

	n, err := c.client.rdb.Exists(ctx, rk).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	if n == 0 && seed != nil {
		count, err := seed()
		if err != nil {
			return false, fmt.Errorf("seed counter %s: %w", key, err)
		}
		// A concurrent reserver may have seeded first; SETNX keeps its value.
		if err := c.client.rdb.SetNX(ctx, rk, count, ttl).Err(); err != nil {
			return false, fmt.Errorf("redis setnx failed: %w", err)
		}
	}

	ok, err := reserveScript.Run(ctx, c.client.rdb, []string{rk}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis reserve failed: %w", err)
	}
	if ok == 0 {
		c.logger.Debug("strict cap reached", zap.String("key", key), zap.Int("limit", limit))
		return false, nil
	}
	return true, nil
}

// Release returns a reservation that was not used.
func (c *CapCounter) Release(ctx context.Context, key string) error {
	if err := c.client.rdb.Decr(ctx, counterKey(key)).Err(); err != nil {
		return fmt.Errorf("redis decr failed: %w", err)
	}
	return nil
}

// Raise lifts the counter to at least count. The reconciler uses it to
// repair counters that fell behind the delivery log.
func (c *CapCounter) Raise(ctx context.Context, key string, count int, ttl time.Duration) (bool, error) {
	n, err := raiseScript.Run(ctx, c.client.rdb, []string{counterKey(key)}, count, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis raise failed: %w", err)
	}
	return n == 1, nil
}

// Count returns the current counter value, zero when absent.
func (c *CapCounter) Count(ctx context.Context, key string) (int, error) {
	n, err := c.client.rdb.Get(ctx, counterKey(key)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return n, nil
}
