package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Opens the window on the first delivery, counts it, and reports the
// remaining window length. INCR keeps the TTL set by SET ... NX.
var deliveryWindowScript = redis.NewScript(`
redis.call("SET", KEYS[1], "0", "PX", ARGV[1], "NX")
local used = redis.call("INCR", KEYS[1])
return {used, redis.call("PTTL", KEYS[1])}
`)

const defaultDeliveryKeyPrefix = "thankdonors:actblue_deliveries"

// Quota is a profile's delivery window after the current delivery was counted.
type Quota struct {
	Used    int
	Limit   int
	ResetIn time.Duration
}

// Exceeded reports whether the current delivery went over the limit.
func (q Quota) Exceeded() bool {
	return q.Limit > 0 && q.Used > q.Limit
}

// RetryAfterSeconds rounds ResetIn up to whole seconds, never below one.
func (q Quota) RetryAfterSeconds() int {
	secs := int(math.Ceil(q.ResetIn.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// RedisDeliveryLimiter counts ActBlue deliveries per profile in a fixed
// window shared by every intake replica.
type RedisDeliveryLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
	limit     int
	window    time.Duration
}

// NewRedisDeliveryLimiter allows limit deliveries per profile per window. A
// non-positive limit disables counting.
func NewRedisDeliveryLimiter(client redis.UniversalClient, keyPrefix string, limit int, window time.Duration) *RedisDeliveryLimiter {
	keyPrefix = strings.TrimSuffix(strings.TrimSpace(keyPrefix), ":")
	if keyPrefix == "" {
		keyPrefix = defaultDeliveryKeyPrefix
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisDeliveryLimiter{client: client, keyPrefix: keyPrefix, limit: limit, window: window}
}

func (l *RedisDeliveryLimiter) key(profileID string) string {
	return l.keyPrefix + ":" + profileID
}

// Take counts one delivery for profileID.
func (l *RedisDeliveryLimiter) Take(ctx context.Context, profileID string) (Quota, error) {
	if l.limit <= 0 || strings.TrimSpace(profileID) == "" {
		return Quota{Limit: l.limit}, nil
	}

	raw, err := deliveryWindowScript.Run(ctx, l.client, []string{l.key(profileID)}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Quota{}, fmt.Errorf("delivery window script failed: %w", err)
	}
	if len(raw) != 2 {
		return Quota{}, fmt.Errorf("delivery window script returned %d values", len(raw))
	}

	resetIn := time.Duration(raw[1]) * time.Millisecond
	if raw[1] < 0 {
		resetIn = l.window
	}
	return Quota{Used: int(raw[0]), Limit: l.limit, ResetIn: resetIn}, nil
}
