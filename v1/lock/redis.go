package lock

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultTTL is the lease length of a Redis lock. Hubs refresh held locks
// well within it.
const DefaultTTL = 30 * time.Second

const redisKeyPrefix = "relay:lock:"

// Each lock is a hash {conn, holder} with a PEXPIRE lease.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    redis.call("HSET", KEYS[1], "conn", ARGV[1], "holder", ARGV[2])
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
    return {1, ARGV[2]}
end
if redis.call("HGET", KEYS[1], "conn") == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
    return {1, redis.call("HGET", KEYS[1], "holder")}
end
return {0, redis.call("HGET", KEYS[1], "holder")}
`)

var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn") == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn") == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

var clearScript = redis.NewScript(`
local holder = redis.call("HGET", KEYS[1], "holder")
redis.call("DEL", KEYS[1])
return holder
`)

// Redis implements Table on a shared Redis instance.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis returns a Redis table whose locks expire after ttl unless
// refreshed.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, now: time.Now}
}

// TTL returns the lease length.
func (r *Redis) TTL() time.Duration { return r.ttl }

func key(resource string) string { return redisKeyPrefix + resource }

func decodeHolder(v interface{}) (Holder, error) {
	s, ok := v.(string)
	if !ok {
		return Holder{}, fmt.Errorf("lock: unexpected holder value %T", v)
	}
	var h Holder
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return Holder{}, fmt.Errorf("lock: decode holder: %w", err)
	}
	return h, nil
}

// TryAcquire implements Table.TryAcquire.
func (r *Redis) TryAcquire(ctx context.Context, resource string, h Holder) (Holder, bool, error) {
	if h.AcquiredAt.IsZero() {
		h.AcquiredAt = r.now().UTC()
	}
	data, err := json.Marshal(h)
	if err != nil {
		return Holder{}, false, err
	}
	res, err := acquireScript.Run(ctx, r.client, []string{key(resource)}, h.ConnectionID, string(data), r.ttl.Milliseconds()).Slice()
	if err != nil {
		return Holder{}, false, err
	}
	if len(res) != 2 {
		return Holder{}, false, fmt.Errorf("lock: unexpected acquire reply %v", res)
	}
	current, err := decodeHolder(res[1])
	if err != nil {
		return Holder{}, false, err
	}
	acquired, _ := res[0].(int64)
	return current, acquired == 1, nil
}

// Release implements Table.Release.
func (r *Redis) Release(ctx context.Context, resource, connectionID string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key(resource)}, connectionID).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Status implements Table.Status.
func (r *Redis) Status(ctx context.Context, resource string) (*Holder, error) {
	v, err := r.client.HGet(ctx, key(resource), "holder").Result()
	if stdErrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h, err := decodeHolder(v)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Refresh implements Table.Refresh.
func (r *Redis) Refresh(ctx context.Context, resource, connectionID string) error {
	n, err := refreshScript.Run(ctx, r.client, []string{key(resource)}, connectionID, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Clear implements Table.Clear.
func (r *Redis) Clear(ctx context.Context, resource string) (*Holder, error) {
	v, err := clearScript.Run(ctx, r.client, []string{key(resource)}).Result()
	if stdErrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h, err := decodeHolder(v)
	if err != nil {
		return nil, err
	}
	return &h, nil
}
