package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultTTL is the membership lease of the Redis roster.
const DefaultTTL = time.Minute

const redisKeyPrefix = "relay:roster:"

// Redis implements Roster on a shared Redis instance so every hub process
// sees the members joined through the others. Each group is a hash of
// connection id to member and a sorted set of lease deadlines; expired
// members are pruned on read.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis returns a Redis roster.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, now: time.Now}
}

func membersKey(group string) string { return redisKeyPrefix + group }
func expiryKey(group string) string  { return redisKeyPrefix + group + ":exp" }

func (r *Redis) deadline() float64 {
	return float64(r.now().Add(r.ttl).UnixMilli())
}

func (r *Redis) prune(ctx context.Context, group string) error {
	max := strconv.FormatInt(r.now().UnixMilli(), 10)
	stale, err := r.client.ZRangeByScore(ctx, expiryKey(group), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil || len(stale) == 0 {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, membersKey(group), stale...)
		args := make([]interface{}, len(stale))
		for i, s := range stale {
			args[i] = s
		}
		p.ZRem(ctx, expiryKey(group), args...)
		return nil
	})
	return err
}

// Add implements Roster.Add.
func (r *Redis) Add(ctx context.Context, group string, m Member) ([]Member, error) {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = r.now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, membersKey(group), m.ConnectionID, data)
		p.ZAdd(ctx, expiryKey(group), redis.Z{Score: r.deadline(), Member: m.ConnectionID})
		p.PExpire(ctx, membersKey(group), 2*r.ttl)
		p.PExpire(ctx, expiryKey(group), 2*r.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("roster add %s: %w", group, err)
	}
	return r.Members(ctx, group)
}

// Remove implements Roster.Remove.
func (r *Redis) Remove(ctx context.Context, group, connectionID string) (int, error) {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, membersKey(group), connectionID)
		p.ZRem(ctx, expiryKey(group), connectionID)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("roster remove %s: %w", group, err)
	}
	if err := r.prune(ctx, group); err != nil {
		return 0, err
	}
	n, err := r.client.HLen(ctx, membersKey(group)).Result()
	return int(n), err
}

// Members implements Roster.Members.
func (r *Redis) Members(ctx context.Context, group string) ([]Member, error) {
	if err := r.prune(ctx, group); err != nil {
		return nil, err
	}
	vals, err := r.client.HGetAll(ctx, membersKey(group)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(vals))
	for _, v := range vals {
		var m Member
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("roster decode member: %w", err)
		}
		out = append(out, m)
	}
	SortMembers(out)
	return out, nil
}

// Touch implements Roster.Touch.
func (r *Redis) Touch(ctx context.Context, group, connectionID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddXX(ctx, expiryKey(group), redis.Z{Score: r.deadline(), Member: connectionID})
		p.PExpire(ctx, membersKey(group), 2*r.ttl)
		p.PExpire(ctx, expiryKey(group), 2*r.ttl)
		return nil
	})
	return err
}
