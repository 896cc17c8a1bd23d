package storage

import (
	"careline/backend/internal/models"
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresence keeps one hash per account:
// status:<id> {state, last_changed, connections}.
type RedisPresence struct {
	Redis *redis.Client
	now   func() time.Time
}

var _ Presence = (*RedisPresence)(nil)

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{Redis: rdb, now: time.Now}
}

func (p *RedisPresence) SetStatus(ctx context.Context, accountID string, state models.PresenceState) error {
	key := presenceKey(accountID)
	_, err := p.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "state", string(state), "last_changed", p.now().UnixMilli())
		pipe.Publish(ctx, PresenceChannel(accountID), string(state))
		return nil
	})
	return err
}

// adjustConnections moves the connection count by ARGV[1] and rewrites the
// state only when the count crosses zero.
var adjustConnections = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], 'connections', ARGV[1])
if n < 0 then
	n = 0
	redis.call('HSET', KEYS[1], 'connections', 0)
end
local state = 'offline'
if n > 0 then
	state = 'online'
end
if redis.call('HGET', KEYS[1], 'state') ~= state then
	redis.call('HSET', KEYS[1], 'state', state, 'last_changed', ARGV[2])
	redis.call('PUBLISH', KEYS[2], state)
end
return n
`)

func (p *RedisPresence) Connect(ctx context.Context, accountID string) error {
	return p.adjust(ctx, accountID, 1)
}

func (p *RedisPresence) Disconnect(ctx context.Context, accountID string) error {
	return p.adjust(ctx, accountID, -1)
}

func (p *RedisPresence) adjust(ctx context.Context, accountID string, delta int) error {
	keys := []string{presenceKey(accountID), PresenceChannel(accountID)}
	return adjustConnections.Run(ctx, p.Redis, keys, delta, p.now().UnixMilli()).Err()
}

func (p *RedisPresence) GetStatus(ctx context.Context, accountID string) (*models.PresenceStatus, error) {
	fields, err := p.Redis.HGetAll(ctx, presenceKey(accountID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	status := &models.PresenceStatus{
		AccountID: accountID,
		State:     models.PresenceState(fields["state"]),
	}
	if ms, err := strconv.ParseInt(fields["last_changed"], 10, 64); err == nil {
		status.LastChanged = time.UnixMilli(ms).UTC()
	}
	return status, nil
}

func (p *RedisPresence) WatchStatus(accountID string, fn func(*models.PresenceStatus, error)) Subscription {
	return watchRedis(p.Redis, PresenceChannel(accountID), func(ctx context.Context) (*models.PresenceStatus, error) {
		return p.GetStatus(ctx, accountID)
	}, fn)
}
