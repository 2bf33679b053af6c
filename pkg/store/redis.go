package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a *redis.Client, the same client
// type the cache manager and rate-limit tracker wrap elsewhere in this
// codebase's lineage.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client. Panics on a nil client,
// matching this codebase's convention for required collaborators.
func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{client: client}
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("HGetAll", err)
	}
	return m, nil
}

func (r *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := r.client.HSet(ctx, key, args...).Err(); err != nil {
		return wrap("HSet", err)
	}
	return nil
}

func (r *RedisStore) HDel(ctx context.Context, key string, field string) error {
	if err := r.client.HDel(ctx, key, field).Err(); err != nil {
		return wrap("HDel", err)
	}
	return nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("Exists", err)
	}
	return n > 0, nil
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrap("TTL", err)
	}
	return d, nil
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return wrap("Expire", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return wrap("Del", err)
	}
	return nil
}

func (r *RedisStore) SAdd(ctx context.Context, key string, member string) error {
	if err := r.client.SAdd(ctx, key, member).Err(); err != nil {
		return wrap("SAdd", err)
	}
	return nil
}

func (r *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, wrap("SCard", err)
	}
	return n, nil
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap("SMembers", err)
	}
	return members, nil
}

func (r *RedisStore) SRem(ctx context.Context, key string, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return wrap("SRem", err)
	}
	return nil
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return wrap("ZAdd", err)
	}
	return nil
}

func (r *RedisStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap("SetNX", err)
	}
	return ok, nil
}

func (r *RedisStore) NewTx() Tx {
	return &redisTx{pipe: r.client.TxPipeline()}
}

func (r *RedisStore) Publish(ctx context.Context, channel string, message string) error {
	if err := r.client.Publish(ctx, channel, message).Err(); err != nil {
		return wrap("Publish", err)
	}
	return nil
}

func (r *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, wrap("Subscribe", err)
	}
	return &redisSubscription{sub: sub}, nil
}

func (r *RedisStore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	keys, next, err := r.client.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, wrap("Scan", err)
	}
	return keys, next, nil
}

// redisTx batches commands on a redis TxPipeline, mirroring the
// pipe.Set/pipe.Exec idiom this codebase already uses for atomic
// multi-key writes.
type redisTx struct {
	pipe redis.Pipeliner
}

func (t *redisTx) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	t.pipe.HSet(context.Background(), key, args...)
}

func (t *redisTx) HDel(key string, field string) {
	t.pipe.HDel(context.Background(), key, field)
}

func (t *redisTx) SAdd(key string, member string) {
	t.pipe.SAdd(context.Background(), key, member)
}

func (t *redisTx) SRem(key string, member string) {
	t.pipe.SRem(context.Background(), key, member)
}

func (t *redisTx) ZAdd(key string, score float64, member string) {
	t.pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
}

func (t *redisTx) Expire(key string, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	t.pipe.Expire(context.Background(), key, ttl)
}

func (t *redisTx) Exec(ctx context.Context) error {
	if _, err := t.pipe.Exec(ctx); err != nil {
		return wrap("TxExec", err)
	}
	return nil
}

// redisSubscription adapts *redis.PubSub to the Subscription interface,
// implementing the "short polling re-check on timeout" fallback the
// collapse coordinator relies on when it misses the publish.
type redisSubscription struct {
	sub *redis.PubSub
}

func (s *redisSubscription) ReceiveUntil(ctx context.Context, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-s.sub.Channel():
		if !ok {
			return "", false, nil
		}
		return msg.Payload, true, nil
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (s *redisSubscription) Close() error {
	return s.sub.Close()
}
