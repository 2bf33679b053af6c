package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "entity:"

// RedisDriver stores entity bodies as opaque byte strings in the same
// Redis instance used as the metadata store. This keeps the module
// runnable with a single external dependency; a deployment that expects
// large bodies should supply a different Driver (e.g. an object-storage
// backed one) since nothing here assumes Redis is a good fit for bulk
// blobs.
type RedisDriver struct {
	client *redis.Client
}

// NewRedisDriver wraps an existing redis client for entity storage.
func NewRedisDriver(client *redis.Client) *RedisDriver {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisDriver{client: client}
}

func (d *RedisDriver) Put(ctx context.Context, id string, body []byte, ttl time.Duration) error {
	if err := d.client.Set(ctx, keyPrefix+id, body, ttl).Err(); err != nil {
		return wrap("Put", err)
	}
	return nil
}

func (d *RedisDriver) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := d.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, wrap("Get", err)
	}
	return data, nil
}

func (d *RedisDriver) Delete(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return wrap("Delete", err)
	}
	return nil
}

func (d *RedisDriver) Exists(ctx context.Context, id string) (bool, error) {
	n, err := d.client.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, wrap("Exists", err)
	}
	return n > 0, nil
}

func (d *RedisDriver) SetTTL(ctx context.Context, id string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := d.client.Expire(ctx, keyPrefix+id, ttl).Err(); err != nil {
		return wrap("SetTTL", err)
	}
	return nil
}
