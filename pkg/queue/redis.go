package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a *redis.Client: a ZADD-keyed-by-priority
// sorted set for pending jobs, a pipeline-moved hash for in-flight jobs,
// and a bodies hash holding each job's JSON encoding by id. Dequeue pops
// the highest-priority pending member and moves it to in-flight in one
// pipeline, mirroring the atomic pending-to-in-flight move this module
// uses everywhere else a multi-step Redis operation must not be observed
// half-done.
type RedisQueue struct {
	client *redis.Client
	name   name
}

// NewRedisQueue wraps an existing redis client for the named queue.
// Panics on a nil client, matching this codebase's convention for
// required collaborators.
func NewRedisQueue(client *redis.Client, queueName string) *RedisQueue {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisQueue{client: client, name: keysFor(queueName)}
}

// Enqueue adds job to the pending set and (re)writes its body under
// job.ID. If job.ID is already pending, ZAdd only refreshes its score, so
// no duplicate is added; if it is in flight, it is added to pending again
// and runs once more after the current run.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.name.bodies, job.ID, body)
	pipe.ZAdd(ctx, q.name.pending, redis.Z{Score: score(job.Priority), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("Enqueue", err)
	}
	return nil
}

// Dequeue blocks up to timeout, polling the pending set for the
// lowest-score (highest-priority) member and moving it to in-flight.
// go-redis's BZPOPMIN would block server-side, but this module avoids it
// so the in-flight move can be expressed as one pipeline rather than two
// round trips racing another consumer; the poll interval trades a little
// latency for that atomicity guarantee.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := q.tryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dequeuePollInterval):
		}
	}
}

const dequeuePollInterval = 50 * time.Millisecond

func (q *RedisQueue) tryDequeue(ctx context.Context) (*Job, error) {
	members, err := q.client.ZRangeWithScores(ctx, q.name.pending, 0, 0).Result()
	if err != nil {
		return nil, wrap("ZRangeWithScores", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	id, _ := members[0].Member.(string)

	pipe := q.client.TxPipeline()
	rem := pipe.ZRem(ctx, q.name.pending, id)
	pipe.HSet(ctx, q.name.inflight, id, time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrap("Dequeue", err)
	}
	if rem.Val() == 0 {
		// Another consumer won the race for this id between the read and
		// the pipeline; retry rather than returning a job nobody can ack.
		return nil, nil
	}

	raw, err := q.client.HGet(ctx, q.name.bodies, id).Result()
	if err != nil {
		return nil, wrap("HGet", err)
	}
	return decodeJob(raw)
}

// Ack removes a completed job from in-flight and its stored body.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.name.inflight, jobID)
	pipe.HDel(ctx, q.name.bodies, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("Ack", err)
	}
	return nil
}

// Nack returns an in-flight job to pending at its original priority so
// it can be retried; the body stored under jobID is untouched.
func (q *RedisQueue) Nack(ctx context.Context, jobID string) error {
	raw, err := q.client.HGet(ctx, q.name.bodies, jobID).Result()
	if err != nil {
		return wrap("Nack", err)
	}
	job, err := decodeJob(raw)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.name.inflight, jobID)
	pipe.ZAdd(ctx, q.name.pending, redis.Z{Score: score(job.Priority), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("Nack", err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.name.pending).Result()
	if err != nil {
		return 0, wrap("Depth", err)
	}
	return n, nil
}
