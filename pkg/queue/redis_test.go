package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis instance for integration-style
// tests. Unit tests that don't need real Redis semantics should use
// pkg/queue/queuetest.Fake instead.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestRedisQueueEnqueueDequeueAck(t *testing.T) {
	client := setupTestRedis(t)
	q := NewRedisQueue(client, "test")
	ctx := context.Background()

	job := Job{ID: "job-1", Klass: "purge-scan", Priority: 1, Payload: []byte("p")}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ID != job.ID || got.Klass != job.Klass {
		t.Fatalf("got %+v, want %+v", got, job)
	}

	if err := q.Ack(ctx, got.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil || depth != 0 {
		t.Fatalf("depth = %d, err = %v, want 0", depth, err)
	}
}

func TestRedisQueueDequeueOrdersByPriority(t *testing.T) {
	client := setupTestRedis(t)
	q := NewRedisQueue(client, "test")
	ctx := context.Background()

	low := Job{ID: "low", Priority: 1}
	high := Job{ID: "high", Priority: 10}
	if err := q.Enqueue(ctx, low); err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	if err := q.Enqueue(ctx, high); err != nil {
		t.Fatalf("Enqueue high: %v", err)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ID != "high" {
		t.Fatalf("dequeued %q first, want the higher-priority job", got.ID)
	}
}

func TestRedisQueueNackReturnsJobToPending(t *testing.T) {
	client := setupTestRedis(t)
	q := NewRedisQueue(client, "test")
	ctx := context.Background()

	job := Job{ID: "retry-me", Priority: 1}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := q.Nack(ctx, got.ID); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("depth after nack = %d, err = %v, want 1", depth, err)
	}

	redelivered, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue after nack: %v", err)
	}
	if redelivered.ID != job.ID {
		t.Fatalf("redelivered = %q, want %q", redelivered.ID, job.ID)
	}
}

func TestRedisQueueDequeueEmptyTimesOut(t *testing.T) {
	client := setupTestRedis(t)
	q := NewRedisQueue(client, "empty-test")
	ctx := context.Background()

	_, err := q.Dequeue(ctx, 80*time.Millisecond)
	if err != ErrEmpty {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
}
