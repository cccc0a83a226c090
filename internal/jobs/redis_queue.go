package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps jobs in a ready list and moves them atomically to a
// processing list while a worker holds them. Jobs left in processing by a
// crashed worker are moved back by Recover.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	blockTimeout time.Duration
	closed       atomic.Bool
}

var _ Queue = (*RedisQueue)(nil)

type RedisOption func(*RedisQueue)

// WithBlockTimeout bounds each blocking pop so Next notices Close.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.blockTimeout = d }
}

func NewRedisQueue(client *redis.Client, prefix string, opts ...RedisOption) *RedisQueue {
	if prefix == "" {
		prefix = "maturity:jobs"
	}
	q := &RedisQueue{client: client, prefix: prefix, blockTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) key(name string) string { return q.prefix + ":" + name }

// Recover moves in-flight jobs back to the ready list. Call it once before
// starting workers.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.key("processing"), q.key("ready")).Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("recover jobs: %w", err)
		}
		n++
	}
	if n > 0 {
		log.Printf("jobs: recovered %d in-flight jobs", n)
	}
	return n, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	added, err := q.client.SAdd(ctx, q.key("pending"), job.ID).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if added == 0 {
		return ErrDuplicate
	}
	if err := q.client.LPush(ctx, q.key("ready"), payload).Err(); err != nil {
		q.client.SRem(ctx, q.key("pending"), job.ID)
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Next(ctx context.Context) (Job, error) {
	for {
		if q.closed.Load() {
			return Job{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		raw, err := q.client.BRPopLPush(ctx, q.key("ready"), q.key("processing"), q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("next job: %w", err)
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			log.Printf("jobs: dropping malformed payload %q: %v", raw, err)
			q.client.LRem(ctx, q.key("processing"), 1, raw)
			continue
		}
		job.raw = raw
		return job, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, job Job, success bool) error {
	counter := q.key("completed")
	if !success {
		counter = q.key("failed")
	}
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if job.raw != "" {
			p.LRem(ctx, q.key("processing"), 1, job.raw)
		}
		p.SRem(ctx, q.key("pending"), job.ID)
		p.Incr(ctx, counter)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key("ready"))
	active := pipe.LLen(ctx, q.key("processing"))
	completed := pipe.Get(ctx, q.key("completed"))
	failed := pipe.Get(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: counterVal(completed),
		Failed:    counterVal(failed),
	}, nil
}

func counterVal(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}

// Close stops Next from handing out jobs. The client belongs to the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
