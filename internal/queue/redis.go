package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/nvela/flowd/pkg/schema"
)

// Key layout per queue name:
//
//	flowd:q:<name>:waiting   LIST   job IDs ready for delivery
//	flowd:q:<name>:active    LIST   job IDs currently being processed
//	flowd:q:<name>:delayed   ZSET   job ID -> unix-ms promotion time
//	flowd:q:<name>:dead      LIST   job IDs that exhausted retries
//	flowd:q:<name>:job:<id>  STRING serialized Job
const keyPrefix = "flowd:q:"

// RedisQueue is a Redis-backed Queue with delayed retry and dead-lettering.
type RedisQueue struct {
	client   *redis.Client
	policies map[string]Policy
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, addr, password string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "redis ping %s", addr).WithCause(err)
	}
	return &RedisQueue{
		client: client,
		policies: map[string]Policy{
			ExecutionQueue: ExecutionPolicy,
			EmailQueue:     EmailPolicy,
		},
	}, nil
}

// SetPolicy overrides the retry policy for a queue name.
func (q *RedisQueue) SetPolicy(queue string, p Policy) {
	q.policies[queue] = p
}

func (q *RedisQueue) policy(queue string) Policy {
	if p, ok := q.policies[queue]; ok {
		return p
	}
	return ExecutionPolicy
}

func waitingKey(queue string) string { return keyPrefix + queue + ":waiting" }
func activeKey(queue string) string  { return keyPrefix + queue + ":active" }
func delayedKey(queue string) string { return keyPrefix + queue + ":delayed" }
func deadKey(queue string) string    { return keyPrefix + queue + ":dead" }
func jobKey(queue, id string) string { return keyPrefix + queue + ":job:" + id }

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeQueue, "marshal job payload").WithCause(err)
	}
	job := &Job{
		ID:        uuid.NewString(),
		Queue:     queue,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeQueue, "marshal job").WithCause(err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(queue, job.ID), data, 0)
	pipe.LPush(ctx, waitingKey(queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeQueue, "enqueue on %s", queue).WithCause(err)
	}
	return job.ID, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, waitingKey(queue), activeKey(queue), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "dequeue from %s", queue).WithCause(err)
	}
	return q.loadJob(ctx, queue, id)
}

func (q *RedisQueue) loadJob(ctx context.Context, queue, id string) (*Job, error) {
	data, err := q.client.Get(ctx, jobKey(queue, id)).Result()
	if err == redis.Nil {
		// Body expired or was removed out of band. Drop the dangling ID.
		q.client.LRem(ctx, activeKey(queue), 0, id)
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "load job %s", id).WithCause(err)
	}
	job := &Job{}
	if err := json.Unmarshal([]byte(data), job); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "decode job %s", id).WithCause(err)
	}
	return job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, activeKey(job.Queue), 0, job.ID)
	pipe.Del(ctx, jobKey(job.Queue, job.ID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "ack job %s", job.ID).WithCause(err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, job *Job, cause error) error {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}

	policy := q.policy(job.Queue)
	exhausted := job.Attempts >= policy.MaxAttempts

	var fe *schema.FlowError
	if errors.As(cause, &fe) && !fe.IsRetryable() {
		exhausted = true
	}

	data, err := json.Marshal(job)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "marshal job %s", job.ID).WithCause(err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.Queue, job.ID), data, 0)
	pipe.LRem(ctx, activeKey(job.Queue), 0, job.ID)
	if exhausted {
		pipe.LPush(ctx, deadKey(job.Queue), job.ID)
	} else {
		due := time.Now().Add(policy.Backoff(job.Attempts)).UnixMilli()
		pipe.ZAdd(ctx, delayedKey(job.Queue), &redis.Z{Score: float64(due), Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "nack job %s", job.ID).WithCause(err)
	}
	return nil
}

func (q *RedisQueue) PromoteDelayed(ctx context.Context, queue string) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeQueue, "scan delayed on %s", queue).WithCause(err)
	}
	promoted := 0
	for _, id := range ids {
		// ZRem first so two promoters cannot both move the same job.
		removed, err := q.client.ZRem(ctx, delayedKey(queue), id).Result()
		if err != nil {
			return promoted, schema.NewErrorf(schema.ErrCodeQueue, "promote job %s", id).WithCause(err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, waitingKey(queue), id).Err(); err != nil {
			return promoted, schema.NewErrorf(schema.ErrCodeQueue, "promote job %s", id).WithCause(err)
		}
		promoted++
	}
	return promoted, nil
}

func (q *RedisQueue) RecoverStale(ctx context.Context, queue string) (int, error) {
	recovered := 0
	for {
		id, err := q.client.RPopLPush(ctx, activeKey(queue), waitingKey(queue)).Result()
		if err == redis.Nil {
			return recovered, nil
		}
		if err != nil {
			return recovered, schema.NewErrorf(schema.ErrCodeQueue, "recover stale on %s", queue).WithCause(err)
		}
		recovered++
		_ = id
	}
}

// DeadLetters returns the job bodies on the dead-letter list, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, queue string, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, deadKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "list dead letters on %s", queue).WithCause(err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.loadJob(ctx, queue, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)

// String implements fmt.Stringer for log output.
func (q *RedisQueue) String() string {
	return fmt.Sprintf("redis-queue(%s)", q.client.Options().Addr)
}
