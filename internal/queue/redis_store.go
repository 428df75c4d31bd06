package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the durable Store backing used in multi-process deployments
// (spec §4.7 "durable" queue; DOMAIN STACK: github.com/redis/go-redis/v9).
// Ready jobs live in a per-category sorted set scored by
// -priority*1e15+enqueuedAtMillis so ZPopMin yields the highest-priority,
// earliest-enqueued job first; delayed/retry jobs live in a second sorted
// set per category scored by NextRunAt and are promoted into the ready set
// by Dequeue once due. Job records themselves are JSON blobs keyed by id.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps an existing redis client. prefix namespaces all keys
// (e.g. "agentcore:queue") so the store can share a Redis instance with
// other subsystems.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "agentcore:queue"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) readyKey(category string) string   { return fmt.Sprintf("%s:ready:%s", s.prefix, category) }
func (s *RedisStore) delayedKey(category string) string { return fmt.Sprintf("%s:delayed:%s", s.prefix, category) }
func (s *RedisStore) jobKey(id string) string            { return fmt.Sprintf("%s:job:%s", s.prefix, id) }

// priorityScore packs priority (higher = sooner) and enqueue order (earlier
// = sooner) into a single float64 so ZPopMin yields correct ordering.
func priorityScore(priority int, enqueuedAt time.Time) float64 {
	return -float64(priority)*1e15 + float64(enqueuedAt.UnixNano())/1e6
}

func (s *RedisStore) Enqueue(ctx context.Context, job *Job) error {
	if job.State == "" {
		job.State = StateWaiting
	}
	if err := s.Save(ctx, job); err != nil {
		return err
	}
	if job.State == StateDelayed {
		return s.rdb.ZAdd(ctx, s.delayedKey(job.Category), redis.Z{
			Score: float64(job.NextRunAt.UnixNano()), Member: job.ID,
		}).Err()
	}
	return s.rdb.ZAdd(ctx, s.readyKey(job.Category), redis.Z{
		Score: priorityScore(job.Priority, job.CreatedAt), Member: job.ID,
	}).Err()
}

// promoteDue moves delayed jobs whose NextRunAt has elapsed into the ready
// set.
func (s *RedisStore) promoteDue(ctx context.Context, category string, now time.Time) error {
	ids, err := s.rdb.ZRangeByScore(ctx, s.delayedKey(category), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		pipe := s.rdb.TxPipeline()
		pipe.ZRem(ctx, s.delayedKey(category), id)
		pipe.ZAdd(ctx, s.readyKey(category), redis.Z{Score: priorityScore(job.Priority, job.CreatedAt), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Dequeue(ctx context.Context, category string) (*Job, error) {
	now := time.Now()
	if err := s.promoteDue(ctx, category, now); err != nil {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}

	results, err := s.rdb.ZPopMin(ctx, s.readyKey(category), 1).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	id, _ := results[0].Member.(string)

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.State = StateActive
	job.UpdatedAt = now
	if err := s.Save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	raw, err := s.rdb.Get(ctx, s.jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, &ErrNotFound{JobID: jobID}
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %q: %w", jobID, err)
	}
	return &job, nil
}

func (s *RedisStore) Save(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %q: %w", job.ID, err)
	}
	return s.rdb.Set(ctx, s.jobKey(job.ID), b, 0).Err()
}

func (s *RedisStore) Cancel(ctx context.Context, jobID string) (State, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	switch job.State {
	case StateWaiting:
		s.rdb.ZRem(ctx, s.readyKey(job.Category), jobID)
		job.State = StateCancelled
	case StateDelayed:
		s.rdb.ZRem(ctx, s.delayedKey(job.Category), jobID)
		job.State = StateCancelled
	case StateActive:
		job.State = StateCancelling
	}
	job.UpdatedAt = time.Now()
	if err := s.Save(ctx, job); err != nil {
		return "", err
	}
	return job.State, nil
}

// Prune is a no-op for RedisStore: job records are written without a TTL
// and this store never removes them, whatever their state or age.
func (s *RedisStore) Prune(ctx context.Context, now time.Time, completedMaxAge time.Duration, completedMaxCount int, failedMaxAge time.Duration) error {
	return nil
}
