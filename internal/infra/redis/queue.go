package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/dispatch"
)

const defaultPrefix = "cmwatch"

// JobQueue implements dispatch.Backend on Redis. Per chain it keeps a sorted
// set of pending job ids scored by priority, a sorted set of failed ids and
// a hash of job bodies.
type JobQueue struct {
	rdb    *redis.Client
	prefix string
}

// NewJobQueue creates a Redis-backed dispatch backend.
func NewJobQueue(client *Client, prefix string) *JobQueue {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &JobQueue{rdb: client.rdb, prefix: prefix}
}

var _ dispatch.Backend = (*JobQueue)(nil)

func (q *JobQueue) Push(ctx context.Context, job *dispatch.Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}

	added, err := q.rdb.HSetNX(ctx, jobsKey(q.prefix, job.ChainID), job.ID, data).Result()
	if err != nil {
		return false, fmt.Errorf("hsetnx failed: %w", err)
	}
	if !added {
		// Body exists. Re-index it only if a crash left it in neither set.
		known, err := q.indexed(ctx, job.ChainID, job.ID)
		if err != nil || known {
			return false, err
		}
	}

	if err := q.rdb.ZAdd(ctx, pendingKey(q.prefix, job.ChainID), redis.Z{
		Score:  float64(job.Priority),
		Member: job.ID,
	}).Err(); err != nil {
		return false, fmt.Errorf("zadd failed: %w", err)
	}
	return true, nil
}

func (q *JobQueue) indexed(ctx context.Context, chainID, id string) (bool, error) {
	for _, key := range []string{pendingKey(q.prefix, chainID), failedKey(q.prefix, chainID)} {
		err := q.rdb.ZScore(ctx, key, id).Err()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("zscore failed: %w", err)
		}
	}
	return false, nil
}

// Peek returns the lowest-scored pending job. Equal scores fall back to
// lexicographic id order, as Redis sorts members.
func (q *JobQueue) Peek(ctx context.Context, chainID string) (*dispatch.Job, error) {
	for {
		ids, err := q.rdb.ZRange(ctx, pendingKey(q.prefix, chainID), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("zrange failed: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		job, err := q.load(ctx, chainID, ids[0])
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		// Body missing, drop the dangling id
		if err := q.rdb.ZRem(ctx, pendingKey(q.prefix, chainID), ids[0]).Err(); err != nil {
			return nil, fmt.Errorf("zrem failed: %w", err)
		}
	}
}

func (q *JobQueue) load(ctx context.Context, chainID, id string) (*dispatch.Job, error) {
	data, err := q.rdb.HGet(ctx, jobsKey(q.prefix, chainID), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hget failed: %w", err)
	}
	var job dispatch.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (q *JobQueue) Update(ctx context.Context, job *dispatch.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.rdb.HSet(ctx, jobsKey(q.prefix, job.ChainID), job.ID, data).Err(); err != nil {
		return fmt.Errorf("hset failed: %w", err)
	}
	return nil
}

func (q *JobQueue) Ack(ctx context.Context, job *dispatch.Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, pendingKey(q.prefix, job.ChainID), job.ID)
		pipe.HDel(ctx, jobsKey(q.prefix, job.ChainID), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

func (q *JobQueue) Fail(ctx context.Context, job *dispatch.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, pendingKey(q.prefix, job.ChainID), job.ID)
		pipe.ZAdd(ctx, failedKey(q.prefix, job.ChainID), redis.Z{Score: float64(job.Priority), Member: job.ID})
		pipe.HSet(ctx, jobsKey(q.prefix, job.ChainID), job.ID, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to move job to failed set: %w", err)
	}
	return nil
}

func (q *JobQueue) Failed(ctx context.Context, chainID string) ([]*dispatch.Job, error) {
	ids, err := q.rdb.ZRange(ctx, failedKey(q.prefix, chainID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	jobs := make([]*dispatch.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, chainID, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (q *JobQueue) Requeue(ctx context.Context, job *dispatch.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, failedKey(q.prefix, job.ChainID), job.ID)
		pipe.ZAdd(ctx, pendingKey(q.prefix, job.ChainID), redis.Z{Score: float64(job.Priority), Member: job.ID})
		pipe.HSet(ctx, jobsKey(q.prefix, job.ChainID), job.ID, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

func (q *JobQueue) Len(ctx context.Context, chainID string) (int, error) {
	n, err := q.rdb.ZCard(ctx, pendingKey(q.prefix, chainID)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}
