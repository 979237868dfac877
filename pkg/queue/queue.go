// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue implements the priority-FIFO job queue with delayed
// retries, reservation leases and a dead-letter list, backed by Redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
)

const (
	keyReady   = "runnerhub:queue:ready"   // zset, score = (100-priority)*1e13 + created_at ms
	keyDelayed = "runnerhub:queue:delayed" // zset, score = scheduled_run_at ms
	keyLeases  = "runnerhub:queue:leases"  // zset, score = lease expiry ms
	keyScores  = "runnerhub:queue:scores"  // hash, job id -> ready score
	keyDLQ     = "runnerhub:queue:dlq"     // list of dead job ids

	// ReservationLease is how long a worker owns a reserved job before it
	// must ack/nack or lose it to recovery.
	ReservationLease = 60 * time.Second
)

// reserveScript atomically promotes due delayed jobs into the ready set,
// then claims up to n jobs in priority-FIFO order under a reservation
// lease. Claims are removals, so concurrent workers always reserve
// disjoint sets.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local expiry = tonumber(ARGV[3])

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(due) do
	local score = redis.call('HGET', KEYS[4], id)
	if not score then score = now end
	redis.call('ZADD', KEYS[1], score, id)
	redis.call('ZREM', KEYS[2], id)
end

local ids = redis.call('ZRANGE', KEYS[1], 0, n - 1)
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[3], expiry, id)
end
return ids
`)

// expireLeasesScript atomically pops every lease that expired at or before
// now. Each expired id is returned to exactly one caller.
var expireLeasesScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
end
return ids
`)

// Queue is the priority-FIFO job queue.
type Queue struct {
	db  *store.Store
	rdb *redis.Client
	now func() time.Time
}

// New creates a queue over the shared store.
func New(db *store.Store) *Queue {
	return &Queue{db: db, rdb: db.Client(), now: time.Now}
}

func readyScore(priority int, createdAt time.Time) float64 {
	return float64(100-priority)*1e13 + float64(createdAt.UnixMilli())
}

// Enqueue inserts a job for dispatch. The job record must already exist
// in the store; the scheduled-run-at delay is derived from the attempt
// count (zero on first enqueue, exponential backoff on retry).
func (q *Queue) Enqueue(ctx context.Context, job *runnerhub.Job) error {
	return q.enqueueAfter(ctx, job, runnerhub.RetryDelay(job.Attempts))
}

func (q *Queue) enqueueAfter(ctx context.Context, job *runnerhub.Job, delay time.Duration) error {
	now := q.now().UTC()
	id := strconv.FormatInt(job.ID, 10)
	score := readyScore(job.Priority, job.CreatedAt)

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyScores, id, score)
		if delay > 0 {
			pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
		} else {
			pipe.ZAdd(ctx, keyReady, redis.Z{Score: score, Member: id})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %d: %w", job.ID, err)
	}
	return nil
}

// Reserve atomically claims up to n eligible jobs for workerID under a
// 60 second reservation lease and transitions them to assigned. Within a
// priority bucket claims are FIFO by creation time; across buckets higher
// priority strictly wins.
func (q *Queue) Reserve(ctx context.Context, workerID string, n int) ([]*runnerhub.Job, error) {
	now := q.now().UTC()
	res, err := reserveScript.Run(ctx, q.rdb,
		[]string{keyReady, keyDelayed, keyLeases, keyScores},
		now.UnixMilli(), n, now.Add(ReservationLease).UnixMilli(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to reserve jobs: %w", err)
	}

	jobs := make([]*runnerhub.Job, 0, len(res))
	for _, idStr := range res {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		job, err := q.db.TransitionJob(ctx, id, func(j *runnerhub.Job) error {
			j.State = runnerhub.JobStateAssigned
			j.AssignedTo = workerID
			return nil
		})
		if err != nil {
			// The claim stands; the lease expiry will recover the job if the
			// record could not be moved.
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ack releases the reservation lease for a job whose state has been
// finalized by the caller.
func (q *Queue) Ack(ctx context.Context, jobID int64) error {
	id := strconv.FormatInt(jobID, 10)
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, keyLeases, id)
		pipe.HDel(ctx, keyScores, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job %d: %w", jobID, err)
	}
	return nil
}

// Nack reports a failed dispatch attempt. The attempt counter increments;
// below max attempts the job is re-enqueued with exponential backoff,
// otherwise it moves to dead and is appended to the DLQ.
func (q *Queue) Nack(ctx context.Context, jobID int64, reason string) error {
	id := strconv.FormatInt(jobID, 10)
	if err := q.rdb.ZRem(ctx, keyLeases, id).Err(); err != nil {
		return fmt.Errorf("failed to release lease for job %d: %w", jobID, err)
	}

	var dead bool
	job, err := q.db.TransitionJob(ctx, jobID, func(j *runnerhub.Job) error {
		j.Attempts++
		j.LastError = reason
		j.AssignedTo = ""
		j.AssignedRunner = ""
		if j.Attempts >= j.MaxAttempts {
			j.State = runnerhub.JobStateDead
			dead = true
		} else {
			j.State = runnerhub.JobStatePending
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to nack job %d: %w", jobID, err)
	}

	if dead {
		if err := q.rdb.LPush(ctx, keyDLQ, id).Err(); err != nil {
			return fmt.Errorf("failed to dead-letter job %d: %w", jobID, err)
		}
		return nil
	}
	return q.enqueueAfter(ctx, job, runnerhub.RetryDelay(job.Attempts))
}

// Requeue returns a reserved job to the queue after a short delay without
// consuming an attempt. The dispatcher uses this when no runner capacity
// exists yet; counting those waits as failures would dead-letter jobs
// while the pool is still scaling up.
func (q *Queue) Requeue(ctx context.Context, jobID int64, delay time.Duration) error {
	id := strconv.FormatInt(jobID, 10)
	if err := q.rdb.ZRem(ctx, keyLeases, id).Err(); err != nil {
		return fmt.Errorf("failed to release lease for job %d: %w", jobID, err)
	}
	job, err := q.db.TransitionJob(ctx, jobID, func(j *runnerhub.Job) error {
		j.State = runnerhub.JobStatePending
		j.AssignedTo = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue job %d: %w", jobID, err)
	}
	return q.enqueueAfter(ctx, job, delay)
}

// Recover returns every job whose reservation lease expired to pending
// with an incremented attempt counter. It runs at startup and then
// periodically; expired ids are handed to exactly one recovering node.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	now := q.now().UTC()
	ids, err := expireLeasesScript.Run(ctx, q.rdb, []string{keyLeases}, now.UnixMilli()).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to expire leases: %w", err)
	}

	recovered := 0
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		job, err := q.db.TransitionJob(ctx, id, func(j *runnerhub.Job) error {
			if j.State != runnerhub.JobStateAssigned {
				return runnerhub.Errorf(runnerhub.KindValidation, "job %d not assigned", id)
			}
			j.Attempts++
			j.AssignedTo = ""
			j.AssignedRunner = ""
			if j.Attempts >= j.MaxAttempts {
				j.State = runnerhub.JobStateDead
			} else {
				j.State = runnerhub.JobStatePending
			}
			return nil
		})
		if err != nil {
			continue
		}
		if job.State == runnerhub.JobStateDead {
			q.rdb.LPush(ctx, keyDLQ, idStr)
			continue
		}
		if err := q.enqueueAfter(ctx, job, runnerhub.RetryDelay(job.Attempts)); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Depth returns the number of jobs waiting (ready plus delayed).
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.ZCard(ctx, keyReady)
	delayed := pipe.ZCard(ctx, keyDelayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

// DeadLetters returns up to n job ids from the DLQ, newest first.
func (q *Queue) DeadLetters(ctx context.Context, n int) ([]int64, error) {
	raw, err := q.rdb.LRange(ctx, keyDLQ, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dlq: %w", err)
	}
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
