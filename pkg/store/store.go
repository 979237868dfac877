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

// Package store wraps the shared Redis KV that is the source of truth for
// deliveries, jobs, runners, pools and leases, plus the Postgres archive
// for append-only history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
)

const (
	keyDeliveryPrefix = "runnerhub:delivery:"
	keyJobPrefix      = "runnerhub:job:"
	keyJobsByState    = "runnerhub:jobs:state:" // + state -> zset by created_at
	keyJobsByRepo     = "runnerhub:jobs:repo:"  // + repo -> zset by created_at
	keyRunnerPrefix   = "runnerhub:runner:"
	keyRunnersByPool  = "runnerhub:runners:pool:" // + repo -> set of runner ids
	keyRunnersAll     = "runnerhub:runners:all"
	keyPoolPrefix     = "runnerhub:pool:"
	keyPoolsAll       = "runnerhub:pools"
	keySamplesPrefix  = "runnerhub:samples:" // + repo -> zset of metric samples by ts
	keyDemandPrefix   = "runnerhub:demand:"  // + repo -> pending capacity requests
	sampleRetention   = 30 * 24 * time.Hour
	demandRetention   = 10 * time.Minute
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the Redis-backed state store shared by all components.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis using a redis:// URL.
func New(ctx context.Context, cacheURL string) (*Store, error) {
	opts, err := redis.ParseURL(cacheURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client. Used by tests and by callers
// that share one connection pool across components.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Client exposes the underlying Redis client for components that need raw
// primitives (queue scripts, leader lease).
func (s *Store) Client() *redis.Client { return s.rdb }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// Ping reports whether the cache is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache unreachable: %w", err)
	}
	return nil
}

// --- deliveries ---

// InsertDelivery atomically records a first-time delivery. It returns
// false when a delivery with the same id was already committed, in which
// case the original record is untouched. The insert is durable before any
// downstream processing so a crash mid-request makes the replay count as
// first-time.
func (s *Store) InsertDelivery(ctx context.Context, d *runnerhub.Delivery) (bool, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("failed to marshal delivery: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, keyDeliveryPrefix+d.ID, raw, runnerhub.DeliveryRetention).Result()
	if err != nil {
		return false, fmt.Errorf("failed to insert delivery: %w", err)
	}
	return ok, nil
}

// UpdateDeliveryState moves an existing delivery to a new processing
// state, preserving the original TTL.
func (s *Store) UpdateDeliveryState(ctx context.Context, id string, state runnerhub.DeliveryState) error {
	d, err := s.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	d.State = state
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	if err := s.rdb.Set(ctx, keyDeliveryPrefix+id, raw, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	return nil
}

// GetDelivery fetches one delivery record.
func (s *Store) GetDelivery(ctx context.Context, id string) (*runnerhub.Delivery, error) {
	raw, err := s.rdb.Get(ctx, keyDeliveryPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("delivery %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	var d runnerhub.Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}
	return &d, nil
}

// --- jobs ---

func jobKey(id int64) string { return keyJobPrefix + strconv.FormatInt(id, 10) }

// PutJob writes a job record and its state/repo indexes. It overwrites
// blindly; use TransitionJob for guarded state changes.
func (s *Store) PutJob(ctx context.Context, job *runnerhub.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	score := float64(job.CreatedAt.UnixMilli())
	member := strconv.FormatInt(job.ID, 10)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), raw, 0)
		for _, st := range []runnerhub.JobState{
			runnerhub.JobStatePending, runnerhub.JobStateAssigned, runnerhub.JobStateRunning,
			runnerhub.JobStateCompleted, runnerhub.JobStateFailed, runnerhub.JobStateCancelled,
			runnerhub.JobStateDead,
		} {
			if st == job.State {
				pipe.ZAdd(ctx, keyJobsByState+string(st), redis.Z{Score: score, Member: member})
			} else {
				pipe.ZRem(ctx, keyJobsByState+string(st), member)
			}
		}
		pipe.ZAdd(ctx, keyJobsByRepo+job.Repository, redis.Z{Score: score, Member: member})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put job: %w", err)
	}
	return nil
}

// GetJob fetches one job record.
func (s *Store) GetJob(ctx context.Context, id int64) (*runnerhub.Job, error) {
	raw, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job runnerhub.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// TransitionJob applies mutate to the job under optimistic concurrency and
// enforces the job state machine. The watch/version pair guarantees that a
// concurrent writer forces a conflict instead of a lost update; after
// MaxConflictRetries conflicts a conflict-kind error is returned. The
// mutate callback sets the target state and any accompanying fields.
func (s *Store) TransitionJob(ctx context.Context, id int64, mutate func(*runnerhub.Job) error) (*runnerhub.Job, error) {
	var updated *runnerhub.Job

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, jobKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("job %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read job: %w", err)
		}
		var job runnerhub.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return runnerhub.Errorf(runnerhub.KindFatal, "corrupt job record %d: %w", id, err)
		}

		before := job.State
		if err := mutate(&job); err != nil {
			return err
		}
		if job.State != before && !runnerhub.CanTransition(before, job.State) {
			return runnerhub.Errorf(runnerhub.KindValidation,
				"illegal job transition %s -> %s for job %d", before, job.State, id)
		}
		job.Version++

		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		score := float64(job.CreatedAt.UnixMilli())
		member := strconv.FormatInt(job.ID, 10)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), out, 0)
			if job.State != before {
				pipe.ZRem(ctx, keyJobsByState+string(before), member)
				pipe.ZAdd(ctx, keyJobsByState+string(job.State), redis.Z{Score: score, Member: member})
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to write job: %w", err)
		}
		updated = &job
		return nil
	}

	for i := 0; i < runnerhub.MaxConflictRetries; i++ {
		err := s.rdb.Watch(ctx, txn, jobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, runnerhub.Errorf(runnerhub.KindConflict, "job %d transition lost %d optimistic races", id, runnerhub.MaxConflictRetries)
}

// ListJobs returns jobs filtered by state and/or repository, newest first,
// paginated. Page numbers start at 1.
func (s *Store) ListJobs(ctx context.Context, state runnerhub.JobState, repo string, page, limit int) ([]*runnerhub.Job, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	key := keyJobsByState + string(state)
	if state == "" {
		if repo == "" {
			return nil, fmt.Errorf("job listing requires a state or repository filter")
		}
		key = keyJobsByRepo + repo
	}
	start := int64((page - 1) * limit)
	ids, err := s.rdb.ZRevRange(ctx, key, start, start+int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan job index: %w", err)
	}

	jobs := make([]*runnerhub.Job, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if repo != "" && job.Repository != repo {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs in the given state for a
// repository. Used for queue-pressure metrics.
func (s *Store) CountJobs(ctx context.Context, state runnerhub.JobState, repo string) (int, error) {
	ids, err := s.rdb.ZRange(ctx, keyJobsByState+string(state), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan job index: %w", err)
	}
	if repo == "" {
		return len(ids), nil
	}
	n := 0
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		job, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if job.Repository == repo {
			n++
		}
	}
	return n, nil
}

// --- runners ---

// PutRunner writes a runner record and its pool membership.
func (s *Store) PutRunner(ctx context.Context, r *runnerhub.Runner) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal runner: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyRunnerPrefix+r.ID, raw, 0)
		pipe.SAdd(ctx, keyRunnersByPool+r.Pool, r.ID)
		pipe.SAdd(ctx, keyRunnersAll, r.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put runner: %w", err)
	}
	return nil
}

// GetRunner fetches one runner record.
func (s *Store) GetRunner(ctx context.Context, id string) (*runnerhub.Runner, error) {
	raw, err := s.rdb.Get(ctx, keyRunnerPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("runner %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runner: %w", err)
	}
	var r runnerhub.Runner
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal runner: %w", err)
	}
	return &r, nil
}

// DeleteRunner removes a runner record and its index entries.
func (s *Store) DeleteRunner(ctx context.Context, id, pool string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyRunnerPrefix+id)
		pipe.SRem(ctx, keyRunnersByPool+pool, id)
		pipe.SRem(ctx, keyRunnersAll, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete runner: %w", err)
	}
	return nil
}

// ListRunners returns all runners in a pool, or every runner when pool is
// empty.
func (s *Store) ListRunners(ctx context.Context, pool string) ([]*runnerhub.Runner, error) {
	key := keyRunnersAll
	if pool != "" {
		key = keyRunnersByPool + pool
	}
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	runners := make([]*runnerhub.Runner, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRunner(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// index entry outlived the record, self-heal
			s.rdb.SRem(ctx, key, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, nil
}

// --- pools ---

// PutPool writes a pool configuration.
func (s *Store) PutPool(ctx context.Context, p *runnerhub.RunnerPool) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pool: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyPoolPrefix+p.Repository, raw, 0)
		pipe.SAdd(ctx, keyPoolsAll, p.Repository)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put pool: %w", err)
	}
	return nil
}

// GetPool fetches one pool configuration.
func (s *Store) GetPool(ctx context.Context, repo string) (*runnerhub.RunnerPool, error) {
	raw, err := s.rdb.Get(ctx, keyPoolPrefix+repo).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pool %q: %w", repo, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	var p runnerhub.RunnerPool
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pool: %w", err)
	}
	return &p, nil
}

// ListPools returns every configured pool.
func (s *Store) ListPools(ctx context.Context) ([]*runnerhub.RunnerPool, error) {
	repos, err := s.rdb.SMembers(ctx, keyPoolsAll).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	pools := make([]*runnerhub.RunnerPool, 0, len(repos))
	for _, repo := range repos {
		p, err := s.GetPool(ctx, repo)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// --- metric samples ---

// AppendSample records a per-minute pool metrics sample, trimming entries
// beyond the 30 day retention window.
func (s *Store) AppendSample(ctx context.Context, m *runnerhub.PoolMetrics) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}
	key := keySamplesPrefix + m.Repository
	cutoff := m.SampledAt.Add(-sampleRetention).UnixMilli()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(m.SampledAt.UnixMilli()), Member: raw})
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append sample: %w", err)
	}
	return nil
}

// RecentSamples returns up to n most recent samples for a repository,
// oldest first.
func (s *Store) RecentSamples(ctx context.Context, repo string, n int) ([]*runnerhub.PoolMetrics, error) {
	raws, err := s.rdb.ZRevRange(ctx, keySamplesPrefix+repo, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	out := make([]*runnerhub.PoolMetrics, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var m runnerhub.PoolMetrics
		if err := json.Unmarshal([]byte(raws[i]), &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// IncrDemand records one unsatisfied capacity request for a repository.
// Demand is shared across nodes and expires if no scaler consumes it.
func (s *Store) IncrDemand(ctx context.Context, repo string) error {
	key := keyDemandPrefix + repo
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, demandRetention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record capacity demand: %w", err)
	}
	return nil
}

// TakeDemand returns and clears the pending capacity demand for a
// repository.
func (s *Store) TakeDemand(ctx context.Context, repo string) (int, error) {
	n, err := s.rdb.GetDel(ctx, keyDemandPrefix+repo).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to take capacity demand: %w", err)
	}
	return n, nil
}
