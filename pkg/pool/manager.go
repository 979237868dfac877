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

// Package pool maintains per-repository runner pools and their
// threshold-driven scaling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/queue"
	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// Provisioner is what the pool manager needs from the container
// lifecycle.
type Provisioner interface {
	Provision(ctx context.Context, typ runnerhub.RunnerType, labels []string, pool string) (*runnerhub.Runner, error)
	DestroyRunner(ctx context.Context, r *runnerhub.Runner) error
}

// PrewarmClaimer hands out pre-warmed containers ahead of fresh
// provisioning. Claim returns nil when no matching ready container
// exists.
type PrewarmClaimer interface {
	Claim(ctx context.Context, pool string, labels []string) (*runnerhub.Runner, error)
}

// PoolDefaults seeds newly created pools.
type PoolDefaults struct {
	MinRunners         int
	MaxRunners         int
	ScaleIncrement     int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	IdleTimeout        time.Duration
}

// Manager owns pool configuration, runner lookup and scaling execution.
type Manager struct {
	db       *store.Store
	queue    *queue.Queue
	prov     Provisioner
	bus      *runnerhub.Bus
	archive  store.Archiver
	defaults PoolDefaults
	prewarm  PrewarmClaimer

	mu        sync.Mutex
	poolLocks map[string]*sync.Mutex
}

// NewManager wires a pool manager.
func NewManager(db *store.Store, q *queue.Queue, prov Provisioner, archive store.Archiver, bus *runnerhub.Bus, defaults PoolDefaults) *Manager {
	return &Manager{
		db:        db,
		queue:     q,
		prov:      prov,
		archive:   archive,
		bus:       bus,
		defaults:  defaults,
		poolLocks: make(map[string]*sync.Mutex),
	}
}

// SetPrewarmer installs the pre-warm pool. Set once at composition time.
func (m *Manager) SetPrewarmer(p PrewarmClaimer) { m.prewarm = p }

// poolLock serializes scaling operations per pool.
func (m *Manager) poolLock(repo string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.poolLocks[repo]
	if !ok {
		l = &sync.Mutex{}
		m.poolLocks[repo] = l
	}
	return l
}

// GetOrCreatePool returns the pool for the repository, lazily creating it
// with the configured defaults.
func (m *Manager) GetOrCreatePool(ctx context.Context, repo string) (*runnerhub.RunnerPool, error) {
	p, err := m.db.GetPool(ctx, repo)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	p = runnerhub.DefaultPool(repo)
	if d := m.defaults; d.MaxRunners > 0 {
		p.MinRunners = d.MinRunners
		p.MaxRunners = d.MaxRunners
		p.ScaleIncrement = d.ScaleIncrement
		p.ScaleUpThreshold = d.ScaleUpThreshold
		p.ScaleDownThreshold = d.ScaleDownThreshold
		p.IdleTimeout = d.IdleTimeout
	}
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	if err := m.db.PutPool(ctx, p); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).InfoContext(ctx, "created pool", "repo", repo,
		"min", p.MinRunners, "max", p.MaxRunners)
	return p, nil
}

// UpdatePool merges non-zero fields of update into the pool
// configuration. If the bounds shrank below the current size, excess
// runners drain on the next scaling cycle.
func (m *Manager) UpdatePool(ctx context.Context, repo string, update *runnerhub.RunnerPool) (*runnerhub.RunnerPool, error) {
	p, err := m.GetOrCreatePool(ctx, repo)
	if err != nil {
		return nil, err
	}
	if update.MinRunners > 0 {
		p.MinRunners = update.MinRunners
	}
	if update.MaxRunners > 0 {
		p.MaxRunners = update.MaxRunners
	}
	if update.ScaleIncrement > 0 {
		p.ScaleIncrement = update.ScaleIncrement
	}
	if update.ScaleUpThreshold > 0 {
		p.ScaleUpThreshold = update.ScaleUpThreshold
	}
	if update.ScaleDownThreshold > 0 {
		p.ScaleDownThreshold = update.ScaleDownThreshold
	}
	if update.IdleTimeout > 0 {
		p.IdleTimeout = update.IdleTimeout
	}
	if update.RunnerType != "" {
		p.RunnerType = update.RunnerType
	}
	if len(update.Labels) > 0 {
		p.Labels = update.Labels
	}
	if p.MinRunners > p.MaxRunners {
		return nil, runnerhub.Errorf(runnerhub.KindValidation,
			"pool %q: min_runners %d exceeds max_runners %d", repo, p.MinRunners, p.MaxRunners)
	}
	p.UpdatedAt = time.Now().UTC()
	if err := m.db.PutPool(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPools returns every configured pool.
func (m *Manager) ListPools(ctx context.Context) ([]*runnerhub.RunnerPool, error) {
	return m.db.ListPools(ctx)
}

// FindRunner returns an idle runner in the repository pool whose labels
// cover the requested set, or nil when none exists.
func (m *Manager) FindRunner(ctx context.Context, repo string, labels []string) (*runnerhub.Runner, error) {
	runners, err := m.db.ListRunners(ctx, repo)
	if err != nil {
		return nil, err
	}
	for _, r := range runners {
		if r.State != runnerhub.RunnerStateIdle {
			continue
		}
		if runnerhub.LabelsSatisfy(r.Labels, labels) {
			return r, nil
		}
	}
	return nil, nil
}

// Assign hands a reserved job to an idle runner: the runner goes busy and
// the job records its assignment. The runner claims the actual workload
// from GitHub using its registration.
func (m *Manager) Assign(ctx context.Context, runner *runnerhub.Runner, job *runnerhub.Job) error {
	fresh, err := m.db.GetRunner(ctx, runner.ID)
	if err != nil {
		return err
	}
	if fresh.State != runnerhub.RunnerStateIdle {
		return runnerhub.Errorf(runnerhub.KindConflict, "runner %s no longer idle", runner.ID)
	}

	fresh.State = runnerhub.RunnerStateBusy
	fresh.LastJobAt = time.Now().UTC()
	fresh.JobsProcessed++
	if err := m.db.PutRunner(ctx, fresh); err != nil {
		return err
	}

	if _, err := m.db.TransitionJob(ctx, job.ID, func(j *runnerhub.Job) error {
		j.AssignedRunner = fresh.ID
		return nil
	}); err != nil {
		// roll the runner back so it stays schedulable
		fresh.State = runnerhub.RunnerStateIdle
		if putErr := m.db.PutRunner(ctx, fresh); putErr != nil {
			return errors.Join(err, putErr)
		}
		return err
	}
	return nil
}

// RequestCapacity records scaling demand for the job's repository. Demand
// lives in the shared store so the leader's scaler sees requests raised by
// dispatchers on any node; the scaler folds it into its next decision.
func (m *Manager) RequestCapacity(ctx context.Context, job *runnerhub.Job) error {
	if _, err := m.GetOrCreatePool(ctx, job.Repository); err != nil {
		return err
	}
	return m.db.IncrDemand(ctx, job.Repository)
}

// TakeDemand returns and clears the accumulated capacity demand for a
// repository since the last call.
func (m *Manager) TakeDemand(ctx context.Context, repo string) (int, error) {
	return m.db.TakeDemand(ctx, repo)
}

// ReleaseAssigned returns every job assigned to the runner that never
// started back to the queue with an incremented attempt counter. Called
// by the lifecycle monitor when a runner dies.
func (m *Manager) ReleaseAssigned(ctx context.Context, runnerID string) error {
	jobs, err := m.db.ListJobs(ctx, runnerhub.JobStateAssigned, "", 1, 1000)
	if err != nil {
		return err
	}
	var merr error
	for _, job := range jobs {
		if job.AssignedRunner != runnerID || job.StartedAt != nil {
			continue
		}
		if err := m.queue.Nack(ctx, job.ID, fmt.Sprintf("runner %s died before job start", runnerID)); err != nil {
			merr = errors.Join(merr, err)
		}
	}
	return merr
}

// Drain marks a runner as draining so it accepts no further jobs. The
// cleanup policies reclaim it once its current job concludes.
func (m *Manager) Drain(ctx context.Context, runnerID string) error {
	r, err := m.db.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	if r.State == runnerhub.RunnerStateTerminated {
		return nil
	}
	r.State = runnerhub.RunnerStateDraining
	return m.db.PutRunner(ctx, r)
}

// Metrics computes a point-in-time utilization snapshot for one pool.
func (m *Manager) Metrics(ctx context.Context, repo string) (*runnerhub.PoolMetrics, error) {
	runners, err := m.db.ListRunners(ctx, repo)
	if err != nil {
		return nil, err
	}
	pm := &runnerhub.PoolMetrics{Repository: repo, SampledAt: time.Now().UTC()}
	for _, r := range runners {
		switch r.State {
		case runnerhub.RunnerStateTerminated:
			continue
		case runnerhub.RunnerStateBusy:
			pm.Busy++
		case runnerhub.RunnerStateIdle:
			pm.Idle++
		}
		pm.Size++
	}
	size := pm.Size
	if size < 1 {
		size = 1
	}
	pm.Utilization = float64(pm.Busy) / float64(size)

	if pm.QueuedJobs, err = m.db.CountJobs(ctx, runnerhub.JobStatePending, repo); err != nil {
		return nil, err
	}
	if pm.RunningJobs, err = m.db.CountJobs(ctx, runnerhub.JobStateRunning, repo); err != nil {
		return nil, err
	}
	return pm, nil
}

// Scale grows or shrinks the pool by delta runners, clamped to the pool
// bounds. Scale-up consumes the pre-warm pool before provisioning fresh
// containers; scale-down drains the longest-idle runners first. Per-pool
// scaling is serialized; the decision records how far execution got.
func (m *Manager) Scale(ctx context.Context, repo string, delta int, reason runnerhub.ScalingReason) (*runnerhub.ScalingDecision, error) {
	lock := m.poolLock(repo)
	lock.Lock()
	defer lock.Unlock()

	logger := logging.FromContext(ctx)
	p, err := m.GetOrCreatePool(ctx, repo)
	if err != nil {
		return nil, err
	}

	pm, err := m.Metrics(ctx, repo)
	if err != nil {
		return nil, err
	}
	current := pm.Size
	target := p.Clamp(current + delta)

	decision := &runnerhub.ScalingDecision{
		Timestamp: time.Now().UTC(),
		Pool:      repo,
		FromCount: current,
		ToCount:   target,
		Reason:    reason,
	}

	switch {
	case target > current:
		err = m.scaleUp(ctx, p, target-current)
	case target < current:
		err = m.scaleDown(ctx, p, current-target)
	}
	decision.Applied = err == nil && target != current
	if err != nil {
		decision.Error = err.Error()
	}

	if aerr := m.archive.AppendScalingDecision(ctx, decision); aerr != nil {
		logger.ErrorContext(ctx, "failed to log scaling decision", "pool", repo, "error", aerr)
	}
	if decision.Applied {
		m.bus.Publish(runnerhub.Event{
			Kind:       runnerhub.EventScalingApplied,
			Repository: repo,
			Detail:     string(reason),
		})
		logger.InfoContext(ctx, "scaled pool", "pool", repo,
			"from", current, "to", target, "reason", reason)
	}
	return decision, err
}

func (m *Manager) scaleUp(ctx context.Context, p *runnerhub.RunnerPool, n int) error {
	for i := 0; i < n; i++ {
		if m.prewarm != nil {
			r, err := m.prewarm.Claim(ctx, p.Repository, p.Labels)
			if err == nil && r != nil {
				continue
			}
			if err != nil {
				logging.FromContext(ctx).DebugContext(ctx, "prewarm claim failed, provisioning fresh",
					"pool", p.Repository, "error", err)
			}
		}
		if _, err := m.prov.Provision(ctx, p.RunnerType, p.Labels, p.Repository); err != nil {
			return fmt.Errorf("provision %d/%d: %w", i+1, n, err)
		}
	}
	return nil
}

func (m *Manager) scaleDown(ctx context.Context, p *runnerhub.RunnerPool, n int) error {
	runners, err := m.db.ListRunners(ctx, p.Repository)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	idle := make([]*runnerhub.Runner, 0, len(runners))
	for _, r := range runners {
		if r.State == runnerhub.RunnerStateIdle && !r.Protected {
			idle = append(idle, r)
		}
	}
	// longest idle first
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].IdleFor(now) > idle[j].IdleFor(now)
	})

	for i := 0; i < n && i < len(idle); i++ {
		r := idle[i]
		r.State = runnerhub.RunnerStateDraining
		if err := m.db.PutRunner(ctx, r); err != nil {
			return err
		}
		if err := m.prov.DestroyRunner(ctx, r); err != nil {
			return fmt.Errorf("destroy %s: %w", r.ID, err)
		}
	}
	return nil
}
