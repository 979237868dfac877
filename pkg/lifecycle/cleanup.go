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

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// CleanupPolicy is one reclamation rule with its tuning knobs.
type CleanupPolicy struct {
	ID      string        `json:"id"`
	Enabled bool          `json:"enabled"`
	MaxAge  time.Duration `json:"max_age,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// CleanupPolicies is the full policy set evaluated each cleanup pass.
type CleanupPolicies struct {
	mu       sync.RWMutex
	policies map[string]*CleanupPolicy
}

// Policy ids.
const (
	PolicyIdle     = "idle"
	PolicyFailed   = "failed"
	PolicyOrphaned = "orphaned"
	PolicyExpired  = "expired"
)

// DefaultCleanupPolicies returns all policies enabled with the configured
// timeouts.
func DefaultCleanupPolicies(cfg *Config) *CleanupPolicies {
	return &CleanupPolicies{policies: map[string]*CleanupPolicy{
		PolicyIdle:     {ID: PolicyIdle, Enabled: true, Timeout: cfg.IdleTimeout},
		PolicyFailed:   {ID: PolicyFailed, Enabled: true},
		PolicyOrphaned: {ID: PolicyOrphaned, Enabled: true},
		PolicyExpired:  {ID: PolicyExpired, Enabled: true, MaxAge: cfg.MaxRunnerAge},
	}}
}

// Get returns a copy of one policy.
func (c *CleanupPolicies) Get(id string) (CleanupPolicy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[id]
	if !ok {
		return CleanupPolicy{}, false
	}
	return *p, true
}

// List returns a copy of every policy.
func (c *CleanupPolicies) List() []CleanupPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CleanupPolicy, 0, len(c.policies))
	for _, id := range []string{PolicyIdle, PolicyFailed, PolicyOrphaned, PolicyExpired} {
		out = append(out, *c.policies[id])
	}
	return out
}

// Update replaces the tunable fields of one policy.
func (c *CleanupPolicies) Update(id string, enabled bool, maxAge, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.policies[id]
	if !ok {
		return false
	}
	p.Enabled = enabled
	if maxAge > 0 {
		p.MaxAge = maxAge
	}
	if timeout > 0 {
		p.Timeout = timeout
	}
	return true
}

// Policies exposes the policy set for the control API.
func (m *Manager) Policies() *CleanupPolicies { return m.policies }

// RunCleanup evaluates the reclamation policies every cleanup interval
// until the context is cancelled, and reclaims drained runners eagerly as
// job completions request it. Leader-gated.
func (m *Manager) RunCleanup(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	requests := m.bus.Subscribe(runnerhub.EventCleanupRequested)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-requests:
			m.reclaimDrained(ctx, ev.RunnerID)
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil {
				logging.FromContext(ctx).ErrorContext(ctx, "cleanup pass failed", "error", err)
			}
		}
	}
}

// reclaimDrained destroys a runner drained after job completion without
// waiting for the next policy pass.
func (m *Manager) reclaimDrained(ctx context.Context, runnerID string) {
	logger := logging.FromContext(ctx)

	r, err := m.db.GetRunner(ctx, runnerID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.ErrorContext(ctx, "failed to load runner for reclaim", "runner", runnerID, "error", err)
		}
		return
	}
	if r.State != runnerhub.RunnerStateDraining {
		return
	}
	if err := m.DestroyRunner(ctx, r); err != nil {
		logger.ErrorContext(ctx, "failed to reclaim drained runner", "runner", runnerID, "error", err)
	}
}

// Cleanup runs one policy pass and returns the number of containers
// destroyed. Two consecutive passes without intervening load destroy
// nothing on the second pass.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	logger := logging.FromContext(ctx)
	now := time.Now().UTC()
	destroyed := 0

	runners, err := m.db.ListRunners(ctx, "")
	if err != nil {
		return 0, err
	}

	known := make(map[string]*runnerhub.Runner, len(runners))
	for _, r := range runners {
		known[r.ContainerID] = r
	}

	inflight, err := m.inFlightRunners(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list in-flight jobs for cleanup", "error", err)
	}

	for _, r := range runners {
		if r.Protected {
			continue
		}

		// drained runners are reclaimed as soon as it is safe, independent
		// of the tunable policies
		if r.State == runnerhub.RunnerStateDraining {
			if m.drainComplete(ctx, r, inflight) {
				if err := m.DestroyRunner(ctx, r); err != nil {
					logger.ErrorContext(ctx, "drain cleanup: destroy failed", "runner", r.ID, "error", err)
					continue
				}
				r.State = runnerhub.RunnerStateTerminated
				destroyed++
			}
			continue
		}

		if p, ok := m.policies.Get(PolicyFailed); ok && p.Enabled {
			if r.State == runnerhub.RunnerStateTerminated || m.exitedNonZero(ctx, r) {
				if err := m.DestroyRunner(ctx, r); err != nil {
					logger.ErrorContext(ctx, "failed cleanup: destroy failed", "runner", r.ID, "error", err)
					continue
				}
				r.State = runnerhub.RunnerStateTerminated
				destroyed++
				continue
			}
		}

		if p, ok := m.policies.Get(PolicyIdle); ok && p.Enabled {
			if r.State == runnerhub.RunnerStateIdle && r.IdleFor(now) > p.Timeout {
				if m.abovePoolMinimum(ctx, r.Pool, runners) {
					if err := m.DestroyRunner(ctx, r); err != nil {
						logger.ErrorContext(ctx, "idle cleanup: destroy failed", "runner", r.ID, "error", err)
						continue
					}
					// keep the working set honest so the pool minimum holds
					// within this pass
					r.State = runnerhub.RunnerStateTerminated
					destroyed++
					continue
				}
			}
		}

		if p, ok := m.policies.Get(PolicyExpired); ok && p.Enabled {
			if now.Sub(r.CreatedAt) > p.MaxAge {
				if r.State == runnerhub.RunnerStateBusy {
					// drain: stop accepting jobs, reclaimed once current job ends
					r.State = runnerhub.RunnerStateDraining
					if err := m.db.PutRunner(ctx, r); err != nil {
						logger.ErrorContext(ctx, "expired cleanup: drain failed", "runner", r.ID, "error", err)
					}
					continue
				}
				if err := m.DestroyRunner(ctx, r); err != nil {
					logger.ErrorContext(ctx, "expired cleanup: destroy failed", "runner", r.ID, "error", err)
					continue
				}
				r.State = runnerhub.RunnerStateTerminated
				destroyed++
				continue
			}
		}
	}

	if p, ok := m.policies.Get(PolicyOrphaned); ok && p.Enabled {
		n, err := m.reapOrphans(ctx, known)
		if err != nil {
			logger.ErrorContext(ctx, "orphan cleanup failed", "error", err)
		}
		destroyed += n
	}

	if destroyed > 0 {
		logger.InfoContext(ctx, "cleanup pass complete", "destroyed", destroyed)
	}
	return destroyed, nil
}

// inFlightRunners returns the ids of runners that still own an assigned
// or running job.
func (m *Manager) inFlightRunners(ctx context.Context) (map[string]bool, error) {
	busy := make(map[string]bool)
	for _, state := range []runnerhub.JobState{runnerhub.JobStateAssigned, runnerhub.JobStateRunning} {
		jobs, err := m.db.ListJobs(ctx, state, "", 1, 1000)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.AssignedRunner != "" {
				busy[j.AssignedRunner] = true
			}
		}
	}
	return busy, nil
}

// drainComplete reports whether a draining runner is safe to destroy: its
// container already exited, or no job is in flight on it. A nil inflight
// set means the job listing failed; only exited containers are reclaimed
// then.
func (m *Manager) drainComplete(ctx context.Context, r *runnerhub.Runner, inflight map[string]bool) bool {
	st, err := m.rt.Inspect(ctx, r.ContainerID)
	if err != nil {
		return IsNotFound(err)
	}
	if !st.Running {
		return true
	}
	return inflight != nil && !inflight[r.ID]
}

// exitedNonZero reports whether the runner's container exited with a
// non-zero code.
func (m *Manager) exitedNonZero(ctx context.Context, r *runnerhub.Runner) bool {
	st, err := m.rt.Inspect(ctx, r.ContainerID)
	if err != nil {
		return IsNotFound(err)
	}
	return !st.Running && st.ExitCode != 0
}

// abovePoolMinimum reports whether destroying one runner keeps the pool at
// or above its configured minimum.
func (m *Manager) abovePoolMinimum(ctx context.Context, pool string, runners []*runnerhub.Runner) bool {
	p, err := m.db.GetPool(ctx, pool)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	alive := 0
	for _, r := range runners {
		if r.Pool == pool && r.State != runnerhub.RunnerStateTerminated {
			alive++
		}
	}
	return alive > p.MinRunners
}

// reapOrphans destroys containers labelled as managed that have no
// corresponding runner record.
func (m *Manager) reapOrphans(ctx context.Context, known map[string]*runnerhub.Runner) (int, error) {
	containers, err := m.rt.List(ctx, map[string]string{ManagedLabel: "true"})
	if err != nil {
		return 0, err
	}
	destroyed := 0
	for _, c := range containers {
		if _, ok := known[c.ID]; ok {
			continue
		}
		if c.Labels[PersistentLabel] == "true" {
			continue
		}
		if err := Destroy(ctx, m.rt, c.ID, 10*time.Second); err != nil {
			return destroyed, err
		}
		destroyed++
	}
	return destroyed, nil
}
