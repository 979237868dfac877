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
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/pkg/logging"
)

// healthCheckCmd verifies the runner agent finished configuring inside
// the container.
var healthCheckCmd = []string{"test", "-f", "/actions-runner/.runner"}

// healthFailLimit is how many consecutive health check failures terminate
// a runner.
const healthFailLimit = 3

// JobReleaser returns jobs that were assigned to a now-dead runner to the
// queue. Implemented by the pool manager.
type JobReleaser interface {
	ReleaseAssigned(ctx context.Context, runnerID string) error
}

// SetJobReleaser installs the assigned-job recovery hook. Set once at
// composition time; breaks the construction cycle with the pool manager.
func (m *Manager) SetJobReleaser(r JobReleaser) { m.jobs = r }

// RunMonitor sweeps known runners every monitor interval until the
// context is cancelled.
func (m *Manager) RunMonitor(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		m.monitorOnce(ctx)
	}
}

// monitorOnce inspects every known runner: unexpected container exits and
// repeated health check failures terminate the runner; jobs assigned to a
// terminated runner that never started go back to the queue.
func (m *Manager) monitorOnce(ctx context.Context) {
	logger := logging.FromContext(ctx)

	runners, err := m.db.ListRunners(ctx, "")
	if err != nil {
		logger.ErrorContext(ctx, "failed to list runners for monitor", "error", err)
		return
	}

	for _, r := range runners {
		if r.State == runnerhub.RunnerStateTerminated {
			continue
		}

		st, err := m.rt.Inspect(ctx, r.ContainerID)
		if err != nil {
			if IsNotFound(err) {
				m.terminate(ctx, r, "container missing")
			} else {
				logger.ErrorContext(ctx, "failed to inspect runner container",
					"runner", r.ID, "error", err)
			}
			continue
		}

		if !st.Running {
			m.terminate(ctx, r, "container exited unexpectedly")
			continue
		}

		if usage, err := m.rt.Usage(ctx, r.ContainerID); err == nil {
			logger.DebugContext(ctx, "runner usage",
				"runner", r.ID, "cpu_percent", usage.CPUPercent, "memory_bytes", usage.MemoryBytes)
		}

		code, err := m.rt.Exec(ctx, r.ContainerID, healthCheckCmd)
		if err != nil || code != 0 {
			r.HealthFails++
			if r.HealthFails >= healthFailLimit {
				m.terminate(ctx, r, "health check failed")
				continue
			}
		} else {
			r.HealthFails = 0
		}
		if err := m.db.PutRunner(ctx, r); err != nil {
			logger.ErrorContext(ctx, "failed to update runner record", "runner", r.ID, "error", err)
		}
	}
}

// terminate marks a runner terminated and releases any job that was
// assigned to it but never started. The container itself is reclaimed by
// the failed-cleanup policy.
func (m *Manager) terminate(ctx context.Context, r *runnerhub.Runner, reason string) {
	logger := logging.FromContext(ctx)

	r.State = runnerhub.RunnerStateTerminated
	if err := m.db.PutRunner(ctx, r); err != nil {
		logger.ErrorContext(ctx, "failed to mark runner terminated", "runner", r.ID, "error", err)
		return
	}

	if m.jobs != nil {
		if err := m.jobs.ReleaseAssigned(ctx, r.ID); err != nil {
			logger.ErrorContext(ctx, "failed to release jobs of dead runner",
				"runner", r.ID, "error", err)
		}
	}

	m.bus.Publish(runnerhub.Event{
		Kind:       runnerhub.EventRunnerTerminated,
		Repository: r.Pool,
		RunnerID:   r.ID,
		Detail:     reason,
	})
	logger.InfoContext(ctx, "terminated runner", "runner", r.ID, "pool", r.Pool, "reason", reason)
}
