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

package runnerhub

import "time"

// RunnerState is the lifecycle state of a runner container.
type RunnerState string

const (
	RunnerStateProvisioning RunnerState = "provisioning"
	RunnerStateIdle         RunnerState = "idle"
	RunnerStateBusy         RunnerState = "busy"
	RunnerStateDraining     RunnerState = "draining"
	RunnerStateTerminated   RunnerState = "terminated"
)

// RunnerType selects the image and resource envelope for a runner.
type RunnerType string

const (
	RunnerTypeSmall  RunnerType = "small"
	RunnerTypeMedium RunnerType = "medium"
	RunnerTypeLarge  RunnerType = "large"
)

// RunnerLifecycle describes how a runner was procured.
type RunnerLifecycle string

const (
	LifecycleOnDemand  RunnerLifecycle = "on-demand"
	LifecycleSpot      RunnerLifecycle = "spot"
	LifecyclePrewarmed RunnerLifecycle = "pre-warmed"
)

// Runner is a configured GitHub Actions runner backed by a container. A
// runner is exclusively owned by one pool; terminated runners are never
// reused.
type Runner struct {
	ID            string          `json:"id"`
	Pool          string          `json:"pool"`
	ContainerID   string          `json:"container_id"`
	Labels        []string        `json:"labels"`
	State         RunnerState     `json:"state"`
	Type          RunnerType      `json:"type"`
	Region        string          `json:"region,omitempty"`
	Lifecycle     RunnerLifecycle `json:"lifecycle"`
	Protected     bool            `json:"protected,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastJobAt     time.Time       `json:"last_job_at,omitempty"`
	JobsProcessed int64           `json:"jobs_processed"`
	HealthFails   int             `json:"health_fails,omitempty"`
}

// IdleFor returns how long the runner has been without work relative to
// now. Runners that never ran a job are measured from creation.
func (r *Runner) IdleFor(now time.Time) time.Duration {
	since := r.LastJobAt
	if since.IsZero() {
		since = r.CreatedAt
	}
	return now.Sub(since)
}

// PrewarmStatus is the state of a pre-warmed container.
type PrewarmStatus string

const (
	PrewarmStatusWarming PrewarmStatus = "warming"
	PrewarmStatusReady   PrewarmStatus = "ready"
	PrewarmStatusClaimed PrewarmStatus = "claimed"
	PrewarmStatusExpired PrewarmStatus = "expired"
)

// PrewarmedContainer is a ready-but-unclaimed runner template instance. A
// ready container is fully bootstrapped (image pulled, runner binary
// configured, health checks passing) but has not been registered against a
// GitHub runner token yet.
type PrewarmedContainer struct {
	ContainerID     string        `json:"container_id"`
	Template        string        `json:"template"`
	Labels          []string      `json:"labels"`
	Status          PrewarmStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	LastHealthCheck time.Time     `json:"last_health_check,omitempty"`
}
