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

// DefaultPoolRepository is the shared pool used for jobs whose repository
// has no dedicated pool configuration.
const DefaultPoolRepository = "_default"

// RunnerPool is the bounded runner collection serving one repository.
// Pools are durable configuration; current size is derived from the runner
// records owned by the pool.
type RunnerPool struct {
	Repository         string        `json:"repository"`
	MinRunners         int           `json:"min_runners"`
	MaxRunners         int           `json:"max_runners"`
	ScaleIncrement     int           `json:"scale_increment"`
	ScaleUpThreshold   float64       `json:"scale_up_threshold"`
	ScaleDownThreshold float64       `json:"scale_down_threshold"`
	IdleTimeout        time.Duration `json:"idle_timeout"`
	RunnerType         RunnerType    `json:"runner_type"`
	Labels             []string      `json:"labels"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// DefaultPool returns a pool for the repository with the default bounds.
func DefaultPool(repository string) *RunnerPool {
	return &RunnerPool{
		Repository:         repository,
		MinRunners:         1,
		MaxRunners:         10,
		ScaleIncrement:     2,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		IdleTimeout:        5 * time.Minute,
		RunnerType:         RunnerTypeMedium,
		Labels:             []string{"self-hosted", "ubuntu-latest"},
	}
}

// Clamp bounds n to the pool's [min, max] runner window.
func (p *RunnerPool) Clamp(n int) int {
	if n < p.MinRunners {
		return p.MinRunners
	}
	if n > p.MaxRunners {
		return p.MaxRunners
	}
	return n
}

// PoolMetrics is a point-in-time utilization snapshot for one pool.
type PoolMetrics struct {
	Repository  string    `json:"repository"`
	Size        int       `json:"size"`
	Busy        int       `json:"busy"`
	Idle        int       `json:"idle"`
	QueuedJobs  int       `json:"queued_jobs"`
	RunningJobs int       `json:"running_jobs"`
	Utilization float64   `json:"utilization"`
	SampledAt   time.Time `json:"sampled_at"`
}
