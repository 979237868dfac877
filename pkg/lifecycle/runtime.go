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

// Package lifecycle owns all interaction with the container runtime:
// provisioning runner containers, monitoring their health, and reclaiming
// them under the cleanup policies.
package lifecycle

import (
	"context"
	"time"
)

const (
	// ManagedLabel marks containers owned by RunnerHub.
	ManagedLabel = "runnerhub.managed"

	// PoolLabel records which repository pool a container serves.
	PoolLabel = "runnerhub.pool"

	// PersistentLabel exempts a container from all cleanup policies except
	// manual destruction.
	PersistentLabel = "runnerhub.persistent"

	// NetworkName is the isolated bridge network runner containers attach
	// to. It is pre-created outside this process.
	NetworkName = "runnerhub-net"

	// WorkDir is the runner working directory kept writable inside the
	// otherwise read-only root filesystem.
	WorkDir = "/home/runner/_work"
)

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name     string
	Image    string
	Env      []string
	Labels   map[string]string
	CPUCores int
	MemoryMB int64
}

// ContainerState is a point-in-time runtime view of one container.
type ContainerState struct {
	ID         string
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ContainerUsage is a resource usage sample.
type ContainerUsage struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// ContainerSummary is one entry from a label-filtered listing.
type ContainerSummary struct {
	ID     string
	Labels map[string]string
}

// Runtime is the capability surface the lifecycle needs from a container
// daemon. The production implementation talks to Docker; tests use a
// fake.
type Runtime interface {
	Create(ctx context.Context, spec *ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (*ContainerState, error)
	Usage(ctx context.Context, id string) (*ContainerUsage, error)
	Exec(ctx context.Context, id string, cmd []string) (int, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	List(ctx context.Context, labels map[string]string) ([]*ContainerSummary, error)
}

// Destroy stops and removes a container idempotently: graceful stop with
// the given grace period, then force removal. A missing container is not
// an error.
func Destroy(ctx context.Context, rt Runtime, id string, grace time.Duration) error {
	if err := rt.Stop(ctx, id, grace); err != nil && !IsNotFound(err) {
		// fall through to force removal even if the stop failed
	}
	if err := rt.Remove(ctx, id, true); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}
