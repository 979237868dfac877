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
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// dockerCallTimeout bounds every call to the daemon.
const dockerCallTimeout = 60 * time.Second

// DockerRuntime implements Runtime against a Docker daemon.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the daemon from the environment
// (DOCKER_HOST et al) with API version negotiation.
func NewDockerRuntime(ctx context.Context) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping docker daemon: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// IsNotFound reports whether err means the container does not exist.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// Create creates a container with the runner security policy applied:
// all capabilities dropped except the four the runner agent needs,
// no-new-privileges, a read-only root filesystem with tmpfs work areas,
// no swap headroom beyond the memory cap, and the isolated bridge
// network.
func (d *DockerRuntime) Create(ctx context.Context, spec *ContainerSpec) (string, error) {
	ctx, done := context.WithTimeout(ctx, dockerCallTimeout)
	defer done()

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	host := &container.HostConfig{
		Resources: container.Resources{
			CPUShares:  int64(spec.CPUCores) * 1024,
			Memory:     spec.MemoryMB * 1024 * 1024,
			MemorySwap: spec.MemoryMB * 1024 * 1024,
		},
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CHOWN", "DAC_OVERRIDE", "SETGID", "SETUID"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp":  "rw,noexec,nosuid,size=1g",
			WorkDir: "rw,exec,nosuid,size=10g",
		},
		NetworkMode: container.NetworkMode(NetworkName),
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %q: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// Start starts a created container.
func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	ctx, done := context.WithTimeout(ctx, dockerCallTimeout)
	defer done()

	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// Inspect returns the runtime state of a container.
func (d *DockerRuntime) Inspect(ctx context.Context, id string) (*ContainerState, error) {
	ctx, done := context.WithTimeout(ctx, dockerCallTimeout)
	defer done()

	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	st := &ContainerState{ID: info.ID}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			st.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
			st.FinishedAt = t
		}
	}
	return st, nil
}

// Usage samples CPU and memory usage via a one-shot stats call.
func (d *DockerRuntime) Usage(ctx context.Context, id string) (*ContainerUsage, error) {
	ctx, done := context.WithTimeout(ctx, dockerCallTimeout)
	defer done()

	resp, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read container stats %s: %w", id, err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode container stats: %w", err)
	}

	usage := &ContainerUsage{MemoryBytes: stats.MemoryStats.Usage}
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		usage.CPUPercent = cpuDelta / sysDelta * float64(stats.CPUStats.OnlineCPUs) * 100.0
	}
	return usage, nil
}

// Exec runs a command inside the container and returns its exit code.
func (d *DockerRuntime) Exec(ctx context.Context, id string, cmd []string) (int, error) {
	ctx, done := context.WithTimeout(ctx, dockerCallTimeout)
	defer done()

	exec, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{Cmd: cmd})
	if err != nil {
		return 0, fmt.Errorf("failed to create exec in %s: %w", id, err)
	}
	if err := d.cli.ContainerExecStart(ctx, exec.ID, types.ExecStartCheck{}); err != nil {
		return 0, fmt.Errorf("failed to start exec in %s: %w", id, err)
	}

	// ExecStart without attach returns immediately; poll for completion.
	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec in %s: %w", id, err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("exec in %s: %w", id, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Stop gracefully stops a container within the grace period.
func (d *DockerRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	ctx, done := context.WithTimeout(ctx, dockerCallTimeout)
	defer done()

	secs := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// Remove removes a container.
func (d *DockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	ctx, done := context.WithTimeout(ctx, dockerCallTimeout)
	defer done()

	if err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// List returns all containers (running or not) matching every given
// label.
func (d *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]*ContainerSummary, error) {
	ctx, done := context.WithTimeout(ctx, dockerCallTimeout)
	defer done()

	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	out := make([]*ContainerSummary, 0, len(list))
	for _, c := range list {
		out = append(out, &ContainerSummary{ID: c.ID, Labels: c.Labels})
	}
	return out, nil
}
