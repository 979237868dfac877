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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// Registrar is what provisioning needs from GitHub: ephemeral runner
// registration tokens and registration checks.
type Registrar interface {
	CreateRegistrationToken(ctx context.Context, repo string) (string, error)
	RunnerRegistered(ctx context.Context, repo, runnerName string) (bool, error)
	RemoveRunnerByName(ctx context.Context, repo, runnerName string) error
}

// runnerImage is the image and resource envelope for one runner type.
type runnerImage struct {
	image    string
	cpuCores int
	memoryMB int64
}

var runnerImages = map[runnerhub.RunnerType]runnerImage{
	runnerhub.RunnerTypeSmall:  {image: "ghcr.io/runnerhub/runner:small", cpuCores: 2, memoryMB: 4096},
	runnerhub.RunnerTypeMedium: {image: "ghcr.io/runnerhub/runner:medium", cpuCores: 4, memoryMB: 8192},
	runnerhub.RunnerTypeLarge:  {image: "ghcr.io/runnerhub/runner:large", cpuCores: 8, memoryMB: 16384},
}

// Config tunes the container lifecycle.
type Config struct {
	WarmupTimeout        time.Duration
	MaxConcurrentWarmups int64
	MaxRunnerAge         time.Duration
	IdleTimeout          time.Duration
	MonitorInterval      time.Duration
	CleanupInterval      time.Duration
	GitHubServerURL      string
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		WarmupTimeout:        90 * time.Second,
		MaxConcurrentWarmups: 5,
		MaxRunnerAge:         time.Hour,
		IdleTimeout:          5 * time.Minute,
		MonitorInterval:      10 * time.Second,
		CleanupInterval:      60 * time.Second,
		GitHubServerURL:      "https://github.com",
	}
}

// Manager owns runner container creation, monitoring and reclamation.
// Operations on the same runner are serialized by runner id; provisioning
// across runners is bounded by the warmup semaphore.
type Manager struct {
	cfg      *Config
	rt       Runtime
	db       *store.Store
	registry Registrar
	bus      *runnerhub.Bus
	jobs     JobReleaser
	policies *CleanupPolicies
	warmups  *semaphore.Weighted

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires a lifecycle manager.
func NewManager(cfg *Config, rt Runtime, db *store.Store, registry Registrar, bus *runnerhub.Bus) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		rt:       rt,
		db:       db,
		registry: registry,
		bus:      bus,
		policies: DefaultCleanupPolicies(cfg),
		warmups:  semaphore.NewWeighted(cfg.MaxConcurrentWarmups),
		locks:    make(map[string]*sync.Mutex),
	}
}

// runnerLock returns the per-runner mutex, creating it on first use.
func (m *Manager) runnerLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) releaseLock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)
}

// Provision creates, starts and registers one runner container for the
// pool. It blocks while the global warmup limit is saturated. A container
// that does not register with GitHub within the warmup timeout is
// destroyed and a permanent error returned.
func (m *Manager) Provision(ctx context.Context, typ runnerhub.RunnerType, labels []string, pool string) (*runnerhub.Runner, error) {
	logger := logging.FromContext(ctx)

	if err := m.warmups.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire warmup slot: %w", err)
	}
	defer m.warmups.Release(1)

	img, ok := runnerImages[typ]
	if !ok {
		return nil, runnerhub.Errorf(runnerhub.KindValidation, "unknown runner type %q", typ)
	}

	runnerID := "runner-" + uuid.NewString()[:8]
	token, err := m.registry.CreateRegistrationToken(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create registration token: %w", err)
	}

	spec := &ContainerSpec{
		Name:  runnerID,
		Image: img.image,
		Env: []string{
			"RUNNER_TOKEN=" + token,
			"RUNNER_NAME=" + runnerID,
			"RUNNER_LABELS=" + strings.Join(labels, ","),
			"RUNNER_WORKDIR=" + WorkDir,
			"RUNNER_EPHEMERAL=true",
			"GITHUB_URL=" + m.cfg.GitHubServerURL + "/" + pool,
		},
		Labels: map[string]string{
			ManagedLabel: "true",
			PoolLabel:    pool,
		},
		CPUCores: img.cpuCores,
		MemoryMB: img.memoryMB,
	}

	containerID, err := m.rt.Create(ctx, spec)
	if err != nil {
		return nil, classifyRuntimeErr(err)
	}
	if err := m.rt.Start(ctx, containerID); err != nil {
		_ = Destroy(ctx, m.rt, containerID, 10*time.Second)
		return nil, classifyRuntimeErr(err)
	}

	// Poll until the runner shows up registered against the repository.
	pollCtx, done := context.WithTimeout(ctx, m.cfg.WarmupTimeout)
	defer done()
	backoff := retry.WithMaxDuration(m.cfg.WarmupTimeout, retry.NewConstant(3*time.Second))
	err = retry.Do(pollCtx, backoff, func(ctx context.Context) error {
		registered, err := m.registry.RunnerRegistered(ctx, pool, runnerID)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !registered {
			return retry.RetryableError(fmt.Errorf("runner %s not yet registered", runnerID))
		}
		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "runner failed to register within warmup timeout",
			"runner", runnerID, "container", containerID, "error", err)
		_ = Destroy(ctx, m.rt, containerID, 10*time.Second)
		return nil, runnerhub.Errorf(runnerhub.KindPermanent,
			"runner %s did not register within %s", runnerID, m.cfg.WarmupTimeout)
	}

	runner := &runnerhub.Runner{
		ID:          runnerID,
		Pool:        pool,
		ContainerID: containerID,
		Labels:      labels,
		State:       runnerhub.RunnerStateIdle,
		Type:        typ,
		Lifecycle:   runnerhub.LifecycleOnDemand,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.db.PutRunner(ctx, runner); err != nil {
		_ = Destroy(ctx, m.rt, containerID, 10*time.Second)
		return nil, fmt.Errorf("failed to record runner: %w", err)
	}

	m.bus.Publish(runnerhub.Event{
		Kind:       runnerhub.EventRunnerCreated,
		Repository: pool,
		RunnerID:   runnerID,
	})
	logger.InfoContext(ctx, "provisioned runner", "runner", runnerID, "pool", pool, "type", typ)
	return runner, nil
}

// DestroyRunner tears down a runner's container and removes its record
// and its GitHub registration. Destruction is idempotent.
func (m *Manager) DestroyRunner(ctx context.Context, runner *runnerhub.Runner) error {
	lock := m.runnerLock(runner.ID)
	lock.Lock()
	defer lock.Unlock()
	defer m.releaseLock(runner.ID)

	if err := Destroy(ctx, m.rt, runner.ContainerID, 10*time.Second); err != nil {
		return fmt.Errorf("failed to destroy container for runner %s: %w", runner.ID, err)
	}
	if err := m.registry.RemoveRunnerByName(ctx, runner.Pool, runner.ID); err != nil {
		// registration may already be gone for ephemeral runners
		logging.FromContext(ctx).DebugContext(ctx, "failed to deregister runner",
			"runner", runner.ID, "error", err)
	}
	if err := m.db.DeleteRunner(ctx, runner.ID, runner.Pool); err != nil {
		return err
	}
	m.bus.Publish(runnerhub.Event{
		Kind:       runnerhub.EventRunnerTerminated,
		Repository: runner.Pool,
		RunnerID:   runner.ID,
	})
	return nil
}

// RunnerUsage reports the container's current CPU utilization for
// right-sizing decisions. A stats failure reads as "no data".
func (m *Manager) RunnerUsage(ctx context.Context, containerID string) (float64, bool) {
	u, err := m.rt.Usage(ctx, containerID)
	if err != nil {
		return 0, false
	}
	return u.CPUPercent, true
}

// classifyRuntimeErr maps daemon failures onto the error taxonomy: a
// missing image is permanent, everything else transient.
func classifyRuntimeErr(err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || strings.Contains(err.Error(), "No such image") {
		return runnerhub.NewError(runnerhub.KindPermanent, err)
	}
	return runnerhub.NewError(runnerhub.KindTransient, err)
}
