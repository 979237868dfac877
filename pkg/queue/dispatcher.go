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

package queue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/pkg/logging"
)

// RunnerSource is what the dispatcher needs from the pool manager: find an
// idle runner matching a job's labels, ask for more capacity, and hand a
// job to a runner.
type RunnerSource interface {
	FindRunner(ctx context.Context, repo string, labels []string) (*runnerhub.Runner, error)
	RequestCapacity(ctx context.Context, job *runnerhub.Job) error
	Assign(ctx context.Context, runner *runnerhub.Runner, job *runnerhub.Job) error
}

// DispatcherConfig tunes the dispatcher worker pool.
type DispatcherConfig struct {
	Workers         int
	BatchSize       int
	PollInterval    time.Duration
	RecoverInterval time.Duration
	CapacityDelay   time.Duration
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		Workers:         4,
		BatchSize:       10,
		PollInterval:    time.Second,
		RecoverInterval: 30 * time.Second,
		CapacityDelay:   5 * time.Second,
	}
}

// Dispatcher drains the queue onto runners. Multiple dispatchers across
// nodes share the queue safely because reservations are atomic.
type Dispatcher struct {
	cfg     *DispatcherConfig
	queue   *Queue
	runners RunnerSource
	bus     *runnerhub.Bus
	nodeID  string
}

// NewDispatcher wires a dispatcher over the queue and a runner source.
func NewDispatcher(cfg *DispatcherConfig, q *Queue, runners RunnerSource, bus *runnerhub.Bus, nodeID string) *Dispatcher {
	if cfg == nil {
		cfg = DefaultDispatcherConfig()
	}
	return &Dispatcher{cfg: cfg, queue: q, runners: runners, bus: bus, nodeID: nodeID}
}

// Run starts the worker pool and the lease recovery loop, blocking until
// the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	if n, err := d.queue.Recover(ctx); err != nil {
		logger.ErrorContext(ctx, "startup lease recovery failed", "error", err)
	} else if n > 0 {
		logger.InfoContext(ctx, "recovered expired reservations", "count", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-dispatch-%d", d.nodeID, i)
		g.Go(func() error {
			return d.workerLoop(ctx, workerID)
		})
	}
	g.Go(func() error {
		return d.recoverLoop(ctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dispatcher stopped: %w", err)
	}
	return nil
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID string) error {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		jobs, err := d.queue.Reserve(ctx, workerID, d.cfg.BatchSize)
		if err != nil {
			logger.ErrorContext(ctx, "failed to reserve jobs", "worker", workerID, "error", err)
			continue
		}
		for _, job := range jobs {
			d.dispatchOne(ctx, job)
		}
	}
}

// dispatchOne attempts to place one reserved job on an idle runner. A job
// with no matching runner goes back into the queue after a short delay so
// it never head-of-line-blocks jobs with satisfiable label sets.
func (d *Dispatcher) dispatchOne(ctx context.Context, job *runnerhub.Job) {
	logger := logging.FromContext(ctx)

	runner, err := d.runners.FindRunner(ctx, job.Repository, job.Labels)
	if err != nil {
		logger.ErrorContext(ctx, "failed to find runner", "job", job.ID, "error", err)
		if err := d.queue.Requeue(ctx, job.ID, d.cfg.CapacityDelay); err != nil {
			logger.ErrorContext(ctx, "failed to requeue job", "job", job.ID, "error", err)
		}
		return
	}

	if runner == nil {
		if err := d.runners.RequestCapacity(ctx, job); err != nil {
			logger.ErrorContext(ctx, "failed to request capacity", "job", job.ID, "error", err)
		}
		if err := d.queue.Requeue(ctx, job.ID, d.cfg.CapacityDelay); err != nil {
			logger.ErrorContext(ctx, "failed to requeue job", "job", job.ID, "error", err)
		}
		return
	}

	if err := d.runners.Assign(ctx, runner, job); err != nil {
		logger.ErrorContext(ctx, "failed to assign job to runner",
			"job", job.ID, "runner", runner.ID, "error", err)
		if err := d.queue.Nack(ctx, job.ID, fmt.Sprintf("assign to %s: %v", runner.ID, err)); err != nil {
			logger.ErrorContext(ctx, "failed to nack job", "job", job.ID, "error", err)
		}
		return
	}

	if err := d.queue.Ack(ctx, job.ID); err != nil {
		logger.ErrorContext(ctx, "failed to ack job", "job", job.ID, "error", err)
		return
	}

	d.bus.Publish(runnerhub.Event{
		Kind:       runnerhub.EventJobQueued,
		Repository: job.Repository,
		JobID:      job.ID,
		RunnerID:   runner.ID,
		Detail:     "dispatched",
	})
	logger.InfoContext(ctx, "dispatched job", "job", job.ID, "runner", runner.ID, "repo", job.Repository)
}

func (d *Dispatcher) recoverLoop(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(d.cfg.RecoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := d.queue.Recover(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "lease recovery failed", "error", err)
			continue
		}
		if n > 0 {
			logger.InfoContext(ctx, "recovered expired reservations", "count", n)
		}
	}
}
