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

package pool

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/pkg/logging"
)

// ScalerConfig tunes the threshold scaling loop.
type ScalerConfig struct {
	Interval       time.Duration
	GlobalInflight int
}

// DefaultScalerConfig returns production defaults.
func DefaultScalerConfig() *ScalerConfig {
	return &ScalerConfig{
		Interval:       30 * time.Second,
		GlobalInflight: 8,
	}
}

// Scaler evaluates the utilization thresholds for every pool. Per-pool
// evaluation is serialized through the manager's pool locks; across
// pools, evaluations run in parallel bounded by the global in-flight
// limit. Leader-gated.
type Scaler struct {
	cfg *ScalerConfig
	mgr *Manager
}

// NewScaler wires a threshold scaler over the pool manager.
func NewScaler(cfg *ScalerConfig, mgr *Manager) *Scaler {
	if cfg == nil {
		cfg = DefaultScalerConfig()
	}
	return &Scaler{cfg: cfg, mgr: mgr}
}

// Run evaluates all pools every interval until the context is cancelled.
func (s *Scaler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s.evaluateAll(ctx)
	}
}

func (s *Scaler) evaluateAll(ctx context.Context) {
	logger := logging.FromContext(ctx)

	pools, err := s.mgr.db.ListPools(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list pools for scaling", "error", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.GlobalInflight)
	for _, p := range pools {
		p := p
		g.Go(func() error {
			s.evaluatePool(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

// evaluatePool applies the threshold triggers for one pool: grow by the
// pending capacity demand raised by dispatchers, scale up by the
// increment when utilization crosses the upper threshold, scale down by
// the number of long-idle runners when utilization sits below the lower
// threshold.
func (s *Scaler) evaluatePool(ctx context.Context, p *runnerhub.RunnerPool) {
	logger := logging.FromContext(ctx)

	pm, err := s.mgr.Metrics(ctx, p.Repository)
	if err != nil {
		logger.ErrorContext(ctx, "failed to compute pool metrics", "pool", p.Repository, "error", err)
		return
	}

	demand, err := s.mgr.TakeDemand(ctx, p.Repository)
	if err != nil {
		logger.ErrorContext(ctx, "failed to read capacity demand", "pool", p.Repository, "error", err)
	}
	if demand > 0 && pm.Size < p.MaxRunners {
		if _, err := s.mgr.Scale(ctx, p.Repository, demand, runnerhub.ReasonQueuePressure); err != nil {
			logger.ErrorContext(ctx, "demand scale-up failed", "pool", p.Repository, "error", err)
		}
		return
	}

	if pm.Utilization >= p.ScaleUpThreshold && pm.Size < p.MaxRunners {
		if _, err := s.mgr.Scale(ctx, p.Repository, p.ScaleIncrement, runnerhub.ReasonUtilization); err != nil {
			logger.ErrorContext(ctx, "scale-up failed", "pool", p.Repository, "error", err)
		}
		return
	}

	if pm.Utilization <= p.ScaleDownThreshold && pm.Size > p.MinRunners {
		idle, err := s.longIdleRunners(ctx, p)
		if err != nil {
			logger.ErrorContext(ctx, "failed to count idle runners", "pool", p.Repository, "error", err)
			return
		}
		if idle > 0 {
			if _, err := s.mgr.Scale(ctx, p.Repository, -idle, runnerhub.ReasonUtilization); err != nil {
				logger.ErrorContext(ctx, "scale-down failed", "pool", p.Repository, "error", err)
			}
		}
	}
}

// longIdleRunners counts runners idle beyond the pool's idle timeout.
func (s *Scaler) longIdleRunners(ctx context.Context, p *runnerhub.RunnerPool) (int, error) {
	runners, err := s.mgr.db.ListRunners(ctx, p.Repository)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	n := 0
	for _, r := range runners {
		if r.State == runnerhub.RunnerStateIdle && r.IdleFor(now) > p.IdleTimeout {
			n++
		}
	}
	return n, nil
}
