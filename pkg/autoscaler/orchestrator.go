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

package autoscaler

import (
	"context"
	"sync"
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// ScaleExecutor is the pool-manager surface the orchestrator drives.
type ScaleExecutor interface {
	MetricsSource
	Scale(ctx context.Context, repo string, delta int, reason runnerhub.ScalingReason) (*runnerhub.ScalingDecision, error)
}

// Orchestrator runs the per-minute prediction-to-execution pipeline:
// fetch metrics, feed and query the predictor, compute targets, apply
// policies and execute through the pool manager. A failure in one stage
// degrades to the previous tick's output instead of stalling the
// pipeline. Leader-gated.
type Orchestrator struct {
	predictor  *Predictor
	controller *Controller
	pools      ScaleExecutor
	archive    store.Archiver
	interval   time.Duration

	mu          sync.Mutex
	lastMetrics map[string]*runnerhub.PoolMetrics
	lastShort   map[string]*runnerhub.Prediction
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(predictor *Predictor, controller *Controller, pools ScaleExecutor, archive store.Archiver) *Orchestrator {
	return &Orchestrator{
		predictor:   predictor,
		controller:  controller,
		pools:       pools,
		archive:     archive,
		interval:    time.Minute,
		lastMetrics: make(map[string]*runnerhub.PoolMetrics),
		lastShort:   make(map[string]*runnerhub.Prediction),
	}
}

// Run ticks the pipeline until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		o.Tick(ctx)
	}
}

// Tick executes one pipeline pass across all pools.
func (o *Orchestrator) Tick(ctx context.Context) {
	logger := logging.FromContext(ctx)

	pools, err := o.pools.ListPools(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list pools, skipping tick", "error", err)
		return
	}

	for _, p := range pools {
		o.tickPool(ctx, p)
	}
}

func (o *Orchestrator) tickPool(ctx context.Context, p *runnerhub.RunnerPool) {
	logger := logging.FromContext(ctx)
	repo := p.Repository

	// stage 1: fetch metrics, fall back to last known
	pm, err := o.pools.Metrics(ctx, repo)
	if err != nil {
		logger.WarnContext(ctx, "metrics fetch failed, using last sample",
			"pool", repo, "error", err)
		o.mu.Lock()
		pm = o.lastMetrics[repo]
		o.mu.Unlock()
		if pm == nil {
			return
		}
	} else {
		o.mu.Lock()
		o.lastMetrics[repo] = pm
		o.mu.Unlock()
	}

	// stage 2: observe and predict, fall back to last prediction
	o.predictor.Observe(repo, float64(pm.QueuedJobs), pm.SampledAt)
	preds := o.predictor.ForecastAll(repo)
	var short *runnerhub.Prediction
	for _, pred := range preds {
		if pred.Horizon == runnerhub.HorizonShort {
			short = pred
		}
		if err := o.archive.AppendPrediction(ctx, pred); err != nil {
			logger.ErrorContext(ctx, "failed to log prediction",
				"pool", repo, "horizon", pred.Horizon, "error", err)
		}
	}
	if short == nil {
		o.mu.Lock()
		short = o.lastShort[repo]
		o.mu.Unlock()
	} else {
		o.mu.Lock()
		o.lastShort[repo] = short
		o.mu.Unlock()
	}

	// stages 3+4: target and policy application
	decision := o.controller.Evaluate(p, pm, short)
	if decision.Skipped {
		logger.DebugContext(ctx, "scaling skipped",
			"pool", repo, "reason", decision.Reason, "note", decision.Note)
		if decision.Reason == runnerhub.ReasonBudget {
			if err := o.archive.AppendScalingDecision(ctx, &runnerhub.ScalingDecision{
				Timestamp:  time.Now().UTC(),
				Pool:       repo,
				FromCount:  pm.Size,
				ToCount:    pm.Size,
				Reason:     runnerhub.ReasonBudget,
				Confidence: decision.Confidence,
				Applied:    false,
				Error:      decision.Note,
			}); err != nil {
				logger.ErrorContext(ctx, "failed to log refused decision", "pool", repo, "error", err)
			}
		}
		return
	}
	if decision.Delta == 0 {
		return
	}

	// stage 5: execute through the pool manager
	if _, err := o.pools.Scale(ctx, repo, decision.Delta, decision.Reason); err != nil {
		logger.ErrorContext(ctx, "scale execution failed",
			"pool", repo, "delta", decision.Delta, "error", err)
	}
}
