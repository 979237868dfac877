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
	"math"
	"sync"
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
)

// PolicyPreset names a scaling aggressiveness profile.
type PolicyPreset string

const (
	PolicyAggressive   PolicyPreset = "aggressive"
	PolicyBalanced     PolicyPreset = "balanced"
	PolicyConservative PolicyPreset = "conservative"
)

// ControllerConfig tunes the target computation.
type ControllerConfig struct {
	TargetUtilization   float64
	ConfidenceThreshold float64
	MaxScaleUp          int
	MaxScaleDown        int
	Cooldown            time.Duration
	Preset              PolicyPreset
}

// DefaultControllerConfig returns the balanced profile.
func DefaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		TargetUtilization:   0.6,
		ConfidenceThreshold: 0.8,
		MaxScaleUp:          10,
		MaxScaleDown:        5,
		Cooldown:            5 * time.Minute,
		Preset:              PolicyBalanced,
	}
}

// applyPreset returns the effective caps and cooldown for the profile:
// aggressive doubles the up-cap and halves the cooldown, conservative does
// the opposite.
func (cfg *ControllerConfig) applyPreset() (int, int, time.Duration) {
	up, down, cd := cfg.MaxScaleUp, cfg.MaxScaleDown, cfg.Cooldown
	switch cfg.Preset {
	case PolicyAggressive:
		up *= 2
		cd /= 2
	case PolicyConservative:
		up = (up + 1) / 2
		cd *= 2
	}
	return up, down, cd
}

// Decision is the controller's verdict for one pool and tick.
type Decision struct {
	Target     int
	Delta      int
	Reason     runnerhub.ScalingReason
	Confidence float64

	// Skipped decisions carry why in Note and leave Delta zero.
	Skipped bool
	Note    string
}

// BudgetGate reports whether spend has crossed the critical threshold.
// Scale-ups are refused while critical.
type BudgetGate interface {
	BudgetCritical() bool
}

// Controller turns metrics and predictions into bounded scaling deltas.
type Controller struct {
	cfg    *ControllerConfig
	budget BudgetGate
	now    func() time.Time

	mu        sync.Mutex
	lastScale map[string]time.Time
}

// NewController creates a controller with the given profile and budget
// gate. A nil gate means no cost constraint.
func NewController(cfg *ControllerConfig, budget BudgetGate) *Controller {
	if cfg == nil {
		cfg = DefaultControllerConfig()
	}
	return &Controller{
		cfg:       cfg,
		budget:    budget,
		now:       time.Now,
		lastScale: make(map[string]time.Time),
	}
}

// Evaluate computes the scaling decision for one pool. The short-horizon
// prediction may be nil when the predictor is degraded; the utilization
// path still applies.
func (c *Controller) Evaluate(pool *runnerhub.RunnerPool, pm *runnerhub.PoolMetrics, short *runnerhub.Prediction) *Decision {
	reason := runnerhub.ReasonUtilization
	confidence := 1.0

	target := pm.Size
	if pm.Size > 0 {
		target = int(math.Ceil(float64(pm.Size) * pm.Utilization / c.cfg.TargetUtilization))
	} else if pm.QueuedJobs > 0 {
		target = 1
	}

	if short != nil && short.Confidence >= c.cfg.ConfidenceThreshold {
		predicted := int(math.Ceil(short.ExpectedJobs / 10))
		if predicted > target {
			target = predicted
			reason = runnerhub.ReasonPrediction
			confidence = short.Confidence
		}
	}

	target = pool.Clamp(target)

	up, down, cooldown := c.cfg.applyPreset()
	delta := target - pm.Size
	if delta > up {
		delta = up
	}
	if delta < -down {
		delta = -down
	}

	queuePressure := pm.QueuedJobs > pm.Idle

	if delta > 0 && c.budget != nil && c.budget.BudgetCritical() {
		// cost-critical wins over queue pressure
		return &Decision{
			Target:     target,
			Reason:     runnerhub.ReasonBudget,
			Confidence: confidence,
			Skipped:    true,
			Note:       "daily budget critical, scale-up refused",
		}
	}

	if delta != 0 {
		c.mu.Lock()
		last, seen := c.lastScale[pool.Repository]
		inCooldown := seen && c.now().Sub(last) < cooldown
		if inCooldown && !(delta > 0 && queuePressure) {
			c.mu.Unlock()
			return &Decision{
				Target:     target,
				Reason:     reason,
				Confidence: confidence,
				Skipped:    true,
				Note:       "cooldown active",
			}
		}
		c.lastScale[pool.Repository] = c.now()
		c.mu.Unlock()
	}

	if delta > 0 && queuePressure && reason == runnerhub.ReasonUtilization {
		reason = runnerhub.ReasonQueuePressure
	}

	return &Decision{
		Target:     pm.Size + delta,
		Delta:      delta,
		Reason:     reason,
		Confidence: confidence,
	}
}
