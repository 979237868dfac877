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
	"fmt"
	"sync"
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// hourlyRates is the cost table by runner type and lifecycle, dollars per
// runner-hour.
var hourlyRates = map[runnerhub.RunnerType]map[runnerhub.RunnerLifecycle]float64{
	runnerhub.RunnerTypeSmall: {
		runnerhub.LifecycleOnDemand:  0.10,
		runnerhub.LifecycleSpot:      0.03,
		runnerhub.LifecyclePrewarmed: 0.12,
	},
	runnerhub.RunnerTypeMedium: {
		runnerhub.LifecycleOnDemand:  0.20,
		runnerhub.LifecycleSpot:      0.06,
		runnerhub.LifecyclePrewarmed: 0.24,
	},
	runnerhub.RunnerTypeLarge: {
		runnerhub.LifecycleOnDemand:  0.40,
		runnerhub.LifecycleSpot:      0.12,
		runnerhub.LifecyclePrewarmed: 0.48,
	},
}

// HourlyRate returns the cost of one runner-hour, defaulting to the
// on-demand medium rate for unknown combinations.
func HourlyRate(typ runnerhub.RunnerType, lc runnerhub.RunnerLifecycle) float64 {
	if byLC, ok := hourlyRates[typ]; ok {
		if r, ok := byLC[lc]; ok {
			return r
		}
	}
	return hourlyRates[runnerhub.RunnerTypeMedium][runnerhub.LifecycleOnDemand]
}

// budgetCriticalRatio is the spend/budget ratio at which scale-ups are
// refused.
const budgetCriticalRatio = 0.95

// RecommendationKind classifies a cost optimization suggestion.
type RecommendationKind string

const (
	RecommendSpotConversion RecommendationKind = "spot_conversion"
	RecommendRightSize      RecommendationKind = "right_size"
	RecommendTerminateIdle  RecommendationKind = "terminate_idle"
)

// Recommendation is one advisory cost action. Recommendations are surfaced
// over the control API; nothing acts on them automatically.
type Recommendation struct {
	Kind             RecommendationKind `json:"kind"`
	RunnerID         string             `json:"runner_id"`
	Pool             string             `json:"pool"`
	EstimatedSavings float64            `json:"estimated_savings_hourly"`
	Detail           string             `json:"detail"`
}

// CostConfig tunes budget enforcement.
type CostConfig struct {
	DailyBudget   float64
	TickInterval  time.Duration
	SpotMinAge    time.Duration
	LowCPUPercent float64
}

// DefaultCostConfig returns production defaults.
func DefaultCostConfig() *CostConfig {
	return &CostConfig{
		DailyBudget:   100.0,
		TickInterval:  time.Minute,
		SpotMinAge:    2 * time.Hour,
		LowCPUPercent: 20.0,
	}
}

// UsageSource exposes per-runner resource usage for right-sizing.
type UsageSource interface {
	RunnerUsage(ctx context.Context, containerID string) (cpuPercent float64, ok bool)
}

// CostOptimizer meters fleet spend against the daily budget and produces
// cost recommendations. It implements the controller's budget gate.
type CostOptimizer struct {
	cfg   *CostConfig
	db    *store.Store
	bus   *runnerhub.Bus
	usage UsageSource
	now   func() time.Time

	mu         sync.Mutex
	day        string
	dailySpend float64
	critical   bool
	recs       []*Recommendation
}

// NewCostOptimizer creates the optimizer. usage may be nil, disabling
// right-size recommendations.
func NewCostOptimizer(cfg *CostConfig, db *store.Store, bus *runnerhub.Bus, usage UsageSource) *CostOptimizer {
	if cfg == nil {
		cfg = DefaultCostConfig()
	}
	return &CostOptimizer{
		cfg:   cfg,
		db:    db,
		bus:   bus,
		usage: usage,
		now:   time.Now,
	}
}

// BudgetCritical reports whether daily spend has crossed the critical
// ratio. Resets at UTC midnight.
func (c *CostOptimizer) BudgetCritical() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.critical
}

// Spend returns today's accumulated spend and the configured budget.
func (c *CostOptimizer) Spend() (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dailySpend, c.cfg.DailyBudget
}

// ProjectedMonthlySpend extrapolates the current fleet's hourly burn to a
// 30 day month.
func (c *CostOptimizer) ProjectedMonthlySpend(ctx context.Context) (float64, error) {
	runners, err := c.db.ListRunners(ctx, "")
	if err != nil {
		return 0, err
	}
	var hourly float64
	for _, r := range runners {
		if r.State == runnerhub.RunnerStateTerminated {
			continue
		}
		hourly += HourlyRate(r.Type, r.Lifecycle)
	}
	return hourly * 24 * 30, nil
}

// Recommendations returns the latest advisory set.
func (c *CostOptimizer) Recommendations() []*Recommendation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Recommendation, len(c.recs))
	copy(out, c.recs)
	return out
}

// Run meters spend every tick until the context is cancelled.
// Leader-gated so the fleet is metered exactly once.
func (c *CostOptimizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := c.tick(ctx); err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "cost metering tick failed", "error", err)
		}
	}
}

// tick accrues one interval of fleet cost, refreshes recommendations and
// flips the budget gate when the critical ratio is crossed.
func (c *CostOptimizer) tick(ctx context.Context) error {
	now := c.now().UTC()
	runners, err := c.db.ListRunners(ctx, "")
	if err != nil {
		return err
	}

	var intervalCost float64
	hours := c.cfg.TickInterval.Hours()
	for _, r := range runners {
		if r.State == runnerhub.RunnerStateTerminated {
			continue
		}
		intervalCost += HourlyRate(r.Type, r.Lifecycle) * hours
	}

	recs := c.recommend(ctx, runners, now)

	c.mu.Lock()
	day := now.Format(time.DateOnly)
	if day != c.day {
		c.day = day
		c.dailySpend = 0
		c.critical = false
	}
	c.dailySpend += intervalCost
	wasCritical := c.critical
	c.critical = c.cfg.DailyBudget > 0 && c.dailySpend/c.cfg.DailyBudget >= budgetCriticalRatio
	becameCritical := c.critical && !wasCritical
	spend, budget := c.dailySpend, c.cfg.DailyBudget
	c.recs = recs
	c.mu.Unlock()

	if becameCritical {
		logging.FromContext(ctx).WarnContext(ctx, "daily budget critical",
			"spend", spend, "budget", budget)
		c.bus.Publish(runnerhub.Event{
			Kind:   runnerhub.EventBudgetCritical,
			Detail: fmt.Sprintf("spend %.2f of %.2f daily budget", spend, budget),
		})
	}
	return nil
}

// recommend derives the advisory set: spot conversion for mature
// on-demand runners, right-sizing for sustained low CPU, termination for
// long-idle runners.
func (c *CostOptimizer) recommend(ctx context.Context, runners []*runnerhub.Runner, now time.Time) []*Recommendation {
	var recs []*Recommendation
	for _, r := range runners {
		if r.State == runnerhub.RunnerStateTerminated || r.Protected {
			continue
		}

		if r.Lifecycle == runnerhub.LifecycleOnDemand && now.Sub(r.CreatedAt) >= c.cfg.SpotMinAge {
			recs = append(recs, &Recommendation{
				Kind:             RecommendSpotConversion,
				RunnerID:         r.ID,
				Pool:             r.Pool,
				EstimatedSavings: HourlyRate(r.Type, runnerhub.LifecycleOnDemand) - HourlyRate(r.Type, runnerhub.LifecycleSpot),
				Detail:           "on-demand runner older than 2h is eligible for spot lifecycle",
			})
		}

		if c.usage != nil && r.Type != runnerhub.RunnerTypeSmall {
			if cpu, ok := c.usage.RunnerUsage(ctx, r.ContainerID); ok && cpu < c.cfg.LowCPUPercent {
				recs = append(recs, &Recommendation{
					Kind:             RecommendRightSize,
					RunnerID:         r.ID,
					Pool:             r.Pool,
					EstimatedSavings: HourlyRate(r.Type, r.Lifecycle) - HourlyRate(smallerType(r.Type), r.Lifecycle),
					Detail:           fmt.Sprintf("sustained cpu %.1f%% below %.0f%%", cpu, c.cfg.LowCPUPercent),
				})
			}
		}

		if r.State == runnerhub.RunnerStateIdle && r.IdleFor(now) >= 5*time.Minute {
			recs = append(recs, &Recommendation{
				Kind:             RecommendTerminateIdle,
				RunnerID:         r.ID,
				Pool:             r.Pool,
				EstimatedSavings: HourlyRate(r.Type, r.Lifecycle),
				Detail:           fmt.Sprintf("idle for %s", r.IdleFor(now).Round(time.Second)),
			})
		}
	}
	return recs
}

func smallerType(t runnerhub.RunnerType) runnerhub.RunnerType {
	switch t {
	case runnerhub.RunnerTypeLarge:
		return runnerhub.RunnerTypeMedium
	default:
		return runnerhub.RunnerTypeSmall
	}
}
