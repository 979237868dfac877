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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestHourlyRate(t *testing.T) {
	t.Parallel()

	if got := HourlyRate(runnerhub.RunnerTypeLarge, runnerhub.LifecycleSpot); got != 0.12 {
		t.Errorf("large spot rate = %.2f, want 0.12", got)
	}
	// unknown combinations fall back to on-demand medium
	if got := HourlyRate("weird", "unknown"); got != 0.20 {
		t.Errorf("fallback rate = %.2f, want 0.20", got)
	}
	// spot is always cheaper than on-demand
	for _, typ := range []runnerhub.RunnerType{runnerhub.RunnerTypeSmall, runnerhub.RunnerTypeMedium, runnerhub.RunnerTypeLarge} {
		if HourlyRate(typ, runnerhub.LifecycleSpot) >= HourlyRate(typ, runnerhub.LifecycleOnDemand) {
			t.Errorf("spot rate for %s not below on-demand", typ)
		}
	}
}

func TestCostOptimizer_BudgetCritical(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(t)
	bus := runnerhub.NewBus()
	events := bus.Subscribe(runnerhub.EventBudgetCritical)

	// one medium on-demand runner: 0.20/h, metered in 1h ticks against a
	// tiny budget so the second tick crosses 95%
	cfg := DefaultCostConfig()
	cfg.DailyBudget = 0.40
	cfg.TickInterval = time.Hour
	c := NewCostOptimizer(cfg, db, bus, nil)

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := db.PutRunner(ctx, &runnerhub.Runner{
		ID: "r1", Pool: "org/repo", State: runnerhub.RunnerStateBusy,
		Type: runnerhub.RunnerTypeMedium, Lifecycle: runnerhub.LifecycleOnDemand,
		CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if c.BudgetCritical() {
		t.Fatal("budget critical after 50% spend")
	}

	if err := c.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if !c.BudgetCritical() {
		t.Fatal("budget not critical at 100% spend")
	}
	select {
	case <-events:
	default:
		t.Error("no budget_critical event published")
	}

	// next UTC day resets the meter
	now = now.Add(24 * time.Hour)
	if err := c.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if c.BudgetCritical() {
		t.Error("budget still critical after daily reset")
	}
}

func TestCostOptimizer_Recommendations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(t)
	c := NewCostOptimizer(DefaultCostConfig(), db, runnerhub.NewBus(), nil)

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	// mature on-demand runner: spot conversion candidate
	if err := db.PutRunner(ctx, &runnerhub.Runner{
		ID: "old", Pool: "org/repo", State: runnerhub.RunnerStateBusy,
		Type: runnerhub.RunnerTypeMedium, Lifecycle: runnerhub.LifecycleOnDemand,
		CreatedAt: now.Add(-3 * time.Hour), LastJobAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	// long-idle runner: termination candidate
	if err := db.PutRunner(ctx, &runnerhub.Runner{
		ID: "lazy", Pool: "org/repo", State: runnerhub.RunnerStateIdle,
		Type: runnerhub.RunnerTypeSmall, Lifecycle: runnerhub.LifecycleSpot,
		CreatedAt: now.Add(-30 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	// protected runners are never recommended against
	if err := db.PutRunner(ctx, &runnerhub.Runner{
		ID: "keeper", Pool: "org/repo", State: runnerhub.RunnerStateIdle, Protected: true,
		Type: runnerhub.RunnerTypeLarge, Lifecycle: runnerhub.LifecycleOnDemand,
		CreatedAt: now.Add(-10 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.tick(ctx); err != nil {
		t.Fatal(err)
	}

	recs := c.Recommendations()
	kinds := map[RecommendationKind][]string{}
	for _, r := range recs {
		kinds[r.Kind] = append(kinds[r.Kind], r.RunnerID)
	}
	if got := kinds[RecommendSpotConversion]; len(got) != 1 || got[0] != "old" {
		t.Errorf("spot conversion candidates = %v, want [old]", got)
	}
	if got := kinds[RecommendTerminateIdle]; len(got) != 1 || got[0] != "lazy" {
		t.Errorf("terminate candidates = %v, want [lazy]", got)
	}
	for _, ids := range kinds {
		for _, id := range ids {
			if id == "keeper" {
				t.Error("protected runner was recommended against")
			}
		}
	}
}

func TestCostOptimizer_ProjectedMonthlySpend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(t)
	c := NewCostOptimizer(DefaultCostConfig(), db, runnerhub.NewBus(), nil)

	for _, r := range []*runnerhub.Runner{
		{ID: "a", Pool: "p", State: runnerhub.RunnerStateBusy, Type: runnerhub.RunnerTypeMedium, Lifecycle: runnerhub.LifecycleOnDemand},
		{ID: "b", Pool: "p", State: runnerhub.RunnerStateIdle, Type: runnerhub.RunnerTypeSmall, Lifecycle: runnerhub.LifecycleSpot},
		{ID: "dead", Pool: "p", State: runnerhub.RunnerStateTerminated, Type: runnerhub.RunnerTypeLarge, Lifecycle: runnerhub.LifecycleOnDemand},
	} {
		if err := db.PutRunner(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.ProjectedMonthlySpend(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := (0.20 + 0.03) * 24 * 30
	if diff := got - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("projected spend = %.2f, want %.2f", got, want)
	}
}
