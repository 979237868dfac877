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

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
)

// fakeSource serves canned pools and metrics.
type fakeSource struct {
	pools   []*runnerhub.RunnerPool
	metrics map[string]*runnerhub.PoolMetrics
}

func (f *fakeSource) ListPools(ctx context.Context) ([]*runnerhub.RunnerPool, error) {
	return f.pools, nil
}

func (f *fakeSource) Metrics(ctx context.Context, repo string) (*runnerhub.PoolMetrics, error) {
	m := *f.metrics[repo]
	return &m, nil
}

func TestAnalytics_SampleAndRollup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(t)
	src := &fakeSource{
		pools: []*runnerhub.RunnerPool{runnerhub.DefaultPool("org/repo")},
		metrics: map[string]*runnerhub.PoolMetrics{
			"org/repo": {Repository: "org/repo", Size: 4, Busy: 2, Idle: 2, QueuedJobs: 6, RunningJobs: 2, Utilization: 0.5},
		},
	}
	a := NewAnalytics(nil, db, store.NopArchive{}, src, NewPredictor(runnerhub.NewBus()))

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	// two samples in the same minute, a third in the next
	if err := a.SampleOnce(ctx); err != nil {
		t.Fatal(err)
	}
	now = now.Add(30 * time.Second)
	src.metrics["org/repo"].QueuedJobs = 10
	if err := a.SampleOnce(ctx); err != nil {
		t.Fatal(err)
	}
	now = now.Add(31 * time.Second)
	src.metrics["org/repo"].QueuedJobs = 2
	if err := a.SampleOnce(ctx); err != nil {
		t.Fatal(err)
	}

	minutes := a.Rollups("org/repo", "minute")
	if got, want := len(minutes), 2; got != want {
		t.Fatalf("minute buckets = %d, want %d", got, want)
	}
	first := minutes[0]
	if got, want := first.Samples, 2; got != want {
		t.Errorf("first bucket samples = %d, want %d", got, want)
	}
	if got, want := first.AvgQueued, 8.0; got != want {
		t.Errorf("first bucket avg queued = %.1f, want %.1f", got, want)
	}
	if got, want := first.PeakQueued, 10; got != want {
		t.Errorf("first bucket peak = %d, want %d", got, want)
	}

	hours := a.Rollups("org/repo", "hour")
	if got, want := len(hours), 1; got != want {
		t.Fatalf("hour buckets = %d, want %d", got, want)
	}
	if got, want := hours[0].Samples, 3; got != want {
		t.Errorf("hour bucket samples = %d, want %d", got, want)
	}

	// samples also hit the durable store for the predictor pipeline
	persisted, err := db.RecentSamples(ctx, "org/repo", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(persisted), 3; got != want {
		t.Errorf("persisted samples = %d, want %d", got, want)
	}
}

func TestMapeOf(t *testing.T) {
	t.Parallel()

	issued := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	window := 15 * time.Minute

	preds := []*runnerhub.Prediction{
		{IssuedAt: issued, ExpectedJobs: 8},
		{IssuedAt: issued.Add(time.Minute), ExpectedJobs: 12},
	}
	samples := []*runnerhub.PoolMetrics{
		{SampledAt: issued.Add(window), QueuedJobs: 10},
		{SampledAt: issued.Add(time.Minute).Add(window), QueuedJobs: 10},
	}

	mape, ok := mapeOf(preds, samples, window)
	if !ok {
		t.Fatal("no scorable predictions")
	}
	// |10-8|/10 = 0.2, |10-12|/10 = 0.2
	if mape < 0.19 || mape > 0.21 {
		t.Errorf("mape = %.3f, want 0.2", mape)
	}

	// no realized sample near the target time: unscorable
	if _, ok := mapeOf(preds, nil, window); ok {
		t.Error("scored predictions without samples")
	}
}

func TestNearestSample(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	samples := []*runnerhub.PoolMetrics{
		{SampledAt: at.Add(-10 * time.Minute), QueuedJobs: 1},
		{SampledAt: at.Add(90 * time.Second), QueuedJobs: 7},
		{SampledAt: at.Add(5 * time.Minute), QueuedJobs: 3},
	}

	v, ok := nearestSample(samples, at)
	if !ok {
		t.Fatal("no sample within tolerance")
	}
	if got, want := v, 7.0; got != want {
		t.Errorf("nearest = %.0f, want %.0f", got, want)
	}

	if _, ok := nearestSample(samples, at.Add(time.Hour)); ok {
		t.Error("matched a sample an hour away")
	}
}
