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
	"math"
	"sync"
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// MetricsSource is the pool-manager surface analytics samples from.
type MetricsSource interface {
	ListPools(ctx context.Context) ([]*runnerhub.RunnerPool, error)
	Metrics(ctx context.Context, repo string) (*runnerhub.PoolMetrics, error)
}

// Rollup is an aggregated metrics bucket.
type Rollup struct {
	Bucket         time.Time `json:"bucket"`
	Repository     string    `json:"repository"`
	Samples        int       `json:"samples"`
	AvgQueued      float64   `json:"avg_queued"`
	AvgRunning     float64   `json:"avg_running"`
	AvgUtilization float64   `json:"avg_utilization"`
	PeakQueued     int       `json:"peak_queued"`
}

type rollupKey struct {
	repo   string
	bucket int64
}

// AnalyticsConfig tunes the sampling cadence.
type AnalyticsConfig struct {
	SampleInterval   time.Duration
	AccuracyInterval time.Duration
}

// DefaultAnalyticsConfig returns production cadence: 30s samples, hourly
// accuracy recomputation.
func DefaultAnalyticsConfig() *AnalyticsConfig {
	return &AnalyticsConfig{
		SampleInterval:   30 * time.Second,
		AccuracyInterval: time.Hour,
	}
}

// Analytics samples pool metrics, maintains minute/hour/day rollups and
// computes realized prediction accuracy that feeds predictor confidence.
// Leader-gated.
type Analytics struct {
	cfg       *AnalyticsConfig
	db        *store.Store
	archive   store.Archiver
	source    MetricsSource
	predictor *Predictor
	now       func() time.Time

	mu      sync.Mutex
	minutes map[rollupKey]*Rollup
	hours   map[rollupKey]*Rollup
	days    map[rollupKey]*Rollup
}

// NewAnalytics wires the sampler over the pool manager and archive.
func NewAnalytics(cfg *AnalyticsConfig, db *store.Store, archive store.Archiver, source MetricsSource, predictor *Predictor) *Analytics {
	if cfg == nil {
		cfg = DefaultAnalyticsConfig()
	}
	return &Analytics{
		cfg:       cfg,
		db:        db,
		archive:   archive,
		source:    source,
		predictor: predictor,
		now:       time.Now,
		minutes:   make(map[rollupKey]*Rollup),
		hours:     make(map[rollupKey]*Rollup),
		days:      make(map[rollupKey]*Rollup),
	}
}

// Run samples until the context is cancelled.
func (a *Analytics) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	sample := time.NewTicker(a.cfg.SampleInterval)
	defer sample.Stop()
	accuracy := time.NewTicker(a.cfg.AccuracyInterval)
	defer accuracy.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sample.C:
			if err := a.SampleOnce(ctx); err != nil {
				logger.ErrorContext(ctx, "metrics sampling failed", "error", err)
			}
		case <-accuracy.C:
			if err := a.RecomputeAccuracy(ctx); err != nil {
				logger.ErrorContext(ctx, "accuracy recomputation failed", "error", err)
			}
		}
	}
}

// SampleOnce snapshots every pool, persists the samples and folds them
// into the rollup buckets.
func (a *Analytics) SampleOnce(ctx context.Context) error {
	pools, err := a.source.ListPools(ctx)
	if err != nil {
		return err
	}
	now := a.now().UTC()

	for _, p := range pools {
		pm, err := a.source.Metrics(ctx, p.Repository)
		if err != nil {
			return err
		}
		pm.SampledAt = now
		if err := a.db.AppendSample(ctx, pm); err != nil {
			return err
		}
		a.fold(pm)
	}
	return nil
}

func (a *Analytics) fold(pm *runnerhub.PoolMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.foldInto(a.minutes, pm, pm.SampledAt.Truncate(time.Minute), 24*time.Hour)
	a.foldInto(a.hours, pm, pm.SampledAt.Truncate(time.Hour), 7*24*time.Hour)
	a.foldInto(a.days, pm, pm.SampledAt.Truncate(24*time.Hour), 30*24*time.Hour)
}

func (a *Analytics) foldInto(buckets map[rollupKey]*Rollup, pm *runnerhub.PoolMetrics, bucket time.Time, retention time.Duration) {
	key := rollupKey{repo: pm.Repository, bucket: bucket.Unix()}
	r, ok := buckets[key]
	if !ok {
		r = &Rollup{Bucket: bucket, Repository: pm.Repository}
		buckets[key] = r
	}
	n := float64(r.Samples)
	r.AvgQueued = (r.AvgQueued*n + float64(pm.QueuedJobs)) / (n + 1)
	r.AvgRunning = (r.AvgRunning*n + float64(pm.RunningJobs)) / (n + 1)
	r.AvgUtilization = (r.AvgUtilization*n + pm.Utilization) / (n + 1)
	if pm.QueuedJobs > r.PeakQueued {
		r.PeakQueued = pm.QueuedJobs
	}
	r.Samples++

	cutoff := pm.SampledAt.Add(-retention).Unix()
	for k := range buckets {
		if k.bucket < cutoff {
			delete(buckets, k)
		}
	}
}

// Rollups returns the aggregated buckets for a repository at the given
// granularity ("minute", "hour" or "day"), oldest first.
func (a *Analytics) Rollups(repo, granularity string) []*Rollup {
	a.mu.Lock()
	defer a.mu.Unlock()

	var src map[rollupKey]*Rollup
	switch granularity {
	case "hour":
		src = a.hours
	case "day":
		src = a.days
	default:
		src = a.minutes
	}

	var out []*Rollup
	for k, r := range src {
		if k.repo == repo {
			out = append(out, r)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Bucket.Before(out[i].Bucket) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// RecomputeAccuracy computes the realized MAPE per pool and horizon from
// archived predictions against the persisted sample stream, feeding the
// result back into predictor confidence.
func (a *Analytics) RecomputeAccuracy(ctx context.Context) error {
	pools, err := a.source.ListPools(ctx)
	if err != nil {
		return err
	}
	now := a.now().UTC()

	for _, p := range pools {
		for _, h := range []runnerhub.PredictionHorizon{
			runnerhub.HorizonShort, runnerhub.HorizonMedium, runnerhub.HorizonLong,
		} {
			window := runnerhub.HorizonDuration(h)
			// only predictions whose horizon has fully elapsed can be scored
			preds, err := a.archive.PredictionsIssuedBetween(ctx, p.Repository, h, now.Add(-24*time.Hour), now.Add(-window))
			if err != nil {
				return err
			}
			if len(preds) == 0 {
				continue
			}

			samples, err := a.db.RecentSamples(ctx, p.Repository, 4000)
			if err != nil {
				return err
			}

			mape, ok := mapeOf(preds, samples, window)
			if ok {
				a.predictor.SetAccuracy(p.Repository, h, mape)
			}
		}
	}
	return nil
}

// mapeOf scores predictions against the realized queued-jobs sample
// nearest each prediction's target time.
func mapeOf(preds []*runnerhub.Prediction, samples []*runnerhub.PoolMetrics, window time.Duration) (float64, bool) {
	var sum float64
	var n int
	for _, pred := range preds {
		target := pred.IssuedAt.Add(window)
		actual, ok := nearestSample(samples, target)
		if !ok {
			continue
		}
		denom := math.Max(actual, 1)
		sum += math.Abs(actual-pred.ExpectedJobs) / denom
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func nearestSample(samples []*runnerhub.PoolMetrics, at time.Time) (float64, bool) {
	const tolerance = 2 * time.Minute
	best := tolerance + 1
	var value float64
	found := false
	for _, s := range samples {
		d := s.SampledAt.Sub(at)
		if d < 0 {
			d = -d
		}
		if d <= tolerance && d < best {
			best = d
			value = float64(s.QueuedJobs)
			found = true
		}
	}
	return value, found
}
