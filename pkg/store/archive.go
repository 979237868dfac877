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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
)

// Archiver is the durable append-only history sink. Scaling decisions and
// predictions are written here for audit and accuracy tracking; terminal
// jobs are archived here before eviction from the KV.
type Archiver interface {
	AppendScalingDecision(ctx context.Context, d *runnerhub.ScalingDecision) error
	AppendPrediction(ctx context.Context, p *runnerhub.Prediction) error
	ArchiveJob(ctx context.Context, job *runnerhub.Job) error
	RecentScalingHistory(ctx context.Context, pool string, n int) ([]*runnerhub.ScalingDecision, error)
	PredictionsIssuedBetween(ctx context.Context, repo string, horizon runnerhub.PredictionHorizon, from, to time.Time) ([]*runnerhub.Prediction, error)
	Ping(ctx context.Context) error
	Close() error
}

// Archive is the Postgres implementation of Archiver. The schema is owned
// by the external migrator; this package only reads and appends.
type Archive struct {
	db *sqlx.DB
}

// NewArchive connects to Postgres using a postgres:// URL.
func NewArchive(ctx context.Context, dbURL string) (*Archive, error) {
	db, err := sqlx.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Archive{db: db}, nil
}

// AppendScalingDecision writes one immutable scaling log entry.
func (a *Archive) AppendScalingDecision(ctx context.Context, d *runnerhub.ScalingDecision) error {
	const q = `INSERT INTO scaling_log (ts, pool, from_count, to_count, reason, confidence, applied, error)
		VALUES (:ts, :pool, :from_count, :to_count, :reason, :confidence, :applied, :error)`
	if _, err := a.db.NamedExecContext(ctx, q, d); err != nil {
		return fmt.Errorf("failed to append scaling decision: %w", err)
	}
	return nil
}

// AppendPrediction writes one immutable prediction log entry.
func (a *Archive) AppendPrediction(ctx context.Context, p *runnerhub.Prediction) error {
	const q = `INSERT INTO prediction_log (issued_at, repository, horizon, expected_jobs, lower_bound, upper_bound, confidence)
		VALUES (:issued_at, :repository, :horizon, :expected_jobs, :lower_bound, :upper_bound, :confidence)`
	if _, err := a.db.NamedExecContext(ctx, q, p); err != nil {
		return fmt.Errorf("failed to append prediction: %w", err)
	}
	return nil
}

// ArchiveJob writes a terminal job into the archive table.
func (a *Archive) ArchiveJob(ctx context.Context, job *runnerhub.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	const q = `INSERT INTO job_archive (job_id, repository, state, conclusion, payload, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET state = EXCLUDED.state, conclusion = EXCLUDED.conclusion, payload = EXCLUDED.payload`
	if _, err := a.db.ExecContext(ctx, q, job.ID, job.Repository, job.State, job.Conclusion, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}
	return nil
}

// RecentScalingHistory returns the last n scaling decisions for a pool,
// newest first.
func (a *Archive) RecentScalingHistory(ctx context.Context, pool string, n int) ([]*runnerhub.ScalingDecision, error) {
	const q = `SELECT ts, pool, from_count, to_count, reason, confidence, applied, error
		FROM scaling_log WHERE pool = $1 ORDER BY ts DESC LIMIT $2`
	var out []*runnerhub.ScalingDecision
	if err := a.db.SelectContext(ctx, &out, q, pool, n); err != nil {
		return nil, fmt.Errorf("failed to read scaling history: %w", err)
	}
	return out, nil
}

// PredictionsIssuedBetween returns logged predictions for accuracy
// scoring: those issued in [from, to) for the given repo and horizon.
func (a *Archive) PredictionsIssuedBetween(ctx context.Context, repo string, horizon runnerhub.PredictionHorizon, from, to time.Time) ([]*runnerhub.Prediction, error) {
	const q = `SELECT issued_at, repository, horizon, expected_jobs, lower_bound, upper_bound, confidence
		FROM prediction_log WHERE repository = $1 AND horizon = $2 AND issued_at >= $3 AND issued_at < $4
		ORDER BY issued_at ASC`
	var out []*runnerhub.Prediction
	if err := a.db.SelectContext(ctx, &out, q, repo, horizon, from, to); err != nil {
		return nil, fmt.Errorf("failed to read predictions: %w", err)
	}
	return out, nil
}

// Ping reports whether the database is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// Close releases the database pool.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// NopArchive discards history. Used when no DB_URL is configured and in
// tests that do not assert on the archive.
type NopArchive struct{}

func (NopArchive) AppendScalingDecision(context.Context, *runnerhub.ScalingDecision) error {
	return nil
}
func (NopArchive) AppendPrediction(context.Context, *runnerhub.Prediction) error { return nil }
func (NopArchive) ArchiveJob(context.Context, *runnerhub.Job) error              { return nil }
func (NopArchive) RecentScalingHistory(context.Context, string, int) ([]*runnerhub.ScalingDecision, error) {
	return nil, nil
}
func (NopArchive) PredictionsIssuedBetween(context.Context, string, runnerhub.PredictionHorizon, time.Time, time.Time) ([]*runnerhub.Prediction, error) {
	return nil, nil
}
func (NopArchive) Ping(context.Context) error { return nil }
func (NopArchive) Close() error               { return nil }
