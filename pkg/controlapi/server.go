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

// Package controlapi serves the operator-facing REST surface: job and
// pool inspection, manual delegation and scaling, cleanup control and HA
// status.
package controlapi

import (
	"context"
	"net/http"

	"github.com/abcxyz/github-runnerhub/pkg/autoscaler"
	"github.com/abcxyz/github-runnerhub/pkg/leader"
	"github.com/abcxyz/github-runnerhub/pkg/lifecycle"
	"github.com/abcxyz/github-runnerhub/pkg/queue"
	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
)

// PoolManager is the pool surface the API exposes.
type PoolManager interface {
	GetOrCreatePool(ctx context.Context, repo string) (*runnerhub.RunnerPool, error)
	UpdatePool(ctx context.Context, repo string, update *runnerhub.RunnerPool) (*runnerhub.RunnerPool, error)
	Metrics(ctx context.Context, repo string) (*runnerhub.PoolMetrics, error)
	Scale(ctx context.Context, repo string, delta int, reason runnerhub.ScalingReason) (*runnerhub.ScalingDecision, error)
}

// Cleaner is the lifecycle surface for cleanup control.
type Cleaner interface {
	Cleanup(ctx context.Context) (int, error)
	Policies() *lifecycle.CleanupPolicies
}

// CostView is the cost-optimizer surface for spend reporting.
type CostView interface {
	Spend() (float64, float64)
	ProjectedMonthlySpend(ctx context.Context) (float64, error)
	Recommendations() []*autoscaler.Recommendation
}

// Server provides the control API implementation.
type Server struct {
	h       *renderer.Renderer
	db      *store.Store
	archive store.Archiver
	queue   *queue.Queue
	pools   PoolManager
	cleaner Cleaner
	ha      leader.Gate
	cost    CostView
}

// NewServer wires the control API over the shared components. cost may be
// nil when the optimizer is disabled.
func NewServer(h *renderer.Renderer, db *store.Store, archive store.Archiver, q *queue.Queue, pools PoolManager, cleaner Cleaner, ha leader.Gate, cost CostView) *Server {
	return &Server{
		h:       h,
		db:      db,
		archive: archive,
		queue:   q,
		pools:   pools,
		cleaner: cleaner,
		ha:      ha,
		cost:    cost,
	}
}

// Routes creates a ServeMux of all of the routes this server supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/health", s.handleHealth())
	mux.Handle("/api/jobs", s.handleListJobs())
	mux.Handle("/api/jobs/delegate", s.handleDelegate())
	mux.Handle("/api/runners/pools", s.handlePools())
	mux.Handle("/api/runners/pools/", s.handlePoolByRepo())
	mux.Handle("/api/cleanup/trigger", s.handleCleanupTrigger())
	mux.Handle("/api/cleanup/policies", s.handleCleanupPolicies())
	mux.Handle("/api/cleanup/policies/", s.handleCleanupPolicyByID())
	mux.Handle("/api/system/ha/status", s.handleHAStatus())
	mux.Handle("/api/costs", s.handleCosts())

	root := logging.HTTPInterceptor(logger, "")(mux)
	return root
}
