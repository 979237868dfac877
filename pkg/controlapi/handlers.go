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

package controlapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

var (
	errMethodNotAllowed = fmt.Errorf("method not allowed")
	errMalformedBody    = fmt.Errorf("malformed request body")
)

// handleHealth reports component reachability. Degraded dependencies
// return 503 so load balancers stop routing here.
func (s *Server) handleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		cacheOK := s.db.Ping(ctx) == nil
		dbOK := s.archive.Ping(ctx) == nil

		code := http.StatusOK
		status := "ok"
		if !cacheOK || !dbOK {
			status = "degraded"
		}
		if !cacheOK {
			// the archive is optional, the cache is not
			code = http.StatusServiceUnavailable
		}
		s.h.RenderJSON(w, code, map[string]any{
			"status": status,
			"db":     dbOK,
			"cache":  cacheOK,
			"leader": s.ha.IsLeader(),
		})
	})
}

// handleListJobs serves GET /api/jobs?state=&repo=&page=&limit=.
func (s *Server) handleListJobs() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if r.Method != http.MethodGet {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		state := runnerhub.JobState(q.Get("state"))
		repo := q.Get("repo")
		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		if page < 1 {
			page = 1
		}
		if limit <= 0 || limit > 200 {
			limit = 50
		}

		jobs, err := s.db.ListJobs(ctx, state, repo, page, limit)
		if err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "failed to list jobs", "error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"jobs":  jobs,
			"page":  page,
			"limit": limit,
		})
	})
}

type delegateRequest struct {
	JobID      int64    `json:"jobId"`
	RunID      int64    `json:"runId"`
	Repository string   `json:"repository"`
	Workflow   string   `json:"workflow"`
	Labels     []string `json:"labels"`
	Priority   int      `json:"priority"`
}

// handleDelegate serves POST /api/jobs/delegate: manual job injection
// outside the webhook path.
func (s *Server) handleDelegate() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)
		if r.Method != http.MethodPost {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}

		var req delegateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.h.RenderJSON(w, http.StatusBadRequest, errMalformedBody)
			return
		}
		if req.JobID == 0 || req.Repository == "" {
			s.h.RenderJSON(w, http.StatusBadRequest, fmt.Errorf("jobId and repository are required"))
			return
		}
		priority := req.Priority
		if priority <= 0 {
			priority = 50
		}

		job := &runnerhub.Job{
			ID:          req.JobID,
			RunID:       req.RunID,
			Repository:  req.Repository,
			Workflow:    req.Workflow,
			Labels:      req.Labels,
			Priority:    priority,
			State:       runnerhub.JobStatePending,
			MaxAttempts: runnerhub.DefaultMaxAttempts,
			CreatedAt:   time.Now().UTC(),
		}
		if _, err := s.pools.GetOrCreatePool(ctx, req.Repository); err != nil {
			logger.ErrorContext(ctx, "failed to ensure pool", "repo", req.Repository, "error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, err)
			return
		}
		if err := s.db.PutJob(ctx, job); err != nil {
			logger.ErrorContext(ctx, "failed to store delegated job", "job_id", job.ID, "error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, err)
			return
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			logger.ErrorContext(ctx, "failed to enqueue delegated job", "job_id", job.ID, "error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, err)
			return
		}

		s.h.RenderJSON(w, http.StatusCreated, map[string]any{
			"delegationId": uuid.NewString(),
			"jobId":        job.ID,
		})
	})
}

// handlePools serves GET /api/runners/pools.
func (s *Server) handlePools() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if r.Method != http.MethodGet {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}
		pools, err := s.db.ListPools(ctx)
		if err != nil {
			s.h.RenderJSON(w, http.StatusInternalServerError, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"pools": pools})
	})
}

type scaleRequest struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// handlePoolByRepo serves the /api/runners/pools/:repo subtree: pool
// read/update, manual scale and metrics. Repository names contain a
// slash, so the trailing segment selects the verb.
func (s *Server) handlePoolByRepo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		rest := strings.TrimPrefix(r.URL.Path, "/api/runners/pools/")
		repo := rest
		verb := ""
		if strings.HasSuffix(rest, "/scale") {
			repo, verb = strings.TrimSuffix(rest, "/scale"), "scale"
		} else if strings.HasSuffix(rest, "/metrics") {
			repo, verb = strings.TrimSuffix(rest, "/metrics"), "metrics"
		}
		if repo == "" {
			s.h.RenderJSON(w, http.StatusBadRequest, fmt.Errorf("repository is required"))
			return
		}

		switch {
		case verb == "" && r.Method == http.MethodGet:
			p, err := s.db.GetPool(ctx, repo)
			if errors.Is(err, store.ErrNotFound) {
				s.h.RenderJSON(w, http.StatusNotFound, err)
				return
			}
			if err != nil {
				s.h.RenderJSON(w, http.StatusInternalServerError, err)
				return
			}
			s.h.RenderJSON(w, http.StatusOK, p)

		case verb == "" && r.Method == http.MethodPut:
			var update runnerhub.RunnerPool
			if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
				s.h.RenderJSON(w, http.StatusBadRequest, errMalformedBody)
				return
			}
			p, err := s.pools.UpdatePool(ctx, repo, &update)
			if err != nil {
				if runnerhub.IsKind(err, runnerhub.KindValidation) {
					s.h.RenderJSON(w, http.StatusBadRequest, err)
					return
				}
				s.h.RenderJSON(w, http.StatusInternalServerError, err)
				return
			}
			s.h.RenderJSON(w, http.StatusOK, p)

		case verb == "scale" && r.Method == http.MethodPost:
			var req scaleRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				s.h.RenderJSON(w, http.StatusBadRequest, errMalformedBody)
				return
			}
			p, err := s.pools.GetOrCreatePool(ctx, repo)
			if err != nil {
				s.h.RenderJSON(w, http.StatusInternalServerError, err)
				return
			}
			count := req.Count
			if count <= 0 {
				count = p.ScaleIncrement
			}
			var delta int
			switch req.Action {
			case "up":
				delta = count
			case "down":
				delta = -count
			default:
				s.h.RenderJSON(w, http.StatusBadRequest, fmt.Errorf("action must be up or down"))
				return
			}
			decision, err := s.pools.Scale(ctx, repo, delta, runnerhub.ReasonManual)
			if err != nil {
				logger.ErrorContext(ctx, "manual scale failed", "pool", repo, "error", err)
				s.h.RenderJSON(w, http.StatusInternalServerError, err)
				return
			}
			s.h.RenderJSON(w, http.StatusOK, decision)

		case verb == "metrics" && r.Method == http.MethodGet:
			pm, err := s.pools.Metrics(ctx, repo)
			if err != nil {
				s.h.RenderJSON(w, http.StatusInternalServerError, err)
				return
			}
			history, err := s.archive.RecentScalingHistory(ctx, repo, 20)
			if err != nil {
				logger.ErrorContext(ctx, "failed to read scaling history", "pool", repo, "error", err)
				history = nil
			}
			s.h.RenderJSON(w, http.StatusOK, map[string]any{
				"metrics": pm,
				"history": history,
			})

		default:
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		}
	})
}

// handleCleanupTrigger serves POST /api/cleanup/trigger: one immediate
// cleanup pass.
func (s *Server) handleCleanupTrigger() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if r.Method != http.MethodPost {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}
		n, err := s.cleaner.Cleanup(ctx)
		if err != nil {
			s.h.RenderJSON(w, http.StatusInternalServerError, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"destroyed": n})
	})
}

// handleCleanupPolicies serves GET /api/cleanup/policies.
func (s *Server) handleCleanupPolicies() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"policies": s.cleaner.Policies().List(),
		})
	})
}

type policyUpdateRequest struct {
	Enabled bool   `json:"enabled"`
	MaxAge  string `json:"maxAge,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// handleCleanupPolicyByID serves PUT /api/cleanup/policies/:id.
func (s *Server) handleCleanupPolicyByID() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/cleanup/policies/")

		var req policyUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.h.RenderJSON(w, http.StatusBadRequest, errMalformedBody)
			return
		}
		var maxAge, timeout time.Duration
		if req.MaxAge != "" {
			d, err := time.ParseDuration(req.MaxAge)
			if err != nil {
				s.h.RenderJSON(w, http.StatusBadRequest, fmt.Errorf("invalid maxAge: %w", err))
				return
			}
			maxAge = d
		}
		if req.Timeout != "" {
			d, err := time.ParseDuration(req.Timeout)
			if err != nil {
				s.h.RenderJSON(w, http.StatusBadRequest, fmt.Errorf("invalid timeout: %w", err))
				return
			}
			timeout = d
		}

		if !s.cleaner.Policies().Update(id, req.Enabled, maxAge, timeout) {
			s.h.RenderJSON(w, http.StatusNotFound, fmt.Errorf("unknown policy %q", id))
			return
		}
		p, _ := s.cleaner.Policies().Get(id)
		s.h.RenderJSON(w, http.StatusOK, p)
	})
}

// handleHAStatus serves GET /api/system/ha/status.
func (s *Server) handleHAStatus() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		st, err := s.ha.Status(ctx)
		if err != nil {
			s.h.RenderJSON(w, http.StatusInternalServerError, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"isLeader":      st.IsLeader,
			"currentLeader": st.Leader,
			"term":          st.Term,
		})
	})
}

// handleCosts serves GET /api/costs: spend against budget plus the
// advisory recommendation set.
func (s *Server) handleCosts() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.cost == nil {
			s.h.RenderJSON(w, http.StatusNotFound, fmt.Errorf("cost optimizer disabled"))
			return
		}
		spend, budget := s.cost.Spend()
		monthly, err := s.cost.ProjectedMonthlySpend(ctx)
		if err != nil {
			s.h.RenderJSON(w, http.StatusInternalServerError, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"dailySpend":       spend,
			"dailyBudget":      budget,
			"projectedMonthly": monthly,
			"recommendations":  s.cost.Recommendations(),
		})
	})
}
