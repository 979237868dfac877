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

// Package webhook is the ingress server that receives GitHub workflow
// deliveries, deduplicates them and derives queue jobs.
package webhook

import (
	"context"
	"net/http"

	"github.com/abcxyz/github-runnerhub/pkg/queue"
	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
)

// PoolCreator is what the ingress needs from the pool manager: pool
// existence for repositories that submit jobs.
type PoolCreator interface {
	GetOrCreatePool(ctx context.Context, repo string) (*runnerhub.RunnerPool, error)
}

// Server provides the webhook ingress implementation.
type Server struct {
	h       *renderer.Renderer
	cfg     *Config
	db      *store.Store
	queue   *queue.Queue
	pools   PoolCreator
	archive store.Archiver
	bus     *runnerhub.Bus
	limiter *ipLimiter
}

// NewServer creates the HTTP ingress that handles webhook deliveries.
func NewServer(ctx context.Context, h *renderer.Renderer, cfg *Config, db *store.Store, q *queue.Queue, pools PoolCreator, archive store.Archiver, bus *runnerhub.Bus) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		h:       h,
		cfg:     cfg,
		db:      db,
		queue:   q,
		pools:   pools,
		archive: archive,
		bus:     bus,
		limiter: newIPLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst),
	}, nil
}

// Routes creates a ServeMux of all of the routes this server supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/webhook/github", s.handleWebhook())
	mux.Handle("/api/webhooks/github", s.handleWebhook())

	root := logging.HTTPInterceptor(logger, "")(mux)
	return root
}
