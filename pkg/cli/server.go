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

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/github-runnerhub/pkg/autoscaler"
	"github.com/abcxyz/github-runnerhub/pkg/controlapi"
	"github.com/abcxyz/github-runnerhub/pkg/githubclient"
	"github.com/abcxyz/github-runnerhub/pkg/leader"
	"github.com/abcxyz/github-runnerhub/pkg/lifecycle"
	"github.com/abcxyz/github-runnerhub/pkg/pool"
	"github.com/abcxyz/github-runnerhub/pkg/queue"
	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/github-runnerhub/pkg/version"
	"github.com/abcxyz/github-runnerhub/pkg/webhook"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"
)

var _ cli.Command = (*ServerCommand)(nil)

// ErrInvalidConfig marks configuration failures so the entry point can
// map them to a distinct exit code.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerCommand runs the full orchestrator node: webhook ingress, job
// dispatch, pool management, auto-scaling and the control API.
type ServerCommand struct {
	cli.BaseCommand

	cfg *ServerConfig

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *ServerCommand) Desc() string {
	return `Start a GitHub RunnerHub orchestrator node`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Start an orchestrator node. The node always serves webhook ingress,
  the control API and the job dispatcher; scaling and lifecycle loops
  run only while the node holds leadership (or always, when HA is
  disabled).
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &ServerConfig{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return fmt.Errorf("failed to create renderer: %w", err)
	}

	db, err := store.New(ctx, c.cfg.CacheURL)
	if err != nil {
		return fmt.Errorf("failed to connect to cache: %w", err)
	}
	defer db.Close()

	var archive store.Archiver = store.NopArchive{}
	if c.cfg.DatabaseURL != "" {
		a, err := store.NewArchive(ctx, c.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to archive: %w", err)
		}
		defer a.Close()
		archive = a
	} else {
		logger.WarnContext(ctx, "DB_URL not set, history archival disabled")
	}

	gh, err := githubclient.New(ctx, c.cfg.GitHubToken, c.cfg.GitHubAPIURL)
	if err != nil {
		return fmt.Errorf("failed to create github client: %w", err)
	}

	rt, err := lifecycle.NewDockerRuntime(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to container runtime: %w", err)
	}

	bus := runnerhub.NewBus()
	q := queue.New(db)

	lcCfg := lifecycle.DefaultConfig()
	lcCfg.GitHubServerURL = c.cfg.GitHubServerURL
	lcCfg.IdleTimeout = c.cfg.PoolIdleTimeout
	lc := lifecycle.NewManager(lcCfg, rt, db, gh, bus)

	pools := pool.NewManager(db, q, lc, archive, bus, pool.PoolDefaults{
		MinRunners:         c.cfg.PoolMinRunners,
		MaxRunners:         c.cfg.PoolMaxRunners,
		ScaleIncrement:     c.cfg.ScaleIncrement,
		ScaleUpThreshold:   c.cfg.ScaleUpThreshold,
		ScaleDownThreshold: c.cfg.ScaleDownThreshold,
		IdleTimeout:        c.cfg.PoolIdleTimeout,
	})
	lc.SetJobReleaser(pools)

	dispatcher := queue.NewDispatcher(nil, q, pools, bus, c.cfg.NodeID)
	scaler := pool.NewScaler(nil, pools)

	predictor := autoscaler.NewPredictor(bus)
	costCfg := autoscaler.DefaultCostConfig()
	costCfg.DailyBudget = float64(c.cfg.DailyBudgetDollars)
	cost := autoscaler.NewCostOptimizer(costCfg, db, bus, lc)

	ctrlCfg := autoscaler.DefaultControllerConfig()
	ctrlCfg.Preset = autoscaler.PolicyPreset(c.cfg.ScalingPreset)
	controller := autoscaler.NewController(ctrlCfg, cost)

	orchestrator := autoscaler.NewOrchestrator(predictor, controller, pools, archive)
	analytics := autoscaler.NewAnalytics(nil, db, archive, pools, predictor)

	var prewarmer *autoscaler.Prewarmer
	if c.cfg.PrewarmEnabled {
		pwCfg := autoscaler.DefaultPrewarmerConfig()
		pwCfg.GitHubServerURL = c.cfg.GitHubServerURL
		prewarmer = autoscaler.NewPrewarmer(pwCfg, rt, db, gh, predictor)
		pools.SetPrewarmer(prewarmer)
	}

	var gate leader.Gate = leader.AlwaysLeader{}
	var elector *leader.Elector
	if c.cfg.HAEnabled {
		elector, err = leader.New(&leader.Config{
			NodeID:       c.cfg.NodeID,
			TTL:          c.cfg.LeaderTTL,
			PollInterval: c.cfg.LeaderPoll,
		}, db.Client(), bus)
		if err != nil {
			return fmt.Errorf("failed to create elector: %w", err)
		}
		gate = elector
	}

	webhookServer, err := webhook.NewServer(ctx, h, &c.cfg.Webhook, db, q, pools, archive, bus)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}
	apiServer := controlapi.NewServer(h, db, archive, q, pools, lc, gate, cost)

	ingress, err := serving.New(c.cfg.WebhookPort)
	if err != nil {
		return fmt.Errorf("failed to create webhook serving infrastructure: %w", err)
	}
	api, err := serving.New(c.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to create api serving infrastructure: %w", err)
	}

	// Data plane runs on every node; control loops are leader-gated.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingress.StartHTTPHandler(gctx, webhookServer.Routes(gctx)) })
	g.Go(func() error { return api.StartHTTPHandler(gctx, apiServer.Routes(gctx)) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	if elector != nil {
		g.Go(func() error { return elector.Run(gctx) })
	}

	g.Go(func() error { return gate.RunWhenLeader(gctx, scaler.Run) })
	g.Go(func() error { return gate.RunWhenLeader(gctx, lc.RunMonitor) })
	g.Go(func() error { return gate.RunWhenLeader(gctx, lc.RunCleanup) })
	g.Go(func() error { return gate.RunWhenLeader(gctx, cost.Run) })
	g.Go(func() error { return gate.RunWhenLeader(gctx, analytics.Run) })
	if c.cfg.AutoScalerEnabled {
		g.Go(func() error { return gate.RunWhenLeader(gctx, orchestrator.Run) })
	}
	if prewarmer != nil {
		g.Go(func() error { return gate.RunWhenLeader(gctx, prewarmer.Run) })
	}

	err = g.Wait()

	if prewarmer != nil {
		drainCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer done()
		prewarmer.Drain(drainCtx)
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}
