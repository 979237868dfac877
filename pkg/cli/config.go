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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/autoscaler"
	"github.com/abcxyz/github-runnerhub/pkg/webhook"
	"github.com/abcxyz/pkg/cli"
)

// ServerConfig defines the full orchestrator configuration: ingress,
// storage, GitHub access, pool defaults, scaling profile and HA.
type ServerConfig struct {
	Webhook webhook.Config

	Port        string
	WebhookPort string

	CacheURL    string
	DatabaseURL string

	GitHubToken     string
	GitHubAPIURL    string
	GitHubServerURL string

	NodeID     string
	HAEnabled  bool
	LeaderTTL  time.Duration
	LeaderPoll time.Duration

	PoolMinRunners     int
	PoolMaxRunners     int
	ScaleIncrement     int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	PoolIdleTimeout    time.Duration

	ScalingPreset      string
	AutoScalerEnabled  bool
	PrewarmEnabled     bool
	DailyBudgetDollars int

	// percentage thresholds arrive as ints on the flag surface
	scaleUpPercent   int
	scaleDownPercent int
}

// Validate validates the config after load.
func (cfg *ServerConfig) Validate() error {
	var merr error

	if err := cfg.Webhook.Validate(); err != nil {
		merr = errors.Join(merr, err)
	}
	if cfg.GitHubToken == "" {
		merr = errors.Join(merr, fmt.Errorf("GITHUB_TOKEN is required"))
	}
	if cfg.CacheURL == "" {
		merr = errors.Join(merr, fmt.Errorf("CACHE_URL is required"))
	}
	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			merr = errors.Join(merr, fmt.Errorf("NODE_ID is required when the hostname is unavailable: %w", err))
		}
		cfg.NodeID = host
	}
	if cfg.PoolMinRunners < 0 || cfg.PoolMaxRunners < 1 || cfg.PoolMinRunners > cfg.PoolMaxRunners {
		merr = errors.Join(merr, fmt.Errorf("invalid pool bounds [%d, %d]", cfg.PoolMinRunners, cfg.PoolMaxRunners))
	}
	if cfg.scaleUpPercent <= 0 || cfg.scaleUpPercent > 100 ||
		cfg.scaleDownPercent < 0 || cfg.scaleDownPercent >= cfg.scaleUpPercent {
		merr = errors.Join(merr, fmt.Errorf("invalid scaling thresholds up=%d%% down=%d%%", cfg.scaleUpPercent, cfg.scaleDownPercent))
	}
	cfg.ScaleUpThreshold = float64(cfg.scaleUpPercent) / 100
	cfg.ScaleDownThreshold = float64(cfg.scaleDownPercent) / 100

	switch autoscaler.PolicyPreset(cfg.ScalingPreset) {
	case autoscaler.PolicyAggressive, autoscaler.PolicyBalanced, autoscaler.PolicyConservative:
	default:
		merr = errors.Join(merr, fmt.Errorf("unknown scaling preset %q", cfg.ScalingPreset))
	}

	if cfg.HAEnabled && cfg.LeaderTTL < 3*time.Second {
		merr = errors.Join(merr, fmt.Errorf("LEADER_TTL must be at least 3s, got %s", cfg.LeaderTTL))
	}

	return merr
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *ServerConfig) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	cfg.Webhook.ToFlags(set)

	f := set.NewSection("SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `Port for the control API server.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "webhook-port",
		Target:  &cfg.WebhookPort,
		EnvVar:  "WEBHOOK_PORT",
		Default: "8081",
		Usage:   `Port for the webhook ingress server.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "cache-url",
		Target:  &cfg.CacheURL,
		EnvVar:  "CACHE_URL",
		Default: "redis://127.0.0.1:6379",
		Usage:   `Redis URL for queue, runner and pool state.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "database-url",
		Target: &cfg.DatabaseURL,
		EnvVar: "DB_URL",
		Usage:  `Postgres URL for the history archive. Archival is disabled when empty.`,
	})

	f = set.NewSection("GITHUB OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "github-token",
		Target: &cfg.GitHubToken,
		EnvVar: "GITHUB_TOKEN",
		Usage:  `Token with repo admin scope for runner registration.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-api-url",
		Target: &cfg.GitHubAPIURL,
		EnvVar: "GITHUB_API_URL",
		Usage:  `GitHub API base URL. Defaults to github.com; set for GHES.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "github-server-url",
		Target:  &cfg.GitHubServerURL,
		EnvVar:  "GITHUB_SERVER_URL",
		Default: "https://github.com",
		Usage:   `GitHub server URL runners register against.`,
	})

	f = set.NewSection("POOL OPTIONS")

	f.IntVar(&cli.IntVar{
		Name:    "pool-min-runners",
		Target:  &cfg.PoolMinRunners,
		EnvVar:  "POOL_MIN_RUNNERS",
		Default: 1,
		Usage:   `Default minimum runners per pool.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "pool-max-runners",
		Target:  &cfg.PoolMaxRunners,
		EnvVar:  "POOL_MAX_RUNNERS",
		Default: 10,
		Usage:   `Default maximum runners per pool.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "scale-increment",
		Target:  &cfg.ScaleIncrement,
		EnvVar:  "SCALE_INCREMENT",
		Default: 2,
		Usage:   `Runners added or removed per threshold scaling step.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "scale-up-threshold",
		Target:  &cfg.scaleUpPercent,
		EnvVar:  "SCALE_UP_THRESHOLD",
		Default: 80,
		Usage:   `Pool utilization percentage that triggers scale-up.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "scale-down-threshold",
		Target:  &cfg.scaleDownPercent,
		EnvVar:  "SCALE_DOWN_THRESHOLD",
		Default: 20,
		Usage:   `Pool utilization percentage that triggers scale-down.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "pool-idle-timeout",
		Target:  &cfg.PoolIdleTimeout,
		EnvVar:  "POOL_IDLE_TIMEOUT",
		Default: 5 * time.Minute,
		Usage:   `Idle time before a runner above the pool minimum is reclaimed.`,
	})

	f = set.NewSection("SCALING OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "scaling-preset",
		Target:  &cfg.ScalingPreset,
		EnvVar:  "SCALING_PRESET",
		Default: string(autoscaler.PolicyBalanced),
		Usage:   `Scaling profile: aggressive, balanced or conservative.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "autoscaler-enabled",
		Target:  &cfg.AutoScalerEnabled,
		EnvVar:  "AUTOSCALER_ENABLED",
		Default: true,
		Usage:   `Run the predictive scaling pipeline.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "prewarm-enabled",
		Target: &cfg.PrewarmEnabled,
		EnvVar: "PREWARM_ENABLED",
		Usage:  `Keep a pool of pre-warmed containers for fast scale-up.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "daily-cost-budget",
		Target:  &cfg.DailyBudgetDollars,
		EnvVar:  "DAILY_COST_BUDGET",
		Default: 100,
		Usage:   `Daily fleet budget in whole dollars. Scale-ups stop near the limit.`,
	})

	f = set.NewSection("HA OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "node-id",
		Target: &cfg.NodeID,
		EnvVar: "NODE_ID",
		Usage:  `Stable identity of this node. Defaults to the hostname.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "ha-enabled",
		Target: &cfg.HAEnabled,
		EnvVar: "HA_ENABLED",
		Usage:  `Participate in leader election instead of running standalone.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "leader-ttl",
		Target:  &cfg.LeaderTTL,
		EnvVar:  "LEADER_TTL",
		Default: 15 * time.Second,
		Usage:   `Leader lease duration.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "leader-poll-interval",
		Target:  &cfg.LeaderPoll,
		EnvVar:  "LEADER_POLL_INTERVAL",
		Default: 3 * time.Second,
		Usage:   `How often followers probe for an expired lease.`,
	})

	return set
}
