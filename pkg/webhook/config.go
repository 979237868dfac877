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

package webhook

import (
	"errors"
	"fmt"

	"github.com/abcxyz/pkg/cli"
)

// Config defines the environment variables the webhook ingress requires.
type Config struct {
	WebhookSecret   string
	RateLimitPerMin int
	RateLimitBurst  int
}

// Validate validates the ingress config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.WebhookSecret == "" {
		merr = errors.Join(merr, fmt.Errorf("GITHUB_WEBHOOK_SECRET is required"))
	}

	if cfg.RateLimitPerMin <= 0 {
		merr = errors.Join(merr, fmt.Errorf("WEBHOOK_RATE_LIMIT must be positive"))
	}

	if cfg.RateLimitBurst <= 0 {
		merr = errors.Join(merr, fmt.Errorf("WEBHOOK_RATE_BURST must be positive"))
	}

	return merr
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("WEBHOOK OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "github-webhook-secret",
		Target: &cfg.WebhookSecret,
		EnvVar: "GITHUB_WEBHOOK_SECRET",
		Usage:  `Shared secret for webhook HMAC validation.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "webhook-rate-limit",
		Target:  &cfg.RateLimitPerMin,
		EnvVar:  "WEBHOOK_RATE_LIMIT",
		Default: 100,
		Usage:   `Sustained webhook requests per minute per source IP.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "webhook-rate-burst",
		Target:  &cfg.RateLimitBurst,
		EnvVar:  "WEBHOOK_RATE_BURST",
		Default: 10,
		Usage:   `Webhook request burst size per source IP.`,
	})

	return set
}
