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
	"testing"
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/testutil"
	"github.com/sethvargo/go-envconfig"
)

func TestServerConfig_Validate(t *testing.T) {
	t.Parallel()

	base := map[string]string{
		"GITHUB_WEBHOOK_SECRET": "test-secret",
		"GITHUB_TOKEN":          "ghp_test",
		"NODE_ID":               "node-1",
	}

	cases := []struct {
		name   string
		env    map[string]string
		expErr string
	}{
		{
			name: "happy_path",
			env:  base,
		},
		{
			name: "missing_webhook_secret",
			env: map[string]string{
				"GITHUB_TOKEN": "ghp_test",
				"NODE_ID":      "node-1",
			},
			expErr: `GITHUB_WEBHOOK_SECRET is required`,
		},
		{
			name: "missing_github_token",
			env: map[string]string{
				"GITHUB_WEBHOOK_SECRET": "test-secret",
				"NODE_ID":               "node-1",
			},
			expErr: `GITHUB_TOKEN is required`,
		},
		{
			name: "inverted_pool_bounds",
			env: merge(base, map[string]string{
				"POOL_MIN_RUNNERS": "20",
				"POOL_MAX_RUNNERS": "5",
			}),
			expErr: `invalid pool bounds [20, 5]`,
		},
		{
			name: "inverted_scaling_thresholds",
			env: merge(base, map[string]string{
				"SCALE_UP_THRESHOLD":   "30",
				"SCALE_DOWN_THRESHOLD": "80",
			}),
			expErr: `invalid scaling thresholds`,
		},
		{
			name: "unknown_preset",
			env: merge(base, map[string]string{
				"SCALING_PRESET": "yolo",
			}),
			expErr: `unknown scaling preset "yolo"`,
		},
		{
			name: "leader_ttl_too_short",
			env: merge(base, map[string]string{
				"HA_ENABLED": "true",
				"LEADER_TTL": "1s",
			}),
			expErr: `LEADER_TTL must be at least 3s`,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := &ServerConfig{}
			set := cfg.ToFlags(cli.NewFlagSet(cli.WithLookupEnv(
				envconfig.MapLookuper(tc.env).Lookup)))
			if err := set.Parse(nil); err != nil {
				t.Fatal(err)
			}

			err := cfg.Validate()
			if diff := testutil.DiffErrString(err, tc.expErr); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestServerConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := &ServerConfig{}
	set := cfg.ToFlags(cli.NewFlagSet(cli.WithLookupEnv(
		envconfig.MapLookuper(map[string]string{
			"GITHUB_WEBHOOK_SECRET": "test-secret",
			"GITHUB_TOKEN":          "ghp_test",
			"NODE_ID":               "node-1",
		}).Lookup)))
	if err := set.Parse(nil); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if got, want := cfg.Port, "8080"; got != want {
		t.Errorf("Port = %q, want %q", got, want)
	}
	if got, want := cfg.WebhookPort, "8081"; got != want {
		t.Errorf("WebhookPort = %q, want %q", got, want)
	}
	if got, want := cfg.ScaleUpThreshold, 0.8; got != want {
		t.Errorf("ScaleUpThreshold = %v, want %v", got, want)
	}
	if got, want := cfg.ScaleDownThreshold, 0.2; got != want {
		t.Errorf("ScaleDownThreshold = %v, want %v", got, want)
	}
	if got, want := cfg.ScalingPreset, "balanced"; got != want {
		t.Errorf("ScalingPreset = %q, want %q", got, want)
	}
	if got, want := cfg.LeaderTTL, 15*time.Second; got != want {
		t.Errorf("LeaderTTL = %v, want %v", got, want)
	}
	if !cfg.AutoScalerEnabled {
		t.Error("AutoScalerEnabled not defaulted on")
	}
	if cfg.PrewarmEnabled {
		t.Error("PrewarmEnabled defaulted on")
	}
}

func merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
