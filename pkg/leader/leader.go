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

// Package leader implements single-leader election over a Redis lease.
// Exactly one node holds the lease at a time; control loops that must not
// run concurrently across the deployment gate themselves on it.
package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/pkg/logging"
)

const (
	keyLease = "runnerhub:leader"
	keyTerm  = "runnerhub:leader:term"
)

// renewScript extends the lease only while this node still holds it. A
// lease that expired and was taken by another node is never touched.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while this node still holds it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Config tunes the election cadence. Renewal runs at TTL/3; followers
// probe for a vacant lease every PollInterval.
type Config struct {
	NodeID       string
	TTL          time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns production election cadence for a node.
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:       nodeID,
		TTL:          15 * time.Second,
		PollInterval: 3 * time.Second,
	}
}

// Validate validates the election config.
func (cfg *Config) Validate() error {
	var merr error
	if cfg.NodeID == "" {
		merr = errors.Join(merr, fmt.Errorf("node id is required"))
	}
	if cfg.TTL < 3*time.Second {
		merr = errors.Join(merr, fmt.Errorf("leader ttl must be at least 3s"))
	}
	if cfg.PollInterval <= 0 {
		merr = errors.Join(merr, fmt.Errorf("poll interval must be positive"))
	}
	return merr
}

// Status is a point-in-time view of the election.
type Status struct {
	Leader    string        `json:"leader"`
	IsLeader  bool          `json:"is_leader"`
	Term      int64         `json:"term"`
	LeaderFor time.Duration `json:"leader_for,omitempty"`
}

// Elector competes for the shared lease and reports leadership of this
// node. Losing the lease cancels every context handed out by
// [Elector.RunWhenLeader].
type Elector struct {
	cfg *Config
	rdb *redis.Client
	bus *runnerhub.Bus

	mu      sync.RWMutex
	leading bool
	term    int64
	since   time.Time
}

// New creates an elector for this node over the shared Redis client.
func New(cfg *Config, rdb *redis.Client, bus *runnerhub.Bus) (*Elector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Elector{cfg: cfg, rdb: rdb, bus: bus}, nil
}

// IsLeader reports whether this node currently believes it holds the
// lease. The belief is pessimistic: it flips false the moment a renewal
// fails, before the lease actually expires.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leading
}

// Status returns the current election view including the remote holder.
func (e *Elector) Status(ctx context.Context) (*Status, error) {
	holder, err := e.rdb.Get(ctx, keyLease).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read leader lease: %w", err)
	}
	term, err := e.rdb.Get(ctx, keyTerm).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read leader term: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	st := &Status{
		Leader:   holder,
		IsLeader: e.leading && holder == e.cfg.NodeID,
		Term:     term,
	}
	if st.IsLeader {
		st.LeaderFor = time.Since(e.since)
	}
	return st, nil
}

// Run drives the election until the context is cancelled: followers probe
// for a vacant lease, the leader renews at a third of the TTL. On exit a
// held lease is released so the next node takes over without waiting for
// expiry.
func (e *Elector) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	defer func() {
		if e.IsLeader() {
			// context is done; use a short detached deadline for the release
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			e.resign(rctx)
		}
	}()

	for {
		if e.IsLeader() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.cfg.TTL / 3):
			}
			e.renew(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.PollInterval):
		}
		if err := e.tryAcquire(ctx); err != nil {
			logger.DebugContext(ctx, "lease acquisition attempt failed", "error", err)
		}
	}
}

// tryAcquire attempts SET NX on the lease and, on success, increments the
// term and flips this node to leading.
func (e *Elector) tryAcquire(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	ok, err := e.rdb.SetNX(ctx, keyLease, e.cfg.NodeID, e.cfg.TTL).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire leader lease: %w", err)
	}
	if !ok {
		return nil
	}

	term, err := e.rdb.Incr(ctx, keyTerm).Result()
	if err != nil {
		logger.ErrorContext(ctx, "failed to increment leader term", "error", err)
	}

	e.mu.Lock()
	e.leading = true
	e.term = term
	e.since = time.Now().UTC()
	e.mu.Unlock()

	logger.InfoContext(ctx, "acquired leadership", "node", e.cfg.NodeID, "term", term)
	e.bus.Publish(runnerhub.Event{
		Kind:   runnerhub.EventLeadershipChange,
		Detail: fmt.Sprintf("acquired by %s (term %d)", e.cfg.NodeID, term),
	})
	return nil
}

// renew extends the lease while still held. Any failure, including the
// lease having moved to another node, demotes immediately.
func (e *Elector) renew(ctx context.Context) {
	logger := logging.FromContext(ctx)

	n, err := renewScript.Run(ctx, e.rdb, []string{keyLease}, e.cfg.NodeID, e.cfg.TTL.Milliseconds()).Int64()
	if err != nil || n == 0 {
		e.mu.Lock()
		wasLeading := e.leading
		e.leading = false
		e.mu.Unlock()
		if wasLeading {
			logger.WarnContext(ctx, "lost leadership", "node", e.cfg.NodeID, "error", err)
			e.bus.Publish(runnerhub.Event{
				Kind:   runnerhub.EventLeadershipChange,
				Detail: fmt.Sprintf("lost by %s", e.cfg.NodeID),
			})
		}
	}
}

// resign voluntarily releases a held lease.
func (e *Elector) resign(ctx context.Context) {
	logger := logging.FromContext(ctx)

	if _, err := releaseScript.Run(ctx, e.rdb, []string{keyLease}, e.cfg.NodeID).Int64(); err != nil {
		logger.ErrorContext(ctx, "failed to release leader lease", "error", err)
	}
	e.mu.Lock()
	e.leading = false
	e.mu.Unlock()
	e.bus.Publish(runnerhub.Event{
		Kind:   runnerhub.EventLeadershipChange,
		Detail: fmt.Sprintf("resigned by %s", e.cfg.NodeID),
	})
}

// RunWhenLeader runs fn whenever this node is the leader. fn receives a
// context that is cancelled when leadership is lost; fn returning (for any
// reason other than parent cancellation) waits for the next acquisition
// before running again.
func (e *Elector) RunWhenLeader(ctx context.Context, fn func(context.Context) error) error {
	logger := logging.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
		if !e.IsLeader() {
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- fn(runCtx) }()

		// watch for demotion while fn runs
		ticker := time.NewTicker(500 * time.Millisecond)
	watch:
		for {
			select {
			case err := <-done:
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.ErrorContext(ctx, "leader-gated task failed", "error", err)
				}
				break watch
			case <-ticker.C:
				if !e.IsLeader() {
					cancel()
				}
			case <-ctx.Done():
				cancel()
				<-done
				ticker.Stop()
				return nil
			}
		}
		ticker.Stop()
		cancel()
	}
}

// AlwaysLeader is a single-node stand-in used when HA is disabled.
type AlwaysLeader struct{}

// IsLeader always reports true.
func (AlwaysLeader) IsLeader() bool { return true }

// Status reports this process as a permanent leader.
func (AlwaysLeader) Status(ctx context.Context) (*Status, error) {
	return &Status{Leader: "standalone", IsLeader: true, Term: 1}, nil
}

// RunWhenLeader runs fn immediately and restarts it if it returns early.
func (AlwaysLeader) RunWhenLeader(ctx context.Context, fn func(context.Context) error) error {
	for {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.FromContext(ctx).ErrorContext(ctx, "task failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Gate is the leadership surface control loops depend on.
type Gate interface {
	IsLeader() bool
	Status(ctx context.Context) (*Status, error)
	RunWhenLeader(ctx context.Context, fn func(context.Context) error) error
}
