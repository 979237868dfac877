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
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/abcxyz/github-runnerhub/pkg/lifecycle"
	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// TemplateLabel marks pre-warmed containers with their template name.
const TemplateLabel = "runnerhub.template"

// warmTemplate describes one ready-pool template.
type warmTemplate struct {
	name   string
	image  string
	labels []string
}

// defaultTemplates are the ready pools maintained out of the box.
var defaultTemplates = []warmTemplate{
	{name: "ubuntu-latest", image: "ghcr.io/runnerhub/runner:ubuntu-latest", labels: []string{"self-hosted", "ubuntu-latest"}},
	{name: "ubuntu-22.04", image: "ghcr.io/runnerhub/runner:ubuntu-22.04", labels: []string{"self-hosted", "ubuntu-22.04"}},
	{name: "node", image: "ghcr.io/runnerhub/runner:node", labels: []string{"self-hosted", "node"}},
}

// PrewarmerConfig tunes the ready pools.
type PrewarmerConfig struct {
	MinPool            int
	MaxPool            int
	MaxAge             time.Duration
	ReconcileInterval  time.Duration
	MaxConcurrentWarms int64
	GitHubServerURL    string
}

// DefaultPrewarmerConfig returns production defaults.
func DefaultPrewarmerConfig() *PrewarmerConfig {
	return &PrewarmerConfig{
		MinPool:            2,
		MaxPool:            20,
		MaxAge:             time.Hour,
		ReconcileInterval:  30 * time.Second,
		MaxConcurrentWarms: 5,
		GitHubServerURL:    "https://github.com",
	}
}

// Prewarmer keeps a pool of bootstrapped-but-unregistered containers per
// template so scale-ups skip the image pull and container start. Claiming
// registers the container against a repository and promotes it to a
// runner. Leader-gated reconciliation; claims are served on every node.
type Prewarmer struct {
	cfg       *PrewarmerConfig
	rt        lifecycle.Runtime
	db        *store.Store
	registry  lifecycle.Registrar
	predictor *Predictor
	warms     *semaphore.Weighted

	mu        sync.Mutex
	ready     map[string][]*runnerhub.PrewarmedContainer // by template
	warming   map[string]int                             // in-flight warmups by template
	templates []warmTemplate
}

// NewPrewarmer wires the ready pools over the container runtime.
func NewPrewarmer(cfg *PrewarmerConfig, rt lifecycle.Runtime, db *store.Store, registry lifecycle.Registrar, predictor *Predictor) *Prewarmer {
	if cfg == nil {
		cfg = DefaultPrewarmerConfig()
	}
	return &Prewarmer{
		cfg:       cfg,
		rt:        rt,
		db:        db,
		registry:  registry,
		predictor: predictor,
		warms:     semaphore.NewWeighted(cfg.MaxConcurrentWarms),
		ready:     make(map[string][]*runnerhub.PrewarmedContainer),
		warming:   make(map[string]int),
		templates: defaultTemplates,
	}
}

// Run reconciles the ready pools until the context is cancelled.
func (p *Prewarmer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		p.reconcile(ctx)
	}
}

// targetFor sizes a template's ready pool from aggregate short-horizon
// demand: ceil(predicted/10) clamped to the configured window.
func (p *Prewarmer) targetFor() int {
	pred := p.predictor.Forecast(runnerhub.DefaultPoolRepository, runnerhub.HorizonShort)
	target := int(math.Ceil(pred.ExpectedJobs / 10))
	if target < p.cfg.MinPool {
		target = p.cfg.MinPool
	}
	if target > p.cfg.MaxPool {
		target = p.cfg.MaxPool
	}
	return target
}

func (p *Prewarmer) reconcile(ctx context.Context) {
	logger := logging.FromContext(ctx)

	for _, tpl := range p.templates {
		p.recycleExpired(ctx, tpl.name)

		have := p.pendingCount(tpl.name)
		want := p.targetFor()

		for i := have; i < want; i++ {
			tpl := tpl
			if !p.warms.TryAcquire(1) {
				break
			}
			p.noteWarming(tpl.name, 1)
			go func() {
				defer p.warms.Release(1)
				defer p.noteWarming(tpl.name, -1)
				if err := p.warmOne(ctx, tpl); err != nil {
					logger.ErrorContext(ctx, "failed to warm container",
						"template", tpl.name, "error", err)
				}
			}()
		}

		for have := p.readyCount(tpl.name); have > want; have-- {
			p.expireOldest(ctx, tpl.name)
		}
	}
}

// warmOne creates and starts one template container. The container boots
// the runner image but holds before registration; registration happens at
// claim time.
func (p *Prewarmer) warmOne(ctx context.Context, tpl warmTemplate) error {
	pc := &runnerhub.PrewarmedContainer{
		Template:  tpl.name,
		Labels:    tpl.labels,
		Status:    runnerhub.PrewarmStatusWarming,
		CreatedAt: time.Now().UTC(),
	}

	name := "prewarm-" + uuid.NewString()[:8]
	id, err := p.rt.Create(ctx, &lifecycle.ContainerSpec{
		Name:  name,
		Image: tpl.image,
		Env: []string{
			"RUNNER_PREWARM=true",
			"RUNNER_WORKDIR=" + lifecycle.WorkDir,
		},
		Labels: map[string]string{
			lifecycle.ManagedLabel: "true",
			TemplateLabel:          tpl.name,
		},
		CPUCores: 4,
		MemoryMB: 8192,
	})
	if err != nil {
		return fmt.Errorf("failed to create prewarm container: %w", err)
	}
	if err := p.rt.Start(ctx, id); err != nil {
		_ = lifecycle.Destroy(ctx, p.rt, id, 0)
		return fmt.Errorf("failed to start prewarm container: %w", err)
	}

	pc.ContainerID = id
	pc.Status = runnerhub.PrewarmStatusReady
	p.mu.Lock()
	p.ready[tpl.name] = append(p.ready[tpl.name], pc)
	p.mu.Unlock()
	return nil
}

func (p *Prewarmer) readyCount(template string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready[template])
}

// pendingCount counts ready plus in-flight containers so consecutive
// reconcile ticks do not double-warm a template.
func (p *Prewarmer) pendingCount(template string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready[template]) + p.warming[template]
}

func (p *Prewarmer) noteWarming(template string, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warming[template] += delta
}

// recycleExpired destroys ready containers past max age or failing their
// health check. Health checks hit the container runtime, so the pool is
// snapshotted first and pruned afterwards; claims proceed in between.
func (p *Prewarmer) recycleExpired(ctx context.Context, template string) {
	logger := logging.FromContext(ctx)
	now := time.Now().UTC()

	p.mu.Lock()
	snapshot := append([]*runnerhub.PrewarmedContainer(nil), p.ready[template]...)
	p.mu.Unlock()

	dead := make(map[string]bool, len(snapshot))
	for _, pc := range snapshot {
		healthy := true
		if st, err := p.rt.Inspect(ctx, pc.ContainerID); err != nil || !st.Running {
			healthy = false
		}
		if now.Sub(pc.CreatedAt) >= p.cfg.MaxAge || !healthy {
			dead[pc.ContainerID] = true
			continue
		}
		pc.LastHealthCheck = now
	}
	if len(dead) == 0 {
		return
	}

	p.mu.Lock()
	pool := p.ready[template]
	keep := pool[:0]
	var expired []*runnerhub.PrewarmedContainer
	for _, pc := range pool {
		if dead[pc.ContainerID] {
			pc.Status = runnerhub.PrewarmStatusExpired
			expired = append(expired, pc)
			continue
		}
		keep = append(keep, pc)
	}
	p.ready[template] = keep
	p.mu.Unlock()

	for _, pc := range expired {
		if err := lifecycle.Destroy(ctx, p.rt, pc.ContainerID, 10*time.Second); err != nil {
			logger.ErrorContext(ctx, "failed to recycle prewarm container",
				"container", pc.ContainerID, "error", err)
		}
	}
}

// expireOldest drops one surplus ready container.
func (p *Prewarmer) expireOldest(ctx context.Context, template string) {
	p.mu.Lock()
	pool := p.ready[template]
	if len(pool) == 0 {
		p.mu.Unlock()
		return
	}
	oldest := 0
	for i, pc := range pool {
		if pc.CreatedAt.Before(pool[oldest].CreatedAt) {
			oldest = i
		}
	}
	pc := pool[oldest]
	p.ready[template] = append(pool[:oldest], pool[oldest+1:]...)
	p.mu.Unlock()

	_ = lifecycle.Destroy(ctx, p.rt, pc.ContainerID, 10*time.Second)
}

// Claim hands a ready container to a pool, registering it against the
// repository on the way out. Returns (nil, nil) when no compatible
// container is ready; the caller then provisions fresh.
func (p *Prewarmer) Claim(ctx context.Context, pool string, labels []string) (*runnerhub.Runner, error) {
	logger := logging.FromContext(ctx)

	pc := p.take(labels)
	if pc == nil {
		return nil, nil
	}

	token, err := p.registry.CreateRegistrationToken(ctx, pool)
	if err != nil {
		p.putBack(pc)
		return nil, err
	}

	runnerID := "runner-" + uuid.NewString()[:8]
	code, err := p.rt.Exec(ctx, pc.ContainerID, []string{
		"/actions-runner/register.sh",
		"--url", p.cfg.GitHubServerURL + "/" + pool,
		"--token", token,
		"--name", runnerID,
		"--ephemeral",
	})
	if err != nil || code != 0 {
		logger.WarnContext(ctx, "prewarm registration failed, recycling container",
			"container", pc.ContainerID, "exit_code", code, "error", err)
		_ = lifecycle.Destroy(ctx, p.rt, pc.ContainerID, 0)
		return nil, nil
	}

	r := &runnerhub.Runner{
		ID:          runnerID,
		Pool:        pool,
		ContainerID: pc.ContainerID,
		Labels:      pc.Labels,
		State:       runnerhub.RunnerStateIdle,
		Type:        runnerhub.RunnerTypeMedium,
		Lifecycle:   runnerhub.LifecyclePrewarmed,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.db.PutRunner(ctx, r); err != nil {
		return nil, err
	}
	pc.Status = runnerhub.PrewarmStatusClaimed
	return r, nil
}

// take removes one label-compatible ready container, newest first.
func (p *Prewarmer) take(labels []string) *runnerhub.PrewarmedContainer {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tpl := range p.templates {
		pool := p.ready[tpl.name]
		for i := len(pool) - 1; i >= 0; i-- {
			if runnerhub.LabelsSatisfy(pool[i].Labels, labels) {
				pc := pool[i]
				p.ready[tpl.name] = append(pool[:i], pool[i+1:]...)
				return pc
			}
		}
	}
	return nil
}

func (p *Prewarmer) putBack(pc *runnerhub.PrewarmedContainer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready[pc.Template] = append(p.ready[pc.Template], pc)
}

// Drain destroys every ready container. Called on shutdown.
func (p *Prewarmer) Drain(ctx context.Context) {
	p.mu.Lock()
	var all []*runnerhub.PrewarmedContainer
	for tpl, pool := range p.ready {
		all = append(all, pool...)
		p.ready[tpl] = nil
	}
	p.mu.Unlock()

	for _, pc := range all {
		_ = lifecycle.Destroy(ctx, p.rt, pc.ContainerID, 5*time.Second)
	}
}
