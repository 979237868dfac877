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

package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/abcxyz/github-runnerhub/pkg/queue"
	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// fakeProv is a Provisioner that records runners straight into the
// store, the way the lifecycle manager does.
type fakeProv struct {
	db *store.Store

	mu          sync.Mutex
	seq         int
	provisioned int
	destroyed   []string
	provErr     error
}

func (f *fakeProv) Provision(ctx context.Context, typ runnerhub.RunnerType, labels []string, pool string) (*runnerhub.Runner, error) {
	f.mu.Lock()
	if f.provErr != nil {
		defer f.mu.Unlock()
		return nil, f.provErr
	}
	f.seq++
	f.provisioned++
	r := &runnerhub.Runner{
		ID:        fmt.Sprintf("runner-%d", f.seq),
		Pool:      pool,
		Labels:    labels,
		State:     runnerhub.RunnerStateIdle,
		Type:      typ,
		Lifecycle: runnerhub.LifecycleOnDemand,
		CreatedAt: time.Now().UTC(),
	}
	f.mu.Unlock()
	if err := f.db.PutRunner(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (f *fakeProv) DestroyRunner(ctx context.Context, r *runnerhub.Runner) error {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, r.ID)
	f.mu.Unlock()
	return f.db.DeleteRunner(ctx, r.ID, r.Pool)
}

func testManager(t *testing.T) (*Manager, *fakeProv, *store.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	db := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	prov := &fakeProv{db: db}
	m := NewManager(db, queue.New(db), prov, store.NopArchive{}, runnerhub.NewBus(), PoolDefaults{})
	return m, prov, db
}

func seedRunner(t *testing.T, db *store.Store, id, pool string, state runnerhub.RunnerState, opts ...func(*runnerhub.Runner)) *runnerhub.Runner {
	t.Helper()

	r := &runnerhub.Runner{
		ID:        id,
		Pool:      pool,
		Labels:    []string{"self-hosted", "linux"},
		State:     state,
		Type:      runnerhub.RunnerTypeMedium,
		CreatedAt: time.Now().UTC(),
	}
	for _, o := range opts {
		o(r)
	}
	if err := db.PutRunner(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestManager_GetOrCreatePool(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	m, _, db := testManager(t)
	m.defaults = PoolDefaults{
		MinRunners:     2,
		MaxRunners:     30,
		ScaleIncrement: 5,
	}

	p, err := m.GetOrCreatePool(ctx, "org/repo")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.MaxRunners, 30; got != want {
		t.Errorf("max runners = %d, want %d", got, want)
	}

	// second call returns the stored pool, not a fresh default
	p.MaxRunners = 99
	if err := db.PutPool(ctx, p); err != nil {
		t.Fatal(err)
	}
	again, err := m.GetOrCreatePool(ctx, "org/repo")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := again.MaxRunners, 99; got != want {
		t.Errorf("max runners = %d, want %d", got, want)
	}
}

func TestManager_UpdatePoolValidation(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	m, _, _ := testManager(t)

	if _, err := m.UpdatePool(ctx, "org/repo", &runnerhub.RunnerPool{
		MinRunners: 20,
		MaxRunners: 5,
	}); !runnerhub.IsKind(err, runnerhub.KindValidation) {
		t.Fatalf("inverted bounds error = %v, want validation kind", err)
	}
}

func TestManager_ScaleUp(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	m, prov, _ := testManager(t)

	decision, err := m.Scale(ctx, "org/repo", 3, runnerhub.ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Applied {
		t.Error("decision not applied")
	}
	if got, want := decision.FromCount, 0; got != want {
		t.Errorf("from = %d, want %d", got, want)
	}
	if got, want := decision.ToCount, 3; got != want {
		t.Errorf("to = %d, want %d", got, want)
	}
	prov.mu.Lock()
	defer prov.mu.Unlock()
	if got, want := prov.provisioned, 3; got != want {
		t.Errorf("provisioned = %d, want %d", got, want)
	}
}

func TestManager_ScaleClampsToPoolBounds(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	m, prov, _ := testManager(t)

	// default pool caps at 10
	decision, err := m.Scale(ctx, "org/repo", 50, runnerhub.ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := decision.ToCount, 10; got != want {
		t.Errorf("to = %d, want %d", got, want)
	}
	prov.mu.Lock()
	defer prov.mu.Unlock()
	if got, want := prov.provisioned, 10; got != want {
		t.Errorf("provisioned = %d, want %d", got, want)
	}
}

func TestManager_ScaleDownDrainsLongestIdleFirst(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	m, prov, db := testManager(t)

	now := time.Now().UTC()
	seedRunner(t, db, "runner-fresh", "org/repo", runnerhub.RunnerStateIdle, func(r *runnerhub.Runner) {
		r.LastJobAt = now.Add(-time.Minute)
	})
	seedRunner(t, db, "runner-stale", "org/repo", runnerhub.RunnerStateIdle, func(r *runnerhub.Runner) {
		r.LastJobAt = now.Add(-time.Hour)
	})
	seedRunner(t, db, "runner-protected", "org/repo", runnerhub.RunnerStateIdle, func(r *runnerhub.Runner) {
		r.Protected = true
		r.LastJobAt = now.Add(-2 * time.Hour)
	})
	seedRunner(t, db, "runner-busy", "org/repo", runnerhub.RunnerStateBusy)

	pool := runnerhub.DefaultPool("org/repo")
	pool.MinRunners = 0
	if err := db.PutPool(ctx, pool); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Scale(ctx, "org/repo", -1, runnerhub.ReasonManual); err != nil {
		t.Fatal(err)
	}

	prov.mu.Lock()
	defer prov.mu.Unlock()
	if len(prov.destroyed) != 1 || prov.destroyed[0] != "runner-stale" {
		t.Errorf("destroyed %v, want [runner-stale]", prov.destroyed)
	}
}

func TestManager_ScaleUpConsumesPrewarmPool(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	m, prov, db := testManager(t)

	claims := 0
	m.SetPrewarmer(claimerFunc(func(ctx context.Context, pool string, labels []string) (*runnerhub.Runner, error) {
		if claims > 0 {
			return nil, nil // pre-warm pool exhausted
		}
		claims++
		return seedRunner(t, db, "runner-prewarmed", pool, runnerhub.RunnerStateIdle), nil
	}))

	if _, err := m.Scale(ctx, "org/repo", 2, runnerhub.ReasonQueuePressure); err != nil {
		t.Fatal(err)
	}

	prov.mu.Lock()
	defer prov.mu.Unlock()
	if got, want := claims, 1; got != want {
		t.Errorf("prewarm claims = %d, want %d", got, want)
	}
	if got, want := prov.provisioned, 1; got != want {
		t.Errorf("fresh provisions = %d, want %d", got, want)
	}
}

type claimerFunc func(ctx context.Context, pool string, labels []string) (*runnerhub.Runner, error)

func (f claimerFunc) Claim(ctx context.Context, pool string, labels []string) (*runnerhub.Runner, error) {
	return f(ctx, pool, labels)
}

func TestManager_FindRunnerLabelMatching(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	m, _, db := testManager(t)

	seedRunner(t, db, "runner-linux", "org/repo", runnerhub.RunnerStateIdle)
	seedRunner(t, db, "runner-busy", "org/repo", runnerhub.RunnerStateBusy)

	r, err := m.FindRunner(ctx, "org/repo", []string{"self-hosted", "linux"})
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.ID != "runner-linux" {
		t.Fatalf("found %+v, want runner-linux", r)
	}

	r, err = m.FindRunner(ctx, "org/repo", []string{"self-hosted", "gpu"})
	if err != nil {
		t.Fatal(err)
	}
	if r != nil {
		t.Fatalf("found %s for unsatisfiable labels, want none", r.ID)
	}
}

func TestManager_Assign(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	m, _, db := testManager(t)

	runner := seedRunner(t, db, "runner-1", "org/repo", runnerhub.RunnerStateIdle)
	job := &runnerhub.Job{
		ID: 1, Repository: "org/repo", State: runnerhub.JobStateAssigned,
		AssignedTo: "node-1-dispatch-0", MaxAttempts: 3, CreatedAt: time.Now().UTC(),
	}
	if err := db.PutJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	if err := m.Assign(ctx, runner, job); err != nil {
		t.Fatal(err)
	}

	gotRunner, err := db.GetRunner(ctx, "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := gotRunner.State, runnerhub.RunnerStateBusy; got != want {
		t.Errorf("runner state = %q, want %q", got, want)
	}
	if got, want := gotRunner.JobsProcessed, int64(1); got != want {
		t.Errorf("jobs processed = %d, want %d", got, want)
	}

	gotJob, err := db.GetJob(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := gotJob.AssignedRunner, "runner-1"; got != want {
		t.Errorf("assigned runner = %q, want %q", got, want)
	}

	// the runner is busy now, a second assign conflicts
	if err := m.Assign(ctx, runner, job); !runnerhub.IsKind(err, runnerhub.KindConflict) {
		t.Errorf("second assign error = %v, want conflict kind", err)
	}
}

func TestManager_ReleaseAssigned(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	m, _, db := testManager(t)

	// assigned but never started: released back to the queue
	if err := db.PutJob(ctx, &runnerhub.Job{
		ID: 1, Repository: "org/repo", State: runnerhub.JobStateAssigned,
		AssignedRunner: "runner-dead", MaxAttempts: 3, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	// started on the same runner: not touched
	started := time.Now().UTC()
	if err := db.PutJob(ctx, &runnerhub.Job{
		ID: 2, Repository: "org/repo", State: runnerhub.JobStateAssigned,
		AssignedRunner: "runner-dead", StartedAt: &started,
		MaxAttempts: 3, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.ReleaseAssigned(ctx, "runner-dead"); err != nil {
		t.Fatal(err)
	}

	released, err := db.GetJob(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := released.State, runnerhub.JobStatePending; got != want {
		t.Errorf("job 1 state = %q, want %q", got, want)
	}
	if got, want := released.Attempts, 1; got != want {
		t.Errorf("job 1 attempts = %d, want %d", got, want)
	}

	untouched, err := db.GetJob(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := untouched.State, runnerhub.JobStateAssigned; got != want {
		t.Errorf("job 2 state = %q, want %q", got, want)
	}
}

func TestManager_Metrics(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	m, _, db := testManager(t)

	seedRunner(t, db, "runner-1", "org/repo", runnerhub.RunnerStateBusy)
	seedRunner(t, db, "runner-2", "org/repo", runnerhub.RunnerStateBusy)
	seedRunner(t, db, "runner-3", "org/repo", runnerhub.RunnerStateIdle)
	seedRunner(t, db, "runner-4", "org/repo", runnerhub.RunnerStateTerminated)

	if err := db.PutJob(ctx, &runnerhub.Job{
		ID: 1, Repository: "org/repo", State: runnerhub.JobStatePending,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	pm, err := m.Metrics(ctx, "org/repo")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pm.Size, 3; got != want {
		t.Errorf("size = %d, want %d", got, want)
	}
	if got, want := pm.Busy, 2; got != want {
		t.Errorf("busy = %d, want %d", got, want)
	}
	if got, want := pm.Idle, 1; got != want {
		t.Errorf("idle = %d, want %d", got, want)
	}
	if got, want := pm.Utilization, 2.0/3.0; got != want {
		t.Errorf("utilization = %v, want %v", got, want)
	}
	if got, want := pm.QueuedJobs, 1; got != want {
		t.Errorf("queued = %d, want %d", got, want)
	}
}
