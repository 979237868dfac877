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

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/pkg/logging"
)

// fakeRunnerSource is a RunnerSource with a scripted idle runner.
type fakeRunnerSource struct {
	mu        sync.Mutex
	runner    *runnerhub.Runner
	assignErr error

	capacityRequests []int64
	assigned         []int64
}

func (f *fakeRunnerSource) FindRunner(ctx context.Context, repo string, labels []string) (*runnerhub.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runner, nil
}

func (f *fakeRunnerSource) RequestCapacity(ctx context.Context, job *runnerhub.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capacityRequests = append(f.capacityRequests, job.ID)
	return nil
}

func (f *fakeRunnerSource) Assign(ctx context.Context, runner *runnerhub.Runner, job *runnerhub.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return f.assignErr
	}
	f.assigned = append(f.assigned, job.ID)
	return nil
}

func TestDispatcher_DispatchesToIdleRunner(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	q, db := testQueue(t)

	source := &fakeRunnerSource{runner: &runnerhub.Runner{
		ID:     "runner-1",
		Pool:   "org/repo",
		State:  runnerhub.RunnerStateIdle,
		Labels: []string{"self-hosted"},
	}}
	d := NewDispatcher(nil, q, source, runnerhub.NewBus(), "node-1")

	job := putJob(t, db, 1, 50, time.Now().UTC())
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}

	jobs, err := q.Reserve(ctx, "node-1-dispatch-0", 1)
	if err != nil {
		t.Fatal(err)
	}
	d.dispatchOne(ctx, jobs[0])

	source.mu.Lock()
	defer source.mu.Unlock()
	if got, want := len(source.assigned), 1; got != want {
		t.Fatalf("assigned %d jobs, want %d", got, want)
	}
	if len(source.capacityRequests) != 0 {
		t.Errorf("capacity requested for a dispatchable job")
	}

	// ack released the lease
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("queue depth = %d after dispatch, want 0", depth)
	}
}

func TestDispatcher_NoRunnerRequestsCapacity(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	q, db := testQueue(t)

	source := &fakeRunnerSource{} // no idle runner
	d := NewDispatcher(nil, q, source, runnerhub.NewBus(), "node-1")

	job := putJob(t, db, 1, 50, time.Now().UTC())
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	jobs, err := q.Reserve(ctx, "node-1-dispatch-0", 1)
	if err != nil {
		t.Fatal(err)
	}
	d.dispatchOne(ctx, jobs[0])

	source.mu.Lock()
	if got, want := len(source.capacityRequests), 1; got != want {
		t.Fatalf("capacity requests = %d, want %d", got, want)
	}
	source.mu.Unlock()

	// back in the queue without consuming an attempt
	got, err := db.GetJob(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if gotState, want := got.State, runnerhub.JobStatePending; gotState != want {
		t.Errorf("state = %q, want %q", gotState, want)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 for capacity wait", got.Attempts)
	}
}

func TestDispatcher_AssignFailureNacks(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	q, db := testQueue(t)

	source := &fakeRunnerSource{
		runner: &runnerhub.Runner{
			ID:    "runner-1",
			Pool:  "org/repo",
			State: runnerhub.RunnerStateIdle,
		},
		assignErr: fmt.Errorf("runner no longer idle"),
	}
	d := NewDispatcher(nil, q, source, runnerhub.NewBus(), "node-1")

	job := putJob(t, db, 1, 50, time.Now().UTC())
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	jobs, err := q.Reserve(ctx, "node-1-dispatch-0", 1)
	if err != nil {
		t.Fatal(err)
	}
	d.dispatchOne(ctx, jobs[0])

	got, err := db.GetJob(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if gotN, want := got.Attempts, 1; gotN != want {
		t.Errorf("attempts = %d, want %d after failed assign", gotN, want)
	}
	if gotState, want := got.State, runnerhub.JobStatePending; gotState != want {
		t.Errorf("state = %q, want %q", gotState, want)
	}
}
