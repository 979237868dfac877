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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
)

func testQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	db := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return New(db), db
}

func putJob(t *testing.T, db *store.Store, id int64, priority int, createdAt time.Time) *runnerhub.Job {
	t.Helper()

	job := &runnerhub.Job{
		ID:          id,
		Repository:  "org/repo",
		Priority:    priority,
		State:       runnerhub.JobStatePending,
		MaxAttempts: runnerhub.DefaultMaxAttempts,
		CreatedAt:   createdAt,
	}
	if err := db.PutJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestQueue_PriorityFIFOOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, db := testQueue(t)
	base := time.Now().UTC()

	// two priority buckets, interleaved enqueue order
	for _, j := range []struct {
		id       int64
		priority int
		offset   time.Duration
	}{
		{1, 50, 0},
		{2, 80, 2 * time.Second},
		{3, 50, 1 * time.Second},
		{4, 80, 3 * time.Second},
	} {
		job := putJob(t, db, j.id, j.priority, base.Add(j.offset))
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := q.Reserve(ctx, "worker-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		got = append(got, j.ID)
	}
	// higher priority strictly first, FIFO within a bucket
	want := []int64{2, 4, 1, 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reservation order (-want, +got):\n%s", diff)
	}
	for _, j := range jobs {
		if gotState, wantState := j.State, runnerhub.JobStateAssigned; gotState != wantState {
			t.Errorf("job %d state = %q, want %q", j.ID, gotState, wantState)
		}
		if gotW, wantW := j.AssignedTo, "worker-1"; gotW != wantW {
			t.Errorf("job %d assigned to %q, want %q", j.ID, gotW, wantW)
		}
	}
}

func TestQueue_ConcurrentReservationsDisjoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, db := testQueue(t)
	base := time.Now().UTC()

	for id := int64(1); id <= 6; id++ {
		job := putJob(t, db, id, 50, base.Add(time.Duration(id)*time.Second))
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	a, err := q.Reserve(ctx, "worker-a", 3)
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.Reserve(ctx, "worker-b", 3)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[int64]bool)
	for _, j := range append(a, b...) {
		if seen[j.ID] {
			t.Errorf("job %d reserved twice", j.ID)
		}
		seen[j.ID] = true
	}
	if got, want := len(seen), 6; got != want {
		t.Errorf("reserved %d distinct jobs, want %d", got, want)
	}
}

func TestQueue_NackRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, db := testQueue(t)

	now := time.Now().UTC()
	q.now = func() time.Time { return now }

	job := putJob(t, db, 1, 50, now)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Reserve(ctx, "worker-1", 1); err != nil {
		t.Fatal(err)
	}

	if err := q.Nack(ctx, 1, "no capacity on assign"); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetJob(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if gotState, want := got.State, runnerhub.JobStatePending; gotState != want {
		t.Errorf("state = %q, want %q", gotState, want)
	}
	if gotN, want := got.Attempts, 1; gotN != want {
		t.Errorf("attempts = %d, want %d", gotN, want)
	}
	if gotErr, want := got.LastError, "no capacity on assign"; gotErr != want {
		t.Errorf("last error = %q, want %q", gotErr, want)
	}

	// backoff keeps the job out of the ready set until the delay elapses
	jobs, err := q.Reserve(ctx, "worker-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("reserved %d jobs inside the backoff window", len(jobs))
	}

	now = now.Add(runnerhub.RetryDelay(1) + time.Second)
	jobs, err = q.Reserve(ctx, "worker-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(jobs), 1; got != want {
		t.Fatalf("reserved %d jobs after backoff, want %d", got, want)
	}
}

func TestQueue_NackDeadLettersAtMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, db := testQueue(t)

	now := time.Now().UTC()
	q.now = func() time.Time { return now }

	job := putJob(t, db, 7, 50, now)
	job.MaxAttempts = 1
	if err := db.PutJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Reserve(ctx, "worker-1", 1); err != nil {
		t.Fatal(err)
	}

	if err := q.Nack(ctx, 7, "runner exploded"); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetJob(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if gotState, want := got.State, runnerhub.JobStateDead; gotState != want {
		t.Errorf("state = %q, want %q", gotState, want)
	}

	dead, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{7}, dead); diff != "" {
		t.Errorf("dlq (-want, +got):\n%s", diff)
	}
}

func TestQueue_RequeuePreservesAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, db := testQueue(t)

	now := time.Now().UTC()
	q.now = func() time.Time { return now }

	job := putJob(t, db, 1, 50, now)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Reserve(ctx, "worker-1", 1); err != nil {
		t.Fatal(err)
	}

	// capacity wait, not a failure
	if err := q.Requeue(ctx, 1, 5*time.Second); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetJob(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if gotN, want := got.Attempts, 0; gotN != want {
		t.Errorf("attempts = %d, want %d", gotN, want)
	}
	if gotState, want := got.State, runnerhub.JobStatePending; gotState != want {
		t.Errorf("state = %q, want %q", gotState, want)
	}

	now = now.Add(6 * time.Second)
	jobs, err := q.Reserve(ctx, "worker-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(jobs), 1; got != want {
		t.Fatalf("reserved %d jobs after requeue delay, want %d", got, want)
	}
}

func TestQueue_RecoverExpiredLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, db := testQueue(t)

	now := time.Now().UTC()
	q.now = func() time.Time { return now }

	job := putJob(t, db, 1, 50, now)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Reserve(ctx, "worker-1", 1); err != nil {
		t.Fatal(err)
	}

	// lease still live, nothing to recover
	n, err := q.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("recovered %d jobs with live lease", n)
	}

	now = now.Add(ReservationLease + time.Second)
	n, err = q.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, 1; got != want {
		t.Fatalf("recovered %d jobs, want %d", got, want)
	}

	got, err := db.GetJob(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if gotState, want := got.State, runnerhub.JobStatePending; gotState != want {
		t.Errorf("state = %q, want %q", gotState, want)
	}
	if gotN, want := got.Attempts, 1; gotN != want {
		t.Errorf("attempts = %d, want %d", gotN, want)
	}
	if got.AssignedTo != "" {
		t.Errorf("assigned to %q after recovery", got.AssignedTo)
	}
}

func TestQueue_Depth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, db := testQueue(t)

	now := time.Now().UTC()
	q.now = func() time.Time { return now }

	ready := putJob(t, db, 1, 50, now)
	if err := q.Enqueue(ctx, ready); err != nil {
		t.Fatal(err)
	}

	delayed := putJob(t, db, 2, 50, now)
	delayed.Attempts = 1
	if err := db.PutJob(ctx, delayed); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, delayed); err != nil {
		t.Fatal(err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := depth, int64(2); got != want {
		t.Errorf("depth = %d, want %d", got, want)
	}
}
