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

// Package runnerhub holds the domain model shared by all RunnerHub
// components: deliveries, jobs, runners, pools, scaling records, leases and
// the typed event bus that connects the components.
package runnerhub

import (
	"time"
)

// JobState is the lifecycle state of a workflow job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateAssigned  JobState = "assigned"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
	JobStateDead      JobState = "dead"
)

// jobTransitions enumerates the legal state machine edges. The only
// backwards edge is assigned -> pending, taken when a reservation lease
// expires or an assigned runner fails its health check before the job
// started.
var jobTransitions = map[JobState][]JobState{
	JobStatePending:  {JobStateAssigned, JobStateDead, JobStateCancelled},
	JobStateAssigned: {JobStateRunning, JobStatePending, JobStateDead, JobStateCancelled},
	JobStateRunning:  {JobStateCompleted, JobStateFailed, JobStateCancelled},
}

// CanTransition reports whether moving a job from one state to another is
// a legal state machine edge.
func CanTransition(from, to JobState) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TerminalJobStates are the states from which a job never moves again.
var TerminalJobStates = []JobState{JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateDead}

// IsTerminal reports whether the state is terminal.
func (s JobState) IsTerminal() bool {
	for _, t := range TerminalJobStates {
		if s == t {
			return true
		}
	}
	return false
}

// Job is the unit of work dispatchable to a runner. The job id is assigned
// by GitHub and is unique within the retention window.
type Job struct {
	ID             int64      `json:"id"`
	RunID          int64      `json:"run_id"`
	Repository     string     `json:"repository"`
	Workflow       string     `json:"workflow"`
	Labels         []string   `json:"labels"`
	Priority       int        `json:"priority"`
	State          JobState   `json:"state"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	CreatedAt      time.Time  `json:"created_at"`
	ScheduledRunAt time.Time  `json:"scheduled_run_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	AssignedRunner string     `json:"assigned_runner,omitempty"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	Conclusion     string     `json:"conclusion,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Version        int64      `json:"version"`
}

// DefaultMaxAttempts is the number of dispatch attempts before a job is
// dead-lettered.
const DefaultMaxAttempts = 3

// RetryDelay computes the exponential backoff delay before the given
// attempt may run again: min(60s * 2^(attempts-1), 10m). Attempt 0 (first
// enqueue) has no delay.
func RetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := 60 * time.Second << (attempts - 1)
	if max := 10 * time.Minute; d > max || d <= 0 {
		return max
	}
	return d
}

// LabelsSatisfy reports whether the runner label set is a superset of the
// requested job labels. The implicit "self-hosted" label is always
// considered present on a runner.
func LabelsSatisfy(runnerLabels, jobLabels []string) bool {
	have := make(map[string]struct{}, len(runnerLabels)+1)
	have["self-hosted"] = struct{}{}
	for _, l := range runnerLabels {
		have[l] = struct{}{}
	}
	for _, l := range jobLabels {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}
