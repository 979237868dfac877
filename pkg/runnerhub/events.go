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

package runnerhub

import (
	"sync"
	"time"
)

// EventKind tags a domain event on the internal bus.
type EventKind string

const (
	EventJobQueued        EventKind = "job_queued"
	EventJobStarted       EventKind = "job_started"
	EventJobCompleted     EventKind = "job_completed"
	EventRunnerCreated    EventKind = "runner_created"
	EventRunnerTerminated EventKind = "runner_terminated"
	EventCleanupRequested EventKind = "cleanup_requested"
	EventScalingApplied   EventKind = "scaling_applied"
	EventAnomalyDetected  EventKind = "anomaly_detected"
	EventBudgetCritical   EventKind = "budget_critical"
	EventLeadershipChange EventKind = "leadership_changed"
)

// Event is the shared message record carried on the bus.
type Event struct {
	Kind       EventKind `json:"kind"`
	At         time.Time `json:"at"`
	Repository string    `json:"repository,omitempty"`
	JobID      int64     `json:"job_id,omitempty"`
	RunnerID   string    `json:"runner_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Bus is a small in-process fan-out of typed domain events. Subscribers
// get their own buffered channel; a slow subscriber drops events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventKind][]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventKind][]chan Event)}
}

// Subscribe returns a channel that receives events of the given kinds.
func (b *Bus) Subscribe(kinds ...EventKind) <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], ch)
	}
	return ch
}

// Publish delivers the event to all subscribers of its kind without
// blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.Kind] {
		select {
		case ch <- ev:
		default:
		}
	}
}
