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
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
	"github.com/abcxyz/github-runnerhub/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

const (
	// SHA256SignatureHeader is the GitHub header key used to pass the HMAC-SHA256 hexdigest.
	SHA256SignatureHeader = "X-Hub-Signature-256"

	// EventTypeHeader is the GitHub header key used to pass the event type.
	EventTypeHeader = "X-Github-Event"

	// DeliveryIDHeader is the GitHub header key used to pass the unique ID for the webhook event.
	DeliveryIDHeader = "X-Github-Delivery"

	// mb is used for conversion to megabytes.
	mb = 1000000
)

var (
	errReadingPayload   = fmt.Errorf("failed to read webhook payload")
	errNoPayload        = fmt.Errorf("no payload received")
	errInvalidSignature = fmt.Errorf("failed to validate webhook signature")
	errRateLimited      = fmt.Errorf("rate limit exceeded")
	errProcessingFailed = fmt.Errorf("failed to process webhook event")
)

// acceptedEvents is the allow-list of GitHub event types this ingress
// handles. Anything else is acknowledged and dropped.
var acceptedEvents = map[string]bool{
	"workflow_job":      true,
	"workflow_run":      true,
	"push":              true,
	"pull_request":      true,
	"deployment":        true,
	"security_advisory": true,
	"ping":              true,
}

type webhookResponse struct {
	OK         bool   `json:"ok"`
	DeliveryID string `json:"deliveryId,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Ignored    bool   `json:"ignored,omitempty"`
}

// handleWebhook handles the logic for receiving github webhooks:
// signature validation, rate limiting, durable dedup and deriving queue
// jobs from workflow_job events.
func (s *Server) handleWebhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		deliveryID := r.Header.Get(DeliveryIDHeader)
		eventType := r.Header.Get(EventTypeHeader)
		signature := r.Header.Get(SHA256SignatureHeader)

		payload, err := io.ReadAll(io.LimitReader(r.Body, 25*mb))
		if err != nil {
			logger.ErrorContext(ctx, "failed to read webhook request body",
				"code", http.StatusInternalServerError,
				"body", errReadingPayload,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errReadingPayload)
			return
		}

		if len(payload) == 0 {
			logger.ErrorContext(ctx, "no payload received",
				"code", http.StatusBadRequest,
				"body", errNoPayload)
			s.h.RenderJSON(w, http.StatusBadRequest, errNoPayload)
			return
		}

		if !s.isValidSignature(signature, payload) {
			logger.ErrorContext(ctx, "failed to validate webhook payload",
				"code", http.StatusUnauthorized,
				"body", errInvalidSignature,
				"delivery_id", deliveryID)
			s.h.RenderJSON(w, http.StatusUnauthorized, errInvalidSignature)
			return
		}

		// rate limit after authentication so forged traffic cannot consume
		// a legitimate sender's budget
		if !s.limiter.Allow(r.RemoteAddr) {
			logger.WarnContext(ctx, "webhook rate limit exceeded",
				"code", http.StatusTooManyRequests,
				"remote_addr", r.RemoteAddr)
			s.h.RenderJSON(w, http.StatusTooManyRequests, errRateLimited)
			return
		}

		if !acceptedEvents[eventType] {
			logger.DebugContext(ctx, "ignoring unhandled event type",
				"event_type", eventType,
				"delivery_id", deliveryID)
			s.h.RenderJSON(w, http.StatusAccepted, &webhookResponse{
				OK:         true,
				DeliveryID: deliveryID,
				Ignored:    true,
			})
			return
		}

		sum := sha256.Sum256(payload)
		fresh, err := s.db.InsertDelivery(ctx, &runnerhub.Delivery{
			ID:          deliveryID,
			EventType:   eventType,
			Signature:   signature,
			PayloadHash: hex.EncodeToString(sum[:]),
			ReceivedAt:  now,
			State:       runnerhub.DeliveryStateValidated,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to record delivery",
				"code", http.StatusInternalServerError,
				"delivery_id", deliveryID,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errProcessingFailed)
			return
		}
		if !fresh {
			logger.InfoContext(ctx, "duplicate delivery acknowledged",
				"delivery_id", deliveryID,
				"event_type", eventType)
			s.h.RenderJSON(w, http.StatusOK, &webhookResponse{
				OK:         true,
				DeliveryID: deliveryID,
				Duplicate:  true,
			})
			return
		}

		if err := s.processEvent(ctx, eventType, payload); err != nil {
			logger.ErrorContext(ctx, "failed to process webhook event",
				"code", http.StatusInternalServerError,
				"delivery_id", deliveryID,
				"event_type", eventType,
				"error", err)
			if derr := s.db.UpdateDeliveryState(ctx, deliveryID, runnerhub.DeliveryStateFailed); derr != nil {
				logger.ErrorContext(ctx, "failed to mark delivery failed",
					"delivery_id", deliveryID,
					"error", derr)
			}
			s.h.RenderJSON(w, http.StatusInternalServerError, errProcessingFailed)
			return
		}

		if err := s.db.UpdateDeliveryState(ctx, deliveryID, runnerhub.DeliveryStateProcessed); err != nil {
			logger.ErrorContext(ctx, "failed to mark delivery processed",
				"delivery_id", deliveryID,
				"error", err)
		}

		s.h.RenderJSON(w, http.StatusOK, &webhookResponse{
			OK:         true,
			DeliveryID: deliveryID,
		})
	})
}

// isValidSignature validates the http request signature against the signature of the payload.
func (s *Server) isValidSignature(signature string, payload []byte) bool {
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(payload)
	got := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(signature), []byte(got)) == 1
}

// processEvent routes a validated delivery. Only workflow_job drives the
// queue; the remaining accepted event types are schema-checked and stored
// as processed so replays resolve against a durable record.
func (s *Server) processEvent(ctx context.Context, eventType string, payload []byte) error {
	if eventType != "workflow_job" {
		var probe map[string]any
		if err := json.Unmarshal(payload, &probe); err != nil {
			return runnerhub.Errorf(runnerhub.KindValidation, "malformed %s payload: %w", eventType, err)
		}
		return nil
	}

	var event github.WorkflowJobEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return runnerhub.Errorf(runnerhub.KindValidation, "malformed workflow_job payload: %w", err)
	}
	wj := event.GetWorkflowJob()
	if wj == nil || wj.GetID() == 0 {
		return runnerhub.Errorf(runnerhub.KindValidation, "workflow_job payload missing job")
	}
	repo := event.GetRepo().GetFullName()
	if repo == "" {
		return runnerhub.Errorf(runnerhub.KindValidation, "workflow_job payload missing repository")
	}

	switch event.GetAction() {
	case "queued":
		return s.handleJobQueued(ctx, &event, repo)
	case "in_progress":
		return s.handleJobStarted(ctx, &event, repo)
	case "completed":
		return s.handleJobCompleted(ctx, &event, repo)
	default:
		// waiting etc, nothing to do
		return nil
	}
}

// handleJobQueued materializes a pending job, ensures its repository has a
// pool and enqueues for dispatch.
func (s *Server) handleJobQueued(ctx context.Context, event *github.WorkflowJobEvent, repo string) error {
	logger := logging.FromContext(ctx)
	wj := event.GetWorkflowJob()
	now := time.Now().UTC()

	job := &runnerhub.Job{
		ID:          wj.GetID(),
		RunID:       wj.GetRunID(),
		Repository:  repo,
		Workflow:    wj.GetWorkflowName(),
		Labels:      wj.Labels,
		Priority:    ComputePriority(wj.Labels, repo),
		State:       runnerhub.JobStatePending,
		MaxAttempts: runnerhub.DefaultMaxAttempts,
		CreatedAt:   now,
	}

	if _, err := s.pools.GetOrCreatePool(ctx, repo); err != nil {
		return fmt.Errorf("failed to ensure pool for %q: %w", repo, err)
	}
	if err := s.db.PutJob(ctx, job); err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue job %d: %w", job.ID, err)
	}

	logger.InfoContext(ctx, "job queued",
		"job_id", job.ID,
		"repository", repo,
		"priority", job.Priority,
		"labels", job.Labels)
	s.bus.Publish(runnerhub.Event{
		Kind:       runnerhub.EventJobQueued,
		Repository: repo,
		JobID:      job.ID,
	})
	return nil
}

// handleJobStarted moves a dispatched job to running once GitHub reports
// the runner picked it up. A job this node never saw queued (delivery
// loss, restart) is recorded directly as running so completion still
// reconciles.
func (s *Server) handleJobStarted(ctx context.Context, event *github.WorkflowJobEvent, repo string) error {
	logger := logging.FromContext(ctx)
	wj := event.GetWorkflowJob()
	startedAt := time.Now().UTC()
	if t := wj.GetStartedAt(); !t.IsZero() {
		startedAt = t.Time.UTC()
	}

	_, err := s.db.GetJob(ctx, wj.GetID())
	if errors.Is(err, store.ErrNotFound) {
		job := &runnerhub.Job{
			ID:             wj.GetID(),
			RunID:          wj.GetRunID(),
			Repository:     repo,
			Workflow:       wj.GetWorkflowName(),
			Labels:         wj.Labels,
			Priority:       ComputePriority(wj.Labels, repo),
			State:          runnerhub.JobStateRunning,
			MaxAttempts:    runnerhub.DefaultMaxAttempts,
			CreatedAt:      startedAt,
			StartedAt:      &startedAt,
			AssignedRunner: wj.GetRunnerName(),
		}
		logger.WarnContext(ctx, "in_progress for unknown job, recording as running",
			"job_id", job.ID,
			"repository", repo)
		return s.db.PutJob(ctx, job)
	}
	if err != nil {
		return err
	}

	// GitHub can report in_progress before the dispatcher observed its own
	// assignment. A still-pending job hops through assigned first so the
	// state machine sees only legal edges.
	cur, err := s.db.GetJob(ctx, wj.GetID())
	if err != nil {
		return err
	}
	if cur.State == runnerhub.JobStatePending {
		if _, err := s.db.TransitionJob(ctx, wj.GetID(), func(job *runnerhub.Job) error {
			if job.State != runnerhub.JobStatePending {
				return nil
			}
			job.State = runnerhub.JobStateAssigned
			if name := wj.GetRunnerName(); name != "" {
				job.AssignedRunner = name
			}
			return nil
		}); err != nil {
			return err
		}
	}

	updated, err := s.db.TransitionJob(ctx, wj.GetID(), func(job *runnerhub.Job) error {
		if job.State == runnerhub.JobStateRunning || job.State.IsTerminal() {
			return nil
		}
		job.State = runnerhub.JobStateRunning
		job.StartedAt = &startedAt
		if name := wj.GetRunnerName(); name != "" {
			job.AssignedRunner = name
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "job started",
		"job_id", updated.ID,
		"repository", repo,
		"runner", updated.AssignedRunner)
	s.bus.Publish(runnerhub.Event{
		Kind:       runnerhub.EventJobStarted,
		Repository: repo,
		JobID:      updated.ID,
		RunnerID:   updated.AssignedRunner,
	})
	return nil
}

// handleJobCompleted finalizes a job from GitHub's conclusion, releases
// its queue lease, drains the ephemeral runner and archives the row.
func (s *Server) handleJobCompleted(ctx context.Context, event *github.WorkflowJobEvent, repo string) error {
	logger := logging.FromContext(ctx)
	wj := event.GetWorkflowJob()

	target := runnerhub.JobStateFailed
	switch wj.GetConclusion() {
	case "success":
		target = runnerhub.JobStateCompleted
	case "cancelled", "skipped":
		target = runnerhub.JobStateCancelled
	}

	updated, err := s.db.TransitionJob(ctx, wj.GetID(), func(job *runnerhub.Job) error {
		if job.State.IsTerminal() {
			return nil
		}
		job.State = target
		job.Conclusion = wj.GetConclusion()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		logger.WarnContext(ctx, "completed for unknown job, dropping",
			"job_id", wj.GetID(),
			"repository", repo)
		return nil
	}
	if err != nil {
		return err
	}

	// Release the dispatch lease if one is still held. Best effort: the
	// recovery sweep would release it anyway.
	if err := s.queue.Ack(ctx, updated.ID); err != nil {
		logger.DebugContext(ctx, "no queue lease to release", "job_id", updated.ID, "error", err)
	}

	if updated.AssignedRunner != "" {
		s.drainRunner(ctx, updated.AssignedRunner)
	}

	if err := s.archive.ArchiveJob(ctx, updated); err != nil {
		logger.ErrorContext(ctx, "failed to archive job", "job_id", updated.ID, "error", err)
	}

	logger.InfoContext(ctx, "job completed",
		"job_id", updated.ID,
		"repository", repo,
		"conclusion", updated.Conclusion)
	s.bus.Publish(runnerhub.Event{
		Kind:       runnerhub.EventJobCompleted,
		Repository: repo,
		JobID:      updated.ID,
		RunnerID:   updated.AssignedRunner,
		Detail:     updated.Conclusion,
	})
	return nil
}

// drainRunner marks the job's ephemeral runner draining so the cleanup
// loop recycles it. Runners are named after their container; a name that
// has no record belongs to an externally-managed runner and is skipped.
func (s *Server) drainRunner(ctx context.Context, name string) {
	logger := logging.FromContext(ctx)

	r, err := s.db.GetRunner(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to load runner for drain", "runner", name, "error", err)
		return
	}
	if r.State == runnerhub.RunnerStateTerminated || r.State == runnerhub.RunnerStateDraining {
		return
	}
	r.State = runnerhub.RunnerStateDraining
	r.LastJobAt = time.Now().UTC()
	r.JobsProcessed++
	if err := s.db.PutRunner(ctx, r); err != nil {
		logger.ErrorContext(ctx, "failed to drain runner", "runner", name, "error", err)
		return
	}
	s.bus.Publish(runnerhub.Event{
		Kind:     runnerhub.EventCleanupRequested,
		RunnerID: r.ID,
		Detail:   "job completed",
	})
}
