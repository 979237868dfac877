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

import "time"

// ScalingReason classifies why a scaling decision was made.
type ScalingReason string

const (
	ReasonUtilization   ScalingReason = "utilization"
	ReasonQueuePressure ScalingReason = "queue_pressure"
	ReasonPrediction    ScalingReason = "prediction"
	ReasonBudget        ScalingReason = "budget"
	ReasonManual        ScalingReason = "manual"
)

// ScalingDecision is an immutable record of one scaling evaluation. It is
// appended to the durable scaling log for audit and analytics.
type ScalingDecision struct {
	Timestamp  time.Time     `json:"timestamp" db:"ts"`
	Pool       string        `json:"pool" db:"pool"`
	FromCount  int           `json:"from_count" db:"from_count"`
	ToCount    int           `json:"to_count" db:"to_count"`
	Reason     ScalingReason `json:"reason" db:"reason"`
	Confidence float64       `json:"confidence" db:"confidence"`
	Applied    bool          `json:"applied" db:"applied"`
	Error      string        `json:"error,omitempty" db:"error"`
}

// PredictionHorizon is a forecast window.
type PredictionHorizon string

const (
	HorizonShort  PredictionHorizon = "short"  // 15 minutes
	HorizonMedium PredictionHorizon = "medium" // 1 hour
	HorizonLong   PredictionHorizon = "long"   // 4 hours
)

// HorizonDuration maps a horizon to its forecast window.
func HorizonDuration(h PredictionHorizon) time.Duration {
	switch h {
	case HorizonMedium:
		return time.Hour
	case HorizonLong:
		return 4 * time.Hour
	default:
		return 15 * time.Minute
	}
}

// Prediction is a demand forecast for one horizon. Only the most recent
// prediction per horizon is kept live; all are logged for accuracy
// tracking.
type Prediction struct {
	IssuedAt     time.Time         `json:"issued_at" db:"issued_at"`
	Repository   string            `json:"repository" db:"repository"`
	Horizon      PredictionHorizon `json:"horizon" db:"horizon"`
	ExpectedJobs float64           `json:"expected_jobs" db:"expected_jobs"`
	LowerBound   float64           `json:"lower_bound" db:"lower_bound"`
	UpperBound   float64           `json:"upper_bound" db:"upper_bound"`
	Confidence   float64           `json:"confidence" db:"confidence"`
}

// LeaderLease is the coordination token for single-writer control loops.
// At any instant at most one holder has an unexpired lease.
type LeaderLease struct {
	HolderID     string    `json:"holder_id"`
	Term         int64     `json:"term"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RenewalCount int64     `json:"renewal_count"`
}
