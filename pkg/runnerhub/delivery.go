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

// DeliveryState is the processing state of a webhook delivery.
type DeliveryState string

const (
	DeliveryStateReceived  DeliveryState = "received"
	DeliveryStateValidated DeliveryState = "validated"
	DeliveryStateProcessed DeliveryState = "processed"
	DeliveryStateFailed    DeliveryState = "failed"
	DeliveryStateDuplicate DeliveryState = "duplicate"
)

// Delivery is the raw webhook envelope as received from GitHub. The
// delivery id is assigned by GitHub and unique across the retention
// window; replays of the same id resolve to the original record.
type Delivery struct {
	ID          string        `json:"id"`
	EventType   string        `json:"event_type"`
	Signature   string        `json:"signature"`
	PayloadHash string        `json:"payload_hash"`
	ReceivedAt  time.Time     `json:"received_at"`
	State       DeliveryState `json:"state"`
}

// DeliveryRetention is how long delivery records are kept for replay.
const DeliveryRetention = 30 * 24 * time.Hour
