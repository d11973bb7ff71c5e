/*
Copyright 2024 Fluxsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Event statuses. A record moves pending -> processing -> completed or
// failed; repeated failures park it in dead_letter, from where it can
// be requeued or archived.
const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusCompleted  = "completed"
	EventStatusFailed     = "failed"
	EventStatusDeadLetter = "dead_letter"
	EventStatusArchived   = "archived"
)

// EventRecord is the durable idempotency record for one distinct
// webhook delivery. Uniqueness is enforced on Hash.
type EventRecord struct {
	ID           string                 `json:"id"`
	Hash         string                 `json:"idempotency_key"`
	EventID      string                 `json:"event_id"`
	Source       Source                 `json:"source"`
	EventType    EventType              `json:"event_type"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	Payload      map[string]interface{} `json:"payload"`
	Status       string                 `json:"status"`
	RetryCount   int                    `json:"retry_count"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	AttemptedAt  time.Time              `json:"last_attempted_at,omitempty"`
	CompletedAt  time.Time              `json:"completed_at,omitempty"`
	ArchivedAt   time.Time              `json:"archived_at,omitempty"`
}

// EventHash derives the idempotency key for a delivery. The hash
// covers (event_id, source, timestamp) and deliberately ignores the
// payload body: two deliveries that agree on those three fields are
// the same logical event even if their bodies differ.
func EventHash(eventID string, source Source, timestamp time.Time) string {
	data := fmt.Sprintf("%s:%s:%s", eventID, source, timestamp.UTC().Format(time.RFC3339))
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// HashEnvelope is a convenience wrapper over EventHash.
func HashEnvelope(e *WebhookEnvelope) string {
	return EventHash(e.EventID, e.Source, e.Timestamp)
}
