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
	"encoding/json"
	"time"
)

// Source identifies an external system that delivers webhooks.
type Source string

const (
	SourceUserManagement Source = "user_management"
	SourcePaymentService Source = "payment_service"
	SourceCommunication  Source = "communication_service"
)

// KnownSources lists every source the intake accepts.
var KnownSources = []Source{
	SourceUserManagement,
	SourcePaymentService,
	SourceCommunication,
}

// ParseSource maps a service name from the webhook route to a known
// source. The boolean is false for unregistered services.
func ParseSource(name string) (Source, bool) {
	for _, s := range KnownSources {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// EventType is the closed set of webhook event types the pipeline
// dispatches on. Payloads carrying anything else parse to
// EventTypeUnknown and are reported as a structured failure rather
// than dropped.
type EventType string

const (
	EventUserCreated           EventType = "user.created"
	EventUserUpdated           EventType = "user.updated"
	EventUserDeleted           EventType = "user.deleted"
	EventPaymentSuccess        EventType = "payment.success"
	EventPaymentFailed         EventType = "payment.failed"
	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionUpdated   EventType = "subscription.updated"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventEmailDelivered        EventType = "email.delivered"
	EventEmailBounced          EventType = "email.bounced"
	EventEmailFailed           EventType = "email.failed"
	EventTypeUnknown           EventType = "unknown"
)

// ParseEventType maps a raw event type string onto the closed enum.
func ParseEventType(raw string) EventType {
	switch EventType(raw) {
	case EventUserCreated, EventUserUpdated, EventUserDeleted,
		EventPaymentSuccess, EventPaymentFailed,
		EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionCancelled,
		EventEmailDelivered, EventEmailBounced, EventEmailFailed:
		return EventType(raw)
	default:
		return EventTypeUnknown
	}
}

// WebhookEnvelope is the canonical, source-agnostic representation of
// a verified webhook delivery. Envelopes are immutable once parsed;
// middleware receives copies, never pointers into shared state.
type WebhookEnvelope struct {
	Source     Source                 `json:"source"`
	EventType  EventType              `json:"event_type"`
	EventID    string                 `json:"event_id"`
	Timestamp  time.Time              `json:"timestamp"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	Data       map[string]interface{} `json:"data"`
	RawPayload json.RawMessage        `json:"raw_payload,omitempty"`
}

// ProcessingResult is the outcome of dispatching one envelope.
// Business no-ops (duplicates, unknown types) are reported here, not
// raised as errors.
type ProcessingResult struct {
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}
