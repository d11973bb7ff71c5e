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

package fluxsync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxsync/fluxsync/database"
	"github.com/fluxsync/fluxsync/model"
)

// entityTypeFor maps an event type to the internal entity stream it
// mutates.
func entityTypeFor(eventType model.EventType) string {
	switch eventType {
	case model.EventUserCreated, model.EventUserUpdated, model.EventUserDeleted:
		return "user"
	case model.EventPaymentSuccess, model.EventPaymentFailed:
		return "payment"
	case model.EventSubscriptionCreated, model.EventSubscriptionUpdated, model.EventSubscriptionCancelled:
		return "subscription"
	case model.EventEmailDelivered, model.EventEmailBounced, model.EventEmailFailed:
		return "email"
	default:
		return ""
	}
}

// externalIDFor extracts the upstream identifier from an event payload.
// Each source names the field after its own entity.
func externalIDFor(envelope *model.WebhookEnvelope) (string, error) {
	for _, key := range []string{"id", "user_id", "payment_id", "subscription_id", "message_id"} {
		if v, ok := envelope.Data[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("payload for %s carries no recognizable entity id", envelope.EventType)
}

func successResult(action, externalID string) *model.ProcessingResult {
	return &model.ProcessingResult{
		Success: true,
		Metadata: map[string]interface{}{
			"action":      action,
			"external_id": externalID,
		},
	}
}

// upsertHandler materializes an event's payload into the internal
// record for its entity. Creation and update share one handler since
// the store upserts on (org, entity type, external id).
func upsertHandler(ds database.IDataSource) Handler {
	return func(ctx context.Context, envelope *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		externalID, err := externalIDFor(envelope)
		if err != nil {
			return &model.ProcessingResult{Success: false, ErrorMessage: err.Error()}, nil
		}

		record := &model.InternalRecord{
			OrganizationID: envelope.TenantID,
			EntityType:     entityTypeFor(envelope.EventType),
			ExternalID:     externalID,
			Data:           envelope.Data,
			LastModified:   envelope.Timestamp,
		}
		saved, err := ds.UpsertInternalRecord(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert %s record %s: %w", record.EntityType, externalID, err)
		}

		logrus.WithFields(logrus.Fields{
			"record_id":   saved.RecordID,
			"entity_type": saved.EntityType,
			"external_id": externalID,
		}).Info("Materialized event into internal record")
		return successResult("upserted", externalID), nil
	}
}

// tombstoneHandler marks an entity deleted upstream. The record is
// kept with a deletion marker rather than removed, so a later sync
// pass does not resurrect it from a stale external read.
func tombstoneHandler(ds database.IDataSource) Handler {
	return func(ctx context.Context, envelope *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		externalID, err := externalIDFor(envelope)
		if err != nil {
			return &model.ProcessingResult{Success: false, ErrorMessage: err.Error()}, nil
		}

		entityType := entityTypeFor(envelope.EventType)
		existing, err := ds.GetInternalRecordByExternalID(ctx, envelope.TenantID, entityType, externalID)
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to look up %s record %s: %w", entityType, externalID, err)
		}
		if existing == nil {
			// Deleting something we never materialized is a no-op.
			return successResult("already_absent", externalID), nil
		}

		data := existing.Data
		if data == nil {
			data = map[string]interface{}{}
		}
		data["deleted"] = true
		data["deleted_at"] = envelope.Timestamp.Format(time.RFC3339)

		if err := ds.UpdateInternalRecordData(ctx, existing.RecordID, data, envelope.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to tombstone %s record %s: %w", entityType, externalID, err)
		}
		return successResult("tombstoned", externalID), nil
	}
}

// statusMergeHandler folds a delivery outcome into an existing record
// without replacing its payload. Used for email events, which annotate
// a message record rather than define it.
func statusMergeHandler(ds database.IDataSource, status string) Handler {
	return func(ctx context.Context, envelope *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		externalID, err := externalIDFor(envelope)
		if err != nil {
			return &model.ProcessingResult{Success: false, ErrorMessage: err.Error()}, nil
		}

		entityType := entityTypeFor(envelope.EventType)
		existing, err := ds.GetInternalRecordByExternalID(ctx, envelope.TenantID, entityType, externalID)
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to look up %s record %s: %w", entityType, externalID, err)
		}
		if existing == nil {
			// First sighting of this message. Materialize it with the
			// delivery status folded in.
			data := envelope.Data
			data["delivery_status"] = status
			record := &model.InternalRecord{
				OrganizationID: envelope.TenantID,
				EntityType:     entityType,
				ExternalID:     externalID,
				Data:           data,
				LastModified:   envelope.Timestamp,
			}
			if _, err := ds.UpsertInternalRecord(ctx, record); err != nil {
				return nil, fmt.Errorf("failed to record %s status for %s: %w", status, externalID, err)
			}
			return successResult("created_with_status", externalID), nil
		}

		data := existing.Data
		if data == nil {
			data = map[string]interface{}{}
		}
		data["delivery_status"] = status
		if err := ds.UpdateInternalRecordData(ctx, existing.RecordID, data, envelope.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to update %s status for %s: %w", status, externalID, err)
		}
		return successResult("status_updated", externalID), nil
	}
}

// RegisterDefaultProcessors binds the built-in handler for every known
// event type.
func RegisterDefaultProcessors(pipeline *Pipeline, ds database.IDataSource) {
	upsert := upsertHandler(ds)
	for _, eventType := range []model.EventType{
		model.EventUserCreated,
		model.EventUserUpdated,
		model.EventPaymentSuccess,
		model.EventPaymentFailed,
		model.EventSubscriptionCreated,
		model.EventSubscriptionUpdated,
		model.EventSubscriptionCancelled,
	} {
		pipeline.RegisterHandler(eventType, upsert)
	}

	pipeline.RegisterHandler(model.EventUserDeleted, tombstoneHandler(ds))
	pipeline.RegisterHandler(model.EventEmailDelivered, statusMergeHandler(ds, "delivered"))
	pipeline.RegisterHandler(model.EventEmailBounced, statusMergeHandler(ds, "bounced"))
	pipeline.RegisterHandler(model.EventEmailFailed, statusMergeHandler(ds, "failed"))
}
