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

package database

import (
	"context"
	"time"

	"github.com/fluxsync/fluxsync/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	event          // Interface for event intake and dead-letter operations
	syncConfig     // Interface for sync configuration operations
	syncLog        // Interface for sync audit log operations
	conflict       // Interface for conflict resolution operations
	internalRecord // Interface for internal entity record operations
	tenant         // Interface for tenant lookups
}

// event defines methods for handling intake events.
type event interface {
	RecordEvent(ctx context.Context, event *model.EventRecord) (*model.EventRecord, error)      // Inserts a new event; duplicate hash surfaces as ErrConflict
	GetEventByHash(ctx context.Context, hash string) (*model.EventRecord, error)                // Retrieves an event by idempotency hash
	GetEvent(ctx context.Context, id string) (*model.EventRecord, error)                        // Retrieves an event by record ID
	UpdateEventOutcome(ctx context.Context, event *model.EventRecord) error                     // Records the processing outcome of an event
	GetDeadLetterEvents(ctx context.Context, limit int) ([]*model.EventRecord, error)           // Lists dead-letter events, newest first
	MarkEventPending(ctx context.Context, id string) error                                      // Resets a dead-letter event for reprocessing
	MarkEventArchived(ctx context.Context, id string) error                                     // Flags a dead-letter event as archived
	DeleteProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)           // Retention cleanup for completed and archived events
	CountEventsByStatus(ctx context.Context, status string) (int64, error)                      // Counts events in a given status
}

// syncConfig defines methods for handling sync configurations.
type syncConfig interface {
	CreateSyncConfiguration(ctx context.Context, cfg *model.SyncConfiguration) (*model.SyncConfiguration, error)
	GetSyncConfiguration(ctx context.Context, configID string) (*model.SyncConfiguration, error)
	GetActiveSyncConfigurations(ctx context.Context, organizationID, serviceName, entityType string) ([]*model.SyncConfiguration, error)
	GetDistinctSyncServices(ctx context.Context, organizationID string) ([]string, error) // Service names with at least one active configuration
	UpdateSyncConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error
	TouchLastSyncAt(ctx context.Context, configID string, at time.Time) error
	GetSyncStatuses(ctx context.Context, organizationID string) ([]*model.SyncStatus, error) // Configurations joined with their latest log
}

// syncLog defines methods for the append-only sync audit trail.
type syncLog interface {
	RecordSyncLog(ctx context.Context, entry *model.SyncLog) error
	GetLatestSyncLog(ctx context.Context, organizationID, serviceName string) (*model.SyncLog, error)
}

// conflict defines methods for handling conflict resolutions.
type conflict interface {
	RecordConflict(ctx context.Context, conflict *model.ConflictResolution) error
	GetConflict(ctx context.Context, conflictID string) (*model.ConflictResolution, error)
	GetPendingConflicts(ctx context.Context, organizationID string, limit int) ([]*model.ConflictResolution, error)
	ResolveConflict(ctx context.Context, conflictID string, strategy model.ConflictStrategy, resolvedBy string) error
}

// internalRecord defines methods for the internal side of sync streams.
type internalRecord interface {
	UpsertInternalRecord(ctx context.Context, record *model.InternalRecord) (*model.InternalRecord, error)
	GetInternalRecordByExternalID(ctx context.Context, organizationID, entityType, externalID string) (*model.InternalRecord, error)
	GetInternalRecords(ctx context.Context, organizationID, entityType string, modifiedSince time.Time) ([]*model.InternalRecord, error)
	UpdateInternalRecordData(ctx context.Context, recordID string, data map[string]interface{}, lastModified time.Time) error
}

// tenant defines methods for tenant lookups.
type tenant interface {
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
	CreateTenant(ctx context.Context, t *model.Tenant) (*model.Tenant, error)
}
