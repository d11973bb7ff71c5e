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
	"time"

	"github.com/fluxsync/fluxsync/database"
	"github.com/fluxsync/fluxsync/model"
)

// MockDataSource overrides individual datasource methods with function
// fields. Methods without an override fall through to the embedded
// interface, which panics when nil; tests set only what they exercise.
type MockDataSource struct {
	database.IDataSource

	MockRecordEvent        func(ctx context.Context, event *model.EventRecord) (*model.EventRecord, error)
	MockGetEventByHash     func(ctx context.Context, hash string) (*model.EventRecord, error)
	MockUpdateEventOutcome func(ctx context.Context, event *model.EventRecord) error
	MockGetDeadLetters     func(ctx context.Context, limit int) ([]*model.EventRecord, error)
	MockMarkEventPending   func(ctx context.Context, id string) error
	MockMarkEventArchived  func(ctx context.Context, id string) error
	MockGetEvent           func(ctx context.Context, id string) (*model.EventRecord, error)
	MockGetTenant          func(ctx context.Context, tenantID string) (*model.Tenant, error)
	MockUpsertRecord       func(ctx context.Context, record *model.InternalRecord) (*model.InternalRecord, error)
	MockGetRecordByExtID   func(ctx context.Context, organizationID, entityType, externalID string) (*model.InternalRecord, error)
	MockGetRecords         func(ctx context.Context, organizationID, entityType string, modifiedSince time.Time) ([]*model.InternalRecord, error)
	MockUpdateRecordData   func(ctx context.Context, recordID string, data map[string]interface{}, lastModified time.Time) error
	MockActiveConfigs      func(ctx context.Context, organizationID, serviceName, entityType string) ([]*model.SyncConfiguration, error)
	MockTouchLastSyncAt    func(ctx context.Context, configID string, at time.Time) error
	MockRecordSyncLog      func(ctx context.Context, entry *model.SyncLog) error
	MockRecordConflict     func(ctx context.Context, conflict *model.ConflictResolution) error
	MockDistinctServices   func(ctx context.Context, organizationID string) ([]string, error)
}

func (m *MockDataSource) RecordEvent(ctx context.Context, event *model.EventRecord) (*model.EventRecord, error) {
	if m.MockRecordEvent != nil {
		return m.MockRecordEvent(ctx, event)
	}
	return event, nil
}

func (m *MockDataSource) GetEventByHash(ctx context.Context, hash string) (*model.EventRecord, error) {
	if m.MockGetEventByHash != nil {
		return m.MockGetEventByHash(ctx, hash)
	}
	return nil, nil
}

func (m *MockDataSource) UpdateEventOutcome(ctx context.Context, event *model.EventRecord) error {
	if m.MockUpdateEventOutcome != nil {
		return m.MockUpdateEventOutcome(ctx, event)
	}
	return nil
}

func (m *MockDataSource) GetDeadLetterEvents(ctx context.Context, limit int) ([]*model.EventRecord, error) {
	if m.MockGetDeadLetters != nil {
		return m.MockGetDeadLetters(ctx, limit)
	}
	return nil, nil
}

func (m *MockDataSource) MarkEventPending(ctx context.Context, id string) error {
	if m.MockMarkEventPending != nil {
		return m.MockMarkEventPending(ctx, id)
	}
	return nil
}

func (m *MockDataSource) MarkEventArchived(ctx context.Context, id string) error {
	if m.MockMarkEventArchived != nil {
		return m.MockMarkEventArchived(ctx, id)
	}
	return nil
}

func (m *MockDataSource) GetEvent(ctx context.Context, id string) (*model.EventRecord, error) {
	if m.MockGetEvent != nil {
		return m.MockGetEvent(ctx, id)
	}
	return nil, nil
}

func (m *MockDataSource) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	if m.MockGetTenant != nil {
		return m.MockGetTenant(ctx, tenantID)
	}
	return &model.Tenant{TenantID: tenantID, IsActive: true}, nil
}

func (m *MockDataSource) UpsertInternalRecord(ctx context.Context, record *model.InternalRecord) (*model.InternalRecord, error) {
	if m.MockUpsertRecord != nil {
		return m.MockUpsertRecord(ctx, record)
	}
	return record, nil
}

func (m *MockDataSource) GetInternalRecordByExternalID(ctx context.Context, organizationID, entityType, externalID string) (*model.InternalRecord, error) {
	if m.MockGetRecordByExtID != nil {
		return m.MockGetRecordByExtID(ctx, organizationID, entityType, externalID)
	}
	return nil, nil
}

func (m *MockDataSource) GetInternalRecords(ctx context.Context, organizationID, entityType string, modifiedSince time.Time) ([]*model.InternalRecord, error) {
	if m.MockGetRecords != nil {
		return m.MockGetRecords(ctx, organizationID, entityType, modifiedSince)
	}
	return nil, nil
}

func (m *MockDataSource) UpdateInternalRecordData(ctx context.Context, recordID string, data map[string]interface{}, lastModified time.Time) error {
	if m.MockUpdateRecordData != nil {
		return m.MockUpdateRecordData(ctx, recordID, data, lastModified)
	}
	return nil
}

func (m *MockDataSource) GetActiveSyncConfigurations(ctx context.Context, organizationID, serviceName, entityType string) ([]*model.SyncConfiguration, error) {
	if m.MockActiveConfigs != nil {
		return m.MockActiveConfigs(ctx, organizationID, serviceName, entityType)
	}
	return nil, nil
}

func (m *MockDataSource) TouchLastSyncAt(ctx context.Context, configID string, at time.Time) error {
	if m.MockTouchLastSyncAt != nil {
		return m.MockTouchLastSyncAt(ctx, configID, at)
	}
	return nil
}

func (m *MockDataSource) RecordSyncLog(ctx context.Context, entry *model.SyncLog) error {
	if m.MockRecordSyncLog != nil {
		return m.MockRecordSyncLog(ctx, entry)
	}
	return nil
}

func (m *MockDataSource) RecordConflict(ctx context.Context, conflict *model.ConflictResolution) error {
	if m.MockRecordConflict != nil {
		return m.MockRecordConflict(ctx, conflict)
	}
	return nil
}

func (m *MockDataSource) GetDistinctSyncServices(ctx context.Context, organizationID string) ([]string, error) {
	if m.MockDistinctServices != nil {
		return m.MockDistinctServices(ctx, organizationID)
	}
	return nil, nil
}
