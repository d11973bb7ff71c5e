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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxsync/fluxsync/internal/apierror"
	"github.com/fluxsync/fluxsync/model"
)

func sampleSyncConfig() *model.SyncConfiguration {
	return &model.SyncConfiguration{
		OrganizationID:   "org_1",
		ServiceName:      "payment_service",
		EntityType:       "invoice",
		Direction:        model.SyncBidirectional,
		Frequency:        model.FrequencyHourly,
		ConflictStrategy: model.StrategyLatestTimestamp,
		FieldMappings:    map[string]string{"amount": "total"},
		IsActive:         true,
	}
}

func TestCreateSyncConfiguration(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec("INSERT INTO sync_configurations").
		WithArgs(sqlmock.AnyArg(), "org_1", "payment_service", "invoice",
			model.SyncBidirectional, model.FrequencyHourly, model.StrategyLatestTimestamp,
			sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	cfg, err := ds.CreateSyncConfiguration(context.Background(), sampleSyncConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.ConfigID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSyncConfigurationDuplicate(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec("INSERT INTO sync_configurations").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := ds.CreateSyncConfiguration(context.Background(), sampleSyncConfig())
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func syncConfigRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"config_id", "organization_id", "service_name", "entity_type", "direction",
		"frequency", "conflict_strategy", "field_mappings", "filters", "is_active",
		"last_sync_at", "created_at",
	})
}

func TestGetActiveSyncConfigurations(t *testing.T) {
	ds, mock := newTestDatasource(t)

	rows := syncConfigRows().AddRow(
		"synccfg_1", "org_1", "payment_service", "invoice", "inbound",
		"hourly", "external_wins", []byte(`{"amount":"total"}`), []byte(`{}`), true,
		time.Time{}, time.Now())

	mock.ExpectQuery("SELECT .* FROM sync_configurations").
		WithArgs("org_1", "payment_service", "invoice").
		WillReturnRows(rows)

	configs, err := ds.GetActiveSyncConfigurations(context.Background(), "org_1", "payment_service", "invoice")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, model.SyncInbound, configs[0].Direction)
	assert.Equal(t, "total", configs[0].FieldMappings["amount"])
}

func TestGetDistinctSyncServices(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery("SELECT DISTINCT service_name").
		WithArgs("org_1").
		WillReturnRows(sqlmock.NewRows([]string{"service_name"}).
			AddRow("communication_service").
			AddRow("payment_service"))

	services, err := ds.GetDistinctSyncServices(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"communication_service", "payment_service"}, services)
}

func TestRecordSyncLog(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec("INSERT INTO sync_logs").
		WithArgs(sqlmock.AnyArg(), "org_1", "payment_service", "completed",
			10, 8, 2, 1, 1, 3.5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &model.SyncLog{
		OrganizationID:    "org_1",
		ServiceName:       "payment_service",
		Status:            "completed",
		RecordsProcessed:  10,
		RecordsSynced:     8,
		RecordsFailed:     2,
		ConflictsDetected: 1,
		ConflictsResolved: 1,
		ExecutionTime:     3.5,
	}
	require.NoError(t, ds.RecordSyncLog(context.Background(), entry))
	assert.NotEmpty(t, entry.LogID)
}

func TestRecordConflictDefaultsToPending(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec("INSERT INTO conflict_resolutions").
		WithArgs(sqlmock.AnyArg(), "org_1", "payment_service", "invoice",
			sqlmock.AnyArg(), "ext_9", sqlmock.AnyArg(), sqlmock.AnyArg(), model.ConflictStatusPending).
		WillReturnResult(sqlmock.NewResult(1, 1))

	conflict := &model.ConflictResolution{
		OrganizationID: "org_1",
		ServiceName:    "payment_service",
		EntityType:     "invoice",
		ExternalID:     "ext_9",
		InternalData:   map[string]interface{}{"amount": 1},
		ExternalData:   map[string]interface{}{"amount": 2},
	}
	require.NoError(t, ds.RecordConflict(context.Background(), conflict))
	assert.Equal(t, model.ConflictStatusPending, conflict.Status)
	assert.NotEmpty(t, conflict.ConflictID)
}

func TestResolveConflict(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec("UPDATE conflict_resolutions").
		WithArgs("conflict_1", model.StrategyExternalWins, "ops@example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ds.ResolveConflict(context.Background(), "conflict_1", model.StrategyExternalWins, "ops@example.com")
	require.NoError(t, err)
}

func TestResolveConflictAlreadyResolved(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec("UPDATE conflict_resolutions").
		WithArgs("conflict_1", model.StrategyExternalWins, "ops@example.com").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ds.ResolveConflict(context.Background(), "conflict_1", model.StrategyExternalWins, "ops@example.com")
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestGetSyncStatuses(t *testing.T) {
	ds, mock := newTestDatasource(t)

	lastSync := time.Now().Add(-30 * time.Minute)
	rows := sqlmock.NewRows([]string{
		"config_id", "service_name", "entity_type", "direction", "frequency",
		"is_active", "last_sync_at", "status", "records_synced", "conflicts_detected",
	}).AddRow("synccfg_1", "payment_service", "invoice", "inbound", "hourly",
		true, lastSync, "completed", 12, 0)

	mock.ExpectQuery("SELECT c.config_id").
		WithArgs("org_1").
		WillReturnRows(rows)

	statuses, err := ds.GetSyncStatuses(context.Background(), "org_1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "completed", statuses[0].LastSyncStatus)
	require.NotNil(t, statuses[0].NextSync)
	assert.WithinDuration(t, lastSync.Add(time.Hour), *statuses[0].NextSync, time.Second)
}
