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
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxsync/fluxsync/internal/apierror"
	"github.com/fluxsync/fluxsync/model"
)

func TestUpsertInternalRecordComputesChecksum(t *testing.T) {
	ds, mock := newTestDatasource(t)

	record := &model.InternalRecord{
		OrganizationID: "org_1",
		EntityType:     "customer",
		ExternalID:     "ext_7",
		Data:           map[string]interface{}{"name": gofakeit.Name()},
	}

	mock.ExpectQuery("INSERT INTO internal_records").
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "created_at"}).
			AddRow("rec_fixed", time.Now()))

	saved, err := ds.UpsertInternalRecord(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, "rec_fixed", saved.RecordID)
	assert.Equal(t, model.Checksum(record.Data), saved.Checksum)
	assert.False(t, saved.LastModified.IsZero())
}

func TestGetInternalRecordByExternalID(t *testing.T) {
	ds, mock := newTestDatasource(t)

	rows := sqlmock.NewRows([]string{
		"record_id", "organization_id", "entity_type", "external_id",
		"data", "checksum", "last_modified", "created_at",
	}).AddRow("rec_1", "org_1", "customer", "ext_7",
		[]byte(`{"name":"Jo"}`), "abc", time.Now(), time.Now())

	mock.ExpectQuery("SELECT .* FROM internal_records").
		WithArgs("org_1", "customer", "ext_7").
		WillReturnRows(rows)

	record, err := ds.GetInternalRecordByExternalID(context.Background(), "org_1", "customer", "ext_7")
	require.NoError(t, err)
	assert.Equal(t, "rec_1", record.RecordID)
	assert.Equal(t, "Jo", record.Data["name"])
}

func TestGetInternalRecordByExternalIDNotFound(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery("SELECT .* FROM internal_records").
		WithArgs("org_1", "customer", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"record_id"}))

	_, err := ds.GetInternalRecordByExternalID(context.Background(), "org_1", "customer", "missing")
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestUpdateInternalRecordData(t *testing.T) {
	ds, mock := newTestDatasource(t)

	data := map[string]interface{}{"name": "Updated"}
	now := time.Now()

	mock.ExpectExec("UPDATE internal_records").
		WithArgs("rec_1", sqlmock.AnyArg(), model.Checksum(data), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ds.UpdateInternalRecordData(context.Background(), "rec_1", data, now))
}
