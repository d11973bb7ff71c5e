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

func sampleEvent() *model.EventRecord {
	return &model.EventRecord{
		Hash:      "hash-1",
		EventID:   "evt_1",
		Source:    model.SourceUserManagement,
		EventType: model.EventUserCreated,
		TenantID:  "tenant_1",
		Payload:   map[string]interface{}{"email": "jo@example.com"},
	}
}

func TestRecordEvent(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec("INSERT INTO events").
		WithArgs(sqlmock.AnyArg(), "hash-1", "evt_1", model.SourceUserManagement, model.EventUserCreated,
			sqlmock.AnyArg(), sqlmock.AnyArg(), model.EventStatusPending, 0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	event, err := ds.RecordEvent(context.Background(), sampleEvent())
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, model.EventStatusPending, event.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEventDuplicateHash(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := ds.RecordEvent(context.Background(), sampleEvent())
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEventByHash(t *testing.T) {
	ds, mock := newTestDatasource(t)

	rows := sqlmock.NewRows([]string{
		"event_record_id", "idempotency_hash", "event_id", "source", "event_type",
		"tenant_id", "payload", "status", "retry_count", "error_message", "created_at",
	}).AddRow("event_abc", "hash-1", "evt_1", "user_management", "user.created",
		"tenant_1", []byte(`{"email":"jo@example.com"}`), "completed", 0, "", time.Now())

	mock.ExpectQuery("SELECT .* FROM events").
		WithArgs("hash-1").
		WillReturnRows(rows)

	event, err := ds.GetEventByHash(context.Background(), "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "event_abc", event.ID)
	assert.Equal(t, model.EventUserCreated, event.EventType)
	assert.Equal(t, "jo@example.com", event.Payload["email"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEventByHashNotFound(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery("SELECT .* FROM events").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"event_record_id"}))

	_, err := ds.GetEventByHash(context.Background(), "missing")
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestUpdateEventOutcome(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec("UPDATE events").
		WithArgs("event_abc", model.EventStatusCompleted, 0, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ds.UpdateEventOutcome(context.Background(), &model.EventRecord{
		ID:     "event_abc",
		Status: model.EventStatusCompleted,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkEventPendingOnlyTouchesDeadLetters(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec("UPDATE events").
		WithArgs("event_abc").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ds.MarkEventPending(context.Background(), "event_abc")
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestGetDeadLetterEvents(t *testing.T) {
	ds, mock := newTestDatasource(t)

	rows := sqlmock.NewRows([]string{
		"event_record_id", "idempotency_hash", "event_id", "source", "event_type",
		"tenant_id", "payload", "status", "retry_count", "error_message", "created_at",
	}).AddRow("event_1", "h1", "evt_1", "payment_service", "payment.failed",
		"", []byte(`{}`), "dead_letter", 5, "handler exploded", time.Now())

	mock.ExpectQuery("SELECT .* FROM events").
		WithArgs(50).
		WillReturnRows(rows)

	events, err := ds.GetDeadLetterEvents(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventStatusDeadLetter, events[0].Status)
	assert.Equal(t, "handler exploded", events[0].ErrorMessage)
}

func TestDeleteProcessedEventsBefore(t *testing.T) {
	ds, mock := newTestDatasource(t)

	cutoff := time.Now().AddDate(0, 0, -30)
	mock.ExpectExec("DELETE FROM events").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	deleted, err := ds.DeleteProcessedEventsBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
}
