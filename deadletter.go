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
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fluxsync/fluxsync/database"
	"github.com/fluxsync/fluxsync/internal/apierror"
	"github.com/fluxsync/fluxsync/internal/notification"
	"github.com/fluxsync/fluxsync/internal/s3archive"
	"github.com/fluxsync/fluxsync/model"
)

// requeueEnqueuer is the slice of the queue the manager needs.
type requeueEnqueuer interface {
	EnqueueRequeue(ctx context.Context, event *model.EventRecord) error
}

// DeadLetterManager owns the lifecycle of events that exhausted their
// delivery attempts: listing, requeueing for another run, and
// archiving out of the active table.
type DeadLetterManager struct {
	datasource database.IDataSource
	queue      requeueEnqueuer
	archiver   *s3archive.Archiver
}

func NewDeadLetterManager(ds database.IDataSource, queue requeueEnqueuer, archiver *s3archive.Archiver) *DeadLetterManager {
	return &DeadLetterManager{
		datasource: ds,
		queue:      queue,
		archiver:   archiver,
	}
}

// List returns dead-letter events, newest first.
func (m *DeadLetterManager) List(ctx context.Context, limit int) ([]*model.EventRecord, error) {
	return m.datasource.GetDeadLetterEvents(ctx, limit)
}

func isNotFound(err error) bool {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == apierror.ErrNotFound
	}
	return false
}

// Requeue moves a dead-letter event back to pending and queues it for
// reprocessing. The boolean is false when the event exists but is not
// in the dead-letter queue; requeueing an active or completed event is
// a no-op, not an error.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - eventID string: The record id of the event to requeue.
//
// Returns:
// - bool: Whether the event was actually moved back to pending.
// - error: An error if the event does not exist or the queue rejected it.
func (m *DeadLetterManager) Requeue(ctx context.Context, eventID string) (bool, error) {
	event, err := m.datasource.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Event %s not found", eventID), nil)
	}

	if err := m.datasource.MarkEventPending(ctx, eventID); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if err := m.queue.EnqueueRequeue(ctx, event); err != nil {
		return false, err
	}

	logrus.WithFields(logrus.Fields{
		"event_id":   event.EventID,
		"event_type": event.EventType,
	}).Info("Requeued dead-letter event")
	return true, nil
}

// Archive stamps a dead-letter event archived and, when an archive
// bucket is configured, exports the full record to S3. The export is
// best effort; a failed upload leaves the event archived locally.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - eventID string: The record id of the event to archive.
//
// Returns:
// - bool: Whether the event was actually archived.
// - error: An error if the event does not exist.
func (m *DeadLetterManager) Archive(ctx context.Context, eventID string) (bool, error) {
	event, err := m.datasource.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Event %s not found", eventID), nil)
	}

	if err := m.datasource.MarkEventArchived(ctx, eventID); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if m.archiver != nil && m.archiver.Enabled() {
		if err := m.archiver.ArchiveEvent(ctx, event); err != nil {
			logrus.WithError(err).WithField("event_id", event.EventID).Error("Failed to export archived event")
		}
	}
	return true, nil
}

// MarkDead parks an event in the dead-letter queue after its delivery
// attempts are exhausted and raises a notification.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - event *model.EventRecord: The stored event to park.
// - retryCount int: How many delivery attempts were spent.
// - cause error: The final failure, stored on the record.
//
// Returns:
// - error: An error if the record could not be updated.
func (m *DeadLetterManager) MarkDead(ctx context.Context, event *model.EventRecord, retryCount int, cause error) error {
	event.Status = model.EventStatusDeadLetter
	event.RetryCount = retryCount
	if cause != nil {
		event.ErrorMessage = cause.Error()
	}

	if err := m.datasource.UpdateEventOutcome(ctx, event); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"event_id":    event.EventID,
		"event_type":  event.EventType,
		"retry_count": retryCount,
	}).Warn("Event moved to dead-letter queue")
	notification.NotifyError(fmt.Errorf("event %s (%s) dead-lettered after %d attempts: %v",
		event.EventID, event.EventType, retryCount, cause))
	return nil
}

// MarkDeadByHash resolves the stored record for a delivery and parks
// it. Used by the worker, which holds the envelope rather than the
// record.
func (m *DeadLetterManager) MarkDeadByHash(ctx context.Context, hash string, retryCount int, cause error) error {
	event, err := m.datasource.GetEventByHash(ctx, hash)
	if err != nil {
		return err
	}
	if event == nil {
		return apierror.NewAPIError(apierror.ErrNotFound, "Event not found for hash", nil)
	}
	return m.MarkDead(ctx, event, retryCount, cause)
}
