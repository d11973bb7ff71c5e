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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxsync/fluxsync/internal/apierror"
	"github.com/fluxsync/fluxsync/model"
)

type fakeEnqueuer struct {
	requeued []*model.EventRecord
	err      error
}

func (f *fakeEnqueuer) EnqueueRequeue(_ context.Context, event *model.EventRecord) error {
	if f.err != nil {
		return f.err
	}
	f.requeued = append(f.requeued, event)
	return nil
}

func deadLetterEvent() *model.EventRecord {
	return &model.EventRecord{
		ID:        "event_1",
		Hash:      "aaa",
		EventID:   "evt_1",
		Source:    model.SourcePaymentService,
		EventType: model.EventPaymentFailed,
		Status:    model.EventStatusDeadLetter,
	}
}

func TestRequeueDeadLetterEvent(t *testing.T) {
	var marked string
	ds := &MockDataSource{
		MockGetEvent: func(_ context.Context, id string) (*model.EventRecord, error) {
			return deadLetterEvent(), nil
		},
		MockMarkEventPending: func(_ context.Context, id string) error {
			marked = id
			return nil
		},
	}
	queue := &fakeEnqueuer{}
	manager := NewDeadLetterManager(ds, queue, nil)

	ok, err := manager.Requeue(context.Background(), "event_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "event_1", marked)
	require.Len(t, queue.requeued, 1)
	assert.Equal(t, "evt_1", queue.requeued[0].EventID)
}

func TestRequeueRejectsNonDeadLetterEvent(t *testing.T) {
	ds := &MockDataSource{
		MockGetEvent: func(_ context.Context, _ string) (*model.EventRecord, error) {
			event := deadLetterEvent()
			event.Status = model.EventStatusCompleted
			return event, nil
		},
		MockMarkEventPending: func(_ context.Context, _ string) error {
			return apierror.NewAPIError(apierror.ErrNotFound, "Event is not in the dead-letter queue", nil)
		},
	}
	queue := &fakeEnqueuer{}
	manager := NewDeadLetterManager(ds, queue, nil)

	ok, err := manager.Requeue(context.Background(), "event_1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, queue.requeued)
}

func TestRequeueUnknownEvent(t *testing.T) {
	ds := &MockDataSource{
		MockGetEvent: func(_ context.Context, _ string) (*model.EventRecord, error) {
			return nil, nil
		},
	}
	manager := NewDeadLetterManager(ds, &fakeEnqueuer{}, nil)

	_, err := manager.Requeue(context.Background(), "event_missing")
	require.Error(t, err)
	assert.True(t, isNotFound(err))
}

func TestArchiveDeadLetterEvent(t *testing.T) {
	var archived string
	ds := &MockDataSource{
		MockGetEvent: func(_ context.Context, _ string) (*model.EventRecord, error) {
			return deadLetterEvent(), nil
		},
		MockMarkEventArchived: func(_ context.Context, id string) error {
			archived = id
			return nil
		},
	}
	manager := NewDeadLetterManager(ds, &fakeEnqueuer{}, nil)

	ok, err := manager.Archive(context.Background(), "event_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "event_1", archived)
}

func TestArchiveRejectsNonDeadLetterEvent(t *testing.T) {
	ds := &MockDataSource{
		MockGetEvent: func(_ context.Context, _ string) (*model.EventRecord, error) {
			return deadLetterEvent(), nil
		},
		MockMarkEventArchived: func(_ context.Context, _ string) error {
			return apierror.NewAPIError(apierror.ErrNotFound, "Event is not in the dead-letter queue", nil)
		},
	}
	manager := NewDeadLetterManager(ds, &fakeEnqueuer{}, nil)

	ok, err := manager.Archive(context.Background(), "event_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkDeadUpdatesRecord(t *testing.T) {
	var updated *model.EventRecord
	ds := &MockDataSource{
		MockUpdateEventOutcome: func(_ context.Context, event *model.EventRecord) error {
			updated = event
			return nil
		},
	}
	manager := NewDeadLetterManager(ds, &fakeEnqueuer{}, nil)

	event := deadLetterEvent()
	event.Status = model.EventStatusProcessing
	err := manager.MarkDead(context.Background(), event, 3, fmt.Errorf("downstream unavailable"))
	require.NoError(t, err)

	require.NotNil(t, updated)
	assert.Equal(t, model.EventStatusDeadLetter, updated.Status)
	assert.Equal(t, 3, updated.RetryCount)
	assert.Contains(t, updated.ErrorMessage, "downstream unavailable")
}

func TestMarkDeadByHash(t *testing.T) {
	var updated *model.EventRecord
	ds := &MockDataSource{
		MockGetEventByHash: func(_ context.Context, hash string) (*model.EventRecord, error) {
			assert.Equal(t, "aaa", hash)
			return deadLetterEvent(), nil
		},
		MockUpdateEventOutcome: func(_ context.Context, event *model.EventRecord) error {
			updated = event
			return nil
		},
	}
	manager := NewDeadLetterManager(ds, &fakeEnqueuer{}, nil)

	err := manager.MarkDeadByHash(context.Background(), "aaa", 5, fmt.Errorf("timeout"))
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, 5, updated.RetryCount)
}

func TestPipelineReprocess(t *testing.T) {
	var outcome *model.EventRecord
	ds := &MockDataSource{
		MockUpdateEventOutcome: func(_ context.Context, event *model.EventRecord) error {
			outcome = event
			return nil
		},
	}
	pipeline := newTestPipeline(ds)
	pipeline.RegisterHandler(model.EventPaymentFailed, func(_ context.Context, envelope *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		assert.Equal(t, "evt_1", envelope.EventID)
		return &model.ProcessingResult{Success: true}, nil
	})

	event := deadLetterEvent()
	event.RetryCount = 3
	result, err := pipeline.Reprocess(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.NotNil(t, outcome)
	assert.Equal(t, model.EventStatusCompleted, outcome.Status)
	assert.Equal(t, 4, outcome.RetryCount)
}

func TestPipelineReprocessFailureReturnsToDeadLetter(t *testing.T) {
	var outcome *model.EventRecord
	ds := &MockDataSource{
		MockUpdateEventOutcome: func(_ context.Context, event *model.EventRecord) error {
			outcome = event
			return nil
		},
	}
	pipeline := newTestPipeline(ds)
	pipeline.RegisterHandler(model.EventPaymentFailed, func(_ context.Context, _ *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		return nil, fmt.Errorf("still broken")
	})

	_, err := pipeline.Reprocess(context.Background(), deadLetterEvent())
	require.Error(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, model.EventStatusDeadLetter, outcome.Status)
	assert.Equal(t, "still broken", outcome.ErrorMessage)
}
