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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxsync/fluxsync/config"
	"github.com/fluxsync/fluxsync/internal/apierror"
	"github.com/fluxsync/fluxsync/model"
)

func testEnvelope(eventID string) *model.WebhookEnvelope {
	return &model.WebhookEnvelope{
		Source:    model.SourceUserManagement,
		EventType: model.EventUserCreated,
		EventID:   eventID,
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		TenantID:  "org_1",
		Data:      map[string]interface{}{"email": "a@b.com"},
	}
}

func newTestPipeline(ds *MockDataSource) *Pipeline {
	return NewPipeline(ds, config.PipelineConfig{DedupCacheSize: 1000, DedupCacheTrim: 500})
}

func TestPipelineProcessSuccess(t *testing.T) {
	var recorded *model.EventRecord
	var outcome *model.EventRecord
	ds := &MockDataSource{
		MockRecordEvent: func(_ context.Context, event *model.EventRecord) (*model.EventRecord, error) {
			recorded = event
			return event, nil
		},
		MockUpdateEventOutcome: func(_ context.Context, event *model.EventRecord) error {
			outcome = event
			return nil
		},
	}
	pipeline := newTestPipeline(ds)

	var handled int
	pipeline.RegisterHandler(model.EventUserCreated, func(_ context.Context, envelope *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		handled++
		return &model.ProcessingResult{Success: true}, nil
	})

	result, err := pipeline.Process(context.Background(), testEnvelope("evt_1"))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, handled)

	require.NotNil(t, recorded)
	assert.Equal(t, "evt_1", recorded.EventID)
	require.NotNil(t, outcome)
	assert.Equal(t, model.EventStatusCompleted, outcome.Status)
}

func TestPipelineSkipsCachedDuplicate(t *testing.T) {
	ds := &MockDataSource{}
	pipeline := newTestPipeline(ds)

	var handled int
	pipeline.RegisterHandler(model.EventUserCreated, func(_ context.Context, _ *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		handled++
		return &model.ProcessingResult{Success: true}, nil
	})

	_, err := pipeline.Process(context.Background(), testEnvelope("evt_1"))
	require.NoError(t, err)

	result, err := pipeline.Process(context.Background(), testEnvelope("evt_1"))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "duplicate", result.Metadata["skipped"])
	assert.Equal(t, 1, handled)
}

func TestPipelineSkipsDuplicateFoundInStore(t *testing.T) {
	envelope := testEnvelope("evt_1")
	hash := model.HashEnvelope(envelope)
	ds := &MockDataSource{
		MockGetEventByHash: func(_ context.Context, h string) (*model.EventRecord, error) {
			assert.Equal(t, hash, h)
			return &model.EventRecord{Hash: h, Status: model.EventStatusCompleted}, nil
		},
	}
	pipeline := newTestPipeline(ds)

	pipeline.RegisterHandler(model.EventUserCreated, func(_ context.Context, _ *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		t.Fatal("handler must not run for a stored duplicate")
		return nil, nil
	})

	result, err := pipeline.Process(context.Background(), envelope)
	require.NoError(t, err)
	assert.Equal(t, "duplicate", result.Metadata["skipped"])
	assert.True(t, pipeline.seenInCache(hash))
}

func TestPipelineDuplicateDetectedOnInsert(t *testing.T) {
	ds := &MockDataSource{
		MockRecordEvent: func(_ context.Context, _ *model.EventRecord) (*model.EventRecord, error) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Event with this idempotency hash already exists", nil)
		},
	}
	pipeline := newTestPipeline(ds)

	pipeline.RegisterHandler(model.EventUserCreated, func(_ context.Context, _ *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		t.Fatal("handler must not run when insert reports a duplicate")
		return nil, nil
	})

	result, err := pipeline.Process(context.Background(), testEnvelope("evt_1"))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "duplicate", result.Metadata["skipped"])
}

func TestPipelineHandlerFailureRecorded(t *testing.T) {
	var outcome *model.EventRecord
	ds := &MockDataSource{
		MockUpdateEventOutcome: func(_ context.Context, event *model.EventRecord) error {
			outcome = event
			return nil
		},
	}
	pipeline := newTestPipeline(ds)

	pipeline.RegisterHandler(model.EventUserCreated, func(_ context.Context, _ *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		return nil, fmt.Errorf("downstream unavailable")
	})

	result, err := pipeline.Process(context.Background(), testEnvelope("evt_1"))
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)

	require.NotNil(t, outcome)
	assert.Equal(t, model.EventStatusFailed, outcome.Status)
	assert.Equal(t, "downstream unavailable", outcome.ErrorMessage)

	// A failed attempt still stamps the cache; redelivery of the same
	// payload is handled through the dead-letter path, not re-dispatch.
	assert.True(t, pipeline.seenInCache(model.HashEnvelope(testEnvelope("evt_1"))))
}

func TestPipelineUnknownEventType(t *testing.T) {
	ds := &MockDataSource{}
	pipeline := newTestPipeline(ds)

	result, err := pipeline.Process(context.Background(), testEnvelope("evt_1"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "no handler registered")
}

func TestPipelineMiddlewareAborts(t *testing.T) {
	ds := &MockDataSource{}
	pipeline := newTestPipeline(ds)
	pipeline.Use(func(_ context.Context, _ *model.WebhookEnvelope) error {
		return fmt.Errorf("tenant suspended")
	})

	pipeline.RegisterHandler(model.EventUserCreated, func(_ context.Context, _ *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		t.Fatal("handler must not run when middleware rejects")
		return nil, nil
	})

	_, err := pipeline.Process(context.Background(), testEnvelope("evt_1"))
	var aborted *MiddlewareAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Contains(t, aborted.Error(), "tenant suspended")
}

func TestPipelineMiddlewareOrder(t *testing.T) {
	ds := &MockDataSource{}
	pipeline := newTestPipeline(ds)

	var order []string
	pipeline.Use(func(_ context.Context, _ *model.WebhookEnvelope) error {
		order = append(order, "first")
		return nil
	})
	pipeline.Use(func(_ context.Context, _ *model.WebhookEnvelope) error {
		order = append(order, "second")
		return nil
	})
	pipeline.RegisterHandler(model.EventUserCreated, func(_ context.Context, _ *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		order = append(order, "handler")
		return &model.ProcessingResult{Success: true}, nil
	})

	_, err := pipeline.Process(context.Background(), testEnvelope("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestPipelinePersistenceErrorsSwallowed(t *testing.T) {
	ds := &MockDataSource{
		MockRecordEvent: func(_ context.Context, _ *model.EventRecord) (*model.EventRecord, error) {
			return nil, fmt.Errorf("connection refused")
		},
		MockUpdateEventOutcome: func(_ context.Context, _ *model.EventRecord) error {
			return fmt.Errorf("connection refused")
		},
	}
	pipeline := newTestPipeline(ds)

	pipeline.RegisterHandler(model.EventUserCreated, func(_ context.Context, _ *model.WebhookEnvelope) (*model.ProcessingResult, error) {
		return &model.ProcessingResult{Success: true}, nil
	})

	result, err := pipeline.Process(context.Background(), testEnvelope("evt_1"))
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestPipelineCacheTrimsOldest(t *testing.T) {
	ds := &MockDataSource{}
	pipeline := NewPipeline(ds, config.PipelineConfig{DedupCacheSize: 10, DedupCacheTrim: 5})

	for i := 0; i < 11; i++ {
		pipeline.stamp(fmt.Sprintf("hash_%d", i))
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, 6, pipeline.CacheLen())
	assert.False(t, pipeline.seenInCache("hash_0"))
	assert.True(t, pipeline.seenInCache("hash_10"))
}

func TestTenantValidationMiddleware(t *testing.T) {
	ds := &MockDataSource{
		MockGetTenant: func(_ context.Context, tenantID string) (*model.Tenant, error) {
			if tenantID == "org_active" {
				return &model.Tenant{TenantID: tenantID, IsActive: true}, nil
			}
			return &model.Tenant{TenantID: tenantID, IsActive: false}, nil
		},
	}
	mw := TenantValidationMiddleware(ds)

	active := testEnvelope("evt_1")
	active.TenantID = "org_active"
	assert.NoError(t, mw(context.Background(), active))

	suspended := testEnvelope("evt_2")
	suspended.TenantID = "org_suspended"
	assert.Error(t, mw(context.Background(), suspended))

	anonymous := testEnvelope("evt_3")
	anonymous.TenantID = ""
	assert.NoError(t, mw(context.Background(), anonymous))
}
