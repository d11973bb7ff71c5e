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
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/fluxsync/fluxsync/config"
	"github.com/fluxsync/fluxsync/database"
	"github.com/fluxsync/fluxsync/internal/apierror"
	"github.com/fluxsync/fluxsync/model"
)

var tracer = otel.Tracer("event pipeline")

// Handler applies the business effect of one event type.
type Handler func(ctx context.Context, envelope *model.WebhookEnvelope) (*model.ProcessingResult, error)

// Middleware runs before dispatch. The first middleware error aborts
// the delivery; the transport layer decides whether to retry.
type Middleware func(ctx context.Context, envelope *model.WebhookEnvelope) error

// MiddlewareAbortedError marks a delivery that never reached its
// handler because a middleware rejected it.
type MiddlewareAbortedError struct {
	Err error
}

func (e *MiddlewareAbortedError) Error() string {
	return fmt.Sprintf("middleware aborted delivery: %v", e.Err)
}

func (e *MiddlewareAbortedError) Unwrap() error {
	return e.Err
}

// Pipeline provides exactly-once effective processing of webhook
// deliveries over at-least-once transport. The in-memory dedup cache
// absorbs the common duplicate case; the unique hash column in the
// events table closes the race between processes.
type Pipeline struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	cacheSize int
	cacheTrim int

	handlers    map[model.EventType]Handler
	middlewares []Middleware
	datasource  database.IDataSource
}

// NewPipeline builds a pipeline with an empty handler registry.
//
// Parameters:
// - ds database.IDataSource: The store backing durable dedup and outcomes.
// - cfg config.PipelineConfig: The dedup cache bounds. Zero values use the defaults.
//
// Returns:
// - *Pipeline: A pointer to the newly created Pipeline instance.
func NewPipeline(ds database.IDataSource, cfg config.PipelineConfig) *Pipeline {
	size := cfg.DedupCacheSize
	if size <= 0 {
		size = 1000
	}
	trim := cfg.DedupCacheTrim
	if trim <= 0 || trim > size {
		trim = size / 2
	}
	return &Pipeline{
		seen:       make(map[string]time.Time),
		cacheSize:  size,
		cacheTrim:  trim,
		handlers:   make(map[model.EventType]Handler),
		datasource: ds,
	}
}

// RegisterHandler binds a handler to an event type, replacing any
// previous binding.
func (p *Pipeline) RegisterHandler(eventType model.EventType, handler Handler) {
	p.handlers[eventType] = handler
}

// Use appends a middleware to the chain. Order of registration is
// order of execution.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
}

// stamp records a hash in the dedup cache, evicting the oldest
// entries when the cache overflows its bound.
func (p *Pipeline) stamp(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seen[hash] = time.Now()
	if len(p.seen) <= p.cacheSize {
		return
	}

	type entry struct {
		hash string
		at   time.Time
	}
	entries := make([]entry, 0, len(p.seen))
	for h, at := range p.seen {
		entries = append(entries, entry{hash: h, at: at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for _, e := range entries[:p.cacheTrim] {
		delete(p.seen, e.hash)
	}
}

func (p *Pipeline) seenInCache(hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[hash]
	return ok
}

// CacheLen reports the dedup cache occupancy.
func (p *Pipeline) CacheLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func duplicateResult(hash string) *model.ProcessingResult {
	return &model.ProcessingResult{
		Success: true,
		Metadata: map[string]interface{}{
			"skipped":         "duplicate",
			"idempotency_key": hash,
		},
	}
}

func isConflict(err error) bool {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == apierror.ErrConflict
	}
	return false
}

// Process runs one delivery through dedup, middleware and dispatch.
// The processing outcome is persisted on every path out of dispatch,
// success or failure, so a crash mid-handler still leaves a record
// for future duplicate detection. Persistence failures are logged and
// swallowed; they never mask the handler's outcome.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - envelope *model.WebhookEnvelope: The verified delivery to process.
//
// Returns:
// - *model.ProcessingResult: The handler's outcome, or the duplicate marker.
// - error: An error if a middleware aborted or the handler failed.
func (p *Pipeline) Process(ctx context.Context, envelope *model.WebhookEnvelope) (*model.ProcessingResult, error) {
	ctx, span := tracer.Start(ctx, "Processing webhook event")
	defer span.End()

	hash := model.HashEnvelope(envelope)
	log := logrus.WithFields(logrus.Fields{
		"event_id":   envelope.EventID,
		"source":     envelope.Source,
		"event_type": envelope.EventType,
	})

	if p.seenInCache(hash) {
		log.Info("Skipping duplicate event")
		return duplicateResult(hash), nil
	}

	// Durable check. The cache is per process; another instance may
	// have handled this delivery already.
	if existing, err := p.datasource.GetEventByHash(ctx, hash); err == nil && existing != nil {
		p.stamp(hash)
		log.Info("Skipping duplicate event found in store")
		return duplicateResult(hash), nil
	}

	event := &model.EventRecord{
		Hash:      hash,
		EventID:   envelope.EventID,
		Source:    envelope.Source,
		EventType: envelope.EventType,
		TenantID:  envelope.TenantID,
		Payload:   envelope.Data,
		Status:    model.EventStatusProcessing,
	}
	if _, err := p.datasource.RecordEvent(ctx, event); err != nil {
		if isConflict(err) {
			// Another worker inserted the same hash between our check
			// and this insert. Duplicate detected late.
			p.stamp(hash)
			log.Info("Duplicate event detected on insert")
			return duplicateResult(hash), nil
		}
		log.WithError(err).Error("Failed to record event, continuing without durable dedup")
	}

	var result *model.ProcessingResult
	var processErr error

	defer func() {
		p.stamp(hash)

		event.Status = model.EventStatusCompleted
		if processErr != nil || (result != nil && !result.Success) {
			event.Status = model.EventStatusFailed
			if processErr != nil {
				event.ErrorMessage = processErr.Error()
			} else {
				event.ErrorMessage = result.ErrorMessage
			}
		}
		if err := p.datasource.UpdateEventOutcome(ctx, event); err != nil {
			log.WithError(err).Error("Failed to persist event outcome")
		}
	}()

	for _, mw := range p.middlewares {
		if err := mw(ctx, envelope); err != nil {
			processErr = &MiddlewareAbortedError{Err: err}
			return nil, processErr
		}
	}

	handler, ok := p.handlers[envelope.EventType]
	if !ok {
		result = &model.ProcessingResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("no handler registered for event type %s", envelope.EventType),
		}
		return result, nil
	}

	result, processErr = handler(ctx, envelope)
	if processErr != nil {
		if result == nil {
			result = &model.ProcessingResult{Success: false, ErrorMessage: processErr.Error()}
		}
		return result, processErr
	}
	if result == nil {
		result = &model.ProcessingResult{Success: true}
	}
	return result, nil
}

// Reprocess re-dispatches a stored event that was requeued from the
// dead-letter queue. Dedup is intentionally skipped; the record
// already exists and its hash is already stamped. The outcome moves
// the record to completed, or back to dead_letter on another failure.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - event *model.EventRecord: The stored event to re-dispatch.
//
// Returns:
// - *model.ProcessingResult: The handler's outcome.
// - error: An error if the handler failed again.
func (p *Pipeline) Reprocess(ctx context.Context, event *model.EventRecord) (*model.ProcessingResult, error) {
	ctx, span := tracer.Start(ctx, "Reprocessing dead-letter event")
	defer span.End()

	envelope := &model.WebhookEnvelope{
		Source:    event.Source,
		EventType: event.EventType,
		EventID:   event.EventID,
		Timestamp: event.CreatedAt,
		TenantID:  event.TenantID,
		Data:      event.Payload,
	}

	handler, ok := p.handlers[event.EventType]
	if !ok {
		return &model.ProcessingResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("no handler registered for event type %s", event.EventType),
		}, nil
	}

	result, err := handler(ctx, envelope)
	event.RetryCount++
	event.Status = model.EventStatusCompleted
	event.ErrorMessage = ""
	if err != nil || (result != nil && !result.Success) {
		event.Status = model.EventStatusDeadLetter
		if err != nil {
			event.ErrorMessage = err.Error()
		} else {
			event.ErrorMessage = result.ErrorMessage
		}
	}
	if updateErr := p.datasource.UpdateEventOutcome(ctx, event); updateErr != nil {
		logrus.WithError(updateErr).WithField("event_id", event.EventID).Error("Failed to persist reprocess outcome")
	}

	if err != nil {
		if result == nil {
			result = &model.ProcessingResult{Success: false, ErrorMessage: err.Error()}
		}
		return result, err
	}
	if result == nil {
		result = &model.ProcessingResult{Success: true}
	}
	return result, nil
}

// TenantValidationMiddleware rejects deliveries whose tenant is
// unknown or deactivated. Events without a tenant pass through.
func TenantValidationMiddleware(ds database.IDataSource) Middleware {
	return func(ctx context.Context, envelope *model.WebhookEnvelope) error {
		if envelope.TenantID == "" {
			return nil
		}
		t, err := ds.GetTenant(ctx, envelope.TenantID)
		if err != nil {
			return fmt.Errorf("tenant %s lookup failed: %w", envelope.TenantID, err)
		}
		if !t.IsActive {
			return fmt.Errorf("tenant %s is deactivated", envelope.TenantID)
		}
		return nil
	}
}

// AuditLogMiddleware writes a best-effort audit line for every
// delivery. It never fails the pipeline.
func AuditLogMiddleware() Middleware {
	return func(_ context.Context, envelope *model.WebhookEnvelope) error {
		logrus.WithFields(logrus.Fields{
			"event_id":   envelope.EventID,
			"source":     envelope.Source,
			"event_type": envelope.EventType,
			"tenant_id":  envelope.TenantID,
			"timestamp":  envelope.Timestamp,
		}).Info("Webhook event received")
		return nil
	}
}
