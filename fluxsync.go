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
	"embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fluxsync/fluxsync/config"
	"github.com/fluxsync/fluxsync/database"
	"github.com/fluxsync/fluxsync/internal/breaker"
	"github.com/fluxsync/fluxsync/internal/egress"
	redis_db "github.com/fluxsync/fluxsync/internal/redis-db"
	"github.com/fluxsync/fluxsync/internal/s3archive"
	"github.com/fluxsync/fluxsync/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Fluxsync aggregates the event intake pipeline, the sync engine and
// the dead-letter manager behind one entry point. The API and worker
// commands each hold a single instance.
type Fluxsync struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	breakers   *breaker.Registry
	egress     *egress.Factory
	pipeline   *Pipeline
	engine     *SyncEngine
	deadLetter *DeadLetterManager
}

// NewFluxsync wires every component from the fetched configuration.
//
// Parameters:
// - db database.IDataSource: The datasource backing every component.
//
// Returns:
// - *Fluxsync: A pointer to the newly created Fluxsync instance.
// - error: An error if the configuration or redis connection failed.
func NewFluxsync(db database.IDataSource) (*Fluxsync, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	newQueue := NewQueue(configuration)
	registry := breaker.NewRegistry()
	factory := egress.NewFactory(configuration.Egress, registry)

	pipeline := NewPipeline(db, configuration.Pipeline)
	pipeline.Use(AuditLogMiddleware())
	pipeline.Use(TenantValidationMiddleware(db))
	RegisterDefaultProcessors(pipeline, db)

	archiver, err := s3archive.NewArchiver(configuration.Archive)
	if err != nil {
		return nil, err
	}

	engine := NewSyncEngine(db, redisClient.Client(), factory, configuration.Sync)

	newFluxsync := &Fluxsync{
		queue:      newQueue,
		redis:      redisClient.Client(),
		datasource: db,
		breakers:   registry,
		egress:     factory,
		pipeline:   pipeline,
		engine:     engine,
		deadLetter: NewDeadLetterManager(db, newQueue, archiver),
	}
	return newFluxsync, nil
}

// Queue exposes the task queue for enqueueing and inspection.
func (f *Fluxsync) Queue() *Queue {
	return f.queue
}

// Pipeline exposes the event pipeline for handler registration and
// synchronous processing.
func (f *Fluxsync) Pipeline() *Pipeline {
	return f.pipeline
}

// SyncEngine exposes the sync engine.
func (f *Fluxsync) SyncEngine() *SyncEngine {
	return f.engine
}

// DeadLetter exposes the dead-letter manager.
func (f *Fluxsync) DeadLetter() *DeadLetterManager {
	return f.deadLetter
}

// GetEvent fetches one event record by its record id.
func (f *Fluxsync) GetEvent(ctx context.Context, id string) (*model.EventRecord, error) {
	return f.datasource.GetEvent(ctx, id)
}

// BreakerStates reports the current circuit breaker state per external
// service. Used by the health endpoint.
func (f *Fluxsync) BreakerStates() map[string]string {
	states := make(map[string]string)
	for name, state := range f.breakers.States() {
		states[name] = string(state)
	}
	return states
}

// IngestWebhook verifies, parses and enqueues one raw delivery. It is
// the single entry point the webhook API calls. The returned envelope
// carries the generated event id the caller echoes back to the sender.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - serviceName string: The source named in the intake route.
// - body []byte: The raw request body exactly as received.
// - signatureHeader string: The delivery's signature header value.
// - timestampHeader string: The delivery's timestamp header value.
//
// Returns:
// - *model.WebhookEnvelope: The parsed envelope after enqueueing.
// - error: A verification, parse or enqueue error.
func (f *Fluxsync) IngestWebhook(ctx context.Context, serviceName string, body []byte, signatureHeader, timestampHeader string) (*model.WebhookEnvelope, error) {
	source, ok := model.ParseSource(serviceName)
	if !ok {
		return nil, fmt.Errorf("unknown webhook source %q", serviceName)
	}

	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	if src, found := configuration.SourceByName(serviceName); found {
		if err := VerifyWebhook(*src, body, signatureHeader, timestampHeader); err != nil {
			return nil, err
		}
	}

	envelope, err := ParseEnvelope(source, body)
	if err != nil {
		return nil, err
	}

	if err := f.queue.EnqueueWebhook(ctx, envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}

// CreateSyncConfiguration persists a new sync stream configuration.
func (f *Fluxsync) CreateSyncConfiguration(ctx context.Context, cfg *model.SyncConfiguration) (*model.SyncConfiguration, error) {
	return f.datasource.CreateSyncConfiguration(ctx, cfg)
}

// SyncStatuses lists the per-configuration status view for one
// organization.
func (f *Fluxsync) SyncStatuses(ctx context.Context, organizationID string) ([]*model.SyncStatus, error) {
	return f.datasource.GetSyncStatuses(ctx, organizationID)
}

// PendingConflicts lists conflicts awaiting manual review.
func (f *Fluxsync) PendingConflicts(ctx context.Context, organizationID string, limit int) ([]*model.ConflictResolution, error) {
	return f.datasource.GetPendingConflicts(ctx, organizationID, limit)
}

// ResolvePendingConflict applies a reviewer's decision to a parked
// conflict. external_wins overwrites the internal record with the
// external copy; internal_wins keeps the internal copy untouched.
// Resolving an already resolved conflict surfaces as not found.
func (f *Fluxsync) ResolvePendingConflict(ctx context.Context, conflictID string, strategy model.ConflictStrategy, resolvedBy string) error {
	conflict, err := f.datasource.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}

	switch strategy {
	case model.StrategyExternalWins:
		if conflict.InternalID != "" {
			if err := f.datasource.UpdateInternalRecordData(ctx, conflict.InternalID, conflict.ExternalData, time.Now()); err != nil {
				return err
			}
		}
	case model.StrategyInternalWins:
		// Internal copy stands as-is.
	default:
		return fmt.Errorf("strategy %q cannot be applied manually, use external_wins or internal_wins", strategy)
	}

	return f.datasource.ResolveConflict(ctx, conflictID, strategy, resolvedBy)
}

// CleanupProcessedEvents deletes completed and archived events older
// than the retention window. Returns the number of rows removed.
func (f *Fluxsync) CleanupProcessedEvents(ctx context.Context) (int64, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	retention := time.Duration(configuration.Pipeline.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-retention)
	deleted, err := f.datasource.DeleteProcessedEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		logrus.WithFields(logrus.Fields{
			"deleted": deleted,
			"cutoff":  cutoff,
		}).Info("Cleaned up processed events")
	}
	return deleted, nil
}

// RunScheduledSyncs triggers every due configuration across all
// organizations. Called by the worker scheduler.
func (f *Fluxsync) RunScheduledSyncs(ctx context.Context) error {
	statuses, err := f.datasource.GetSyncStatuses(ctx, "")
	if err != nil {
		return err
	}

	type target struct{ org, service string }
	seen := make(map[target]bool)
	for _, status := range statuses {
		if !status.IsActive || status.NextSync == nil || status.NextSync.After(time.Now()) {
			continue
		}
		// GetSyncStatuses is scoped per organization elsewhere; with an
		// empty scope the config id carries the organization.
		cfg, err := f.datasource.GetSyncConfiguration(ctx, status.ConfigID)
		if err != nil {
			logrus.WithError(err).WithField("config_id", status.ConfigID).Warn("Skipping unresolvable sync configuration")
			continue
		}
		key := target{org: cfg.OrganizationID, service: cfg.ServiceName}
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := f.queue.EnqueueSync(ctx, SyncTaskPayload{
			OrganizationID: cfg.OrganizationID,
			ServiceName:    cfg.ServiceName,
		}); err != nil {
			logrus.WithError(err).Warn("Failed to enqueue scheduled sync")
		}
	}
	return nil
}
