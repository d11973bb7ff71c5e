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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxsync/fluxsync/config"
	"github.com/fluxsync/fluxsync/database"
	"github.com/fluxsync/fluxsync/internal/egress"
	synclock "github.com/fluxsync/fluxsync/internal/lock"
	"github.com/fluxsync/fluxsync/model"
)

var syncTracer = otel.Tracer("sync engine")

// ErrSyncInProgress reports a trigger that lost the single-flight race
// for its organization and service.
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncEngine executes sync streams between internal records and
// external services. One engine instance serves all organizations;
// per-org serialization comes from the redis lock, not the engine.
type SyncEngine struct {
	datasource     database.IDataSource
	redisClient    redis.UniversalClient
	egress         *egress.Factory
	conflictWindow time.Duration
	lockTTL        time.Duration

	// now is swapped in tests to pin conflict window arithmetic.
	now func() time.Time
}

// NewSyncEngine builds an engine from the sync section of the
// configuration. Zero values fall back to a 10 minute conflict window
// and a 10 minute lock TTL.
func NewSyncEngine(ds database.IDataSource, redisClient redis.UniversalClient, factory *egress.Factory, cfg config.SyncConfig) *SyncEngine {
	window := time.Duration(cfg.ConflictWindowMinutes) * time.Minute
	if window <= 0 {
		window = 10 * time.Minute
	}
	ttl := time.Duration(cfg.LockTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SyncEngine{
		datasource:     ds,
		redisClient:    redisClient,
		egress:         factory,
		conflictWindow: window,
		lockTTL:        ttl,
		now:            time.Now,
	}
}

// TriggerSync runs every active configuration for one organization and
// service under the sync lock. An empty entityType runs all entity
// streams for the service. An unforced trigger fails fast with
// ErrSyncInProgress when the lock is held and skips configurations
// whose schedule has not elapsed; a forced trigger waits for the lock
// and runs every stream.
//
// Parameters:
// - ctx context.Context: The context for the sync run.
// - organizationID string: The organization whose streams run.
// - serviceName string: The external service to sync against.
// - entityType string: Optional entity stream filter. Empty runs all streams.
// - force bool: Whether to wait for a held lock and ignore schedules.
//
// Returns:
// - *model.SyncResult: The merged result across the streams that ran.
// - error: An error if the lock or configuration lookup failed.
func (engine *SyncEngine) TriggerSync(ctx context.Context, organizationID, serviceName, entityType string, force bool) (*model.SyncResult, error) {
	ctx, span := syncTracer.Start(ctx, "Triggering sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("sync.organization_id", organizationID),
		attribute.String("sync.service_name", serviceName),
	)

	locker := synclock.ForSync(engine.redisClient, organizationID, serviceName)
	if force {
		// A forced run queues behind a pass that already holds the
		// lock instead of failing fast.
		if err := locker.WaitLock(ctx, engine.lockTTL, engine.lockTTL); err != nil {
			return nil, err
		}
	} else if err := locker.Lock(ctx, engine.lockTTL); err != nil {
		if errors.Is(err, synclock.ErrHeld) {
			return nil, fmt.Errorf("%w for %s/%s", ErrSyncInProgress, organizationID, serviceName)
		}
		return nil, err
	}
	defer func() {
		if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			logrus.WithError(err).Warn("Failed to release sync lock")
		}
	}()

	configs, err := engine.datasource.GetActiveSyncConfigurations(ctx, organizationID, serviceName, entityType)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no active sync configuration for %s/%s", organizationID, serviceName)
	}

	started := engine.now()
	result := model.NewSyncResult()
	for _, cfg := range configs {
		if !force && !engine.isDue(cfg) {
			continue
		}
		streamResult := engine.runStream(ctx, cfg)
		result.Merge(streamResult)

		if err := engine.datasource.TouchLastSyncAt(ctx, cfg.ConfigID, engine.now()); err != nil {
			logrus.WithError(err).WithField("config_id", cfg.ConfigID).Warn("Failed to update last sync time")
		}
	}
	result.ExecutionTime = engine.now().Sub(started).Seconds()

	engine.writeLog(ctx, organizationID, serviceName, result)
	return result, nil
}

// BatchSync triggers every service with at least one active
// configuration for the organization, keyed by service name. A
// failing service yields a failed result entry and does not stop the
// remaining services.
//
// Parameters:
// - ctx context.Context: The context for the batch run.
// - organizationID string: The organization whose services sync.
//
// Returns:
// - map[string]*model.SyncResult: One result per service name.
// - error: An error if the service listing itself failed.
func (engine *SyncEngine) BatchSync(ctx context.Context, organizationID string) (map[string]*model.SyncResult, error) {
	ctx, span := syncTracer.Start(ctx, "Running batch sync")
	defer span.End()

	services, err := engine.datasource.GetDistinctSyncServices(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*model.SyncResult, len(services))
	for _, service := range services {
		serviceResult, err := engine.TriggerSync(ctx, organizationID, service, "", true)
		if err != nil {
			failed := model.NewSyncResult()
			failed.Success = false
			failed.Errors = append(failed.Errors, err.Error())
			results[service] = failed
			continue
		}
		results[service] = serviceResult
	}
	return results, nil
}

func (engine *SyncEngine) isDue(cfg *model.SyncConfiguration) bool {
	next := cfg.NextSyncAt()
	if next == nil {
		// Real-time streams are webhook driven and only run when forced.
		return false
	}
	return !engine.now().Before(*next)
}

// runStream executes one configuration. Errors inside a stream are
// folded into its result; the caller decides what a partial failure
// means.
func (engine *SyncEngine) runStream(ctx context.Context, cfg *model.SyncConfiguration) *model.SyncResult {
	ctx, span := syncTracer.Start(ctx, "Syncing entity stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("sync.config_id", cfg.ConfigID),
		attribute.String("sync.entity_type", cfg.EntityType),
		attribute.String("sync.direction", string(cfg.Direction)),
	)

	result := model.NewSyncResult()

	client, err := engine.egress.ForService(cfg.ServiceName)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	if cfg.Direction == model.SyncInbound || cfg.Direction == model.SyncBidirectional {
		engine.runInbound(ctx, cfg, client, result)
	}
	if cfg.Direction == model.SyncOutbound || cfg.Direction == model.SyncBidirectional {
		engine.runOutbound(ctx, cfg, client, result)
	}
	return result
}

// externalPage is the wire shape external services list entities in.
type externalPage struct {
	Records []externalEntity `json:"records"`
}

type externalEntity struct {
	ID           string                 `json:"id"`
	Data         map[string]interface{} `json:"data"`
	LastModified time.Time              `json:"last_modified"`
}

func (engine *SyncEngine) fetchExternalRecords(ctx context.Context, cfg *model.SyncConfiguration, client *egress.Client) ([]*model.DataRecord, error) {
	query := url.Values{}
	query.Set("organization_id", cfg.OrganizationID)
	if !cfg.LastSyncAt.IsZero() {
		query.Set("modified_since", cfg.LastSyncAt.UTC().Format(time.RFC3339))
	}
	for field, value := range cfg.Filters {
		query.Set(field, fmt.Sprintf("%v", value))
	}

	raw, err := client.Get(ctx, fmt.Sprintf("/%ss", cfg.EntityType), query)
	if err != nil {
		return nil, err
	}
	var page externalPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("failed to decode %s listing from %s: %w", cfg.EntityType, cfg.ServiceName, err)
	}

	records := make([]*model.DataRecord, 0, len(page.Records))
	for _, entity := range page.Records {
		data := applyFieldMappings(entity.Data, cfg.FieldMappings)
		records = append(records, &model.DataRecord{
			ExternalID:   entity.ID,
			Data:         data,
			LastModified: entity.LastModified,
			Checksum:     model.Checksum(data),
			Source:       cfg.ServiceName,
		})
	}
	return records, nil
}

// applyFieldMappings renames external field names onto internal ones.
// Unmapped fields pass through unchanged.
func applyFieldMappings(data map[string]interface{}, mappings map[string]string) map[string]interface{} {
	if len(mappings) == 0 {
		return data
	}
	mapped := make(map[string]interface{}, len(data))
	for field, value := range data {
		if internal, ok := mappings[field]; ok {
			mapped[internal] = value
		} else {
			mapped[field] = value
		}
	}
	return mapped
}

func (engine *SyncEngine) runInbound(ctx context.Context, cfg *model.SyncConfiguration, client *egress.Client, result *model.SyncResult) {
	external, err := engine.fetchExternalRecords(ctx, cfg, client)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("inbound fetch: %v", err))
		return
	}

	for _, record := range external {
		result.RecordsProcessed++
		if err := engine.applyInbound(ctx, cfg, record, result); err != nil {
			result.RecordsFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("inbound %s: %v", record.ExternalID, err))
		}
	}
}

func (engine *SyncEngine) applyInbound(ctx context.Context, cfg *model.SyncConfiguration, external *model.DataRecord, result *model.SyncResult) error {
	existing, err := engine.datasource.GetInternalRecordByExternalID(ctx, cfg.OrganizationID, cfg.EntityType, external.ExternalID)
	if err != nil && !isNotFound(err) {
		return err
	}

	if existing == nil {
		_, err := engine.datasource.UpsertInternalRecord(ctx, &model.InternalRecord{
			OrganizationID: cfg.OrganizationID,
			EntityType:     cfg.EntityType,
			ExternalID:     external.ExternalID,
			Data:           external.Data,
			LastModified:   external.LastModified,
		})
		if err == nil {
			result.RecordsSynced++
		}
		return err
	}

	if existing.Checksum == external.Checksum {
		return nil
	}

	internal := existing.AsDataRecord()
	if engine.isConflict(internal, external) {
		result.ConflictsDetected++
		return engine.resolveConflict(ctx, cfg, existing, external, result)
	}

	// Divergent but outside the window: ordinary drift. The external
	// copy replaces ours only when it is strictly newer; otherwise the
	// outbound pass pushes the internal copy back out.
	if !external.LastModified.After(existing.LastModified) {
		return nil
	}
	if err := engine.datasource.UpdateInternalRecordData(ctx, existing.RecordID, external.Data, external.LastModified); err != nil {
		return err
	}
	result.RecordsSynced++
	return nil
}

// isConflict reports a true concurrent edit: both sides touched the
// record within the conflict window. Divergence outside the window is
// ordinary drift and follows last-writer semantics.
func (engine *SyncEngine) isConflict(internal, external *model.DataRecord) bool {
	if internal.Checksum == external.Checksum {
		return false
	}
	now := engine.now()
	return now.Sub(internal.LastModified) <= engine.conflictWindow &&
		now.Sub(external.LastModified) <= engine.conflictWindow
}

func (engine *SyncEngine) resolveConflict(ctx context.Context, cfg *model.SyncConfiguration, existing *model.InternalRecord, external *model.DataRecord, result *model.SyncResult) error {
	log := logrus.WithFields(logrus.Fields{
		"organization_id": cfg.OrganizationID,
		"entity_type":     cfg.EntityType,
		"external_id":     external.ExternalID,
		"strategy":        cfg.ConflictStrategy,
	})

	switch cfg.ConflictStrategy {
	case model.StrategyExternalWins:
		if err := engine.datasource.UpdateInternalRecordData(ctx, existing.RecordID, external.Data, external.LastModified); err != nil {
			return err
		}
		result.ConflictsResolved++
		result.RecordsSynced++
		log.Info("Conflict resolved, external copy kept")
		return nil

	case model.StrategyInternalWins:
		// Internal copy stands. The outbound pass pushes it back out.
		result.ConflictsResolved++
		log.Info("Conflict resolved, internal copy kept")
		return nil

	case model.StrategyLatestTimestamp:
		if external.LastModified.After(existing.LastModified) {
			if err := engine.datasource.UpdateInternalRecordData(ctx, existing.RecordID, external.Data, external.LastModified); err != nil {
				return err
			}
			result.RecordsSynced++
		}
		result.ConflictsResolved++
		log.Info("Conflict resolved by latest timestamp")
		return nil

	case model.StrategyManualReview:
		conflict := &model.ConflictResolution{
			OrganizationID: cfg.OrganizationID,
			ServiceName:    cfg.ServiceName,
			EntityType:     cfg.EntityType,
			InternalID:     existing.RecordID,
			ExternalID:     external.ExternalID,
			InternalData:   existing.Data,
			ExternalData:   external.Data,
			Status:         model.ConflictStatusPending,
		}
		if err := engine.datasource.RecordConflict(ctx, conflict); err != nil {
			return err
		}
		log.Info("Conflict parked for manual review")
		return nil

	default:
		return fmt.Errorf("unknown conflict strategy %q", cfg.ConflictStrategy)
	}
}

func (engine *SyncEngine) runOutbound(ctx context.Context, cfg *model.SyncConfiguration, client *egress.Client, result *model.SyncResult) {
	records, err := engine.datasource.GetInternalRecords(ctx, cfg.OrganizationID, cfg.EntityType, cfg.LastSyncAt)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("outbound fetch: %v", err))
		return
	}

	for _, record := range records {
		result.RecordsProcessed++
		if err := engine.applyOutbound(ctx, cfg, client, record, result); err != nil {
			result.RecordsFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("outbound %s: %v", record.RecordID, err))
		}
	}
}

// applyOutbound mirrors applyInbound in the opposite direction: same
// conflict window, same freshness rule, with the roles of the two
// copies swapped. The external counterpart is fetched before any push
// so a concurrent external edit is detected rather than overwritten.
func (engine *SyncEngine) applyOutbound(ctx context.Context, cfg *model.SyncConfiguration, client *egress.Client, record *model.InternalRecord, result *model.SyncResult) error {
	if record.ExternalID == "" {
		return engine.createExternal(ctx, cfg, client, record, result)
	}

	external, err := engine.fetchExternalRecord(ctx, cfg, client, record.ExternalID)
	if err != nil {
		var status *egress.StatusError
		if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
			// The external copy is gone. Recreate it from ours.
			return engine.createExternal(ctx, cfg, client, record, result)
		}
		return err
	}

	internal := record.AsDataRecord()
	if internal.Checksum == external.Checksum {
		return nil
	}

	if engine.isConflict(internal, external) {
		result.ConflictsDetected++
		return engine.resolveOutboundConflict(ctx, cfg, client, record, external, result)
	}

	// Divergent but outside the window: push only when our copy is
	// strictly newer; otherwise the inbound pass pulls theirs in.
	if !record.LastModified.After(external.LastModified) {
		return nil
	}
	return engine.pushUpdate(ctx, cfg, client, record, result)
}

func (engine *SyncEngine) fetchExternalRecord(ctx context.Context, cfg *model.SyncConfiguration, client *egress.Client, externalID string) (*model.DataRecord, error) {
	raw, err := client.Get(ctx, fmt.Sprintf("/%ss/%s", cfg.EntityType, externalID), nil)
	if err != nil {
		return nil, err
	}
	var entity externalEntity
	if err := json.Unmarshal(raw, &entity); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s from %s: %w", cfg.EntityType, externalID, cfg.ServiceName, err)
	}
	data := applyFieldMappings(entity.Data, cfg.FieldMappings)
	return &model.DataRecord{
		ExternalID:   externalID,
		Data:         data,
		LastModified: entity.LastModified,
		Checksum:     model.Checksum(data),
		Source:       cfg.ServiceName,
	}, nil
}

func (engine *SyncEngine) resolveOutboundConflict(ctx context.Context, cfg *model.SyncConfiguration, client *egress.Client, record *model.InternalRecord, external *model.DataRecord, result *model.SyncResult) error {
	log := logrus.WithFields(logrus.Fields{
		"organization_id": cfg.OrganizationID,
		"entity_type":     cfg.EntityType,
		"external_id":     record.ExternalID,
		"strategy":        cfg.ConflictStrategy,
	})

	switch cfg.ConflictStrategy {
	case model.StrategyInternalWins:
		if err := engine.pushUpdate(ctx, cfg, client, record, result); err != nil {
			return err
		}
		result.ConflictsResolved++
		log.Info("Conflict resolved, internal copy pushed")
		return nil

	case model.StrategyExternalWins:
		// External copy stands. The inbound pass pulls it in.
		result.ConflictsResolved++
		log.Info("Conflict resolved, external copy kept")
		return nil

	case model.StrategyLatestTimestamp:
		if record.LastModified.After(external.LastModified) {
			if err := engine.pushUpdate(ctx, cfg, client, record, result); err != nil {
				return err
			}
		}
		result.ConflictsResolved++
		log.Info("Conflict resolved by latest timestamp")
		return nil

	case model.StrategyManualReview:
		conflict := &model.ConflictResolution{
			OrganizationID: cfg.OrganizationID,
			ServiceName:    cfg.ServiceName,
			EntityType:     cfg.EntityType,
			InternalID:     record.RecordID,
			ExternalID:     record.ExternalID,
			InternalData:   record.Data,
			ExternalData:   external.Data,
			Status:         model.ConflictStatusPending,
		}
		if err := engine.datasource.RecordConflict(ctx, conflict); err != nil {
			return err
		}
		log.Info("Conflict parked for manual review")
		return nil

	default:
		return fmt.Errorf("unknown conflict strategy %q", cfg.ConflictStrategy)
	}
}

func (engine *SyncEngine) pushUpdate(ctx context.Context, cfg *model.SyncConfiguration, client *egress.Client, record *model.InternalRecord, result *model.SyncResult) error {
	if _, err := client.Put(ctx, fmt.Sprintf("/%ss/%s", cfg.EntityType, record.ExternalID), outboundPayload(cfg, record)); err != nil {
		return err
	}
	result.RecordsSynced++
	return nil
}

func (engine *SyncEngine) createExternal(ctx context.Context, cfg *model.SyncConfiguration, client *egress.Client, record *model.InternalRecord, result *model.SyncResult) error {
	raw, err := client.Post(ctx, fmt.Sprintf("/%ss", cfg.EntityType), outboundPayload(cfg, record))
	if err != nil {
		return err
	}
	var created externalEntity
	if err := json.Unmarshal(raw, &created); err == nil && created.ID != "" {
		record.ExternalID = created.ID
		if _, err := engine.datasource.UpsertInternalRecord(ctx, record); err != nil {
			logrus.WithError(err).WithField("record_id", record.RecordID).Warn("Failed to persist external id")
		}
	}
	result.RecordsSynced++
	return nil
}

func outboundPayload(cfg *model.SyncConfiguration, record *model.InternalRecord) map[string]interface{} {
	return map[string]interface{}{
		"organization_id": cfg.OrganizationID,
		"data":            record.Data,
		"last_modified":   record.LastModified.UTC().Format(time.RFC3339),
	}
}

func (engine *SyncEngine) writeLog(ctx context.Context, organizationID, serviceName string, result *model.SyncResult) {
	status := "completed"
	if !result.Success {
		status = "failed"
	}
	entry := &model.SyncLog{
		OrganizationID:    organizationID,
		ServiceName:       serviceName,
		Status:            status,
		RecordsProcessed:  result.RecordsProcessed,
		RecordsSynced:     result.RecordsSynced,
		RecordsFailed:     result.RecordsFailed,
		ConflictsDetected: result.ConflictsDetected,
		ConflictsResolved: result.ConflictsResolved,
		ExecutionTime:     result.ExecutionTime,
		Errors:            result.Errors,
	}
	if err := engine.datasource.RecordSyncLog(ctx, entry); err != nil {
		logrus.WithError(err).Error("Failed to record sync log")
	}
}
