package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/fluxsync/fluxsync/internal/apierror"
	"github.com/fluxsync/fluxsync/model"
)

func (d Datasource) CreateSyncConfiguration(ctx context.Context, cfg *model.SyncConfiguration) (*model.SyncConfiguration, error) {
	mappingsJSON, err := json.Marshal(cfg.FieldMappings)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal field mappings", err)
	}
	filtersJSON, err := json.Marshal(cfg.Filters)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal filters", err)
	}

	cfg.ConfigID = model.GenerateUUIDWithSuffix("synccfg")
	cfg.CreatedAt = time.Now()

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO sync_configurations (config_id, organization_id, service_name, entity_type, direction, frequency, conflict_strategy, field_mappings, filters, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, cfg.ConfigID, cfg.OrganizationID, cfg.ServiceName, cfg.EntityType,
		cfg.Direction, cfg.Frequency, cfg.ConflictStrategy, mappingsJSON, filtersJSON, cfg.IsActive)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Sync configuration for this organization, service and entity already exists", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create sync configuration", err)
	}

	return cfg, nil
}

const syncConfigColumns = `
	config_id, organization_id, service_name, entity_type, direction, frequency, conflict_strategy,
	field_mappings, filters, is_active, COALESCE(last_sync_at, '0001-01-01'::timestamp), created_at
`

func scanSyncConfiguration(scan func(dest ...interface{}) error) (*model.SyncConfiguration, error) {
	cfg := model.SyncConfiguration{}
	var mappingsJSON, filtersJSON []byte
	err := scan(&cfg.ConfigID, &cfg.OrganizationID, &cfg.ServiceName, &cfg.EntityType,
		&cfg.Direction, &cfg.Frequency, &cfg.ConflictStrategy,
		&mappingsJSON, &filtersJSON, &cfg.IsActive, &cfg.LastSyncAt, &cfg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(mappingsJSON) > 0 {
		if err := json.Unmarshal(mappingsJSON, &cfg.FieldMappings); err != nil {
			return nil, err
		}
	}
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &cfg.Filters); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (d Datasource) GetSyncConfiguration(ctx context.Context, configID string) (*model.SyncConfiguration, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+syncConfigColumns+`
		FROM sync_configurations
		WHERE config_id = $1
	`, configID)

	cfg, err := scanSyncConfiguration(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Sync configuration not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve sync configuration", err)
	}
	return cfg, nil
}

// GetActiveSyncConfigurations returns the active configurations for an
// organization and service, optionally narrowed to one entity type.
func (d Datasource) GetActiveSyncConfigurations(ctx context.Context, organizationID, serviceName, entityType string) ([]*model.SyncConfiguration, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+syncConfigColumns+`
		FROM sync_configurations
		WHERE organization_id = $1 AND service_name = $2 AND is_active = TRUE
			AND ($3 = '' OR entity_type = $3)
	`, organizationID, serviceName, entityType)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve sync configurations", err)
	}
	defer rows.Close()

	configs := []*model.SyncConfiguration{}
	for rows.Next() {
		cfg, err := scanSyncConfiguration(rows.Scan)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan sync configuration", err)
		}
		configs = append(configs, cfg)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over sync configurations", err)
	}
	return configs, nil
}

func (d Datasource) GetDistinctSyncServices(ctx context.Context, organizationID string) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT DISTINCT service_name
		FROM sync_configurations
		WHERE organization_id = $1 AND is_active = TRUE
		ORDER BY service_name
	`, organizationID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve sync services", err)
	}
	defer rows.Close()

	services := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan service name", err)
		}
		services = append(services, name)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over sync services", err)
	}
	return services, nil
}

func (d Datasource) UpdateSyncConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	mappingsJSON, err := json.Marshal(cfg.FieldMappings)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal field mappings", err)
	}
	filtersJSON, err := json.Marshal(cfg.Filters)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal filters", err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE sync_configurations
		SET direction = $2, frequency = $3, conflict_strategy = $4, field_mappings = $5, filters = $6, is_active = $7, updated_at = NOW()
		WHERE config_id = $1
	`, cfg.ConfigID, cfg.Direction, cfg.Frequency, cfg.ConflictStrategy, mappingsJSON, filtersJSON, cfg.IsActive)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update sync configuration", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check sync configuration update", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Sync configuration not found", nil)
	}
	return nil
}

func (d Datasource) TouchLastSyncAt(ctx context.Context, configID string, at time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE sync_configurations SET last_sync_at = $2 WHERE config_id = $1
	`, configID, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update last sync time", err)
	}
	return nil
}

// GetSyncStatuses joins each configuration with its most recent sync
// log for the status listing.
func (d Datasource) GetSyncStatuses(ctx context.Context, organizationID string) ([]*model.SyncStatus, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT c.config_id, c.service_name, c.entity_type, c.direction, c.frequency, c.is_active,
			c.last_sync_at, COALESCE(l.status, ''), COALESCE(l.records_synced, 0), COALESCE(l.conflicts_detected, 0)
		FROM sync_configurations c
		LEFT JOIN LATERAL (
			SELECT status, records_synced, conflicts_detected
			FROM sync_logs
			WHERE organization_id = c.organization_id AND service_name = c.service_name
			ORDER BY created_at DESC
			LIMIT 1
		) l ON TRUE
		WHERE ($1 = '' OR c.organization_id = $1)
		ORDER BY c.service_name, c.entity_type
	`, organizationID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve sync statuses", err)
	}
	defer rows.Close()

	statuses := []*model.SyncStatus{}
	for rows.Next() {
		status := model.SyncStatus{}
		var lastSync sql.NullTime
		err = rows.Scan(&status.ConfigID, &status.ServiceName, &status.EntityType, &status.Direction,
			&status.Frequency, &status.IsActive, &lastSync, &status.LastSyncStatus,
			&status.RecordsSynced, &status.ConflictsDetected)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan sync status", err)
		}
		if lastSync.Valid {
			status.LastSync = &lastSync.Time
		}
		cfg := model.SyncConfiguration{Frequency: status.Frequency}
		if lastSync.Valid {
			cfg.LastSyncAt = lastSync.Time
		}
		status.NextSync = cfg.NextSyncAt()
		statuses = append(statuses, &status)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over sync statuses", err)
	}
	return statuses, nil
}

func (d Datasource) RecordSyncLog(ctx context.Context, entry *model.SyncLog) error {
	errorsJSON, err := json.Marshal(entry.Errors)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal sync errors", err)
	}

	if entry.LogID == "" {
		entry.LogID = model.GenerateUUIDWithSuffix("synclog")
	}
	entry.CreatedAt = time.Now()

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO sync_logs (log_id, organization_id, service_name, status, records_processed, records_synced, records_failed, conflicts_detected, conflicts_resolved, execution_time, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.LogID, entry.OrganizationID, entry.ServiceName, entry.Status,
		entry.RecordsProcessed, entry.RecordsSynced, entry.RecordsFailed,
		entry.ConflictsDetected, entry.ConflictsResolved, entry.ExecutionTime, errorsJSON)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record sync log", err)
	}
	return nil
}

func (d Datasource) GetLatestSyncLog(ctx context.Context, organizationID, serviceName string) (*model.SyncLog, error) {
	entry := model.SyncLog{}
	var errorsJSON []byte

	row := d.Conn.QueryRowContext(ctx, `
		SELECT log_id, organization_id, service_name, status, records_processed, records_synced, records_failed, conflicts_detected, conflicts_resolved, execution_time, errors, created_at
		FROM sync_logs
		WHERE organization_id = $1 AND service_name = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, organizationID, serviceName)

	err := row.Scan(&entry.LogID, &entry.OrganizationID, &entry.ServiceName, &entry.Status,
		&entry.RecordsProcessed, &entry.RecordsSynced, &entry.RecordsFailed,
		&entry.ConflictsDetected, &entry.ConflictsResolved, &entry.ExecutionTime, &errorsJSON, &entry.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "No sync log found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve sync log", err)
	}

	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &entry.Errors); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal sync errors", err)
		}
	}
	return &entry, nil
}

func (d Datasource) RecordConflict(ctx context.Context, conflict *model.ConflictResolution) error {
	internalJSON, err := json.Marshal(conflict.InternalData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal internal data", err)
	}
	externalJSON, err := json.Marshal(conflict.ExternalData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal external data", err)
	}

	if conflict.ConflictID == "" {
		conflict.ConflictID = model.GenerateUUIDWithSuffix("conflict")
	}
	if conflict.Status == "" {
		conflict.Status = model.ConflictStatusPending
	}
	conflict.CreatedAt = time.Now()

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO conflict_resolutions (conflict_id, organization_id, service_name, entity_type, internal_id, external_id, internal_data, external_data, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, conflict.ConflictID, conflict.OrganizationID, conflict.ServiceName, conflict.EntityType,
		sql.NullString{String: conflict.InternalID, Valid: conflict.InternalID != ""},
		conflict.ExternalID, internalJSON, externalJSON, conflict.Status)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record conflict", err)
	}
	return nil
}

func (d Datasource) GetConflict(ctx context.Context, conflictID string) (*model.ConflictResolution, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT conflict_id, organization_id, service_name, entity_type, COALESCE(internal_id, ''), external_id, internal_data, external_data, status, COALESCE(resolution_strategy, ''), COALESCE(resolved_by, ''), created_at
		FROM conflict_resolutions
		WHERE conflict_id = $1
	`, conflictID)

	conflict, err := scanConflict(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Conflict not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve conflict", err)
	}
	return conflict, nil
}

func scanConflict(scan func(dest ...interface{}) error) (*model.ConflictResolution, error) {
	conflict := model.ConflictResolution{}
	var internalJSON, externalJSON []byte
	err := scan(&conflict.ConflictID, &conflict.OrganizationID, &conflict.ServiceName, &conflict.EntityType,
		&conflict.InternalID, &conflict.ExternalID, &internalJSON, &externalJSON,
		&conflict.Status, &conflict.ResolutionStrategy, &conflict.ResolvedBy, &conflict.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(internalJSON) > 0 {
		if err := json.Unmarshal(internalJSON, &conflict.InternalData); err != nil {
			return nil, err
		}
	}
	if len(externalJSON) > 0 {
		if err := json.Unmarshal(externalJSON, &conflict.ExternalData); err != nil {
			return nil, err
		}
	}
	return &conflict, nil
}

func (d Datasource) GetPendingConflicts(ctx context.Context, organizationID string, limit int) ([]*model.ConflictResolution, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT conflict_id, organization_id, service_name, entity_type, COALESCE(internal_id, ''), external_id, internal_data, external_data, status, COALESCE(resolution_strategy, ''), COALESCE(resolved_by, ''), created_at
		FROM conflict_resolutions
		WHERE organization_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT $2
	`, organizationID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending conflicts", err)
	}
	defer rows.Close()

	conflicts := []*model.ConflictResolution{}
	for rows.Next() {
		conflict, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan conflict", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over conflicts", err)
	}
	return conflicts, nil
}

// ResolveConflict stamps a pending conflict as resolved with the
// chosen strategy. Resolving an already-resolved conflict is
// ErrNotFound, matching the status guard.
func (d Datasource) ResolveConflict(ctx context.Context, conflictID string, strategy model.ConflictStrategy, resolvedBy string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE conflict_resolutions
		SET status = 'resolved', resolution_strategy = $2, resolved_by = $3, resolved_at = NOW()
		WHERE conflict_id = $1 AND status = 'pending'
	`, conflictID, strategy, resolvedBy)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve conflict", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check conflict resolution", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Pending conflict not found", nil)
	}
	return nil
}
