package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fluxsync/fluxsync/internal/apierror"
	"github.com/fluxsync/fluxsync/model"
)

// UpsertInternalRecord creates or refreshes the internal copy of an
// entity. The conflict target is (organization, entity type, external
// id), which is how inbound sync passes and event handlers address
// records.
func (d Datasource) UpsertInternalRecord(ctx context.Context, record *model.InternalRecord) (*model.InternalRecord, error) {
	dataJSON, err := json.Marshal(record.Data)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal record data", err)
	}

	if record.RecordID == "" {
		record.RecordID = model.GenerateUUIDWithSuffix("rec")
	}
	if record.Checksum == "" {
		record.Checksum = model.Checksum(record.Data)
	}
	if record.LastModified.IsZero() {
		record.LastModified = time.Now()
	}

	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO internal_records (record_id, organization_id, entity_type, external_id, data, checksum, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (organization_id, entity_type, external_id)
		DO UPDATE SET data = EXCLUDED.data, checksum = EXCLUDED.checksum, last_modified = EXCLUDED.last_modified
		RETURNING record_id, created_at
	`, record.RecordID, record.OrganizationID, record.EntityType,
		sql.NullString{String: record.ExternalID, Valid: record.ExternalID != ""},
		dataJSON, record.Checksum, record.LastModified)

	if err := row.Scan(&record.RecordID, &record.CreatedAt); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to upsert internal record", err)
	}
	return record, nil
}

func (d Datasource) GetInternalRecordByExternalID(ctx context.Context, organizationID, entityType, externalID string) (*model.InternalRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT record_id, organization_id, entity_type, COALESCE(external_id, ''), data, checksum, last_modified, created_at
		FROM internal_records
		WHERE organization_id = $1 AND entity_type = $2 AND external_id = $3
	`, organizationID, entityType, externalID)

	record, err := scanInternalRecord(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Internal record not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve internal record", err)
	}
	return record, nil
}

func scanInternalRecord(scan func(dest ...interface{}) error) (*model.InternalRecord, error) {
	record := model.InternalRecord{}
	var dataJSON []byte
	err := scan(&record.RecordID, &record.OrganizationID, &record.EntityType, &record.ExternalID,
		&dataJSON, &record.Checksum, &record.LastModified, &record.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &record.Data); err != nil {
			return nil, err
		}
	}
	return &record, nil
}

// GetInternalRecords lists an organization's records of one entity
// type modified since the given time. A zero time returns everything,
// which outbound passes use on their first run.
func (d Datasource) GetInternalRecords(ctx context.Context, organizationID, entityType string, modifiedSince time.Time) ([]*model.InternalRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT record_id, organization_id, entity_type, COALESCE(external_id, ''), data, checksum, last_modified, created_at
		FROM internal_records
		WHERE organization_id = $1 AND entity_type = $2 AND last_modified >= $3
		ORDER BY last_modified
	`, organizationID, entityType, modifiedSince)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve internal records", err)
	}
	defer rows.Close()

	records := []*model.InternalRecord{}
	for rows.Next() {
		record, err := scanInternalRecord(rows.Scan)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan internal record", err)
		}
		records = append(records, record)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over internal records", err)
	}
	return records, nil
}

func (d Datasource) UpdateInternalRecordData(ctx context.Context, recordID string, data map[string]interface{}, lastModified time.Time) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal record data", err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE internal_records
		SET data = $2, checksum = $3, last_modified = $4
		WHERE record_id = $1
	`, recordID, dataJSON, model.Checksum(data), lastModified)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update internal record", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check internal record update", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Internal record not found", nil)
	}
	return nil
}
