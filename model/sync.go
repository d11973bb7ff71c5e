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

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SyncDirection controls which passes a configuration runs.
type SyncDirection string

const (
	SyncInbound       SyncDirection = "inbound"
	SyncOutbound      SyncDirection = "outbound"
	SyncBidirectional SyncDirection = "bidirectional"
)

// SyncFrequency controls scheduling of a configuration.
type SyncFrequency string

const (
	FrequencyRealTime  SyncFrequency = "real_time"
	FrequencyEvery5Min SyncFrequency = "every_5_min"
	FrequencyHourly    SyncFrequency = "hourly"
	FrequencyDaily     SyncFrequency = "daily"
)

// ConflictStrategy selects how a detected divergence is resolved.
type ConflictStrategy string

const (
	StrategyExternalWins    ConflictStrategy = "external_wins"
	StrategyInternalWins    ConflictStrategy = "internal_wins"
	StrategyLatestTimestamp ConflictStrategy = "latest_timestamp"
	StrategyManualReview    ConflictStrategy = "manual_review"
)

// SyncConfiguration governs one sync stream for an organization.
// An inactive configuration is never scheduled or triggered.
type SyncConfiguration struct {
	ConfigID         string                 `json:"config_id"`
	OrganizationID   string                 `json:"organization_id"`
	ServiceName      string                 `json:"service_name"`
	EntityType       string                 `json:"entity_type"`
	Direction        SyncDirection          `json:"direction"`
	Frequency        SyncFrequency          `json:"frequency"`
	ConflictStrategy ConflictStrategy       `json:"conflict_strategy"`
	FieldMappings    map[string]string      `json:"field_mappings"`
	Filters          map[string]interface{} `json:"filters,omitempty"`
	IsActive         bool                   `json:"is_active"`
	LastSyncAt       time.Time              `json:"last_sync_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at,omitempty"`
}

// NextSyncAt returns when this configuration should next run, or nil
// for real_time streams (they are driven by webhooks, not the
// scheduler).
func (c *SyncConfiguration) NextSyncAt() *time.Time {
	if c.LastSyncAt.IsZero() {
		now := time.Now()
		return &now
	}

	var next time.Time
	switch c.Frequency {
	case FrequencyEvery5Min:
		next = c.LastSyncAt.Add(5 * time.Minute)
	case FrequencyHourly:
		next = c.LastSyncAt.Add(time.Hour)
	case FrequencyDaily:
		next = c.LastSyncAt.Add(24 * time.Hour)
	default:
		return nil
	}
	return &next
}

// DataRecord is the transient representation of one entity on either
// side of a sync stream. It is rebuilt on every pass and never
// persisted as-is.
type DataRecord struct {
	ExternalID   string                 `json:"external_id"`
	InternalID   string                 `json:"internal_id,omitempty"`
	Data         map[string]interface{} `json:"data"`
	LastModified time.Time              `json:"last_modified"`
	Checksum     string                 `json:"checksum"`
	Source       string                 `json:"source"`
}

// Checksum produces a stable, order-independent fingerprint of a
// record's data payload. It exists purely for conflict detection;
// it is not an integrity mechanism. encoding/json sorts map keys,
// which gives the order independence.
func Checksum(data map[string]interface{}) string {
	encoded, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// SyncResult aggregates the outcome of one sync execution.
type SyncResult struct {
	Success           bool     `json:"success"`
	RecordsProcessed  int      `json:"records_processed"`
	RecordsSynced     int      `json:"records_synced"`
	RecordsFailed     int      `json:"records_failed"`
	ConflictsDetected int      `json:"conflicts_detected"`
	ConflictsResolved int      `json:"conflicts_resolved"`
	Errors            []string `json:"errors"`
	ExecutionTime     float64  `json:"execution_time"`
}

// NewSyncResult returns an empty successful result ready to merge into.
func NewSyncResult() *SyncResult {
	return &SyncResult{Success: true, Errors: []string{}}
}

// Merge folds another result's counters into this one. A failed source
// marks the target failed.
func (r *SyncResult) Merge(other *SyncResult) {
	r.RecordsProcessed += other.RecordsProcessed
	r.RecordsSynced += other.RecordsSynced
	r.RecordsFailed += other.RecordsFailed
	r.ConflictsDetected += other.ConflictsDetected
	r.ConflictsResolved += other.ConflictsResolved
	r.Errors = append(r.Errors, other.Errors...)
	if !other.Success {
		r.Success = false
	}
}

// Conflict statuses.
const (
	ConflictStatusPending  = "pending"
	ConflictStatusResolved = "resolved"
	ConflictStatusIgnored  = "ignored"
)

// ConflictResolution records a divergence parked for manual review,
// and its eventual resolution.
type ConflictResolution struct {
	ConflictID         string                 `json:"conflict_id"`
	OrganizationID     string                 `json:"organization_id"`
	ServiceName        string                 `json:"service_name"`
	EntityType         string                 `json:"entity_type"`
	InternalID         string                 `json:"internal_id,omitempty"`
	ExternalID         string                 `json:"external_id"`
	InternalData       map[string]interface{} `json:"internal_data"`
	ExternalData       map[string]interface{} `json:"external_data"`
	Status             string                 `json:"status"`
	ResolutionStrategy ConflictStrategy       `json:"resolution_strategy,omitempty"`
	ResolvedBy         string                 `json:"resolved_by,omitempty"`
	ResolvedAt         time.Time              `json:"resolved_at,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// SyncLog is one append-only audit row per sync execution.
type SyncLog struct {
	LogID             string    `json:"log_id"`
	OrganizationID    string    `json:"organization_id"`
	ServiceName       string    `json:"service_name"`
	Status            string    `json:"status"`
	RecordsProcessed  int       `json:"records_processed"`
	RecordsSynced     int       `json:"records_synced"`
	RecordsFailed     int       `json:"records_failed"`
	ConflictsDetected int       `json:"conflicts_detected"`
	ConflictsResolved int       `json:"conflicts_resolved"`
	ExecutionTime     float64   `json:"execution_time"`
	Errors            []string  `json:"errors,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// SyncStatus is the per-configuration status view returned by the
// status API: configuration fields joined with its latest log.
type SyncStatus struct {
	ConfigID          string        `json:"config_id"`
	ServiceName       string        `json:"service_name"`
	EntityType        string        `json:"entity_type"`
	Direction         SyncDirection `json:"direction"`
	Frequency         SyncFrequency `json:"frequency"`
	IsActive          bool          `json:"is_active"`
	LastSync          *time.Time    `json:"last_sync,omitempty"`
	LastSyncStatus    string        `json:"last_sync_status,omitempty"`
	RecordsSynced     int           `json:"records_synced"`
	ConflictsDetected int           `json:"conflicts_detected"`
	NextSync          *time.Time    `json:"next_sync,omitempty"`
}

// InternalRecord is the persisted internal side of a sync stream.
type InternalRecord struct {
	RecordID       string                 `json:"record_id"`
	OrganizationID string                 `json:"organization_id"`
	EntityType     string                 `json:"entity_type"`
	ExternalID     string                 `json:"external_id,omitempty"`
	Data           map[string]interface{} `json:"data"`
	Checksum       string                 `json:"checksum"`
	LastModified   time.Time              `json:"last_modified"`
	CreatedAt      time.Time              `json:"created_at"`
}

// AsDataRecord converts the stored row into the transient sync view.
func (ir *InternalRecord) AsDataRecord() *DataRecord {
	return &DataRecord{
		ExternalID:   ir.ExternalID,
		InternalID:   ir.RecordID,
		Data:         ir.Data,
		LastModified: ir.LastModified,
		Checksum:     Checksum(ir.Data),
		Source:       "internal",
	}
}
