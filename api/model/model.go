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
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/fluxsync/fluxsync/model"
)

// CreateSyncConfiguration is the request body for registering a sync
// stream.
type CreateSyncConfiguration struct {
	OrganizationID   string                 `json:"organization_id"`
	ServiceName      string                 `json:"service_name"`
	EntityType       string                 `json:"entity_type"`
	Direction        string                 `json:"direction"`
	Frequency        string                 `json:"frequency"`
	ConflictStrategy string                 `json:"conflict_strategy"`
	FieldMappings    map[string]string      `json:"field_mappings"`
	Filters          map[string]interface{} `json:"filters"`
	IsActive         *bool                  `json:"is_active"`
}

func (r *CreateSyncConfiguration) ValidateCreateSyncConfiguration() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.OrganizationID, validation.Required),
		validation.Field(&r.ServiceName, validation.Required),
		validation.Field(&r.EntityType, validation.Required),
		validation.Field(&r.Direction, validation.Required, validation.In("inbound", "outbound", "bidirectional")),
		validation.Field(&r.Frequency, validation.Required, validation.In("real_time", "every_5_min", "hourly", "daily")),
		validation.Field(&r.ConflictStrategy, validation.Required, validation.In("external_wins", "internal_wins", "latest_timestamp", "manual_review")),
	)
}

func (r *CreateSyncConfiguration) ToSyncConfiguration() *model.SyncConfiguration {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &model.SyncConfiguration{
		OrganizationID:   r.OrganizationID,
		ServiceName:      r.ServiceName,
		EntityType:       r.EntityType,
		Direction:        model.SyncDirection(r.Direction),
		Frequency:        model.SyncFrequency(r.Frequency),
		ConflictStrategy: model.ConflictStrategy(r.ConflictStrategy),
		FieldMappings:    r.FieldMappings,
		Filters:          r.Filters,
		IsActive:         active,
	}
}

// TriggerSync is the request body for a manual sync run.
type TriggerSync struct {
	OrganizationID string `json:"organization_id"`
	ServiceName    string `json:"service_name"`
	EntityType     string `json:"entity_type"`
	Force          bool   `json:"force"`
}

func (r *TriggerSync) ValidateTriggerSync() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.OrganizationID, validation.Required),
		validation.Field(&r.ServiceName, validation.Required),
	)
}

// BatchSync is the request body for syncing every configured service
// of an organization.
type BatchSync struct {
	OrganizationID string `json:"organization_id"`
}

func (r *BatchSync) ValidateBatchSync() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.OrganizationID, validation.Required),
	)
}

// ResolveConflict is the request body for a manual conflict decision.
type ResolveConflict struct {
	Strategy   string `json:"strategy"`
	ResolvedBy string `json:"resolved_by"`
}

func (r *ResolveConflict) ValidateResolveConflict() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Strategy, validation.Required, validation.In("external_wins", "internal_wins")),
		validation.Field(&r.ResolvedBy, validation.Required),
	)
}
