package model

import "time"

// Tenant is a registered consumer of the intake pipeline. Events that
// carry a tenant_id are validated against this table before handlers
// run.
type Tenant struct {
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
