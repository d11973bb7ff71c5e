package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/fluxsync/fluxsync/internal/apierror"
	"github.com/fluxsync/fluxsync/model"
)

const tenantCacheTTL = 5 * time.Minute

func (d Datasource) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	t := model.Tenant{}

	cacheKey := "tenant:" + tenantID
	if d.Cache != nil {
		if err := d.Cache.Get(ctx, cacheKey, &t); err == nil && t.TenantID != "" {
			return &t, nil
		}
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT tenant_id, name, is_active, created_at
		FROM tenants
		WHERE tenant_id = $1
	`, tenantID)

	err := row.Scan(&t.TenantID, &t.Name, &t.IsActive, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Tenant not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve tenant", err)
	}

	if d.Cache != nil {
		// Priming the cache is best effort.
		_ = d.Cache.Set(ctx, cacheKey, t, tenantCacheTTL)
	}
	return &t, nil
}

func (d Datasource) CreateTenant(ctx context.Context, t *model.Tenant) (*model.Tenant, error) {
	if t.TenantID == "" {
		t.TenantID = model.GenerateUUIDWithSuffix("tenant")
	}
	t.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, name, is_active)
		VALUES ($1, $2, $3)
	`, t.TenantID, t.Name, t.IsActive)
	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Tenant with this ID already exists", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create tenant", err)
	}
	return t, nil
}
