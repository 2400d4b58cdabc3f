package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

// tenantRepo implements TenantRepository.
type tenantRepo struct {
	db *DB
}

// NewTenantRepository creates a new TenantRepository.
func NewTenantRepository(db *DB) TenantRepository {
	return &tenantRepo{db: db}
}

// ListTenantIDs returns every tenant id in ascending order.
func (r *tenantRepo) ListTenantIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying tenant ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetTenant returns a tenant by id, or ErrNotFound.
func (r *tenantRepo) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	var t models.Tenant
	err := r.db.QueryRowContext(ctx,
		r.db.Rebind(`SELECT id, name, domain FROM tenants WHERE id = ?`), id,
	).Scan(&t.ID, &t.Name, &t.Domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant %d: %w", id, err)
	}
	return &t, nil
}
