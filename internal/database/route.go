package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

// routeRepo implements RouteRepository.
type routeRepo struct {
	db *DB
}

// NewRouteRepository creates a new RouteRepository.
func NewRouteRepository(db *DB) RouteRepository {
	return &routeRepo{db: db}
}

// ListRoutes returns a tenant's routes ordered by descending priority, then id.
func (r *routeRepo) ListRoutes(ctx context.Context, tenantID int64) ([]models.Route, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT id, tenant_id, inbound_type, outbound_type, priority
		 FROM tenant_routes WHERE tenant_id = ?
		 ORDER BY priority DESC, id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying routes for tenant %d: %w", tenantID, err)
	}
	defer rows.Close()

	var routes []models.Route
	for rows.Next() {
		var rt models.Route
		if err := rows.Scan(&rt.ID, &rt.TenantID, &rt.InboundType, &rt.OutboundType, &rt.Priority); err != nil {
			return nil, fmt.Errorf("scanning route row: %w", err)
		}
		routes = append(routes, rt)
	}
	return routes, rows.Err()
}
