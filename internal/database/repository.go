package database

import (
	"context"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

// EngineRepository reads the media engine list.
type EngineRepository interface {
	ListEngines(ctx context.Context) ([]models.MediaEngine, error)
}

// TenantRepository reads tenants.
type TenantRepository interface {
	ListTenantIDs(ctx context.Context) ([]int64, error)
	GetTenant(ctx context.Context, id int64) (*models.Tenant, error)
}

// DestinationRepository reads a tenant's destinations.
type DestinationRepository interface {
	ListDestinations(ctx context.Context, tenantID int64) ([]models.Destination, error)
}

// RouteRepository reads a tenant's routes.
type RouteRepository interface {
	ListRoutes(ctx context.Context, tenantID int64) ([]models.Route, error)
}

// SourceRepository reads authorized ingress sources.
type SourceRepository interface {
	ListSources(ctx context.Context) ([]models.Source, error)
}

// Store bundles the read-only repositories the gateway loads its
// configuration from.
type Store struct {
	EngineRepository
	TenantRepository
	DestinationRepository
	RouteRepository
	SourceRepository
}

// NewStore creates a Store backed by db.
func NewStore(db *DB) *Store {
	return &Store{
		EngineRepository:      NewEngineRepository(db),
		TenantRepository:      NewTenantRepository(db),
		DestinationRepository: NewDestinationRepository(db),
		RouteRepository:       NewRouteRepository(db),
		SourceRepository:      NewSourceRepository(db),
	}
}
