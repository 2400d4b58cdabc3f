package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

// destinationRepo implements DestinationRepository.
type destinationRepo struct {
	db *DB
}

// NewDestinationRepository creates a new DestinationRepository.
func NewDestinationRepository(db *DB) DestinationRepository {
	return &destinationRepo{db: db}
}

// ListDestinations returns a tenant's destinations ordered by descending
// priority, then id.
func (r *destinationRepo) ListDestinations(ctx context.Context, tenantID int64) ([]models.Destination, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT id, tenant_id, uri, type, description, priority, options_ping,
		 media_options, auth_username, auth_password
		 FROM destinations WHERE tenant_id = ?
		 ORDER BY priority DESC, id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying destinations for tenant %d: %w", tenantID, err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

func (r *destinationRepo) scanMany(rows *sql.Rows) ([]models.Destination, error) {
	var dests []models.Destination
	for rows.Next() {
		var d models.Destination
		var opts string
		if err := rows.Scan(&d.ID, &d.TenantID, &d.URI, &d.Type, &d.Description,
			&d.Priority, &d.OptionsPing, &opts, &d.AuthUsername, &d.AuthPassword); err != nil {
			return nil, fmt.Errorf("scanning destination row: %w", err)
		}
		mo, err := decodeMediaOptions(opts)
		if err != nil {
			return nil, fmt.Errorf("destination %d: %w", d.ID, err)
		}
		d.MediaOptions = mo
		dests = append(dests, d)
	}
	return dests, rows.Err()
}
