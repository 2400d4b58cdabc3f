package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

// engineRepo implements EngineRepository.
type engineRepo struct {
	db *DB
}

// NewEngineRepository creates a new EngineRepository.
func NewEngineRepository(db *DB) EngineRepository {
	return &engineRepo{db: db}
}

// ListEngines returns all media engines in selection order.
func (r *engineRepo) ListEngines(ctx context.Context) ([]models.MediaEngine, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, host, port, timeout_ms, reject_on_failure, position
		 FROM media_engines ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("querying media engines: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

func (r *engineRepo) scanMany(rows *sql.Rows) ([]models.MediaEngine, error) {
	var engines []models.MediaEngine
	for rows.Next() {
		var e models.MediaEngine
		if err := rows.Scan(&e.ID, &e.Host, &e.Port, &e.TimeoutMS,
			&e.RejectOnFailure, &e.Position); err != nil {
			return nil, fmt.Errorf("scanning media engine row: %w", err)
		}
		engines = append(engines, e)
	}
	return engines, rows.Err()
}
