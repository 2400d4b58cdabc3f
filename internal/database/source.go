package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

// sourceRepo implements SourceRepository.
type sourceRepo struct {
	db *DB
}

// NewSourceRepository creates a new SourceRepository.
func NewSourceRepository(db *DB) SourceRepository {
	return &sourceRepo{db: db}
}

// ListSources returns all authorized sources.
func (r *sourceRepo) ListSources(ctx context.Context) ([]models.Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, address, type, media_options FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		var s models.Source
		var opts string
		if err := rows.Scan(&s.ID, &s.Address, &s.Type, &opts); err != nil {
			return nil, fmt.Errorf("scanning source row: %w", err)
		}
		mo, err := decodeMediaOptions(opts)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", s.ID, err)
		}
		s.MediaOptions = mo
		sources = append(sources, s)
	}
	return sources, rows.Err()
}
