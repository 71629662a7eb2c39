package position

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists bus position snapshots in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Upsert writes the snapshot for a bus, keyed by bus id.
func (r *Repository) Upsert(ctx context.Context, pos Position) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bus_positions (bus_id, lat, lng, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bus_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			updated_at = EXCLUDED.updated_at
	`, pos.BusID, pos.Lat, pos.Lng, pos.UpdatedAt)
	return err
}

// Get returns the last snapshot for a bus, or ErrNotTracked.
func (r *Repository) Get(ctx context.Context, busID string) (Position, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT bus_id, lat, lng, updated_at
		FROM bus_positions WHERE bus_id = $1
	`, busID)
	var pos Position
	if err := row.Scan(&pos.BusID, &pos.Lat, &pos.Lng, &pos.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Position{}, ErrNotTracked
		}
		return Position{}, err
	}
	return pos, nil
}
