package store

import (
	"context"
	"fmt"
)

// migrations are idempotent startup DDL statements, applied in order.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS students (
		id              BIGSERIAL PRIMARY KEY,
		name            TEXT NOT NULL,
		guardian_email  TEXT NOT NULL,
		guardian_phone  TEXT,
		bus_id          TEXT NOT NULL,
		device_id       TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	// Exclusivity invariant: one student per device, enforced by the index
	// so competing binds lose at the database, not in application code.
	`CREATE UNIQUE INDEX IF NOT EXISTS students_device_id_key
		ON students (device_id) WHERE device_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS bus_positions (
		bus_id      TEXT PRIMARY KEY,
		lat         DOUBLE PRECISION NOT NULL,
		lng         DOUBLE PRECISION NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id                  TEXT PRIMARY KEY,
		student_id          BIGINT NOT NULL,
		student_name        TEXT NOT NULL,
		bus_id              TEXT NOT NULL,
		lat                 DOUBLE PRECISION,
		lng                 DOUBLE PRECISION,
		device_id           TEXT,
		entry_method        TEXT NOT NULL,
		verification_status TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS attendance_records_student_idx
		ON attendance_records (student_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS attendance_records_bus_idx
		ON attendance_records (bus_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS device_audit (
		id              BIGSERIAL PRIMARY KEY,
		student_id      BIGINT NOT NULL,
		action          TEXT NOT NULL,
		prev_device_id  TEXT,
		actor           TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notification_log (
		id            BIGSERIAL PRIMARY KEY,
		recipient     TEXT NOT NULL,
		channel       TEXT NOT NULL,
		subject       TEXT,
		status        TEXT NOT NULL,
		error_detail  TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema. Safe to run on every startup.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
