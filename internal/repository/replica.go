package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voltsync/grid-sync-worker/internal/db"
)

// Replica-side operations for the replication applier. Each method is one
// atomic transaction; the consumer acknowledges only after it returns.

// UpsertUser creates the user or overwrites its replicated fields.
// Idempotent under redelivery; an _updated arriving before _created still
// lands as last-writer-wins.
func (r *Repository) UpsertUser(ctx context.Context, rec db.UserRecord) error {
	query := `
		INSERT INTO users (id, username, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, role = EXCLUDED.role
	`

	_, err := r.pool.Exec(ctx, query, rec.ID, rec.Username, rec.Role, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	return nil
}

// UpsertDevice creates the device or overwrites its replicated fields.
func (r *Repository) UpsertDevice(ctx context.Context, rec db.DeviceRecord) error {
	query := `
		INSERT INTO devices (id, name, description, max_consumption, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    description = EXCLUDED.description,
		    max_consumption = EXCLUDED.max_consumption
	`

	_, err := r.pool.Exec(ctx, query, rec.ID, rec.Name, rec.Description, rec.MaxConsumption, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

// EnsureAssignment materializes an assignment together with placeholder
// user and device records when the referenced entities have not arrived
// yet. The placeholder inserts are DO NOTHING, so a real record is never
// overwritten; a later *_created event upserts the real fields over the
// placeholder. All of it is one transaction.
func (r *Repository) EnsureAssignment(ctx context.Context, user db.UserRecord, device db.DeviceRecord) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, username, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, user.ID, user.Username, user.Role, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to ensure user: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO devices (id, name, description, max_consumption, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, device.ID, device.Name, device.Description, device.MaxConsumption, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to ensure device: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO user_device_mapping (id, user_id, device_id, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, device_id) DO NOTHING
	`, uuid.New(), user.ID, device.ID, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to ensure assignment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// DeleteDeviceCascade removes a device and any assignments still
// referencing it. A non-zero orphan count means unassignment events were
// lost or delayed; the caller raises the consistency warning.
func (r *Repository) DeleteDeviceCascade(ctx context.Context, deviceID uuid.UUID) (bool, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	orphanTag, err := tx.Exec(ctx, `DELETE FROM user_device_mapping WHERE device_id = $1`, deviceID)
	if err != nil {
		return false, 0, fmt.Errorf("failed to delete device assignments: %w", err)
	}

	deviceTag, err := tx.Exec(ctx, `DELETE FROM devices WHERE id = $1`, deviceID)
	if err != nil {
		return false, 0, fmt.Errorf("failed to delete device: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return deviceTag.RowsAffected() > 0, orphanTag.RowsAffected(), nil
}
