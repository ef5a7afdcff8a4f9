package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltsync/grid-sync-worker/internal/db"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Repository handles database operations for the owning store and the
// replica read-model. Owner-store mutations run against the same tables
// the replication applier maintains; only the owner writes credential and
// price columns.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateUser inserts a user into the owning store.
func (r *Repository) CreateUser(ctx context.Context, rec db.UserRecord) error {
	query := `
		INSERT INTO users (id, username, role, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query, rec.ID, rec.Username, rec.Role, rec.PasswordHash, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUser fetches a user by id; a missing user returns (nil, nil).
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*db.UserRecord, error) {
	query := `
		SELECT id, username, role, password_hash, created_at
		FROM users
		WHERE id = $1
	`

	var rec db.UserRecord
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.Username,
		&rec.Role,
		&rec.PasswordHash,
		&rec.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	return &rec, nil
}

// UpdateUser overwrites the mutable user fields. A nil PasswordHash keeps
// the stored credential.
func (r *Repository) UpdateUser(ctx context.Context, rec db.UserRecord) error {
	query := `
		UPDATE users
		SET username = $2, role = $3, password_hash = COALESCE($4, password_hash)
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, rec.ID, rec.Username, rec.Role, rec.PasswordHash)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found", rec.ID)
	}

	return nil
}

// DeleteUser removes a user if present and reports whether a row existed.
func (r *Repository) DeleteUser(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete user: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateDevice inserts a device into the owning store.
func (r *Repository) CreateDevice(ctx context.Context, rec db.DeviceRecord) error {
	query := `
		INSERT INTO devices (id, name, description, max_consumption, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query, rec.ID, rec.Name, rec.Description, rec.MaxConsumption, rec.Price, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	return nil
}

// GetDevice fetches a device by id; a missing device returns (nil, nil).
func (r *Repository) GetDevice(ctx context.Context, id uuid.UUID) (*db.DeviceRecord, error) {
	query := `
		SELECT id, name, description, max_consumption, price, created_at
		FROM devices
		WHERE id = $1
	`

	var rec db.DeviceRecord
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.Name,
		&rec.Description,
		&rec.MaxConsumption,
		&rec.Price,
		&rec.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	return &rec, nil
}

// UpdateDevice overwrites the mutable device fields.
func (r *Repository) UpdateDevice(ctx context.Context, rec db.DeviceRecord) error {
	query := `
		UPDATE devices
		SET name = $2, description = $3, max_consumption = $4, price = COALESCE($5, price)
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, rec.ID, rec.Name, rec.Description, rec.MaxConsumption, rec.Price)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device %s not found", rec.ID)
	}

	return nil
}

// DeleteDevice removes a device if present and reports whether a row
// existed.
func (r *Repository) DeleteDevice(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete device: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateAssignment links a user to a device. The pair is unique; an
// existing link reports created=false.
func (r *Repository) CreateAssignment(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	query := `
		INSERT INTO user_device_mapping (id, user_id, device_id, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, device_id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query, uuid.New(), userID, deviceID, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to create assignment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteAssignment unlinks a user from a device; absence reports
// deleted=false.
func (r *Repository) DeleteAssignment(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	query := `DELETE FROM user_device_mapping WHERE user_id = $1 AND device_id = $2`

	tag, err := r.pool.Exec(ctx, query, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to delete assignment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeviceAssignments lists all assignments referencing a device.
func (r *Repository) DeviceAssignments(ctx context.Context, deviceID uuid.UUID) ([]db.Assignment, error) {
	query := `
		SELECT id, user_id, device_id, assigned_at
		FROM user_device_mapping
		WHERE device_id = $1
	`

	return r.queryAssignments(ctx, query, deviceID)
}

// UserAssignments lists all assignments referencing a user.
func (r *Repository) UserAssignments(ctx context.Context, userID uuid.UUID) ([]db.Assignment, error) {
	query := `
		SELECT id, user_id, device_id, assigned_at
		FROM user_device_mapping
		WHERE user_id = $1
	`

	return r.queryAssignments(ctx, query, userID)
}

func (r *Repository) queryAssignments(ctx context.Context, query string, arg any) ([]db.Assignment, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var assignments []db.Assignment
	for rows.Next() {
		var a db.Assignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.DeviceID, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return assignments, nil
}
