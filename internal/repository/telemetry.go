package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/voltsync/grid-sync-worker/internal/db"
)

// ApplyReading persists one raw reading and, when fold is true, adds it to
// the matching hourly bucket. Both writes share one transaction, and the
// raw insert is keyed by the reading's deterministic id, so a redelivered
// message that already landed changes nothing and reports applied=false.
func (r *Repository) ApplyReading(ctx context.Context, reading db.RawReading, fold bool) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO device_measurements (
			id, device_id, timestamp, measurement_value,
			validation_status, anomaly_reason, received_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`,
		reading.ID,
		reading.DeviceID,
		reading.Timestamp,
		reading.MeasurementValue,
		reading.ValidationStatus,
		reading.AnomalyReason,
		reading.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert reading: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Duplicate delivery: the bucket already counted this reading.
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return false, nil
	}

	if fold {
		ts := reading.Timestamp.UTC()
		date := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)

		_, err = tx.Exec(ctx, `
			INSERT INTO hourly_energy_consumption (
				device_id, date, hour, total_consumption, measurement_count, updated_at
			)
			VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (device_id, date, hour) DO UPDATE
			SET total_consumption = hourly_energy_consumption.total_consumption + EXCLUDED.total_consumption,
			    measurement_count = hourly_energy_consumption.measurement_count + 1,
			    updated_at = EXCLUDED.updated_at
		`,
			reading.DeviceID,
			date,
			ts.Hour(),
			reading.MeasurementValue,
			time.Now(),
		)
		if err != nil {
			return false, fmt.Errorf("failed to update hourly bucket: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}
