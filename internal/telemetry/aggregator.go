// Package telemetry folds raw device readings into hourly consumption
// buckets. Each aggregator instance serves one shard and consumes only
// the readings the hash router assigned to it.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltsync/grid-sync-worker/internal/db"
	"github.com/voltsync/grid-sync-worker/internal/errdef"
	"github.com/voltsync/grid-sync-worker/internal/event"
	"github.com/voltsync/grid-sync-worker/tools/timeparser"
)

// readingNamespace seeds the deterministic reading ids. A redelivered
// message hashes to the same id, which is what makes the bucket fold
// idempotent.
var readingNamespace = uuid.MustParse("9a1e5f46-32a5-4c3f-8d28-6f1be06dd581")

// Store persists one reading and its bucket increment atomically.
// applied=false means the reading already landed on an earlier delivery.
type Store interface {
	ApplyReading(ctx context.Context, reading db.RawReading, fold bool) (bool, error)
}

// Aggregator is the sequential worker behind one shard's ingest queue.
type Aggregator struct {
	store     Store
	validator *Validator
	shard     int
	logger    *zap.Logger
}

// NewAggregator creates an aggregator for one shard
func NewAggregator(store Store, validator *Validator, shard int, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:     store,
		validator: validator,
		shard:     shard,
		logger:    logger.With(zap.Int("shard", shard)),
	}
}

// HandleMessage folds one telemetry reading into its hourly bucket.
func (a *Aggregator) HandleMessage(ctx context.Context, body []byte) error {
	var msg event.Reading
	if err := json.Unmarshal(body, &msg); err != nil {
		return errdef.Terminal(fmt.Errorf("failed to unmarshal reading: %w", err))
	}

	deviceID, err := uuid.Parse(msg.DeviceID)
	if err != nil {
		return errdef.Terminal(fmt.Errorf("invalid device id %q", msg.DeviceID))
	}

	receivedAt := time.Now()
	reading := db.RawReading{
		ID:               ReadingID(msg),
		DeviceID:         deviceID,
		MeasurementValue: msg.MeasurementValue,
		ValidationStatus: db.StatusValid,
		ReceivedAt:       receivedAt,
	}

	timestamp, err := timeparser.ParseReadingTimestamp(msg.Timestamp)
	if err != nil {
		// Unparseable timestamps keep the reading out of the buckets but
		// are still persisted against the receive time for inspection.
		reason := fmt.Sprintf("invalid timestamp format: %v", err)
		reading.Timestamp = receivedAt
		reading.ValidationStatus = db.StatusInvalid
		reading.AnomalyReason = &reason
	} else {
		reading.Timestamp = timestamp
		if result := a.validator.Validate(msg.MeasurementValue, timestamp, receivedAt); !result.IsValid {
			reading.ValidationStatus = db.StatusInvalid
			reading.AnomalyReason = &result.Reason
		}
	}

	applied, err := a.store.ApplyReading(ctx, reading, reading.ValidationStatus == db.StatusValid)
	if err != nil {
		return err
	}
	if !applied {
		a.logger.Debug("duplicate reading, bucket unchanged",
			zap.String("device_id", msg.DeviceID),
			zap.String("reading_id", reading.ID.String()),
		)
		return nil
	}

	a.logger.Info("reading aggregated",
		zap.String("device_id", msg.DeviceID),
		zap.Float64("value", msg.MeasurementValue),
		zap.String("status", reading.ValidationStatus),
	)
	return nil
}

// ReadingID derives the deterministic idempotency key for a reading from
// its content: the same message always maps to the same id.
func ReadingID(msg event.Reading) uuid.UUID {
	key := fmt.Sprintf("%s|%s|%g", msg.DeviceID, msg.Timestamp, msg.MeasurementValue)
	return uuid.NewSHA1(readingNamespace, []byte(key))
}
