package db

import (
	"time"

	"github.com/google/uuid"
)

// User roles.
const (
	RoleAdmin  = "admin"
	RoleClient = "client"
)

// Reading validation statuses.
const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// UserRecord is a user row. PasswordHash is populated in the owning store
// only and never replicated.
type UserRecord struct {
	ID           uuid.UUID
	Username     string
	Role         string
	PasswordHash *string
	CreatedAt    time.Time
}

// DeviceRecord is a device row. Price is owner-store only.
type DeviceRecord struct {
	ID             uuid.UUID
	Name           string
	Description    string
	MaxConsumption float64
	Price          *float64
	CreatedAt      time.Time
}

// Assignment links one user to one device; the pair is unique, the
// relation many-to-many.
type Assignment struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	DeviceID   uuid.UUID
	AssignedAt time.Time
}

// RawReading is one immutable telemetry measurement. ID is a
// deterministic idempotency key derived from the reading's content, so a
// redelivered message maps to the same row.
type RawReading struct {
	ID               uuid.UUID
	DeviceID         uuid.UUID
	Timestamp        time.Time
	MeasurementValue float64
	ValidationStatus string
	AnomalyReason    *string
	ReceivedAt       time.Time
}

// HourlyBucket accumulates readings for one device-hour. The total equals
// the sum of all durably applied readings in that window.
type HourlyBucket struct {
	DeviceID         uuid.UUID
	Date             time.Time
	Hour             int
	TotalConsumption float64
	MeasurementCount int
	UpdatedAt        time.Time
}
