package event

import (
	"encoding/json"
	"fmt"
)

// Sync event types broadcast on the fanout exchange.
const (
	TypeUserCreated      = "user_created"
	TypeUserUpdated      = "user_updated"
	TypeUserDeleted      = "user_deleted"
	TypeDeviceCreated    = "device_created"
	TypeDeviceUpdated    = "device_updated"
	TypeDeviceDeleted    = "device_deleted"
	TypeDeviceAssigned   = "device_assigned"
	TypeDeviceUnassigned = "device_unassigned"
)

// Envelope is the wire shape of every sync event.
type Envelope struct {
	Type string          `json:"event_type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a raw message body into an envelope.
func Decode(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("event envelope missing event_type")
	}
	return &env, nil
}

// DecodeData parses the envelope payload into the given type.
func DecodeData[T any](env *Envelope) (T, error) {
	var data T
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return data, fmt.Errorf("failed to unmarshal %s data: %w", env.Type, err)
	}
	return data, nil
}

// UserData is the payload of user_created / user_updated. Credential
// material never leaves the owning store.
type UserData struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// DeviceData is the payload of device_created / device_updated. Price is
// owner-store only and is not replicated.
type DeviceData struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	MaxConsumption float64 `json:"max_consumption"`
}

// AssignmentData is the payload of device_assigned / device_unassigned.
type AssignmentData struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// DeletedData is the payload of user_deleted / device_deleted.
type DeletedData struct {
	ID string `json:"id"`
}

// Reading is a raw telemetry message from the device data queue.
type Reading struct {
	Timestamp        string  `json:"timestamp"`
	DeviceID         string  `json:"device_id"`
	MeasurementValue float64 `json:"measurement_value"`
}
