package event_test

import (
	"testing"

	"github.com/voltsync/grid-sync-worker/internal/event"
)

func TestDecode(t *testing.T) {
	body := []byte(`{"event_type":"user_created","data":{"id":"abc","username":"alice","role":"client"}}`)

	env, err := event.Decode(body)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != event.TypeUserCreated {
		t.Errorf("expected type %s, got %s", event.TypeUserCreated, env.Type)
	}

	data, err := event.DecodeData[event.UserData](env)
	if err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if data.ID != "abc" || data.Username != "alice" || data.Role != "client" {
		t.Errorf("unexpected payload: %+v", data)
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	if _, err := event.Decode([]byte(`{not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestDecode_MissingEventType(t *testing.T) {
	if _, err := event.Decode([]byte(`{"data":{"id":"abc"}}`)); err == nil {
		t.Error("expected error for envelope without event_type")
	}
}

func TestDecodeData_TypeMismatch(t *testing.T) {
	env, err := event.Decode([]byte(`{"event_type":"device_created","data":{"max_consumption":"a lot"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, err := event.DecodeData[event.DeviceData](env); err == nil {
		t.Error("expected error for mistyped payload field")
	}
}

func TestDecodeData_UnknownFieldsIgnored(t *testing.T) {
	// Producers may add fields; the applier only reads what it knows.
	env, err := event.Decode([]byte(`{"event_type":"device_assigned","data":{"user_id":"u","device_id":"d","assigned_by":"admin"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	data, err := event.DecodeData[event.AssignmentData](env)
	if err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if data.UserID != "u" || data.DeviceID != "d" {
		t.Errorf("unexpected payload: %+v", data)
	}
}
