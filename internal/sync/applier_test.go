package sync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/voltsync/grid-sync-worker/internal/db"
	"github.com/voltsync/grid-sync-worker/internal/errdef"
	syncworker "github.com/voltsync/grid-sync-worker/internal/sync"
)

type assignmentKey struct {
	userID   uuid.UUID
	deviceID uuid.UUID
}

// memStore is an in-memory ReplicaStore with the same idempotency
// semantics as the SQL implementation.
type memStore struct {
	users       map[uuid.UUID]db.UserRecord
	devices     map[uuid.UUID]db.DeviceRecord
	assignments map[assignmentKey]bool

	failNext error
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[uuid.UUID]db.UserRecord),
		devices:     make(map[uuid.UUID]db.DeviceRecord),
		assignments: make(map[assignmentKey]bool),
	}
}

func (s *memStore) takeErr() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *memStore) UpsertUser(_ context.Context, rec db.UserRecord) error {
	if err := s.takeErr(); err != nil {
		return err
	}
	s.users[rec.ID] = rec
	return nil
}

func (s *memStore) DeleteUser(_ context.Context, id uuid.UUID) (bool, error) {
	if err := s.takeErr(); err != nil {
		return false, err
	}
	if _, ok := s.users[id]; !ok {
		return false, nil
	}
	delete(s.users, id)
	return true, nil
}

func (s *memStore) UpsertDevice(_ context.Context, rec db.DeviceRecord) error {
	if err := s.takeErr(); err != nil {
		return err
	}
	s.devices[rec.ID] = rec
	return nil
}

func (s *memStore) DeleteDeviceCascade(_ context.Context, deviceID uuid.UUID) (bool, int64, error) {
	if err := s.takeErr(); err != nil {
		return false, 0, err
	}
	var orphans int64
	for key := range s.assignments {
		if key.deviceID == deviceID {
			delete(s.assignments, key)
			orphans++
		}
	}
	if _, ok := s.devices[deviceID]; !ok {
		return false, orphans, nil
	}
	delete(s.devices, deviceID)
	return true, orphans, nil
}

func (s *memStore) EnsureAssignment(_ context.Context, user db.UserRecord, device db.DeviceRecord) (bool, error) {
	if err := s.takeErr(); err != nil {
		return false, err
	}
	if _, ok := s.users[user.ID]; !ok {
		s.users[user.ID] = user
	}
	if _, ok := s.devices[device.ID]; !ok {
		s.devices[device.ID] = device
	}
	key := assignmentKey{userID: user.ID, deviceID: device.ID}
	if s.assignments[key] {
		return false, nil
	}
	s.assignments[key] = true
	return true, nil
}

func (s *memStore) DeleteAssignment(_ context.Context, userID, deviceID uuid.UUID) (bool, error) {
	if err := s.takeErr(); err != nil {
		return false, err
	}
	key := assignmentKey{userID: userID, deviceID: deviceID}
	if !s.assignments[key] {
		return false, nil
	}
	delete(s.assignments, key)
	return true, nil
}

func newTestApplier(store *memStore) (*syncworker.Applier, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return syncworker.NewApplier(store, zap.New(core)), logs
}

func userCreatedBody(id uuid.UUID, username string) []byte {
	return []byte(fmt.Sprintf(
		`{"event_type":"user_created","data":{"id":%q,"username":%q,"role":"client"}}`,
		id, username,
	))
}

func deviceCreatedBody(id uuid.UUID, name string) []byte {
	return []byte(fmt.Sprintf(
		`{"event_type":"device_created","data":{"id":%q,"name":%q,"description":"garage meter","max_consumption":3.5}}`,
		id, name,
	))
}

func assignedBody(userID, deviceID uuid.UUID) []byte {
	return []byte(fmt.Sprintf(
		`{"event_type":"device_assigned","data":{"user_id":%q,"device_id":%q}}`,
		userID, deviceID,
	))
}

func TestApplier_UserCreatedIdempotent(t *testing.T) {
	store := newMemStore()
	applier, _ := newTestApplier(store)

	id := uuid.New()
	body := userCreatedBody(id, "alice")

	// At-least-once delivery: applying the same event twice converges on
	// the same single record.
	for i := 0; i < 2; i++ {
		if err := applier.HandleMessage(context.Background(), body); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	if len(store.users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(store.users))
	}
	if store.users[id].Username != "alice" {
		t.Errorf("expected username alice, got %q", store.users[id].Username)
	}
}

func TestApplier_UserUpdatedBeforeCreated(t *testing.T) {
	store := newMemStore()
	applier, _ := newTestApplier(store)

	id := uuid.New()
	updated := []byte(fmt.Sprintf(
		`{"event_type":"user_updated","data":{"id":%q,"username":"alice2","role":"admin"}}`, id))

	// Fan-out gives no ordering across event types; an update arriving
	// first still materializes the record.
	if err := applier.HandleMessage(context.Background(), updated); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	rec, ok := store.users[id]
	if !ok {
		t.Fatal("user_updated before user_created did not materialize the record")
	}
	if rec.Username != "alice2" || rec.Role != "admin" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestApplier_UserDeletedIdempotent(t *testing.T) {
	store := newMemStore()
	applier, _ := newTestApplier(store)

	id := uuid.New()
	if err := applier.HandleMessage(context.Background(), userCreatedBody(id, "bob")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	deleted := []byte(fmt.Sprintf(`{"event_type":"user_deleted","data":{"id":%q}}`, id))
	for i := 0; i < 2; i++ {
		if err := applier.HandleMessage(context.Background(), deleted); err != nil {
			t.Fatalf("delete delivery %d failed: %v", i+1, err)
		}
	}

	if len(store.users) != 0 {
		t.Errorf("expected no users after delete, got %d", len(store.users))
	}
}

func TestApplier_AssignmentBeforeEntities(t *testing.T) {
	store := newMemStore()
	applier, _ := newTestApplier(store)

	userID := uuid.New()
	deviceID := uuid.New()

	// device_assigned lands before either *_created event.
	if err := applier.HandleMessage(context.Background(), assignedBody(userID, deviceID)); err != nil {
		t.Fatalf("assignment failed: %v", err)
	}

	dev, ok := store.devices[deviceID]
	if !ok {
		t.Fatal("assignment did not materialize a placeholder device")
	}
	if dev.Name == "meter-42" {
		t.Fatal("placeholder unexpectedly carries final device fields")
	}
	if _, ok := store.users[userID]; !ok {
		t.Fatal("assignment did not materialize a placeholder user")
	}

	// The late device_created overwrites the placeholder in place.
	if err := applier.HandleMessage(context.Background(), deviceCreatedBody(deviceID, "meter-42")); err != nil {
		t.Fatalf("device_created failed: %v", err)
	}
	if len(store.devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(store.devices))
	}
	if got := store.devices[deviceID].Name; got != "meter-42" {
		t.Errorf("expected device_created to overwrite placeholder, got name %q", got)
	}

	// Redelivered assignment stays a no-op.
	if err := applier.HandleMessage(context.Background(), assignedBody(userID, deviceID)); err != nil {
		t.Fatalf("redelivered assignment failed: %v", err)
	}
	if len(store.assignments) != 1 {
		t.Errorf("expected 1 assignment, got %d", len(store.assignments))
	}
}

func TestApplier_DeviceDeletedRemovesOrphanedAssignments(t *testing.T) {
	store := newMemStore()
	applier, logs := newTestApplier(store)

	deviceID := uuid.New()
	userA := uuid.New()
	userB := uuid.New()

	ctx := context.Background()
	if err := applier.HandleMessage(ctx, deviceCreatedBody(deviceID, "meter-7")); err != nil {
		t.Fatalf("device_created failed: %v", err)
	}
	if err := applier.HandleMessage(ctx, assignedBody(userA, deviceID)); err != nil {
		t.Fatalf("assign A failed: %v", err)
	}
	if err := applier.HandleMessage(ctx, assignedBody(userB, deviceID)); err != nil {
		t.Fatalf("assign B failed: %v", err)
	}

	// device_deleted arrives with the unassignment events still in
	// flight; the cascade repairs the mappings itself.
	deleted := []byte(fmt.Sprintf(`{"event_type":"device_deleted","data":{"id":%q}}`, deviceID))
	if err := applier.HandleMessage(ctx, deleted); err != nil {
		t.Fatalf("device_deleted failed: %v", err)
	}

	if len(store.assignments) != 0 {
		t.Errorf("expected all assignments removed, %d remain", len(store.assignments))
	}
	if _, ok := store.devices[deviceID]; ok {
		t.Error("device still present after delete")
	}

	warned := logs.FilterMessage("removed orphaned assignments for deleted device")
	if warned.Len() != 1 {
		t.Fatalf("expected 1 orphan repair warning, got %d", warned.Len())
	}
	fields := warned.All()[0].ContextMap()
	if orphans, _ := fields["orphans"].(int64); orphans != 2 {
		t.Errorf("expected 2 orphans in warning, got %v", fields["orphans"])
	}
}

func TestApplier_UnassignmentIdempotent(t *testing.T) {
	store := newMemStore()
	applier, _ := newTestApplier(store)

	userID := uuid.New()
	deviceID := uuid.New()

	ctx := context.Background()
	if err := applier.HandleMessage(ctx, assignedBody(userID, deviceID)); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	unassigned := []byte(fmt.Sprintf(
		`{"event_type":"device_unassigned","data":{"user_id":%q,"device_id":%q}}`,
		userID, deviceID,
	))
	for i := 0; i < 2; i++ {
		if err := applier.HandleMessage(ctx, unassigned); err != nil {
			t.Fatalf("unassign delivery %d failed: %v", i+1, err)
		}
	}

	if len(store.assignments) != 0 {
		t.Errorf("expected no assignments, got %d", len(store.assignments))
	}
}

func TestApplier_MalformedPayloadIsTerminal(t *testing.T) {
	store := newMemStore()
	applier, _ := newTestApplier(store)

	cases := []struct {
		name string
		body []byte
	}{
		{"invalid json", []byte(`{not json`)},
		{"missing event type", []byte(`{"data":{"id":"x"}}`)},
		{"invalid user id", []byte(`{"event_type":"user_created","data":{"id":"not-a-uuid","username":"x","role":"client"}}`)},
		{"invalid device id", []byte(`{"event_type":"device_deleted","data":{"id":"nope"}}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := applier.HandleMessage(context.Background(), tc.body)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errdef.IsTerminal(err) {
				t.Errorf("expected terminal error, got transient: %v", err)
			}
		})
	}
}

func TestApplier_StoreFailureIsTransient(t *testing.T) {
	store := newMemStore()
	applier, _ := newTestApplier(store)

	store.failNext = errors.New("connection reset")
	err := applier.HandleMessage(context.Background(), userCreatedBody(uuid.New(), "carol"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errdef.IsTerminal(err) {
		t.Error("store failure must stay transient so the delivery requeues")
	}
}

func TestApplier_UnknownEventTypeDropped(t *testing.T) {
	store := newMemStore()
	applier, logs := newTestApplier(store)

	body := []byte(`{"event_type":"meter_rebooted","data":{}}`)
	if err := applier.HandleMessage(context.Background(), body); err != nil {
		t.Fatalf("unknown event must ack, got error: %v", err)
	}
	if logs.FilterMessage("unknown event type, dropping").Len() != 1 {
		t.Error("expected a warning for the unknown event type")
	}
}
