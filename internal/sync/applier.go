// Package sync applies broadcast entity-lifecycle events to this
// replica's read-model. Delivery is at-least-once and unordered across
// subscriptions, so every apply is idempotent and tolerates events
// arriving out of order.
package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltsync/grid-sync-worker/internal/db"
	"github.com/voltsync/grid-sync-worker/internal/errdef"
	"github.com/voltsync/grid-sync-worker/internal/event"
	"github.com/voltsync/grid-sync-worker/internal/logging"
)

// ReplicaStore is the local store the applier writes to. Every method is
// one atomic transaction; the applier acknowledges only after it returns.
type ReplicaStore interface {
	UpsertUser(ctx context.Context, rec db.UserRecord) error
	DeleteUser(ctx context.Context, id uuid.UUID) (bool, error)
	UpsertDevice(ctx context.Context, rec db.DeviceRecord) error
	DeleteDeviceCascade(ctx context.Context, deviceID uuid.UUID) (bool, int64, error)
	EnsureAssignment(ctx context.Context, user db.UserRecord, device db.DeviceRecord) (bool, error)
	DeleteAssignment(ctx context.Context, userID, deviceID uuid.UUID) (bool, error)
}

// Applier is the sequential worker behind this replica's sync
// subscription.
type Applier struct {
	store  ReplicaStore
	logger *zap.Logger
}

// NewApplier creates an applier
func NewApplier(store ReplicaStore, logger *zap.Logger) *Applier {
	return &Applier{store: store, logger: logger}
}

// HandleMessage applies one sync event. Unparseable payloads are terminal
// (dropped, never redelivered); store failures are transient and requeue.
func (a *Applier) HandleMessage(ctx context.Context, body []byte) error {
	env, err := event.Decode(body)
	if err != nil {
		return errdef.Terminal(err)
	}

	logger := logging.WithEventType(a.logger, env.Type)

	switch env.Type {
	case event.TypeUserCreated, event.TypeUserUpdated:
		return a.applyUserUpsert(ctx, logger, env)
	case event.TypeUserDeleted:
		return a.applyUserDelete(ctx, logger, env)
	case event.TypeDeviceCreated, event.TypeDeviceUpdated:
		return a.applyDeviceUpsert(ctx, logger, env)
	case event.TypeDeviceDeleted:
		return a.applyDeviceDelete(ctx, logger, env)
	case event.TypeDeviceAssigned:
		return a.applyAssignment(ctx, logger, env)
	case event.TypeDeviceUnassigned:
		return a.applyUnassignment(ctx, logger, env)
	default:
		logger.Warn("unknown event type, dropping")
		return nil
	}
}

func (a *Applier) applyUserUpsert(ctx context.Context, logger *zap.Logger, env *event.Envelope) error {
	data, err := event.DecodeData[event.UserData](env)
	if err != nil {
		return errdef.Terminal(err)
	}
	id, err := uuid.Parse(data.ID)
	if err != nil {
		return errdef.Terminal(fmt.Errorf("invalid user id %q", data.ID))
	}

	// Upsert makes redelivery and _updated-before-_created both converge
	// on the most recently applied fields.
	if err := a.store.UpsertUser(ctx, db.UserRecord{
		ID:       id,
		Username: data.Username,
		Role:     data.Role,
	}); err != nil {
		return err
	}

	logger.Info("applied user upsert", zap.String("user_id", data.ID))
	return nil
}

func (a *Applier) applyUserDelete(ctx context.Context, logger *zap.Logger, env *event.Envelope) error {
	data, err := event.DecodeData[event.DeletedData](env)
	if err != nil {
		return errdef.Terminal(err)
	}
	id, err := uuid.Parse(data.ID)
	if err != nil {
		return errdef.Terminal(fmt.Errorf("invalid user id %q", data.ID))
	}

	deleted, err := a.store.DeleteUser(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		// Already applied on a previous delivery.
		logger.Debug("user already deleted", zap.String("user_id", data.ID))
		return nil
	}

	logger.Info("applied user delete", zap.String("user_id", data.ID))
	return nil
}

func (a *Applier) applyDeviceUpsert(ctx context.Context, logger *zap.Logger, env *event.Envelope) error {
	data, err := event.DecodeData[event.DeviceData](env)
	if err != nil {
		return errdef.Terminal(err)
	}
	id, err := uuid.Parse(data.ID)
	if err != nil {
		return errdef.Terminal(fmt.Errorf("invalid device id %q", data.ID))
	}

	if err := a.store.UpsertDevice(ctx, db.DeviceRecord{
		ID:             id,
		Name:           data.Name,
		Description:    data.Description,
		MaxConsumption: data.MaxConsumption,
	}); err != nil {
		return err
	}

	logger.Info("applied device upsert", zap.String("device_id", data.ID))
	return nil
}

func (a *Applier) applyDeviceDelete(ctx context.Context, logger *zap.Logger, env *event.Envelope) error {
	data, err := event.DecodeData[event.DeletedData](env)
	if err != nil {
		return errdef.Terminal(err)
	}
	id, err := uuid.Parse(data.ID)
	if err != nil {
		return errdef.Terminal(fmt.Errorf("invalid device id %q", data.ID))
	}

	deleted, orphans, err := a.store.DeleteDeviceCascade(ctx, id)
	if err != nil {
		return err
	}
	if orphans > 0 {
		// Assignments outlived their device: unassignment events were
		// lost or delayed. The cascade already removed them; record the
		// repair.
		logger.Warn("removed orphaned assignments for deleted device",
			zap.String("device_id", data.ID),
			zap.Int64("orphans", orphans),
		)
	}
	if !deleted {
		logger.Debug("device already deleted", zap.String("device_id", data.ID))
		return nil
	}

	logger.Info("applied device delete", zap.String("device_id", data.ID))
	return nil
}

func (a *Applier) applyAssignment(ctx context.Context, logger *zap.Logger, env *event.Envelope) error {
	data, err := event.DecodeData[event.AssignmentData](env)
	if err != nil {
		return errdef.Terminal(err)
	}
	userID, err := uuid.Parse(data.UserID)
	if err != nil {
		return errdef.Terminal(fmt.Errorf("invalid user id %q", data.UserID))
	}
	deviceID, err := uuid.Parse(data.DeviceID)
	if err != nil {
		return errdef.Terminal(fmt.Errorf("invalid device id %q", data.DeviceID))
	}

	// When the referenced entities have not been materialized yet the
	// store inserts these placeholders, keeping the assignment
	// structurally valid until the real *_created events arrive.
	created, err := a.store.EnsureAssignment(ctx,
		placeholderUser(userID),
		placeholderDevice(deviceID),
	)
	if err != nil {
		return err
	}
	if !created {
		logger.Debug("assignment already exists",
			zap.String("user_id", data.UserID),
			zap.String("device_id", data.DeviceID),
		)
		return nil
	}

	logger.Info("applied assignment",
		zap.String("user_id", data.UserID),
		zap.String("device_id", data.DeviceID),
	)
	return nil
}

func (a *Applier) applyUnassignment(ctx context.Context, logger *zap.Logger, env *event.Envelope) error {
	data, err := event.DecodeData[event.AssignmentData](env)
	if err != nil {
		return errdef.Terminal(err)
	}
	userID, err := uuid.Parse(data.UserID)
	if err != nil {
		return errdef.Terminal(fmt.Errorf("invalid user id %q", data.UserID))
	}
	deviceID, err := uuid.Parse(data.DeviceID)
	if err != nil {
		return errdef.Terminal(fmt.Errorf("invalid device id %q", data.DeviceID))
	}

	deleted, err := a.store.DeleteAssignment(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if !deleted {
		logger.Debug("assignment already removed",
			zap.String("user_id", data.UserID),
			zap.String("device_id", data.DeviceID),
		)
		return nil
	}

	logger.Info("applied unassignment",
		zap.String("user_id", data.UserID),
		zap.String("device_id", data.DeviceID),
	)
	return nil
}

func placeholderUser(id uuid.UUID) db.UserRecord {
	return db.UserRecord{
		ID:       id,
		Username: "user_" + id.String()[:8],
		Role:     db.RoleClient,
	}
}

func placeholderDevice(id uuid.UUID) db.DeviceRecord {
	return db.DeviceRecord{
		ID:          id,
		Name:        "Device_" + id.String()[:8],
		Description: "placeholder pending device_created",
	}
}
