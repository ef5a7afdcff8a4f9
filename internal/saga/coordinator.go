package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltsync/grid-sync-worker/internal/auth"
	"github.com/voltsync/grid-sync-worker/internal/db"
	"github.com/voltsync/grid-sync-worker/internal/event"
	"github.com/voltsync/grid-sync-worker/internal/logging"
)

// OwnerStore is the local, authoritative store the coordinator mutates
// first. Remote collaborators and the event fabric replicate from it.
type OwnerStore interface {
	CreateUser(ctx context.Context, rec db.UserRecord) error
	GetUser(ctx context.Context, id uuid.UUID) (*db.UserRecord, error)
	UpdateUser(ctx context.Context, rec db.UserRecord) error
	DeleteUser(ctx context.Context, id uuid.UUID) (bool, error)

	CreateDevice(ctx context.Context, rec db.DeviceRecord) error
	GetDevice(ctx context.Context, id uuid.UUID) (*db.DeviceRecord, error)
	UpdateDevice(ctx context.Context, rec db.DeviceRecord) error
	DeleteDevice(ctx context.Context, id uuid.UUID) (bool, error)

	CreateAssignment(ctx context.Context, userID, deviceID uuid.UUID) (bool, error)
	DeleteAssignment(ctx context.Context, userID, deviceID uuid.UUID) (bool, error)
	DeviceAssignments(ctx context.Context, deviceID uuid.UUID) ([]db.Assignment, error)
	UserAssignments(ctx context.Context, userID uuid.UUID) ([]db.Assignment, error)
}

// EventPublisher broadcasts domain events after a saga completes. Event
// emission is a best-effort notification, never a saga step: a publish
// failure does not roll back a completed saga.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, data any) error
}

// Coordinator executes entity writes as sagas: local mutation first, then
// the remote collaborator steps in a fixed order, with reverse-order
// compensation on failure. One run per logical write, executed to
// completion before returning.
type Coordinator struct {
	store   OwnerStore
	users   Collaborator
	devices Collaborator
	events  EventPublisher
	locks   *keyedMutex
	logger  *zap.Logger
}

// NewCoordinator creates a saga coordinator
func NewCoordinator(store OwnerStore, users, devices Collaborator, events EventPublisher, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		users:   users,
		devices: devices,
		events:  events,
		locks:   newKeyedMutex(),
		logger:  logger,
	}
}

// CreateUserInput carries the fields for a user-creation saga. ID is
// optional: a caller that supplies one makes the create idempotent under
// command redelivery, since the second run conflicts on the same key
// instead of minting a fresh entity.
type CreateUserInput struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	FirstName string `json:"fname"`
	LastName  string `json:"lname"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// UpdateUserInput carries the optional fields of a user-update saga; nil
// fields are left unchanged.
type UpdateUserInput struct {
	Username *string `json:"username"`
	Role     *string `json:"role"`
	Password *string `json:"password"`
}

// CreateDeviceInput carries the fields for a device-creation saga. ID is
// optional, with the same redelivery semantics as CreateUserInput.ID.
type CreateDeviceInput struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	MaxConsumption float64 `json:"max_consumption"`
	Price          float64 `json:"price"`
}

// createID resolves an optional caller-supplied entity id.
func createID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid entity id %q", raw)
	}
	return id, nil
}

// UpdateDeviceInput carries the optional fields of a device-update saga.
type UpdateDeviceInput struct {
	Name           *string  `json:"name"`
	Description    *string  `json:"description"`
	MaxConsumption *float64 `json:"max_consumption"`
	Price          *float64 `json:"price"`
}

// CreateUser creates a user in the owning store, then in the user and
// device collaborators. Any failed step deletes what the earlier steps
// created.
func (c *Coordinator) CreateUser(ctx context.Context, in CreateUserInput) (*db.UserRecord, Outcome) {
	role := in.Role
	if role == "" {
		role = db.RoleClient
	}
	if role != db.RoleAdmin && role != db.RoleClient {
		return nil, failed(fmt.Errorf("invalid role %q", in.Role))
	}
	if in.Username == "" {
		return nil, failed(fmt.Errorf("username is required"))
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, failed(err)
	}

	id, err := createID(in.ID)
	if err != nil {
		return nil, failed(err)
	}
	unlock := c.locks.Lock("user:" + id.String())
	defer unlock()

	rec := db.UserRecord{
		ID:           id,
		Username:     in.Username,
		Role:         role,
		PasswordHash: &hash,
		CreatedAt:    time.Now(),
	}
	logger := logging.WithSaga(c.logger, "user_create", id.String())

	steps := []Step{
		{
			Name: "create user in owning store",
			Do: func(ctx context.Context) error {
				return c.store.CreateUser(ctx, rec)
			},
			Undo: func(ctx context.Context) error {
				_, err := c.store.DeleteUser(ctx, id)
				return err
			},
		},
		{
			Name: "create user in user service",
			Do: func(ctx context.Context) error {
				return c.users.Call(ctx, "POST", "/users/create/", map[string]any{
					"id":       id.String(),
					"username": rec.Username,
					"role":     rec.Role,
					"fname":    in.FirstName,
					"lname":    in.LastName,
					"email":    in.Email,
					"phone":    in.Phone,
				})
			},
			Undo: func(ctx context.Context) error {
				return c.users.Call(ctx, "DELETE", "/users/"+id.String()+"/rollback/", nil)
			},
		},
		{
			Name: "create user in device service",
			Do: func(ctx context.Context) error {
				return c.devices.Call(ctx, "POST", "/users/create/", map[string]any{
					"id":       id.String(),
					"username": rec.Username,
					"role":     rec.Role,
				})
			},
			Undo: func(ctx context.Context) error {
				return c.devices.Call(ctx, "DELETE", "/users/"+id.String()+"/rollback/", nil)
			},
		},
	}

	out := run(ctx, logger, steps)
	if !out.OK {
		return nil, out
	}

	c.emit(ctx, logger, event.TypeUserCreated, event.UserData{
		ID:       id.String(),
		Username: rec.Username,
		Role:     rec.Role,
	})
	return &rec, out
}

// UpdateUser updates a user everywhere; compensation restores the
// snapshot taken before the local mutation.
func (c *Coordinator) UpdateUser(ctx context.Context, id uuid.UUID, in UpdateUserInput) (*db.UserRecord, Outcome) {
	unlock := c.locks.Lock("user:" + id.String())
	defer unlock()

	old, err := c.store.GetUser(ctx, id)
	if err != nil {
		return nil, failed(err)
	}
	if old == nil {
		return nil, failed(fmt.Errorf("user %s not found", id))
	}

	updated := *old
	if in.Username != nil {
		updated.Username = *in.Username
	}
	if in.Role != nil {
		if *in.Role != db.RoleAdmin && *in.Role != db.RoleClient {
			return nil, failed(fmt.Errorf("invalid role %q", *in.Role))
		}
		updated.Role = *in.Role
	}
	if in.Password != nil {
		hash, err := auth.HashPassword(*in.Password)
		if err != nil {
			return nil, failed(err)
		}
		updated.PasswordHash = &hash
	}

	logger := logging.WithSaga(c.logger, "user_update", id.String())
	remote := map[string]any{
		"username": updated.Username,
		"role":     updated.Role,
	}
	remoteOld := map[string]any{
		"username": old.Username,
		"role":     old.Role,
	}

	steps := []Step{
		{
			Name: "update user in owning store",
			Do: func(ctx context.Context) error {
				return c.store.UpdateUser(ctx, updated)
			},
			Undo: func(ctx context.Context) error {
				return c.store.UpdateUser(ctx, *old)
			},
		},
		{
			Name: "update user in user service",
			Do: func(ctx context.Context) error {
				return c.users.Call(ctx, "PUT", "/users/"+id.String()+"/update/", remote)
			},
			Undo: func(ctx context.Context) error {
				return c.users.Call(ctx, "PUT", "/users/"+id.String()+"/update/", remoteOld)
			},
		},
		{
			Name: "update user in device service",
			Do: func(ctx context.Context) error {
				return c.devices.Call(ctx, "PUT", "/users/"+id.String()+"/update/", remote)
			},
			Undo: func(ctx context.Context) error {
				return c.devices.Call(ctx, "PUT", "/users/"+id.String()+"/update/", remoteOld)
			},
		},
	}

	out := run(ctx, logger, steps)
	if !out.OK {
		return nil, out
	}

	c.emit(ctx, logger, event.TypeUserUpdated, event.UserData{
		ID:       id.String(),
		Username: updated.Username,
		Role:     updated.Role,
	})
	return &updated, out
}

// DeleteUser removes a user downstream-first (device service drops the
// user's assignments, then user service, then the owning store) so no
// store is left holding a dangling reference. Locally the user's
// assignments go before the user row, and on success the fabric carries
// one device_unassigned per removed assignment followed by user_deleted.
// Remote deletions cannot be undone; a failure partway leaves a
// documented inconsistent state.
func (c *Coordinator) DeleteUser(ctx context.Context, id uuid.UUID) Outcome {
	unlock := c.locks.Lock("user:" + id.String())
	defer unlock()

	existing, err := c.store.GetUser(ctx, id)
	if err != nil {
		return failed(err)
	}
	if existing == nil {
		return failed(fmt.Errorf("user %s not found", id))
	}

	assignments, err := c.store.UserAssignments(ctx, id)
	if err != nil {
		return failed(err)
	}

	logger := logging.WithSaga(c.logger, "user_delete", id.String())

	steps := []Step{
		{
			Name: "delete user in device service",
			Do: func(ctx context.Context) error {
				return c.devices.Call(ctx, "DELETE", "/users/"+id.String()+"/", nil)
			},
		},
		{
			Name: "delete user in user service",
			Do: func(ctx context.Context) error {
				return c.users.Call(ctx, "DELETE", "/users/"+id.String()+"/", nil)
			},
		},
		{
			Name: "remove dependent assignments",
			Do: func(ctx context.Context) error {
				for _, a := range assignments {
					if _, err := c.store.DeleteAssignment(ctx, id, a.DeviceID); err != nil {
						return err
					}
				}
				return nil
			},
			Undo: func(ctx context.Context) error {
				for _, a := range assignments {
					if _, err := c.store.CreateAssignment(ctx, id, a.DeviceID); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name: "delete user in owning store",
			Do: func(ctx context.Context) error {
				_, err := c.store.DeleteUser(ctx, id)
				return err
			},
		},
	}

	out := run(ctx, logger, steps)
	if !out.OK {
		return out
	}

	for _, a := range assignments {
		c.emit(ctx, logger, event.TypeDeviceUnassigned, event.AssignmentData{
			UserID:   id.String(),
			DeviceID: a.DeviceID.String(),
		})
	}
	c.emit(ctx, logger, event.TypeUserDeleted, event.DeletedData{ID: id.String()})
	return out
}

// CreateDevice creates a device in the owning store and broadcasts it to
// the replicas through the fabric.
func (c *Coordinator) CreateDevice(ctx context.Context, in CreateDeviceInput) (*db.DeviceRecord, Outcome) {
	if in.Name == "" {
		return nil, failed(fmt.Errorf("device name is required"))
	}

	id, err := createID(in.ID)
	if err != nil {
		return nil, failed(err)
	}
	unlock := c.locks.Lock("device:" + id.String())
	defer unlock()

	price := in.Price
	rec := db.DeviceRecord{
		ID:             id,
		Name:           in.Name,
		Description:    in.Description,
		MaxConsumption: in.MaxConsumption,
		Price:          &price,
		CreatedAt:      time.Now(),
	}
	logger := logging.WithSaga(c.logger, "device_create", id.String())

	steps := []Step{
		{
			Name: "create device in owning store",
			Do: func(ctx context.Context) error {
				return c.store.CreateDevice(ctx, rec)
			},
			Undo: func(ctx context.Context) error {
				_, err := c.store.DeleteDevice(ctx, id)
				return err
			},
		},
	}

	out := run(ctx, logger, steps)
	if !out.OK {
		return nil, out
	}

	c.emit(ctx, logger, event.TypeDeviceCreated, deviceEventData(rec))
	return &rec, out
}

// UpdateDevice updates a device in the owning store, restoring the
// snapshot on failure.
func (c *Coordinator) UpdateDevice(ctx context.Context, id uuid.UUID, in UpdateDeviceInput) (*db.DeviceRecord, Outcome) {
	unlock := c.locks.Lock("device:" + id.String())
	defer unlock()

	old, err := c.store.GetDevice(ctx, id)
	if err != nil {
		return nil, failed(err)
	}
	if old == nil {
		return nil, failed(fmt.Errorf("device %s not found", id))
	}

	updated := *old
	if in.Name != nil {
		updated.Name = *in.Name
	}
	if in.Description != nil {
		updated.Description = *in.Description
	}
	if in.MaxConsumption != nil {
		updated.MaxConsumption = *in.MaxConsumption
	}
	if in.Price != nil {
		updated.Price = in.Price
	}

	logger := logging.WithSaga(c.logger, "device_update", id.String())

	steps := []Step{
		{
			Name: "update device in owning store",
			Do: func(ctx context.Context) error {
				return c.store.UpdateDevice(ctx, updated)
			},
			Undo: func(ctx context.Context) error {
				return c.store.UpdateDevice(ctx, *old)
			},
		},
	}

	out := run(ctx, logger, steps)
	if !out.OK {
		return nil, out
	}

	c.emit(ctx, logger, event.TypeDeviceUpdated, deviceEventData(updated))
	return &updated, out
}

// DeleteDevice removes a device: dependent assignments go first so no
// store ends up referencing a device that no longer exists, then the
// device record itself. On success the fabric carries one
// device_unassigned per removed assignment followed by device_deleted.
func (c *Coordinator) DeleteDevice(ctx context.Context, id uuid.UUID) Outcome {
	unlock := c.locks.Lock("device:" + id.String())
	defer unlock()

	old, err := c.store.GetDevice(ctx, id)
	if err != nil {
		return failed(err)
	}
	if old == nil {
		return failed(fmt.Errorf("device %s not found", id))
	}

	assignments, err := c.store.DeviceAssignments(ctx, id)
	if err != nil {
		return failed(err)
	}

	logger := logging.WithSaga(c.logger, "device_delete", id.String())

	steps := []Step{
		{
			Name: "remove dependent assignments",
			Do: func(ctx context.Context) error {
				for _, a := range assignments {
					if _, err := c.store.DeleteAssignment(ctx, a.UserID, id); err != nil {
						return err
					}
				}
				return nil
			},
			Undo: func(ctx context.Context) error {
				for _, a := range assignments {
					if _, err := c.store.CreateAssignment(ctx, a.UserID, id); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name: "delete device in owning store",
			Do: func(ctx context.Context) error {
				deleted, err := c.store.DeleteDevice(ctx, id)
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("device %s not found", id)
				}
				return nil
			},
			Undo: func(ctx context.Context) error {
				return c.store.CreateDevice(ctx, *old)
			},
		},
	}

	out := run(ctx, logger, steps)
	if !out.OK {
		return out
	}

	for _, a := range assignments {
		c.emit(ctx, logger, event.TypeDeviceUnassigned, event.AssignmentData{
			UserID:   a.UserID.String(),
			DeviceID: id.String(),
		})
	}
	c.emit(ctx, logger, event.TypeDeviceDeleted, event.DeletedData{ID: id.String()})
	return out
}

// AssignDevice links a user to a device. Assignments are direct writes,
// independent of the saga machinery; replicas learn about them through
// device_assigned.
func (c *Coordinator) AssignDevice(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, fmt.Errorf("user %s not found", userID)
	}
	device, err := c.store.GetDevice(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if device == nil {
		return false, fmt.Errorf("device %s not found", deviceID)
	}

	created, err := c.store.CreateAssignment(ctx, userID, deviceID)
	if err != nil {
		return false, err
	}
	if created {
		c.emit(ctx, c.logger, event.TypeDeviceAssigned, event.AssignmentData{
			UserID:   userID.String(),
			DeviceID: deviceID.String(),
		})
	}
	return created, nil
}

// UnassignDevice unlinks a user from a device; removing an absent
// assignment is a no-op.
func (c *Coordinator) UnassignDevice(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	deleted, err := c.store.DeleteAssignment(ctx, userID, deviceID)
	if err != nil {
		return false, err
	}
	if deleted {
		c.emit(ctx, c.logger, event.TypeDeviceUnassigned, event.AssignmentData{
			UserID:   userID.String(),
			DeviceID: deviceID.String(),
		})
	}
	return deleted, nil
}

func (c *Coordinator) emit(ctx context.Context, logger *zap.Logger, eventType string, data any) {
	if err := c.events.PublishEvent(ctx, eventType, data); err != nil {
		// Events are best-effort notifications; a publish failure never
		// rolls back the completed saga.
		logger.Warn("failed to publish domain event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func deviceEventData(rec db.DeviceRecord) event.DeviceData {
	return event.DeviceData{
		ID:             rec.ID.String(),
		Name:           rec.Name,
		Description:    rec.Description,
		MaxConsumption: rec.MaxConsumption,
	}
}
