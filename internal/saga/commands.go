package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltsync/grid-sync-worker/internal/errdef"
)

// Command actions accepted on the saga command queue.
const (
	ActionCreateUser     = "create_user"
	ActionUpdateUser     = "update_user"
	ActionDeleteUser     = "delete_user"
	ActionCreateDevice   = "create_device"
	ActionUpdateDevice   = "update_device"
	ActionDeleteDevice   = "delete_device"
	ActionAssignDevice   = "assign_device"
	ActionUnassignDevice = "unassign_device"
)

// Command is the wire shape of one saga command: {action, data}.
type Command struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// CommandHandler drives the coordinator from the command queue. A failed
// saga has already compensated, so its message is acknowledged rather
// than requeued; requeueing would re-run the whole saga.
type CommandHandler struct {
	coord  *Coordinator
	logger *zap.Logger
}

// NewCommandHandler creates the handler.
func NewCommandHandler(coord *Coordinator, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{coord: coord, logger: logger}
}

// HandleMessage processes one command message.
func (h *CommandHandler) HandleMessage(ctx context.Context, body []byte) error {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return errdef.Terminal(fmt.Errorf("failed to unmarshal command: %w", err))
	}

	logger := h.logger.With(zap.String("action", cmd.Action))

	switch cmd.Action {
	case ActionCreateUser:
		var in CreateUserInput
		if err := json.Unmarshal(cmd.Data, &in); err != nil {
			return errdef.Terminal(fmt.Errorf("malformed %s data: %w", cmd.Action, err))
		}
		_, out := h.coord.CreateUser(ctx, in)
		h.report(logger, out)

	case ActionUpdateUser:
		var in struct {
			ID string `json:"id"`
			UpdateUserInput
		}
		if err := json.Unmarshal(cmd.Data, &in); err != nil {
			return errdef.Terminal(fmt.Errorf("malformed %s data: %w", cmd.Action, err))
		}
		id, err := uuid.Parse(in.ID)
		if err != nil {
			return errdef.Terminal(fmt.Errorf("invalid user id %q", in.ID))
		}
		_, out := h.coord.UpdateUser(ctx, id, in.UpdateUserInput)
		h.report(logger, out)

	case ActionDeleteUser:
		id, err := parseIDData(cmd.Data)
		if err != nil {
			return errdef.Terminal(err)
		}
		h.report(logger, h.coord.DeleteUser(ctx, id))

	case ActionCreateDevice:
		var in CreateDeviceInput
		if err := json.Unmarshal(cmd.Data, &in); err != nil {
			return errdef.Terminal(fmt.Errorf("malformed %s data: %w", cmd.Action, err))
		}
		_, out := h.coord.CreateDevice(ctx, in)
		h.report(logger, out)

	case ActionUpdateDevice:
		var in struct {
			ID string `json:"id"`
			UpdateDeviceInput
		}
		if err := json.Unmarshal(cmd.Data, &in); err != nil {
			return errdef.Terminal(fmt.Errorf("malformed %s data: %w", cmd.Action, err))
		}
		id, err := uuid.Parse(in.ID)
		if err != nil {
			return errdef.Terminal(fmt.Errorf("invalid device id %q", in.ID))
		}
		_, out := h.coord.UpdateDevice(ctx, id, in.UpdateDeviceInput)
		h.report(logger, out)

	case ActionDeleteDevice:
		id, err := parseIDData(cmd.Data)
		if err != nil {
			return errdef.Terminal(err)
		}
		h.report(logger, h.coord.DeleteDevice(ctx, id))

	case ActionAssignDevice, ActionUnassignDevice:
		var in struct {
			UserID   string `json:"user_id"`
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(cmd.Data, &in); err != nil {
			return errdef.Terminal(fmt.Errorf("malformed %s data: %w", cmd.Action, err))
		}
		userID, err := uuid.Parse(in.UserID)
		if err != nil {
			return errdef.Terminal(fmt.Errorf("invalid user id %q", in.UserID))
		}
		deviceID, err := uuid.Parse(in.DeviceID)
		if err != nil {
			return errdef.Terminal(fmt.Errorf("invalid device id %q", in.DeviceID))
		}
		if cmd.Action == ActionAssignDevice {
			_, err = h.coord.AssignDevice(ctx, userID, deviceID)
		} else {
			_, err = h.coord.UnassignDevice(ctx, userID, deviceID)
		}
		if err != nil {
			// Store errors here are transient: the write never happened,
			// so redelivery retries it safely.
			return err
		}

	default:
		logger.Warn("unknown command action, dropping")
	}

	return nil
}

func (h *CommandHandler) report(logger *zap.Logger, out Outcome) {
	if out.OK {
		logger.Info("saga completed")
		return
	}
	logger.Warn("saga failed",
		zap.String("state", string(out.State)),
		zap.String("failed_step", out.FailedStep),
		zap.Bool("partial_rollback", out.PartialRollback),
		zap.Error(out.Err),
	)
}

func parseIDData(data json.RawMessage) (uuid.UUID, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return uuid.Nil, fmt.Errorf("malformed command data: %w", err)
	}
	id, err := uuid.Parse(payload.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid entity id %q", payload.ID)
	}
	return id, nil
}
