package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltsync/grid-sync-worker/internal/db"
	"github.com/voltsync/grid-sync-worker/internal/mq"
)

// ReplicaWriter is the slice of the replica store a collaborator needs to
// answer saga remote steps.
type ReplicaWriter interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.UserRecord, error)
	UpsertUser(ctx context.Context, rec db.UserRecord) error
	DeleteUser(ctx context.Context, id uuid.UUID) (bool, error)
}

// CollaboratorHandler serves the remote end of user sagas against this
// replica's store: create, update, delete and rollback. Deletes and
// rollbacks succeed on absent users so a coordinator retry or a redundant
// compensation cannot fail the whole saga.
type CollaboratorHandler struct {
	store  ReplicaWriter
	logger *zap.Logger
}

// NewCollaboratorHandler creates the handler.
func NewCollaboratorHandler(store ReplicaWriter, logger *zap.Logger) *CollaboratorHandler {
	return &CollaboratorHandler{store: store, logger: logger}
}

// Handle serves one collaborator request.
func (h *CollaboratorHandler) Handle(ctx context.Context, req mq.RPCRequest) mq.RPCReply {
	parts := strings.Split(strings.Trim(req.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "users" {
		return mq.RPCReply{Status: 404, Error: fmt.Sprintf("unknown path %q", req.Path)}
	}

	switch {
	case req.Method == "POST" && len(parts) == 2 && parts[1] == "create":
		return h.createUser(ctx, req.Body)
	case req.Method == "PUT" && len(parts) == 3 && parts[2] == "update":
		return h.updateUser(ctx, parts[1], req.Body)
	case req.Method == "DELETE" && len(parts) == 3 && parts[2] == "rollback":
		return h.deleteUser(ctx, parts[1])
	case req.Method == "DELETE" && len(parts) == 2:
		return h.deleteUser(ctx, parts[1])
	default:
		return mq.RPCReply{Status: 404, Error: fmt.Sprintf("unknown operation %s %s", req.Method, req.Path)}
	}
}

func (h *CollaboratorHandler) createUser(ctx context.Context, body json.RawMessage) mq.RPCReply {
	var payload struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return mq.RPCReply{Status: 400, Error: "malformed user payload"}
	}
	id, err := uuid.Parse(payload.ID)
	if err != nil {
		return mq.RPCReply{Status: 400, Error: "invalid user id"}
	}

	rec := db.UserRecord{ID: id, Username: payload.Username, Role: payload.Role}
	if err := h.store.UpsertUser(ctx, rec); err != nil {
		h.logger.Error("collaborator create failed", zap.Error(err), zap.String("user_id", payload.ID))
		return mq.RPCReply{Status: 500, Error: err.Error()}
	}

	h.logger.Info("replicated user via saga call", zap.String("user_id", payload.ID))
	return mq.RPCReply{Status: 201}
}

func (h *CollaboratorHandler) updateUser(ctx context.Context, rawID string, body json.RawMessage) mq.RPCReply {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return mq.RPCReply{Status: 400, Error: "invalid user id"}
	}

	var payload struct {
		Username *string `json:"username"`
		Role     *string `json:"role"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return mq.RPCReply{Status: 400, Error: "malformed user payload"}
	}

	existing, err := h.store.GetUser(ctx, id)
	if err != nil {
		return mq.RPCReply{Status: 500, Error: err.Error()}
	}
	if existing == nil {
		return mq.RPCReply{Status: 404, Error: fmt.Sprintf("user %s not found", id)}
	}

	rec := *existing
	if payload.Username != nil {
		rec.Username = *payload.Username
	}
	if payload.Role != nil {
		rec.Role = *payload.Role
	}

	if err := h.store.UpsertUser(ctx, rec); err != nil {
		h.logger.Error("collaborator update failed", zap.Error(err), zap.String("user_id", rawID))
		return mq.RPCReply{Status: 500, Error: err.Error()}
	}

	return mq.RPCReply{Status: 200}
}

func (h *CollaboratorHandler) deleteUser(ctx context.Context, rawID string) mq.RPCReply {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return mq.RPCReply{Status: 400, Error: "invalid user id"}
	}

	deleted, err := h.store.DeleteUser(ctx, id)
	if err != nil {
		h.logger.Error("collaborator delete failed", zap.Error(err), zap.String("user_id", rawID))
		return mq.RPCReply{Status: 500, Error: err.Error()}
	}
	if !deleted {
		h.logger.Debug("user already absent, delete is a no-op", zap.String("user_id", rawID))
	}

	return mq.RPCReply{Status: 200}
}
