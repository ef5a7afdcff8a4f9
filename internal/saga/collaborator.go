package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voltsync/grid-sync-worker/internal/mq"
)

// Collaborator is the remote end of a saga step: an opaque synchronous
// call expected to answer with a 2xx-equivalent success signal within the
// step timeout. Any other reply, a transport error or a timeout counts as
// step failure.
type Collaborator interface {
	Call(ctx context.Context, method, path string, body any) error
}

// amqpCollaborator routes collaborator calls over the broker using the
// correlation-id/reply-queue protocol, keeping the messaging architecture
// without fixed "assumed success" delays.
type amqpCollaborator struct {
	client *mq.RPCClient
	queue  string
}

// NewAMQPCollaborator binds a collaborator to its request queue.
func NewAMQPCollaborator(client *mq.RPCClient, queue string) Collaborator {
	return &amqpCollaborator{client: client, queue: queue}
}

func (a *amqpCollaborator) Call(ctx context.Context, method, path string, body any) error {
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal collaborator request body: %w", err)
		}
		raw = b
	}

	reply, err := a.client.Call(ctx, a.queue, mq.RPCRequest{
		Method: method,
		Path:   path,
		Body:   raw,
	})
	if err != nil {
		return err
	}
	if !reply.Ok() {
		return fmt.Errorf("%s %s rejected by %s with status %d: %s",
			method, path, a.queue, reply.Status, reply.Error)
	}
	return nil
}
