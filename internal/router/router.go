// Package router shards the raw telemetry stream. Every reading consumed
// from the shared device-data queue is forwarded to the ingest queue of
// the shard the hash ring assigns its device to, which gives each device
// a stable home and FIFO ordering within its shard.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/voltsync/grid-sync-worker/internal/errdef"
	"github.com/voltsync/grid-sync-worker/internal/event"
	"github.com/voltsync/grid-sync-worker/internal/ring"
)

// QueuePublisher is the slice of the broker publisher the router needs.
type QueuePublisher interface {
	DeclareQueue(queue, dlqQueue string) error
	PublishToQueue(ctx context.Context, queue string, body []byte) error
}

// Router forwards readings to per-shard ingest queues.
type Router struct {
	ring        *ring.Ring
	publisher   QueuePublisher
	queuePrefix string
	dlqQueue    string
	logger      *zap.Logger
}

// NewRouter creates a router and declares the ingest queue of every shard
// currently on the ring, so a reading never races its queue's existence.
// dlqQueue must be the same DLQ the shard consumers declare against their
// ingest queues; the broker rejects mismatched re-declares.
func NewRouter(r *ring.Ring, publisher QueuePublisher, queuePrefix, dlqQueue string, logger *zap.Logger) (*Router, error) {
	rt := &Router{
		ring:        r,
		publisher:   publisher,
		queuePrefix: queuePrefix,
		dlqQueue:    dlqQueue,
		logger:      logger,
	}

	for _, shard := range r.Shards() {
		if err := publisher.DeclareQueue(rt.ingestQueue(shard), dlqQueue); err != nil {
			return nil, fmt.Errorf("failed to declare ingest queue for shard %d: %w", shard, err)
		}
	}

	return rt, nil
}

// HandleMessage routes one telemetry message. The body is forwarded
// untouched; only the device id is inspected.
func (rt *Router) HandleMessage(ctx context.Context, body []byte) error {
	var msg event.Reading
	if err := json.Unmarshal(body, &msg); err != nil {
		return errdef.Terminal(fmt.Errorf("failed to unmarshal reading: %w", err))
	}
	if msg.DeviceID == "" {
		return errdef.Terminal(fmt.Errorf("reading has no device_id"))
	}

	shard := rt.ring.Route(msg.DeviceID)
	queue := rt.ingestQueue(shard)

	if err := rt.publisher.PublishToQueue(ctx, queue, body); err != nil {
		// Broker trouble is transient; the message requeues and is
		// routed again on redelivery.
		return err
	}

	rt.logger.Debug("reading routed",
		zap.String("device_id", msg.DeviceID),
		zap.Int("shard", shard),
	)
	return nil
}

func (rt *Router) ingestQueue(shard int) string {
	return fmt.Sprintf("%s%d", rt.queuePrefix, shard)
}
