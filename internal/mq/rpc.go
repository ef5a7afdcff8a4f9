package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RPCRequest is the opaque remote-collaborator call shape used by saga
// steps: an HTTP-like method and path plus a JSON body.
type RPCRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// RPCReply carries the collaborator's 2xx-equivalent success signal.
type RPCReply struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ok reports whether the reply signals success.
func (r RPCReply) Ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// RPCClient implements request/reply over the broker with a correlation id
// and an exclusive reply queue. Each outstanding call registers its
// correlation id; the reply consumer dispatches responses back to the
// waiting caller. Calls that see no reply within the timeout fail as
// transient.
type RPCClient struct {
	channel    *amqp.Channel
	replyQueue string
	timeout    time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]chan RPCReply
	closed  bool
}

// NewRPCClient creates the client, declares its reply queue and starts the
// reply dispatcher.
func NewRPCClient(conn *Connection, timeout time.Duration, logger *zap.Logger) (*RPCClient, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // broker-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare reply queue: %w", err)
	}

	c := &RPCClient{
		channel:    ch,
		replyQueue: q.Name,
		timeout:    timeout,
		logger:     logger,
		pending:    make(map[string]chan RPCReply),
	}

	msgs, err := ch.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack: replies are not worth redelivering
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume reply queue: %w", err)
	}

	go c.dispatch(msgs)

	return c, nil
}

func (c *RPCClient) dispatch(msgs <-chan amqp.Delivery) {
	for msg := range msgs {
		var reply RPCReply
		if err := json.Unmarshal(msg.Body, &reply); err != nil {
			c.logger.Warn("discarding malformed rpc reply",
				zap.Error(err),
				zap.String("correlation_id", msg.CorrelationId),
			)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.CorrelationId]
		if ok {
			delete(c.pending, msg.CorrelationId)
		}
		c.mu.Unlock()

		if !ok {
			// Late reply after the caller timed out.
			c.logger.Debug("dropping reply with no waiting caller",
				zap.String("correlation_id", msg.CorrelationId))
			continue
		}
		ch <- reply
	}
}

// Call sends one request to the collaborator's queue and blocks for the
// correlated reply, bounded by the client timeout and the caller context.
func (c *RPCClient) Call(ctx context.Context, queue string, req RPCRequest) (RPCReply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RPCReply{}, fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	corrID := uuid.New().String()
	replyCh := make(chan RPCReply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return RPCReply{}, fmt.Errorf("rpc client is closed")
	}
	c.pending[corrID] = replyCh
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err = c.channel.PublishWithContext(
		ctx,
		"",    // default exchange
		queue, // routing key = collaborator queue
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: corrID,
			ReplyTo:       c.replyQueue,
			Body:          body,
			DeliveryMode:  amqp.Persistent,
		},
	)
	if err != nil {
		c.forget(corrID)
		return RPCReply{}, fmt.Errorf("failed to publish rpc request to %s: %w", queue, err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		c.forget(corrID)
		return RPCReply{}, fmt.Errorf("rpc call %s %s to %s timed out: %w", req.Method, req.Path, queue, ctx.Err())
	}
}

func (c *RPCClient) forget(corrID string) {
	c.mu.Lock()
	delete(c.pending, corrID)
	c.mu.Unlock()
}

// Close closes the client channel; outstanding calls fail on timeout.
func (c *RPCClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
