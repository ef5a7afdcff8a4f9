package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RPCHandler serves one collaborator request and returns the reply to send
// back on the caller's reply queue.
type RPCHandler func(ctx context.Context, req RPCRequest) RPCReply

// RPCServer answers saga remote-step calls on a durable request queue.
// Requests are served sequentially (prefetch 1) and acknowledged after the
// reply has been published.
type RPCServer struct {
	channel *amqp.Channel
	queue   string
	handler RPCHandler
	logger  *zap.Logger
}

// NewRPCServer declares the request queue and prepares the server.
func NewRPCServer(conn *Connection, queue string, handler RPCHandler, logger *zap.Logger) (*RPCServer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare rpc queue: %w", err)
	}

	return &RPCServer{
		channel: ch,
		queue:   queue,
		handler: handler,
		logger:  logger,
	}, nil
}

// Start starts serving requests until the context is cancelled.
func (s *RPCServer) Start(ctx context.Context) error {
	msgs, err := s.channel.Consume(
		s.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming rpc queue: %w", err)
	}

	s.logger.Info("rpc server started", zap.String("queue", s.queue))

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("rpc server context cancelled, stopping",
					zap.String("queue", s.queue))
				return
			case msg, ok := <-msgs:
				if !ok {
					s.logger.Warn("rpc request channel closed",
						zap.String("queue", s.queue))
					return
				}
				s.serve(ctx, msg)
			}
		}
	}()

	return nil
}

func (s *RPCServer) serve(ctx context.Context, msg amqp.Delivery) {
	var reply RPCReply

	var req RPCRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		s.logger.Error("malformed rpc request", zap.Error(err))
		reply = RPCReply{Status: 400, Error: "malformed request"}
	} else {
		reply = s.handler(ctx, req)
	}

	if msg.ReplyTo != "" {
		body, err := json.Marshal(reply)
		if err == nil {
			err = s.channel.PublishWithContext(
				ctx,
				"",          // default exchange
				msg.ReplyTo, // caller's reply queue
				false,       // mandatory
				false,       // immediate
				amqp.Publishing{
					ContentType:   "application/json",
					CorrelationId: msg.CorrelationId,
					Body:          body,
				},
			)
		}
		if err != nil {
			s.logger.Error("failed to send rpc reply",
				zap.Error(err),
				zap.String("reply_to", msg.ReplyTo),
			)
		}
	}

	if err := msg.Ack(false); err != nil {
		s.logger.Error("failed to ACK rpc request", zap.Error(err))
	}
}

// Close closes the server channel
func (s *RPCServer) Close() error {
	if s.channel != nil {
		return s.channel.Close()
	}
	return nil
}
