package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/voltsync/grid-sync-worker/internal/errdef"
)

// MessageHandler is a function that processes a message. Returning an
// error marked with errdef.Terminal dead-letters the message; any other
// error requeues it for redelivery.
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer runs one durable subscription with a single sequential worker.
// Messages are acknowledged only after the handler returns, so a crash
// mid-apply leads to redelivery, never loss.
type Consumer struct {
	conn             *Connection
	channel          *amqp.Channel
	queue            string
	dlqQueue         string
	exchange         string
	exchangeKind     string
	routingKey       string
	prefetchCount    int
	logger           *zap.Logger
	messageProcessor MessageHandler
}

// ConsumerConfig holds consumer configuration. Exchange may be empty when
// the queue is fed directly (ingest queues, RPC queues); ExchangeKind is
// "fanout" for broadcast subscriptions and "topic" otherwise.
type ConsumerConfig struct {
	Connection       *Connection
	Queue            string
	DLQQueue         string
	Exchange         string
	ExchangeKind     string
	RoutingKey       string
	PrefetchCount    int
	Logger           *zap.Logger
	MessageProcessor MessageHandler
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Set QoS (prefetch)
	err = ch.Qos(cfg.PrefetchCount, 0, false)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if cfg.Exchange != "" {
		kind := cfg.ExchangeKind
		if kind == "" {
			kind = "topic"
		}
		err = ch.ExchangeDeclare(
			cfg.Exchange,
			kind,
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to declare exchange: %w", err)
		}
	}

	// Declare main queue with dead-lettering. Every declarer of a work
	// queue (consumer, publisher, loadgen) must use these exact arguments:
	// RabbitMQ rejects a re-declare with inequivalent args.
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		deadLetterArgs(cfg.DLQQueue),
	)
	if err != nil {
		// The queue may predate the DLX convention (declared with no
		// args by an older deployment). The 406 that reports the
		// mismatch also closes the channel, so the plain re-declare
		// needs a fresh one.
		cfg.Logger.Warn("failed to declare queue with DLX, trying without DLX",
			zap.Error(err))
		ch.Close()
		ch, err = cfg.Connection.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to reopen channel: %w", err)
		}
		if err = ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
		_, err = ch.QueueDeclare(
			cfg.Queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // no arguments
		)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to declare queue: %w", err)
		}
	}

	// Declare DLQ
	_, err = ch.QueueDeclare(
		cfg.DLQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	if cfg.Exchange != "" {
		// Bind queue to exchange; fanout exchanges ignore the routing key
		err = ch.QueueBind(
			cfg.Queue,
			cfg.RoutingKey,
			cfg.Exchange,
			false,
			nil,
		)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to bind queue: %w", err)
		}
	}

	return &Consumer{
		conn:             cfg.Connection,
		channel:          ch,
		queue:            cfg.Queue,
		dlqQueue:         cfg.DLQQueue,
		exchange:         cfg.Exchange,
		exchangeKind:     cfg.ExchangeKind,
		routingKey:       cfg.RoutingKey,
		prefetchCount:    cfg.PrefetchCount,
		logger:           cfg.Logger,
		messageProcessor: cfg.MessageProcessor,
	}, nil
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping",
					zap.String("queue", c.queue))
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed",
						zap.String("queue", c.queue))
					return
				}
				c.processMessage(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	c.logger.Debug("received message from queue",
		zap.String("queue", c.queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)

	err := c.messageProcessor(ctx, msg.Body)
	if err != nil {
		if errdef.IsTerminal(err) {
			// Poison message: dead-letter without redelivery so it cannot
			// loop through the queue forever.
			c.logger.Error("dropping message after terminal failure",
				zap.Error(err),
				zap.String("queue", c.queue),
			)
			if nackErr := msg.Nack(false, false); nackErr != nil {
				c.logger.Error("failed to NACK message", zap.Error(nackErr))
			}
			return
		}

		// Transient failure: requeue for redelivery.
		c.logger.Warn("requeueing message after transient failure",
			zap.Error(err),
			zap.String("queue", c.queue),
		)
		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	// ACK only after the handler (and its local transaction) finished.
	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
