package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher publishes messages to RabbitMQ. It owns one channel and, when
// bound to an exchange, declares it durably on construction. Publishing to
// a plain queue goes through the default exchange with the queue name as
// routing key.
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// envelope is the broadcast message shape: {event_type, data}.
type envelope struct {
	EventType string `json:"event_type"`
	Data      any    `json:"data"`
}

// NewPublisher creates a new RabbitMQ publisher. exchange may be empty for
// a publisher that only targets queues directly; kind is the exchange type
// ("fanout" for the sync exchange, "topic" elsewhere).
func NewPublisher(conn *Connection, exchange, kind string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if exchange != "" {
		err = ch.ExchangeDeclare(
			exchange,
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

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// PublishEvent broadcasts a sync event on the publisher's exchange. The
// fanout exchange ignores the routing key, so every bound subscription
// receives one copy.
func (p *Publisher) PublishEvent(ctx context.Context, eventType string, data any) error {
	body, err := json.Marshal(envelope{EventType: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	if err := p.publish(ctx, p.exchange, "", body); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}

	p.logger.Debug("published sync event",
		zap.String("event_type", eventType),
		zap.String("exchange", p.exchange),
	)
	return nil
}

// PublishToQueue sends a raw body to a named queue through the default
// exchange.
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, body []byte) error {
	if err := p.publish(ctx, "", queue, body); err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", queue, err)
	}
	return nil
}

// DeclareQueue declares a durable work queue and its DLQ, typically an
// ingest queue the router will target. The arguments match what the
// consumer of the same queue declares; declaring the one queue with two
// different argument sets is a 406 channel error on the broker.
func (p *Publisher) DeclareQueue(queue, dlqQueue string) error {
	_, err := p.channel.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		deadLetterArgs(dlqQueue),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	_, err = p.channel.QueueDeclare(
		dlqQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", dlqQueue, err)
	}
	return nil
}

// deadLetterArgs is the single source of the work-queue declaration
// arguments: rejected deliveries route to the named DLQ through the
// default exchange.
func deadLetterArgs(dlqQueue string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQueue,
	}
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	return p.channel.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
