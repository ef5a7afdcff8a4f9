package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection is the single broker connection every consumer, publisher
// and RPC endpoint of this worker multiplexes channels over.
type Connection struct {
	conn   *amqp.Connection
	logger *zap.Logger
}

// NewConnection dials the broker and ties the connection to the
// application lifecycle.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to RabbitMQ: %w", err)
	}

	c := &Connection{conn: conn, logger: logger}

	// A dropped connection takes every channel with it. Kubernetes (or
	// whatever supervises the process) handles the restart; here we only
	// make the cause visible.
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			logger.Error("rabbitmq connection lost", zap.Error(err))
		}
	}()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connection established")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return c, nil
}

// Channel opens a new channel on the shared connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}
