// Package mq consumes activity ingestion messages from RabbitMQ.
package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps a RabbitMQ connection whose lifetime follows the fx app.
type Connection struct {
	conn *amqp.Connection
}

// NewConnection dials url and closes the connection when the app stops.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("rabbitmq connection established")
			return nil
		},
		OnStop: func(context.Context) error {
			if err := conn.Close(); err != nil {
				logger.Error("close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return &Connection{conn: conn}, nil
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}
