package mq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler processes one message body. sourceKey identifies the
// delivery for idempotency and may be empty.
type MessageHandler func(ctx context.Context, body []byte, sourceKey string) error

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       MessageHandler
	// Permanent reports errors that must not be retried; such messages are
	// dead-lettered on first failure.
	Permanent func(error) bool
}

// Consumer delivers queue messages to a MessageHandler with manual acks.
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	prefetchCount int
	logger        *zap.Logger
	handler       MessageHandler
	permanent     func(error) bool
}

// NewConsumer declares the exchange, the ingest queue and its dead-letter
// queue, and binds them.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 10
	}

	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, cfg); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return newConsumer(ch, cfg), nil
}

func newConsumer(ch *amqp.Channel, cfg ConsumerConfig) *Consumer {
	permanent := cfg.Permanent
	if permanent == nil {
		permanent = func(error) bool { return false }
	}
	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger.Named("amqp"),
		handler:       cfg.Handler,
		permanent:     permanent,
	}
}

func declareTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", cfg.DLQQueue, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// Start begins consuming in a background goroutine that ends with ctx or
// when the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.logger.Info("consumer started", zap.String("queue", c.queue), zap.Int("prefetch", c.prefetchCount))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("delivery channel closed")
					return
				}
				c.processMessage(ctx, msg)
			}
		}
	}()
	return nil
}

// processMessage acks on success. A permanent failure, or a second failure of
// a redelivered message, is nacked without requeue so the broker dead-letters
// it; other failures are requeued once.
func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	err := c.handler(ctx, msg.Body, sourceKey(msg))
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error("ack failed", zap.Error(ackErr))
		}
		return
	}
	if errors.Is(err, context.Canceled) {
		_ = msg.Nack(false, true)
		return
	}

	requeue := !c.permanent(err) && !msg.Redelivered
	c.logger.Warn("message handling failed",
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.MessageId),
		zap.Bool("requeue", requeue),
		zap.Error(err))
	if nackErr := msg.Nack(false, requeue); nackErr != nil {
		c.logger.Error("nack failed", zap.Error(nackErr))
	}
}

func sourceKey(msg amqp.Delivery) string {
	if msg.MessageId == "" {
		return ""
	}
	return "amqp:" + msg.MessageId
}

// Close closes the consumer channel.
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
