package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"example.com/ecoprogress/internal/app"
	"example.com/ecoprogress/internal/config"
	"example.com/ecoprogress/internal/consumer"
	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/mq"
)

func main() {
	if path := app.LoadEnv(); path != "" {
		fmt.Printf("loaded environment from %s\n", path)
	}

	application := fx.New(
		fx.NopLogger,
		fx.Provide(
			config.Load,
			app.ProvideLogger,
			app.ProvideStorage,
			app.ProvideService,
			newIngestHandler,
		),
		fx.Invoke(
			app.RunMetrics,
			startIngest,
		),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := application.Start(startCtx); err != nil {
		fmt.Fprintln(os.Stderr, "start consumer:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "stop consumer:", err)
	}
}

func newIngestHandler(service *domain.Service, logger *zap.Logger) *consumer.IngestHandler {
	return consumer.NewIngestHandler(service, logger)
}

func startIngest(lc fx.Lifecycle, cfg config.Config, handler *consumer.IngestHandler, logger *zap.Logger) error {
	switch cfg.IngestTransport {
	case config.TransportKafka:
		startKafka(lc, cfg, handler, logger)
		return nil
	case config.TransportAMQP:
		return startAMQP(lc, cfg, handler, logger)
	default:
		return fmt.Errorf("unknown ingest transport %q", cfg.IngestTransport)
	}
}

func startKafka(lc fx.Lifecycle, cfg config.Config, handler *consumer.IngestHandler, logger *zap.Logger) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           cfg.IngestTopic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})
	proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(logger), consumer.WithRetry(3, 500*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("kafka ingest started", zap.String("topic", cfg.IngestTopic), zap.String("group", cfg.ConsumerGroupID))
			go func() {
				defer close(done)
				if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("kafka ingest stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return reader.Close()
		},
	})
}

func startAMQP(lc fx.Lifecycle, cfg config.Config, handler *consumer.IngestHandler, logger *zap.Logger) error {
	conn, err := mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
	if err != nil {
		return err
	}

	c, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.Queue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.Exchange,
		RoutingKey:    cfg.RabbitMQ.RoutingKey,
		PrefetchCount: cfg.RabbitMQ.Prefetch,
		Logger:        logger,
		Handler:       handler.Ingest,
		Permanent: func(err error) bool {
			return errors.Is(err, consumer.ErrRejected)
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("amqp ingest started", zap.String("queue", cfg.RabbitMQ.Queue), zap.Int("prefetch", cfg.RabbitMQ.Prefetch))
			return c.Start(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			return c.Close()
		},
	})
	return nil
}
