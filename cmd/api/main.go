package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"example.com/ecoprogress/internal/api"
	"example.com/ecoprogress/internal/app"
	"example.com/ecoprogress/internal/auth"
	"example.com/ecoprogress/internal/config"
	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/outbox"
	httptransport "example.com/ecoprogress/internal/transport/http"
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
			newHTTPServer,
		),
		fx.Invoke(
			httptransport.Run,
			app.RunMetrics,
			startOutbox,
		),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := application.Start(startCtx); err != nil {
		fmt.Fprintln(os.Stderr, "start api:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "stop api:", err)
	}
}

func newHTTPServer(cfg config.Config, service *domain.Service, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	api.NewHandler(service, logger).RegisterRoutes(mux)

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.Method == http.MethodOptions
	})

	handler := api.RequestLogger(logger, cors(authMiddleware.Wrap(mux)))
	return httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), handler)
}

// Simple CORS middleware for local dev
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "http://localhost:5173")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// startOutbox runs the Kafka relay when events are stored in Postgres. The
// in-memory driver keeps no outbox.
func startOutbox(lc fx.Lifecycle, cfg config.Config, storage app.Storage, logger *zap.Logger) {
	if storage.Pool == nil {
		logger.Info("outbox dispatcher disabled for in-memory storage")
		return
	}

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL, 5*time.Second)
	dispatcher := outbox.NewDispatcher(storage.Pool, producer, registry, logger.Named("outbox"), cfg.OutboxPollInterval, cfg.OutboxBatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go dispatcher.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			dispatcher.Wait()
			return producer.Close()
		},
	})
}
