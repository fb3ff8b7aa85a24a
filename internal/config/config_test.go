package config

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("PREDICTOR_URL", "")
	t.Setenv("REDIS_URL", "")

	cfg := Load()
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, StoragePostgres, cfg.StorageDriver)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.Equal(t, TransportKafka, cfg.IngestTransport)
	require.Equal(t, 2*time.Second, cfg.PredictorTimeout)
	require.Empty(t, cfg.PredictorURL)
	require.Empty(t, cfg.RedisURL)
	require.Equal(t, 500.0, cfg.DefaultCarbonBudget)
	require.Equal(t, 6, cfg.TrendMonths)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "Memory")
	t.Setenv("KAFKA_BROKERS", " k1:9092 , ,k2:9092")
	t.Setenv("INGEST_TRANSPORT", "AMQP")
	t.Setenv("PREDICTOR_TIMEOUT", "750ms")
	t.Setenv("DEFAULT_CARBON_BUDGET_KG", "320.5")
	t.Setenv("TREND_MONTHS", "not-a-number")
	t.Setenv("RABBITMQ_PREFETCH", "32")
	t.Setenv("TIMEZONE", "Asia/Kolkata")

	cfg := Load()
	require.Equal(t, StorageMemory, cfg.StorageDriver)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, TransportAMQP, cfg.IngestTransport)
	require.Equal(t, 750*time.Millisecond, cfg.PredictorTimeout)
	require.Equal(t, 320.5, cfg.DefaultCarbonBudget)
	require.Equal(t, 6, cfg.TrendMonths, "unparseable values fall back")
	require.Equal(t, 32, cfg.RabbitMQ.Prefetch)
	require.Equal(t, "Asia/Kolkata", cfg.Location().String())
}

func TestLocationFallsBackToLocal(t *testing.T) {
	require.Equal(t, time.Local, Config{Timezone: "Mars/Olympus"}.Location())
	require.Equal(t, time.Local, Config{}.Location())
}
