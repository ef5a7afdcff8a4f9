package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Ring        RingConfig
	Shard       ShardConfig
	Saga        SagaConfig
	Validation  ValidationConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection, exchange and queue settings
type RabbitMQConfig struct {
	URL                string
	SyncExchange       string
	SyncQueue          string
	SyncDLQQueue       string
	DeviceDataQueue    string
	DeviceDataDLQQueue string
	IngestQueuePrefix  string
	IngestDLQQueue     string
	CommandQueue       string
	CommandDLQQueue    string
	CollaboratorQueue  string
	UserServiceQueue   string
	DeviceServiceQueue string
	PrefetchCount      int
}

// RingConfig holds consistent-hash ring settings
type RingConfig struct {
	NumShards    int
	VirtualNodes int
}

// ShardConfig identifies which aggregation shard this replica serves
type ShardConfig struct {
	ID int
}

// SagaConfig holds saga coordinator settings
type SagaConfig struct {
	StepTimeoutSeconds int
}

// ValidationConfig holds telemetry validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "grid-sync-worker"),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:                getEnv("RABBITMQ_URL", ""),
			SyncExchange:       getEnv("RABBITMQ_SYNC_EXCHANGE", "sync_exchange"),
			SyncQueue:          getEnv("RABBITMQ_SYNC_QUEUE", "grid_sync.sync.queue"),
			SyncDLQQueue:       getEnv("RABBITMQ_SYNC_DLQ_QUEUE", "grid_sync.sync.dlq"),
			DeviceDataQueue:    getEnv("RABBITMQ_DEVICE_DATA_QUEUE", "device_data_queue"),
			DeviceDataDLQQueue: getEnv("RABBITMQ_DEVICE_DATA_DLQ_QUEUE", "device_data_queue.dlq"),
			IngestQueuePrefix:  getEnv("RABBITMQ_INGEST_QUEUE_PREFIX", "ingest_queue_"),
			IngestDLQQueue:     getEnv("RABBITMQ_INGEST_DLQ_QUEUE", "ingest_queue.dlq"),
			CommandQueue:       getEnv("RABBITMQ_COMMAND_QUEUE", "grid_sync.saga.commands"),
			CommandDLQQueue:    getEnv("RABBITMQ_COMMAND_DLQ_QUEUE", "grid_sync.saga.commands.dlq"),
			CollaboratorQueue:  getEnv("RABBITMQ_COLLABORATOR_QUEUE", "grid_sync.collaborator.rpc"),
			UserServiceQueue:   getEnv("RABBITMQ_USER_SERVICE_QUEUE", "user_service.rpc"),
			DeviceServiceQueue: getEnv("RABBITMQ_DEVICE_SERVICE_QUEUE", "device_service.rpc"),
			PrefetchCount:      getEnvAsInt("RABBITMQ_PREFETCH", 1),
		},
		Ring: RingConfig{
			NumShards:    getEnvAsInt("RING_NUM_SHARDS", 3),
			VirtualNodes: getEnvAsInt("RING_VIRTUAL_NODES", 150),
		},
		Shard: ShardConfig{
			ID: getEnvAsInt("SHARD_ID", 1),
		},
		Saga: SagaConfig{
			StepTimeoutSeconds: getEnvAsInt("SAGA_STEP_TIMEOUT_SECONDS", 5),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 10080),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.Shard.ID < 1 || cfg.Shard.ID > cfg.Ring.NumShards {
		return nil, fmt.Errorf("SHARD_ID %d is outside the configured ring (1..%d)", cfg.Shard.ID, cfg.Ring.NumShards)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
