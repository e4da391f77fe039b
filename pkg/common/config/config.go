package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers     []string
	KafkaGroupID     string
	ImportEventTopic string

	// Import pipeline
	UploadDir              string
	WorkerScript           string
	WorkerInterpreters     []string
	WorkerRequiredModules  []string
	WorkerTimeout          time.Duration
	WorkerPartialExitCode  int
	StalenessCeiling       time.Duration
	PostProcessJobTimeout  time.Duration
	PostProcessSlowTimeout time.Duration

	// Mapping
	MappingVocabularyPath string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 16*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "stockpilot"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "stockpilot123"),
		PostgresDB:       getEnv("POSTGRES_DB", "stockpilot"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:     getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "stockpilot-platform"),
		ImportEventTopic: getEnv("IMPORT_EVENT_TOPIC", "import-events"),

		UploadDir:              getEnv("UPLOAD_DIR", "/var/lib/stockpilot/uploads"),
		WorkerScript:           getEnv("WORKER_SCRIPT", "/opt/stockpilot/loader/bulk_loader.py"),
		WorkerInterpreters:     getStringSliceEnv("WORKER_INTERPRETERS", []string{"/usr/local/bin/python3", "/usr/bin/python3", "python3"}),
		WorkerRequiredModules:  getStringSliceEnv("WORKER_REQUIRED_MODULES", []string{"pandas", "openpyxl", "psycopg2"}),
		WorkerTimeout:          getDuration("WORKER_TIMEOUT", 30*time.Minute),
		WorkerPartialExitCode:  getIntEnv("WORKER_PARTIAL_EXIT_CODE", 3),
		StalenessCeiling:       getDuration("IMPORT_STALENESS_CEILING", 30*time.Minute),
		PostProcessJobTimeout:  getDuration("POST_PROCESS_JOB_TIMEOUT", 60*time.Second),
		PostProcessSlowTimeout: getDuration("POST_PROCESS_SLOW_JOB_TIMEOUT", 90*time.Second),

		MappingVocabularyPath: getEnv("MAPPING_VOCABULARY_PATH", ""),
	}
}

// PostgresDSN renders the DSN handed to gorm and to the bulk-loader process.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.PostgresHost,
		c.PostgresUser,
		c.PostgresPassword,
		c.PostgresDB,
		c.PostgresPort,
		c.PostgresSSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
