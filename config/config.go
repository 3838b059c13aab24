package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/apex/log"

	"waste-pricing/signals"
)

// Config holds all configuration for the pricing service
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Server configuration
	Port string

	// RabbitMQ configuration
	AMQPHost            string
	AMQPPort            string
	AMQPUser            string
	AMQPPassword        string
	Exchange            string
	SubmittedQueue      string
	SubmittedRoutingKey string
	PricedRoutingKey    string
	WorkerPoolSize      int
	Prefetch            int

	// Vision configuration
	GeminiAPIKey      string
	GeminiModel       string
	VisionConcurrency int
	VisionRPS         float64

	// Pricing configuration
	MinReward             float64
	MaxReward             float64
	PointsPerCurrencyUnit float64
	ColdStartConfidence   float64

	// Training configuration
	MinTrainingRecords int
	TrainingLimit      int
	RetrainInterval    time.Duration

	// Context signals
	S2Level             int
	DemandWindow        time.Duration
	DefaultLocationRisk float64
	SeasonalFactors     signals.SeasonalTable

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "cleanapp"),

		// Server defaults
		Port: getEnv("PORT", "8080"),

		// RabbitMQ defaults
		AMQPHost:            getEnv("AMQP_HOST", "localhost"),
		AMQPPort:            getEnv("AMQP_PORT", "5672"),
		AMQPUser:            getEnv("AMQP_USER", "guest"),
		AMQPPassword:        getEnv("AMQP_PASSWORD", "guest"),
		Exchange:            getEnv("RABBITMQ_EXCHANGE", "cleanapp"),
		SubmittedQueue:      getEnv("RABBITMQ_SUBMITTED_QUEUE", "cleanup-request-pricing"),
		SubmittedRoutingKey: getEnv("RABBITMQ_SUBMITTED_ROUTING_KEY", "cleanup_request.submitted"),
		PricedRoutingKey:    getEnv("RABBITMQ_PRICED_ROUTING_KEY", "cleanup_request.priced"),
		WorkerPoolSize:      getIntEnv("RABBITMQ_WORKERS", 4),
		Prefetch:            getIntEnv("RABBITMQ_PREFETCH", 8),

		// Vision defaults
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		VisionConcurrency: getIntEnv("VISION_CONCURRENCY", 4),
		VisionRPS:         getFloatEnv("VISION_RPS", 2),

		// Pricing defaults
		MinReward:             getFloatEnv("MIN_REWARD", 5),
		MaxReward:             getFloatEnv("MAX_REWARD", 500),
		PointsPerCurrencyUnit: getFloatEnv("POINTS_PER_CURRENCY_UNIT", 10),
		ColdStartConfidence:   getFloatEnv("COLD_START_CONFIDENCE", 0.3),

		// Training defaults
		MinTrainingRecords: getIntEnv("MIN_TRAINING_RECORDS", 30),
		TrainingLimit:      getIntEnv("TRAINING_LIMIT", 50000),
		RetrainInterval:    getDurationEnv("RETRAIN_INTERVAL", 24*time.Hour),

		// Context signal defaults
		S2Level:             getIntEnv("S2_LEVEL", signals.DefaultCellLevel),
		DemandWindow:        getDurationEnv("DEMAND_WINDOW", signals.DefaultDemandWindow),
		DefaultLocationRisk: getFloatEnv("DEFAULT_LOCATION_RISK", 1),
		SeasonalFactors:     getSeasonalEnv("SEASONAL_FACTORS", signals.DefaultSeasonalTable),

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return config
}

// AMQPURL returns the RabbitMQ connection URL.
func (c *Config) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", c.AMQPUser, c.AMQPPassword, c.AMQPHost, c.AMQPPort)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getSeasonalEnv(key string, defaultValue signals.SeasonalTable) signals.SeasonalTable {
	if value := os.Getenv(key); value != "" {
		table, err := signals.ParseSeasonalTable(value)
		if err == nil {
			return table
		}
		log.Warnf("Ignoring %s: %v", key, err)
	}
	return defaultValue
}
