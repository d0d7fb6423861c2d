package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the road defect pipeline service
type Config struct {
	// Server configuration
	Port string

	// MongoDB configuration
	MongoURI     string
	DatabaseName string

	// RabbitMQ configuration
	RabbitMQHost       string
	RabbitMQPort       string
	RabbitMQUser       string
	RabbitMQPassword   string
	RabbitMQExchange   string
	RabbitMQQueue      string
	RabbitMQRoutingKey string

	// Detection configuration
	DetectorURL         string
	ConfidenceThreshold float64

	// Dedup / aggregation radii (meters)
	DefectRadius float64
	StreetRadius float64

	// Processed-image callback
	CallbackURL        string
	CallbackRetries    int
	CallbackBackoff    time.Duration
	ProcessedImagesDir string

	// Outbound call timeout (spatial store and detector round trips)
	RequestTimeout time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is honored when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port: getEnv("PORT", "8080"),

		MongoURI:     getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		DatabaseName: getEnv("DATABASE_NAME", "roaddefects"),

		RabbitMQHost:       getEnv("RABBITMQ_HOST", "rabbitmq"),
		RabbitMQPort:       getEnv("RABBITMQ_PORT", "5672"),
		RabbitMQUser:       getEnv("RABBITMQ_USER", "guest"),
		RabbitMQPassword:   getEnv("RABBITMQ_PASSWORD", "guest"),
		RabbitMQExchange:   getEnv("RABBITMQ_EXCHANGE", "road-defects"),
		RabbitMQQueue:      getEnv("RABBITMQ_QUEUE", "images"),
		RabbitMQRoutingKey: getEnv("RABBITMQ_ROUTING_KEY", "defect-report"),

		DetectorURL:         getEnv("DETECTOR_URL", "http://localhost:9090"),
		ConfidenceThreshold: getFloatEnv("CONFIDENCE_THRESHOLD", 0.65),

		DefectRadius: getFloatEnv("DEFECT_RADIUS_METERS", 10),
		StreetRadius: getFloatEnv("STREET_RADIUS_METERS", 30),

		CallbackURL:        getEnv("CALLBACK_URL", "http://localhost:8080"),
		CallbackRetries:    getIntEnv("CALLBACK_RETRIES", 3),
		CallbackBackoff:    getDurationEnv("CALLBACK_BACKOFF", 5*time.Second),
		ProcessedImagesDir: getEnv("PROCESSED_IMAGES_DIR", "services/imgs"),

		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 30*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// GetAMQPURL builds the AMQP connection URL from the RabbitMQ settings
func (c *Config) GetAMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		c.RabbitMQUser, c.RabbitMQPassword, c.RabbitMQHost, c.RabbitMQPort)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

// getFloatEnv gets a float environment variable or returns a default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
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
