package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS         KMSConfig
	Keys        KeysConfig
	OTP         OTPConfig
	Guard       GuardConfig
	Token       TokenConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
	// Timeout applied to every ephemeral-store call. Operations that blow
	// this budget fail fast so the caller can degrade to durable storage.
	OpTimeout time.Duration
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers         []string
	EscalationTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
	AuditTable string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type KeysConfig struct {
	// MasterSecret seeds local HKDF key derivation when KMS is disabled.
	MasterSecret  string
	ActiveKeyID   string
	RetiredKeyIDs []string
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
}

type OTPConfig struct {
	Digits        int
	TTL           time.Duration
	MaxAttempts   int
	ReissueWindow time.Duration
}

type GuardConfig struct {
	IdentitySendCeiling int
	OriginSendCeiling   int
	SendWindow          time.Duration
	LockoutThreshold    int
	LockoutDuration     time.Duration
}

type TokenConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	cfg  *Config
	once sync.Once
)

// LoadConfig reads configuration from the environment, loading a .env file
// first in non-production environments.
func LoadConfig() *Config {
	once.Do(func() {
		env := getEnv("APP_ENV", "development")
		if env != "production" {
			_ = godotenv.Load()
		}

		cfg = &Config{
			Environment: env,
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:       getEnv("REDIS_URL", "redis://localhost:6379"),
				Password:  getEnv("REDIS_PASSWORD", ""),
				DB:        getEnvInt("REDIS_DB", 0),
				PoolSize:  getEnvInt("REDIS_POOL_SIZE", 50),
				OpTimeout: getEnvDuration("REDIS_OP_TIMEOUT", 5*time.Second),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "authcore"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:         getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
				EscalationTopic: getEnv("KAFKA_ESCALATION_TOPIC", "auth-security-escalations"),
			},
			Clickhouse: ClickhouseConfig{
				URL:        getEnv("CLICKHOUSE_URL", "localhost:9000"),
				Database:   getEnv("CLICKHOUSE_DATABASE", "authcore"),
				Username:   getEnv("CLICKHOUSE_USERNAME", "default"),
				Password:   getEnv("CLICKHOUSE_PASSWORD", ""),
				AuditTable: getEnv("CLICKHOUSE_AUDIT_TABLE", "audit_events"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
				AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "audit-events"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("AWS_REGION", "ap-south-1"),
			},
			Keys: KeysConfig{
				MasterSecret:      getEnv("KEYS_MASTER_SECRET", ""),
				ActiveKeyID:       getEnv("KEYS_ACTIVE_KEY_ID", "k1"),
				RetiredKeyIDs:     getEnvList("KEYS_RETIRED_KEY_IDS", nil),
				JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", ""),
				JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", ""),
			},
			OTP: OTPConfig{
				Digits:        6,
				TTL:           getEnvDuration("OTP_TTL", 5*time.Minute),
				MaxAttempts:   getEnvInt("OTP_MAX_ATTEMPTS", 3),
				ReissueWindow: getEnvDuration("OTP_REISSUE_WINDOW", 60*time.Second),
			},
			Guard: GuardConfig{
				IdentitySendCeiling: getEnvInt("GUARD_IDENTITY_SEND_CEILING", 3),
				OriginSendCeiling:   getEnvInt("GUARD_ORIGIN_SEND_CEILING", 10),
				SendWindow:          getEnvDuration("GUARD_SEND_WINDOW", time.Hour),
				LockoutThreshold:    getEnvInt("GUARD_LOCKOUT_THRESHOLD", 3),
				LockoutDuration:     getEnvDuration("GUARD_LOCKOUT_DURATION", time.Hour),
			},
			Token: TokenConfig{
				AccessTTL:  getEnvDuration("TOKEN_ACCESS_TTL", 15*time.Minute),
				RefreshTTL: getEnvDuration("TOKEN_REFRESH_TTL", 30*24*time.Hour),
				Issuer:     getEnv("TOKEN_ISSUER", "authcore"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})
	return cfg
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
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
