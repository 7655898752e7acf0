package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

type BucketingConfig struct {
	AccountBuckets int
	EventBuckets   int
}

// AuthConfig covers token signing, second-factor policy and the
// login/forgot-password throttle windows.
type AuthConfig struct {
	JWTSecret         string
	JWTIssuer         string
	JWTAudience       string
	SessionTTL        time.Duration
	OnboardingTTL     time.Duration
	TotpIntentTTL     time.Duration
	TotpIssuer        string
	RecoveryPepper    string
	RecoveryCodeCount int
	LoginWindow       time.Duration
	LoginThreshold    int
	ResetWindow       time.Duration
	ResetThreshold    int
	CaptchaSecret     string
	CaptchaVerifyURL  string
}

type BillingConfig struct {
	ProcessorBaseURL string
	ProcessorAPIKey  string
	WebhookSecret    string
	TrialDuration    time.Duration
}

type MailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	ClickHouse  ClickHouseConfig
	KMS         KMSConfig
	Hashing     HashingConfig
	Bucketing   BucketingConfig
	Auth        AuthConfig
	Billing     BillingConfig
	Mail        MailConfig
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment (and .env if
// present). Safe to call more than once; the first call wins.
func LoadConfig() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found, relying on environment")
		}

		global = &Config{
			Environment: getEnvStr("APP_ENV", "development"),
			Server: ServerConfig{
				Host:         getEnvStr("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnvStr("SERVER_DOMAIN", ""),
				CertFile:     getEnvStr("SERVER_CERT_FILE", ""),
				KeyFile:      getEnvStr("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnvStr("SERVER_AUTOCERT_DIR", "/var/cache/autocert"),
				Email:        getEnvStr("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnvStr("LOG_LEVEL", "info"),
				Format: getEnvStr("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				URL:      getEnvStr("REDIS_URL", "redis://localhost:6379"),
				Password: getEnvStr("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitList(getEnvStr("SCYLLA_NODES", "localhost:9042")),
				Keyspace: getEnvStr("SCYLLA_KEYSPACE", "identity"),
				Username: getEnvStr("SCYLLA_USERNAME", ""),
				Password: getEnvStr("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:    splitList(getEnvStr("KAFKA_BROKERS", "localhost:9092")),
				AuditTopic: getEnvStr("KAFKA_AUDIT_TOPIC", "identity-audit-events"),
			},
			ClickHouse: ClickHouseConfig{
				Addr:     splitList(getEnvStr("CLICKHOUSE_ADDR", "localhost:9000")),
				Database: getEnvStr("CLICKHOUSE_DATABASE", "identity"),
				Username: getEnvStr("CLICKHOUSE_USERNAME", "default"),
				Password: getEnvStr("CLICKHOUSE_PASSWORD", ""),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnvStr("KMS_KEY_ID", ""),
				Region:  getEnvStr("KMS_REGION", "us-east-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			},
			Bucketing: BucketingConfig{
				AccountBuckets: getEnvInt("ACCOUNT_BUCKETS", 64),
				EventBuckets:   getEnvInt("EVENT_BUCKETS", 16),
			},
			Auth: AuthConfig{
				JWTSecret:         getEnvStr("JWT_SECRET", ""),
				JWTIssuer:         getEnvStr("JWT_ISSUER", "identity-service"),
				JWTAudience:       getEnvStr("JWT_AUDIENCE", "identity-clients"),
				SessionTTL:        time.Duration(getEnvInt("SESSION_TTL_MINUTES", 120)) * time.Minute,
				OnboardingTTL:     time.Duration(getEnvInt("ONBOARDING_TTL_MINUTES", 15)) * time.Minute,
				TotpIntentTTL:     time.Duration(getEnvInt("TOTP_INTENT_TTL_MINUTES", 5)) * time.Minute,
				TotpIssuer:        getEnvStr("TOTP_ISSUER", "IdentityService"),
				RecoveryPepper:    getEnvStr("RECOVERY_CODE_PEPPER", ""),
				RecoveryCodeCount: getEnvInt("RECOVERY_CODE_COUNT", 10),
				LoginWindow:       getEnvDuration("LOGIN_ATTEMPT_WINDOW", 15*time.Minute),
				LoginThreshold:    getEnvInt("LOGIN_ATTEMPT_THRESHOLD", 3),
				ResetWindow:       getEnvDuration("RESET_ATTEMPT_WINDOW", 5*time.Minute),
				ResetThreshold:    getEnvInt("RESET_ATTEMPT_THRESHOLD", 3),
				CaptchaSecret:     getEnvStr("CAPTCHA_SECRET", ""),
				CaptchaVerifyURL:  getEnvStr("CAPTCHA_VERIFY_URL", "https://www.google.com/recaptcha/api/siteverify"),
			},
			Billing: BillingConfig{
				ProcessorBaseURL: getEnvStr("PAYMENT_PROCESSOR_URL", ""),
				ProcessorAPIKey:  getEnvStr("PAYMENT_PROCESSOR_API_KEY", ""),
				WebhookSecret:    getEnvStr("PAYMENT_WEBHOOK_SECRET", ""),
				// Minutes so multi-day trials stay testable.
				TrialDuration: time.Duration(getEnvInt("TRIAL_DURATION_MINUTES", 7*24*60)) * time.Minute,
			},
			Mail: MailConfig{
				Host:     getEnvStr("SMTP_HOST", ""),
				Port:     getEnvInt("SMTP_PORT", 587),
				User:     getEnvStr("SMTP_USER", ""),
				Password: getEnvStr("SMTP_PASSWORD", ""),
				From:     getEnvStr("SMTP_FROM", ""),
			},
		}

		if global.IsProduction() {
			if global.Auth.JWTSecret == "" {
				log.Fatal("JWT_SECRET must be set in production")
			}
			if global.Auth.RecoveryPepper == "" {
				log.Fatal("RECOVERY_CODE_PEPPER must be set in production")
			}
		}
	})

	return global
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

func getEnvStr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if valueStr, ok := os.LookupEnv(key); ok {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
		log.Printf("Warning: %s is not an integer, using fallback", key)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if valueStr, ok := os.LookupEnv(key); ok {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if valueStr, ok := os.LookupEnv(key); ok {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
		log.Printf("Warning: %s is not a duration, using fallback", key)
	}
	return fallback
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
