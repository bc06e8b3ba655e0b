package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the full runtime configuration, parsed from the environment.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"identity-service"`
	APIPath     string `env:"APP_API_PATH" envDefault:"/api"`

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Database      DatabaseConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Mail          MailConfig
	JWT           JWTConfig
	Cookie        CookieConfig
	OTP           OTPConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Audit         AuditConfig
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	Users         UsersConfig
}

type ServerConfig struct {
	Port         int           `env:"APP_PORT" envDefault:"8080"`
	EnableTLS    bool          `env:"TLS_ENABLED" envDefault:"false"`
	CertFile     string        `env:"TLS_CERT_FILE"`
	KeyFile      string        `env:"TLS_KEY_FILE"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// RedisConfig controls the cache layer. With Enabled=false every cache read
// misses and every write is dropped.
type RedisConfig struct {
	Enabled  bool   `env:"DB_REDIS_ON" envDefault:"true"`
	URL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

type DatabaseConfig struct {
	Host         string        `env:"DB_HOST" envDefault:"localhost"`
	Port         int           `env:"DB_PORT" envDefault:"5432"`
	Name         string        `env:"DB_NAME" envDefault:"identity"`
	Username     string        `env:"DB_USERNAME" envDefault:"postgres"`
	Password     string        `env:"DB_PASSWORD"`
	SSLMode      string        `env:"DB_SSLMODE" envDefault:"disable"`
	AutoMigrate  bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"5"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"2"`
	ConnMaxIdle  time.Duration `env:"DB_CONN_MAX_IDLE" envDefault:"10s"`
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Name, d.SSLMode)
}

type ScyllaConfig struct {
	Nodes    []string `env:"SCYLLA_NODES" envSeparator:"," envDefault:"localhost:9042"`
	Keyspace string   `env:"SCYLLA_KEYSPACE" envDefault:"identity"`
	Username string   `env:"SCYLLA_USERNAME"`
	Password string   `env:"SCYLLA_PASSWORD"`
	CAPath   string   `env:"SCYLLA_CA_PATH"`
}

type KafkaConfig struct {
	Brokers            []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	NotificationsTopic string   `env:"KAFKA_NOTIFICATION_TOPIC" envDefault:"notifications"`
}

type MailConfig struct {
	// Transport is "smtp" or "kafka".
	Transport string `env:"MAIL_TRANSPORT" envDefault:"smtp"`
	Host      string `env:"SMTP_HOST" envDefault:"localhost"`
	Port      int    `env:"SMTP_PORT" envDefault:"587"`
	Username  string `env:"SMTP_USER"`
	Password  string `env:"SMTP_PASSWORD"`
	From      string `env:"SMTP_FROM"`
	FromName  string `env:"SMTP_FROM_NAME" envDefault:"Identity"`
}

type JWTConfig struct {
	Secret             string        `env:"JWT_SECRET_TOKEN"`
	Issuer             string        `env:"JWT_ISSUER" envDefault:"identity-service"`
	AccessTTL          time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL         time.Duration `env:"JWT_REFRESH_TTL" envDefault:"168h"`
	RememberAccessTTL  time.Duration `env:"JWT_REMEMBER_ACCESS_TTL" envDefault:"60m"`
	RememberRefreshTTL time.Duration `env:"JWT_REMEMBER_REFRESH_TTL" envDefault:"720h"`
}

type CookieConfig struct {
	Domain string `env:"COOKIE_DOMAIN" envDefault:"localhost"`
	Secure bool   `env:"COOKIE_SECURE" envDefault:"false"`
}

type OTPConfig struct {
	ActivationTemplate string `env:"OTP_ACTIVATION_TEMPLATE" envDefault:"email-otp-activation"`
	ResendTemplate     string `env:"OTP_RESEND_TEMPLATE" envDefault:"email-otp-resend"`
	Subject            string `env:"OTP_EMAIL_SUBJECT" envDefault:"Verify your email"`
}

type HashingConfig struct {
	Argon2MemoryCost  int    `env:"ARGON2_MEMORY_COST" envDefault:"65536"`
	Argon2TimeCost    int    `env:"ARGON2_TIME_COST" envDefault:"3"`
	Argon2Parallelism int    `env:"ARGON2_PARALLELISM" envDefault:"2"`
	Pepper            string `env:"PASSWORD_PEPPER"`
	// PreviousPeppers keeps hashes made before a pepper change verifiable.
	PreviousPeppers []string `env:"PASSWORD_PREVIOUS_PEPPERS" envSeparator:","`
}

type BucketingConfig struct {
	UserBuckets  int `env:"USER_BUCKETS" envDefault:"1024"`
	EventBuckets int `env:"EVENT_BUCKETS" envDefault:"64"`
}

type ClickhouseConfig struct {
	URL      string `env:"CLICKHOUSE_URL" envDefault:"localhost:9000"`
	Username string `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	Password string `env:"CLICKHOUSE_PASSWORD"`
	Database string `env:"CLICKHOUSE_DATABASE" envDefault:"identity"`
}

type ElasticsearchConfig struct {
	URL      string `env:"ELASTICSEARCH_URL" envDefault:"http://localhost:9200"`
	Username string `env:"ELASTICSEARCH_USERNAME"`
	Password string `env:"ELASTICSEARCH_PASSWORD"`
	Index    string `env:"ELASTICSEARCH_AUDIT_INDEX" envDefault:"security-events"`
}

// AuditConfig lists the security event sinks to enable: any of
// "clickhouse", "elasticsearch", "log".
type AuditConfig struct {
	Sinks []string `env:"AUDIT_SINKS" envSeparator:"," envDefault:"log"`
}

type RateLimitConfig struct {
	Max    int           `env:"RATE_LIMIT_MAX" envDefault:"100"`
	Window time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

type CORSConfig struct {
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
}

type UsersConfig struct {
	// Store is "postgres" or "scylla".
	Store          string   `env:"USER_STORE" envDefault:"postgres"`
	TrustedDomains []string `env:"TRUSTED_EMAIL_DOMAINS" envSeparator:"," envDefault:"@gmail.com,@hotmail.com,@outlook.com"`
}

// Load reads an optional .env file and parses the environment into Config.
func Load(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET_TOKEN is not set"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("invalid APP_PORT: %d", c.Server.Port))
	}
	if !strings.HasPrefix(c.APIPath, "/") {
		errs = append(errs, fmt.Errorf("APP_API_PATH must start with '/': %q", c.APIPath))
	}
	switch c.Mail.Transport {
	case "smtp", "kafka":
	default:
		errs = append(errs, fmt.Errorf("unknown MAIL_TRANSPORT: %q", c.Mail.Transport))
	}
	switch c.Users.Store {
	case "postgres", "scylla":
	default:
		errs = append(errs, fmt.Errorf("unknown USER_STORE: %q", c.Users.Store))
	}
	if c.Bucketing.UserBuckets <= 0 || c.Bucketing.EventBuckets <= 0 {
		errs = append(errs, errors.New("USER_BUCKETS and EVENT_BUCKETS must be positive"))
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE are required when TLS is enabled"))
	}
	if c.IsProduction() && c.Hashing.Pepper == "" {
		errs = append(errs, errors.New("PASSWORD_PEPPER is required in production"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// AuditSinkEnabled reports whether the named audit sink is configured.
func (c *Config) AuditSinkEnabled(name string) bool {
	for _, s := range c.Audit.Sinks {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}
