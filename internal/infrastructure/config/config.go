package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Sync        SyncConfig
	Credentials CredentialsConfig
	Connectors  ConnectorsConfig
	Storage     StorageConfig
	Telemetry   TelemetryConfig
	Profiling   ProfilingConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds settings for validating access tokens
type JWTConfig struct {
	Secret string
	Issuer string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	CORSAllowOrigins []string
	TrustedProxies   []string
}

// SyncConfig holds integration synchronization settings
type SyncConfig struct {
	SchedulerEnabled   bool
	TickInterval       time.Duration // scheduler cadence
	Workers            int           // fixed worker pool size
	QueueSize          int           // bounded queue capacity
	MaxConcurrentSyncs int           // SyncAll fan-out limit
	RunTimeout         time.Duration // SyncOptions.Timeout
	MaxRecords         int           // SyncOptions.MaxRecords, 0 = unbounded
	LockBackend        string        // memory, redis
	LockGrace          time.Duration // added to RunTimeout for the redis lock TTL
	StatusWriteTimeout time.Duration
	HistorySize        int
}

// CredentialsConfig holds the key used to encrypt integration credentials at rest
type CredentialsConfig struct {
	EncryptionKey string
}

// ConnectorsConfig holds per-platform connector settings
type ConnectorsConfig struct {
	HTTPTimeout         time.Duration
	MaxRetries          int
	PageSize            int
	RateLimit           float64 // requests per second per connector
	StripeBaseURL       string  // empty = Stripe default
	HubSpotBaseURL      string
	MailchimpBaseURL    string // empty = derived from the API key data center
	GoogleBaseURL       string // empty = People API default
	GoogleClientID      string
	GoogleClientSecret  string
	HubSpotClientID     string
	HubSpotClientSecret string
}

// StorageConfig holds object storage settings for sync failure reports
type StorageConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration
	LogsEnabled       bool
	DBTraceEnabled    bool
}

// ProfilingConfig holds Pyroscope continuous profiling configuration
type ProfilingConfig struct {
	Enabled       bool
	ServerAddress string
	SpanProfiles  bool
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with RETENTION_ prefix (e.g., RETENTION_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("RETENTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
		},
		Sync: SyncConfig{
			SchedulerEnabled:   v.GetBool("sync.scheduler_enabled"),
			TickInterval:       v.GetDuration("sync.tick_interval"),
			Workers:            v.GetInt("sync.workers"),
			QueueSize:          v.GetInt("sync.queue_size"),
			MaxConcurrentSyncs: v.GetInt("sync.max_concurrent_syncs"),
			RunTimeout:         v.GetDuration("sync.run_timeout"),
			MaxRecords:         v.GetInt("sync.max_records"),
			LockBackend:        v.GetString("sync.lock_backend"),
			LockGrace:          v.GetDuration("sync.lock_grace"),
			StatusWriteTimeout: v.GetDuration("sync.status_write_timeout"),
			HistorySize:        v.GetInt("sync.history_size"),
		},
		Credentials: CredentialsConfig{
			EncryptionKey: v.GetString("credentials.encryption_key"),
		},
		Connectors: ConnectorsConfig{
			HTTPTimeout:         v.GetDuration("connectors.http_timeout"),
			MaxRetries:          v.GetInt("connectors.max_retries"),
			PageSize:            v.GetInt("connectors.page_size"),
			RateLimit:           v.GetFloat64("connectors.rate_limit"),
			StripeBaseURL:       v.GetString("connectors.stripe_base_url"),
			HubSpotBaseURL:      v.GetString("connectors.hubspot_base_url"),
			MailchimpBaseURL:    v.GetString("connectors.mailchimp_base_url"),
			GoogleBaseURL:       v.GetString("connectors.google_base_url"),
			GoogleClientID:      v.GetString("connectors.google_client_id"),
			GoogleClientSecret:  v.GetString("connectors.google_client_secret"),
			HubSpotClientID:     v.GetString("connectors.hubspot_client_id"),
			HubSpotClientSecret: v.GetString("connectors.hubspot_client_secret"),
		},
		Storage: StorageConfig{
			Endpoint:        v.GetString("storage.endpoint"),
			Region:          v.GetString("storage.region"),
			Bucket:          v.GetString("storage.bucket"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
		},
		Profiling: ProfilingConfig{
			Enabled:       v.GetBool("profiling.enabled"),
			ServerAddress: v.GetString("profiling.server_address"),
			SpanProfiles:  v.GetBool("profiling.span_profiles"),
		},
	}

	// scheduler is on unless explicitly disabled
	if !v.IsSet("sync.scheduler_enabled") {
		cfg.Sync.SchedulerEnabled = true
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "retention-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "retention"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "retention-backend"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		// a synchronous "sync now" call can take up to RunTimeout
		cfg.HTTP.WriteTimeout = 6 * time.Minute
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.Sync.TickInterval == 0 {
		cfg.Sync.TickInterval = time.Minute
	}
	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = 4
	}
	if cfg.Sync.QueueSize == 0 {
		cfg.Sync.QueueSize = 100
	}
	if cfg.Sync.MaxConcurrentSyncs == 0 {
		cfg.Sync.MaxConcurrentSyncs = 4
	}
	if cfg.Sync.RunTimeout == 0 {
		cfg.Sync.RunTimeout = 5 * time.Minute
	}
	if cfg.Sync.LockBackend == "" {
		cfg.Sync.LockBackend = "memory"
	}
	if cfg.Sync.LockGrace == 0 {
		cfg.Sync.LockGrace = time.Minute
	}
	if cfg.Sync.StatusWriteTimeout == 0 {
		cfg.Sync.StatusWriteTimeout = 10 * time.Second
	}
	if cfg.Sync.HistorySize == 0 {
		cfg.Sync.HistorySize = 100
	}
	if cfg.Connectors.HTTPTimeout == 0 {
		cfg.Connectors.HTTPTimeout = 30 * time.Second
	}
	if cfg.Connectors.MaxRetries == 0 {
		cfg.Connectors.MaxRetries = 3
	}
	if cfg.Connectors.PageSize == 0 {
		cfg.Connectors.PageSize = 100
	}
	if cfg.Connectors.RateLimit == 0 {
		cfg.Connectors.RateLimit = 5
	}
	if cfg.Connectors.HubSpotBaseURL == "" {
		cfg.Connectors.HubSpotBaseURL = "https://api.hubapi.com"
	}
	if cfg.Credentials.EncryptionKey == "" && cfg.App.Env != "production" {
		cfg.Credentials.EncryptionKey = developmentEncryptionKey
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "retention-backend"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
}

// developmentEncryptionKey seals credentials outside production when no key is configured
const developmentEncryptionKey = "development-only-credential-key-do-not-use"

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive")
	}
	if c.Sync.QueueSize <= 0 {
		return fmt.Errorf("sync.queue_size must be positive")
	}
	if c.Sync.MaxConcurrentSyncs <= 0 {
		return fmt.Errorf("sync.max_concurrent_syncs must be positive")
	}
	if c.Sync.MaxRecords < 0 {
		return fmt.Errorf("sync.max_records cannot be negative")
	}
	switch c.Sync.LockBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("sync.lock_backend must be memory or redis, got %q", c.Sync.LockBackend)
	}

	if c.App.Env == "production" {
		if len(c.Credentials.EncryptionKey) < 32 || c.Credentials.EncryptionKey == developmentEncryptionKey {
			return fmt.Errorf("credentials.encryption_key must be set to at least 32 characters in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
