package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/handler/tracking"
	"github.com/jwalitptl/bulk-mail/internal/repository/postgres"
	"github.com/jwalitptl/bulk-mail/internal/router"
	"github.com/jwalitptl/bulk-mail/internal/unsubscribe"
	"github.com/jwalitptl/bulk-mail/internal/worker"
	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/mailer"
	"github.com/jwalitptl/bulk-mail/pkg/messaging/amqp"
	"github.com/jwalitptl/bulk-mail/pkg/messaging/redis"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverAMQP     = "amqp"
	DriverNone     = "none"
	DriverSMTP     = "smtp"
	DriverLog      = "log"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	KV          KVConfig          `mapstructure:"kv"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Mail        MailConfig        `mapstructure:"mail"`
	Unsubscribe UnsubscribeConfig `mapstructure:"unsubscribe"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
	// BaseURL is the public origin used in tracking links.
	BaseURL string `mapstructure:"base_url"`
	// RequireUser rejects API calls that carry no X-User-ID header.
	RequireUser bool  `mapstructure:"require_user"`
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type KVConfig struct {
	Driver          string        `mapstructure:"driver"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type BrokerConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	Prefetch int    `mapstructure:"prefetch"`
	// Consume enables the delivery event consumer on this instance.
	Consume       bool          `mapstructure:"consume"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type DispatchConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	CampaignsPerTick int           `mapstructure:"campaigns_per_tick"`
	BatchSize        int           `mapstructure:"batch_size"`
	ChunkSize        int           `mapstructure:"delivery_chunk_size"`
	MaxRetries       int           `mapstructure:"max_retries"`
}

type SchedulerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	DueSpec     string        `mapstructure:"due_spec"`
	CleanupSpec string        `mapstructure:"cleanup_spec"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	Timezone    string        `mapstructure:"timezone"`
	BatchLimit  int           `mapstructure:"batch_limit"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

type MailConfig struct {
	Driver          string  `mapstructure:"driver"`
	Host            string  `mapstructure:"host"`
	Port            int     `mapstructure:"port"`
	Username        string  `mapstructure:"username"`
	Password        string  `mapstructure:"password"`
	MessageIDDomain string  `mapstructure:"message_id_domain"`
	RatePerSecond   float64 `mapstructure:"rate_per_second"`
	Burst           int     `mapstructure:"burst"`
	FromEmail       string  `mapstructure:"from_email"`
	FromName        string  `mapstructure:"from_name"`
}

type UnsubscribeConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Secret  string        `mapstructure:"secret"`
	TTL     time.Duration `mapstructure:"ttl"`
	// SuccessURL and ErrorURL are where the unsubscribe link lands the reader.
	SuccessURL string `mapstructure:"success_url"`
	ErrorURL   string `mapstructure:"error_url"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `mapstructure:"prometheus_enabled"`
	MetricsPath       string `mapstructure:"metrics_path"`
	Namespace         string `mapstructure:"namespace"`
}

// envOverrides are the well-known variables deployments set without the
// nested naming viper expects.
type envOverrides struct {
	DBHost       string `envconfig:"DB_HOST"`
	DBPort       int    `envconfig:"DB_PORT"`
	DBUser       string `envconfig:"DB_USER"`
	DBPassword   string `envconfig:"DB_PASSWORD"`
	DBName       string `envconfig:"DB_NAME"`
	RedisURL     string `envconfig:"REDIS_URL"`
	BrokerURL    string `envconfig:"BROKER_URL"`
	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     int    `envconfig:"SMTP_PORT"`
	SMTPUser     string `envconfig:"SMTP_USER"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	JWTSecret    string `envconfig:"JWT_SECRET"`
	Port         int    `envconfig:"PORT"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.max_body_size", 1<<20)

	v.SetDefault("logging.level", "info")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("kv.driver", DriverRedis)
	v.SetDefault("kv.cleanup_interval", time.Minute)

	v.SetDefault("broker.driver", DriverNone)
	v.SetDefault("broker.prefetch", 20)
	v.SetDefault("broker.consume", true)
	v.SetDefault("broker.retry_attempts", 3)
	v.SetDefault("broker.retry_delay", time.Second)

	v.SetDefault("dispatch.enabled", true)
	v.SetDefault("dispatch.key_prefix", dispatch.DefaultKeyPrefix)
	v.SetDefault("dispatch.poll_interval", dispatch.DefaultPollInterval)
	v.SetDefault("dispatch.lock_ttl", dispatch.DefaultLockTTL)
	v.SetDefault("dispatch.campaigns_per_tick", dispatch.DefaultCampaignsPerTick)
	v.SetDefault("dispatch.batch_size", dispatch.DefaultBatchSize)
	v.SetDefault("dispatch.delivery_chunk_size", dispatch.DefaultChunkSize)
	v.SetDefault("dispatch.max_retries", dispatch.DefaultMaxRetries)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.due_spec", "* * * * *")
	v.SetDefault("scheduler.cleanup_spec", "0 0 * * *")
	v.SetDefault("scheduler.stale_after", 720*time.Hour)
	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("mail.driver", DriverLog)
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.rate_per_second", 14)
	v.SetDefault("mail.burst", 14)

	v.SetDefault("unsubscribe.ttl", unsubscribe.DefaultTTL)
	v.SetDefault("unsubscribe.success_url", "/unsubscribe-success")
	v.SetDefault("unsubscribe.error_url", "/unsubscribe-error")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 50)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("monitoring.prometheus_enabled", true)
	v.SetDefault("monitoring.metrics_path", "/api/v1/health/metrics")
	v.SetDefault("monitoring.namespace", "bulk_mail")
}

// LoadConfig reads config.yaml from the usual locations, or file when given.
// A missing file is fine; defaults and the environment still apply.
func LoadConfig(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app")
		v.AddConfigPath("/app/config")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&c.Database.Host, env.DBHost)
	setInt(&c.Database.Port, env.DBPort)
	setString(&c.Database.User, env.DBUser)
	setString(&c.Database.Password, env.DBPassword)
	setString(&c.Database.Name, env.DBName)
	setString(&c.Redis.URL, env.RedisURL)
	setString(&c.Broker.URL, env.BrokerURL)
	setString(&c.Mail.Host, env.SMTPHost)
	setInt(&c.Mail.Port, env.SMTPPort)
	setString(&c.Mail.Username, env.SMTPUser)
	setString(&c.Mail.Password, env.SMTPPassword)
	setString(&c.Unsubscribe.Secret, env.JWTSecret)
	setInt(&c.Server.Port, env.Port)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.KV.Driver {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("unknown kv driver %q", c.KV.Driver)
	}
	switch c.Broker.Driver {
	case DriverRedis, DriverAMQP, DriverMemory, DriverNone:
	default:
		return fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
	}
	switch c.Mail.Driver {
	case DriverSMTP:
		if c.Mail.Host == "" {
			return errors.New("mail.host is required for the smtp driver")
		}
	case DriverLog:
	default:
		return fmt.Errorf("unknown mail driver %q", c.Mail.Driver)
	}
	if c.Unsubscribe.Secret == "" {
		return errors.New("unsubscribe.secret is required")
	}
	return nil
}

func (c *ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *LoggingConfig) ToLoggerConfig() *logger.Config {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return &logger.Config{Level: level, Console: c.Console}
}

func (c *DatabaseConfig) ToDBConfig() postgres.DBConfig {
	return postgres.DBConfig{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Name:            c.Name,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

func (c *RedisConfig) ToKVConfig() kvstore.RedisConfig {
	return kvstore.RedisConfig{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

// ToBrokerConfig reuses the redis connection settings; broker.url wins when set.
func (c *Config) ToBrokerConfig() redis.Config {
	url := c.Redis.URL
	if c.Broker.URL != "" {
		url = c.Broker.URL
	}
	return redis.Config{
		URL:          url,
		MaxRetries:   c.Redis.MaxRetries,
		RetryBackoff: c.Redis.RetryBackoff,
		PoolSize:     c.Redis.PoolSize,
		MinIdleConns: c.Redis.MinIdleConns,
	}
}

func (c *BrokerConfig) ToAMQPConfig() amqp.Config {
	return amqp.Config{URL: c.URL, Prefetch: c.Prefetch}
}

func (c *BrokerConfig) ToConsumerConfig() worker.ConsumerConfig {
	return worker.ConsumerConfig{RetryAttempts: c.RetryAttempts, RetryDelay: c.RetryDelay}
}

// ToEngineConfig carries the default sender from the mail section.
func (c *Config) ToEngineConfig() dispatch.Config {
	d := c.Dispatch
	return dispatch.Config{
		KeyPrefix:        d.KeyPrefix,
		BatchSize:        d.BatchSize,
		ChunkSize:        d.ChunkSize,
		MaxRetries:       d.MaxRetries,
		PollInterval:     d.PollInterval,
		LockTTL:          d.LockTTL,
		CampaignsPerTick: d.CampaignsPerTick,
		DefaultSender: dispatch.Sender{
			Email: c.Mail.FromEmail,
			Name:  c.Mail.FromName,
		},
	}
}

func (c *SchedulerConfig) ToWorkerConfig(lockTTL time.Duration) worker.SchedulerConfig {
	return worker.SchedulerConfig{
		DueSpec:     c.DueSpec,
		CleanupSpec: c.CleanupSpec,
		StaleAfter:  c.StaleAfter,
		Timezone:    c.Timezone,
		BatchLimit:  c.BatchLimit,
		JobTimeout:  c.JobTimeout,
		LockTTL:     lockTTL,
	}
}

func (c *MailConfig) ToSMTPConfig() mailer.SMTPConfig {
	return mailer.SMTPConfig{
		Host:            c.Host,
		Port:            c.Port,
		Username:        c.Username,
		Password:        c.Password,
		MessageIDDomain: c.MessageIDDomain,
		RatePerSecond:   c.RatePerSecond,
		Burst:           c.Burst,
	}
}

func (c *UnsubscribeConfig) ToSignerConfig() unsubscribe.Config {
	return unsubscribe.Config{BaseURL: c.BaseURL, Secret: c.Secret, TTL: c.TTL}
}

func (c *UnsubscribeConfig) ToTrackingConfig() tracking.Config {
	return tracking.Config{SuccessURL: c.SuccessURL, ErrorURL: c.ErrorURL}
}

// ToRouterConfig runs gin in release mode unless logging at debug level.
func (c *Config) ToRouterConfig() router.RouterConfig {
	rc := router.RouterConfig{
		Mode:        gin.ReleaseMode,
		MaxBodySize: c.Server.MaxBodySize,
		RequireUser: c.Server.RequireUser,
	}
	if strings.EqualFold(c.Logging.Level, "debug") {
		rc.Mode = gin.DebugMode
	}
	if c.RateLimit.Enabled {
		rc.RateLimit = rate.Limit(c.RateLimit.RequestsPerSecond)
		rc.RateBurst = c.RateLimit.Burst
	}
	if c.Monitoring.PrometheusEnabled {
		rc.MetricsPath = c.Monitoring.MetricsPath
	}
	return rc
}
