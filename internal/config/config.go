package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Health    HealthConfig    `mapstructure:"health"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Index     IndexConfig     `mapstructure:"index"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Locks     LocksConfig     `mapstructure:"locks"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Snowflake SnowflakeConfig `mapstructure:"snowflake"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PageSize     int           `mapstructure:"page_size"`
	// AllowedOrigins 管理后台所在的浏览器源
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type HealthConfig struct {
	Port int `mapstructure:"port"`
}

// StorageConfig 消息存储后端：memory | postgres | pebble
type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	PebblePath string `mapstructure:"pebble_path"`
	PageSize   int    `mapstructure:"page_size"`
}

// IndexConfig 会话索引缓存后端：memory | redis
type IndexConfig struct {
	Driver       string `mapstructure:"driver"`
	PreviewRunes int    `mapstructure:"preview_runes"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type NATSConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	ReconnectWait    time.Duration `mapstructure:"reconnect_wait"`
	UpstreamSubject  string        `mapstructure:"upstream_subject"`
	QueueGroup       string        `mapstructure:"queue_group"`
	DownstreamPrefix string        `mapstructure:"downstream_prefix"`
	WorkerCount      int           `mapstructure:"worker_count"`
	BufferSize       int           `mapstructure:"buffer_size"`
}

// NotifierConfig 实时推送配置
type NotifierConfig struct {
	RetentionEvents int           `mapstructure:"retention_events"`
	RetentionWindow time.Duration `mapstructure:"retention_window"`
	QueueSize       int           `mapstructure:"queue_size"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	Sequencer       string        `mapstructure:"sequencer"`
	SchedulerWorker int           `mapstructure:"scheduler_workers"`
}

type LocksConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type JWTConfig struct {
	SecretKey    string        `mapstructure:"secret_key"`
	AccessExpire time.Duration `mapstructure:"access_expire"`
	Issuer       string        `mapstructure:"issuer"`
}

// IdentityConfig 身份与目录配置，directory: open | memory | postgres
type IdentityConfig struct {
	AdminIDs  []string    `mapstructure:"admin_ids"`
	Directory string      `mapstructure:"directory"`
	UserTable string      `mapstructure:"user_table"`
	Users     []UserEntry `mapstructure:"users"`
}

type UserEntry struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Avatar string `mapstructure:"avatar"`
}

type RateLimitConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	SendsPerSecond float64 `mapstructure:"sends_per_second"`
	Burst          int     `mapstructure:"burst"`
}

type SnowflakeConfig struct {
	NodeID int64 `mapstructure:"node_id"`
}

// Load 从指定路径加载配置
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// 从环境变量覆盖配置
	cfg.applyEnv()

	return &cfg, nil
}

// Default 返回只包含默认值的配置（未找到配置文件时使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.applyEnv()
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "inbox")
	v.SetDefault("app.mode", "release")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("http.port", 8090)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.page_size", 50)
	v.SetDefault("health.port", 8091)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.pebble_path", "data/inbox")
	v.SetDefault("storage.page_size", 100)

	v.SetDefault("index.driver", "memory")
	v.SetDefault("index.preview_runes", 120)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.upstream_subject", "im.inbox.upstream")
	v.SetDefault("nats.queue_group", "inbox-group")
	v.SetDefault("nats.downstream_prefix", "im.inbox.viewer.")
	v.SetDefault("nats.worker_count", 32)
	v.SetDefault("nats.buffer_size", 4096)

	v.SetDefault("notifier.retention_events", 1024)
	v.SetDefault("notifier.retention_window", 10*time.Minute)
	v.SetDefault("notifier.queue_size", 256)
	v.SetDefault("notifier.grace_period", 30*time.Second)
	v.SetDefault("notifier.idle_timeout", 2*time.Minute)
	v.SetDefault("notifier.sequencer", "memory")
	v.SetDefault("notifier.scheduler_workers", 4)

	v.SetDefault("locks.timeout", 2*time.Second)

	v.SetDefault("jwt.access_expire", 24*time.Hour)
	v.SetDefault("jwt.issuer", "im-inbox")

	v.SetDefault("identity.directory", "open")
	v.SetDefault("identity.user_table", "users")

	v.SetDefault("rate_limit.sends_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("snowflake.node_id", 1)
}

// applyEnv 从环境变量覆盖配置
func (c *Config) applyEnv() {
	// App
	c.App.LogLevel = GetEnv("INBOX_LOG_LEVEL", c.App.LogLevel)
	c.HTTP.Port = GetEnvInt("INBOX_HTTP_PORT", c.HTTP.Port)
	c.Health.Port = GetEnvInt("INBOX_HEALTH_PORT", c.Health.Port)
	c.Storage.Driver = GetEnv("INBOX_STORAGE_DRIVER", c.Storage.Driver)
	c.Index.Driver = GetEnv("INBOX_INDEX_DRIVER", c.Index.Driver)

	// JWT
	c.JWT.SecretKey = GetEnv("JWT_SECRET", c.JWT.SecretKey)
	c.JWT.AccessExpire = GetEnvDuration("JWT_ACCESS_EXPIRE", c.JWT.AccessExpire)

	// Database
	c.Database.Host = GetEnv("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = GetEnvInt("POSTGRES_PORT", c.Database.Port)
	c.Database.User = GetEnv("POSTGRES_USER", c.Database.User)
	c.Database.Password = GetEnv("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.Name = GetEnv("POSTGRES_DB", c.Database.Name)

	// Redis
	c.Redis.Host = GetEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = GetEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = GetEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = GetEnvInt("REDIS_DB", c.Redis.DB)

	// NATS
	c.NATS.URL = GetEnv("NATS_URL", c.NATS.URL)
	c.NATS.Enabled = GetEnvBool("NATS_ENABLED", c.NATS.Enabled)

	// Notifier
	c.Notifier.RetentionWindow = GetEnvDuration("INBOX_RETENTION_WINDOW", c.Notifier.RetentionWindow)
	c.Notifier.GracePeriod = GetEnvDuration("INBOX_GRACE_PERIOD", c.Notifier.GracePeriod)
}
