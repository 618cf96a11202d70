package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Store    StoreConfig    `mapstructure:"store"`
	Leader   LeaderConfig   `mapstructure:"leader"`
	Instance InstanceConfig `mapstructure:"instance"`
	Log      LogConfig      `mapstructure:"log"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Lock     LockConfig     `mapstructure:"lock"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`

	// AllowedOrigins is matched against the Origin header; "*" allows any.
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StoreConfig selects the authoritative store: "mysql" or "memory".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type LeaderConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type QueueConfig struct {
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

type LockConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type CacheConfig struct {
	AuctionTTL    time.Duration `mapstructure:"auction_ttl"`
	BidTTL        time.Duration `mapstructure:"bid_ttl"`
	RecentBidsTTL time.Duration `mapstructure:"recent_bids_ttl"`
}

type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	DequeueTimeout  time.Duration `mapstructure:"dequeue_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxRedeliveries int           `mapstructure:"max_redeliveries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	MetricsPort     int           `mapstructure:"metrics_port"`

	// Embedded runs a worker pool inside the auction service as well.
	Embedded bool `mapstructure:"embedded"`
}

type ScheduleConfig struct {
	ExpirySpec string `mapstructure:"expiry_spec"`
	WarmSpec   string `mapstructure:"warm_spec"`
}

var envBindings = map[string]string{
	"server.port":             "SERVER_PORT",
	"server.host":             "SERVER_HOST",
	"server.allowed_origins":  "SERVER_ALLOWED_ORIGINS",
	"server.shutdown_grace":   "SERVER_SHUTDOWN_GRACE",
	"redis.address":           "REDIS_ADDRESS",
	"redis.password":          "REDIS_PASSWORD",
	"redis.db":                "REDIS_DB",
	"mysql.dsn":               "MYSQL_DSN",
	"mysql.max_open_conns":    "MYSQL_MAX_OPEN_CONNS",
	"mysql.max_idle_conns":    "MYSQL_MAX_IDLE_CONNS",
	"mysql.conn_max_lifetime": "MYSQL_CONN_MAX_LIFETIME",
	"store.driver":            "STORE_DRIVER",
	"leader.ttl":              "LEADER_TTL",
	"instance.id":             "INSTANCE_ID",
	"log.level":               "LOG_LEVEL",
	"queue.status_ttl":        "QUEUE_STATUS_TTL",
	"lock.ttl":                "LOCK_TTL",
	"lock.max_retries":        "LOCK_MAX_RETRIES",
	"lock.retry_delay":        "LOCK_RETRY_DELAY",
	"cache.auction_ttl":       "CACHE_AUCTION_TTL",
	"cache.bid_ttl":           "CACHE_BID_TTL",
	"cache.recent_bids_ttl":   "CACHE_RECENT_BIDS_TTL",
	"worker.concurrency":      "WORKER_CONCURRENCY",
	"worker.dequeue_timeout":  "WORKER_DEQUEUE_TIMEOUT",
	"worker.poll_interval":    "WORKER_POLL_INTERVAL",
	"worker.max_redeliveries": "WORKER_MAX_REDELIVERIES",
	"worker.backoff_base":     "WORKER_BACKOFF_BASE",
	"worker.backoff_max":      "WORKER_BACKOFF_MAX",
	"worker.metrics_port":     "WORKER_METRICS_PORT",
	"worker.embedded":         "WORKER_EMBEDDED",
	"schedule.expiry_spec":    "SCHEDULE_EXPIRY_SPEC",
	"schedule.warm_spec":      "SCHEDULE_WARM_SPEC",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_grace", 15*time.Second)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mysql.dsn", "auction_user:auction_pass@tcp(localhost:3306)/auction_db?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("store.driver", "mysql")
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("instance.id", "live-bidding-1")
	v.SetDefault("log.level", "info")
	v.SetDefault("queue.status_ttl", 600*time.Second)
	v.SetDefault("lock.ttl", 3*time.Second)
	v.SetDefault("lock.max_retries", 10)
	v.SetDefault("lock.retry_delay", 5*time.Millisecond)
	v.SetDefault("cache.auction_ttl", 60*time.Second)
	v.SetDefault("cache.bid_ttl", 300*time.Second)
	v.SetDefault("cache.recent_bids_ttl", 60*time.Second)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.dequeue_timeout", time.Second)
	v.SetDefault("worker.poll_interval", 100*time.Millisecond)
	v.SetDefault("worker.max_redeliveries", 3)
	v.SetDefault("worker.backoff_base", 50*time.Millisecond)
	v.SetDefault("worker.backoff_max", 5*time.Second)
	v.SetDefault("worker.metrics_port", 9102)
	v.SetDefault("worker.embedded", false)
	v.SetDefault("schedule.expiry_spec", "@every 10s")
	v.SetDefault("schedule.warm_spec", "@every 1m")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	return v
}

func Load() (*Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/live-bidding/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "mysql", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Lock.MaxRetries < 1 {
		return fmt.Errorf("lock.max_retries must be positive, got %d", c.Lock.MaxRetries)
	}
	if c.Lock.TTL <= 0 {
		return errors.New("lock.ttl must be positive")
	}
	return nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Redis: %s, Store: %s, Instance: %s, Workers: %d",
		c.Server.Host,
		c.Server.Port,
		c.Redis.Address,
		c.Store.Driver,
		c.Instance.ID,
		c.Worker.Concurrency,
	)
}
