// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CRAWLQ_SERVER_PORT.
const EnvPrefix = "CRAWLQ"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Credits    CreditsConfig    `mapstructure:"credits"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIKey binds a credential to a team. RateLimit overrides the default
// requests per window; zero keeps the default.
type APIKey struct {
	Key       string `mapstructure:"key"`
	TeamID    string `mapstructure:"team_id"`
	RateLimit int64  `mapstructure:"rate_limit"`
}

// AuthConfig lists API credentials. Keys are a list rather than a map because
// Viper lowercases map keys.
type AuthConfig struct {
	Keys     []APIKey `mapstructure:"keys"`
	AdminKey string   `mapstructure:"admin_key"`
}

// TeamKeys maps each API key to its team.
func (a AuthConfig) TeamKeys() (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID, len(a.Keys))
	for i, k := range a.Keys {
		if k.Key == "" {
			return nil, fmt.Errorf("auth.keys[%d].key is required", i)
		}
		team, err := uuid.Parse(k.TeamID)
		if err != nil {
			return nil, fmt.Errorf("auth.keys[%d].team_id: %w", i, err)
		}
		if _, dup := out[k.Key]; dup {
			return nil, fmt.Errorf("auth.keys[%d].key is duplicated", i)
		}
		out[k.Key] = team
	}
	return out, nil
}

// RateLimits returns the per-key overrides.
func (a AuthConfig) RateLimits() map[string]int64 {
	out := make(map[string]int64)
	for _, k := range a.Keys {
		if k.RateLimit > 0 {
			out[k.Key] = k.RateLimit
		}
	}
	return out
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Count           int           `mapstructure:"count"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	BacklogHold     time.Duration `mapstructure:"backlog_hold"`
	ThrottlePenalty time.Duration `mapstructure:"throttle_penalty"`
	AdmissionWait   time.Duration `mapstructure:"admission_wait"`
}

// SweeperConfig schedules lease reclamation, expiry and backlog draining.
type SweeperConfig struct {
	Schedule     string        `mapstructure:"schedule"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	BacklogBatch int           `mapstructure:"backlog_batch"`
}

// RetryConfig shapes the exponential backoff between attempts.
type RetryConfig struct {
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
}

// AdmissionConfig bounds concurrent tasks per team.
type AdmissionConfig struct {
	DefaultTeamLimit int64 `mapstructure:"default_team_limit"`
	// TeamLimits is keyed by team id.
	TeamLimits map[string]int64 `mapstructure:"team_limits"`
}

// Overrides parses TeamLimits.
func (a AdmissionConfig) Overrides() (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(a.TeamLimits))
	for raw, limit := range a.TeamLimits {
		team, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("admission.team_limits[%s]: %w", raw, err)
		}
		out[team] = limit
	}
	return out, nil
}

// RedisConfig addresses the shared counter store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig configures the API request limiter.
type RateLimitConfig struct {
	Backend      string        `mapstructure:"backend"`
	Window       time.Duration `mapstructure:"window"`
	DefaultLimit int64         `mapstructure:"default_limit"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	Redis        RedisConfig   `mapstructure:"redis"`
}

// PolitenessConfig throttles outbound fetches per host.
type PolitenessConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// CrawlConfig holds crawl defaults.
type CrawlConfig struct {
	UserAgent       string        `mapstructure:"user_agent"`
	RespectRobots   bool          `mapstructure:"respect_robots"`
	DefaultMaxDepth int           `mapstructure:"default_max_depth"`
	CrawlDelay      time.Duration `mapstructure:"crawl_delay"`
	Blocklist       []string      `mapstructure:"blocklist"`
}

// CreditsConfig prices each task kind.
type CreditsConfig struct {
	Scrape     int64 `mapstructure:"scrape"`
	Crawl      int64 `mapstructure:"crawl"`
	Search     int64 `mapstructure:"search"`
	Extract    int64 `mapstructure:"extract"`
	Screenshot int64 `mapstructure:"screenshot"`
}

// HeadlessConfig configures the browser engine and promotion heuristic.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavTimeout        time.Duration `mapstructure:"nav_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	PromotionBodySize int           `mapstructure:"promotion_body_size"`
	PromotionMinText  int           `mapstructure:"promotion_min_text"`
}

// HTTPConfig configures the colly engines.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// StorageConfig selects where page content and screenshots are written.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// DatabaseConfig controls the Postgres pool. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// Backend reports which store implementation the DSN selects.
func (d DatabaseConfig) Backend() string {
	if d.DSN == "" {
		return BackendMemory
	}
	return BackendPostgres
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// NotifyConfig sizes the notification hub.
type NotifyConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	MaxBatch    int           `mapstructure:"max_batch"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	Log         bool          `mapstructure:"log"`
	Metrics     bool          `mapstructure:"metrics"`
}

// TelemetryConfig configures tracing. An empty project id keeps spans local.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("auth.admin_key", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("rate_limit.redis.password", "")
	v.SetDefault("rate_limit.redis.db", 0)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.lease_duration", "5m")
	v.SetDefault("worker.default_timeout", "30s")
	v.SetDefault("worker.backlog_hold", "30s")
	v.SetDefault("worker.throttle_penalty", "30s")
	v.SetDefault("worker.admission_wait", "0s")
	v.SetDefault("sweeper.schedule", "@every 30s")
	v.SetDefault("sweeper.stale_after", "10m")
	v.SetDefault("sweeper.backlog_batch", 100)
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.max_delay", "5m")
	v.SetDefault("retry.default_max_retries", 3)
	v.SetDefault("admission.default_team_limit", 2)
	v.SetDefault("rate_limit.backend", BackendMemory)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.default_limit", 60)
	v.SetDefault("rate_limit.key_prefix", "crawlq:ratelimit")
	v.SetDefault("rate_limit.redis.addr", "localhost:6379")
	v.SetDefault("politeness.rps", 1.0)
	v.SetDefault("politeness.burst", 2)
	v.SetDefault("crawl.user_agent", "crawlq-bot/0.1")
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.default_max_depth", 3)
	v.SetDefault("crawl.crawl_delay", "0s")
	v.SetDefault("credits.scrape", 1)
	v.SetDefault("credits.crawl", 10)
	v.SetDefault("credits.search", 2)
	v.SetDefault("credits.extract", 5)
	v.SetDefault("credits.screenshot", 2)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.settle_delay", "500ms")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.local_dir", "data/blobs")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", false)
	v.SetDefault("pubsub.topic", "crawlq-events")
	v.SetDefault("notify.buffer_size", 1024)
	v.SetDefault("notify.max_batch", 64)
	v.SetDefault("notify.sink_timeout", "5s")
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.metrics", true)
	v.SetDefault("telemetry.service_name", "crawlq")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0"))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, fmt.Errorf("worker.count must be > 0"))
	}
	if c.Worker.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("worker.lease_duration must be > 0"))
	}
	if c.Sweeper.StaleAfter > 0 && c.Sweeper.StaleAfter < c.Worker.LeaseDuration {
		errs = append(errs, fmt.Errorf("sweeper.stale_after must not be shorter than worker.lease_duration"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry.base_delay must be > 0 and <= retry.max_delay"))
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RateLimit.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("rate_limit.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend %q is not one of memory, redis", c.RateLimit.Backend))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, fmt.Errorf("storage.local_dir is required for the local backend"))
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		errs = append(errs, fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled"))
	}
	if c.Credits.Scrape <= 0 || c.Credits.Crawl <= 0 || c.Credits.Search <= 0 || c.Credits.Extract <= 0 {
		errs = append(errs, fmt.Errorf("credits must be > 0 for every task kind"))
	}
	if _, err := c.Auth.TeamKeys(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Admission.Overrides(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
