package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"route-deal-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	History   HistoryConfig   `mapstructure:"history"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Source    SourceConfig    `mapstructure:"source"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
}

// HistoryConfig bounds the per-route price history.
type HistoryConfig struct {
	RetentionSize int           `mapstructure:"retention_size"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

// LedgerConfig bounds the alert ledger.
type LedgerConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// AnalyzerConfig carries the statistical thresholds.
type AnalyzerConfig struct {
	MinSanePrice         float64 `mapstructure:"min_sane_price"`
	MaxSanePrice         float64 `mapstructure:"max_sane_price"`
	BottomMultiplier     float64 `mapstructure:"bottom_multiplier"`
	MistakeFareRatio     float64 `mapstructure:"mistake_fare_ratio"`
	MaxSourceCV          float64 `mapstructure:"max_source_cv"`
	LowConfidenceCeiling float64 `mapstructure:"low_confidence_ceiling"`
	VolatilityWindow     int     `mapstructure:"volatility_window"`
	StableBelow          float64 `mapstructure:"stable_below"`
	VolatileAbove        float64 `mapstructure:"volatile_above"`
}

// PolicyConfig governs alert gating.
type PolicyConfig struct {
	Timezone                 string `mapstructure:"timezone"`
	WeekdayHours             string `mapstructure:"weekday_hours"`
	WeekendHours             string `mapstructure:"weekend_hours"`
	GlobalDailyCap           int    `mapstructure:"global_daily_cap"`
	PerRouteDailyCap         int    `mapstructure:"per_route_daily_cap"`
	MistakeFareBypassesQuota bool   `mapstructure:"mistake_fare_bypasses_quota"`
	NightQueue               bool   `mapstructure:"night_queue"`
}

// DedupConfig controls duplicate price-band suppression.
type DedupConfig struct {
	Tolerance float64       `mapstructure:"tolerance"`
	Window    time.Duration `mapstructure:"window"`
	BandStep  float64       `mapstructure:"band_step"`
}

// PricingConfig normalises observed currencies.
type PricingConfig struct {
	BaseCurrency string             `mapstructure:"base_currency"`
	FXRates      map[string]float64 `mapstructure:"fx_rates"`
}

// PipelineConfig drives a single scan cycle.
type PipelineConfig struct {
	Routes         []string      `mapstructure:"routes"`
	Workers        int           `mapstructure:"workers"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	MaxFailureRate float64       `mapstructure:"max_failure_rate"`
}

// SourceConfig describes where observations come from.
type SourceConfig struct {
	Kind      string        `mapstructure:"kind"`
	BaseURL   string        `mapstructure:"base_url"`
	File      string        `mapstructure:"file"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KafkaConfig describes the Kafka alert topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// QueueConfig selects the night-queue backend.
type QueueConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig covers Redis connectivity.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// MetricsConfig configures the Pushgateway export.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// SchedulerConfig governs the in-process watch loop.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("DEALWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dealwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "dealwatch.db")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.conn_max_lifetime", "30m")
	v.SetDefault("storage.advisory_lock_key", int64(0x64656c77))
	v.SetDefault("storage.lock_ttl", "30m")

	v.SetDefault("history.retention_size", 120)
	v.SetDefault("history.max_age", "2160h")
	v.SetDefault("ledger.retention", "720h")

	v.SetDefault("analyzer.min_sane_price", 100.0)
	v.SetDefault("analyzer.max_sane_price", 500000.0)
	v.SetDefault("analyzer.bottom_multiplier", 1.05)
	v.SetDefault("analyzer.mistake_fare_ratio", 0.30)
	v.SetDefault("analyzer.max_source_cv", 0.20)
	v.SetDefault("analyzer.low_confidence_ceiling", 0.5)
	v.SetDefault("analyzer.volatility_window", 7)
	v.SetDefault("analyzer.stable_below", 0.05)
	v.SetDefault("analyzer.volatile_above", 0.15)

	v.SetDefault("policy.timezone", "Europe/Istanbul")
	v.SetDefault("policy.weekday_hours", "09:00-23:00")
	v.SetDefault("policy.weekend_hours", "10:00-23:00")
	v.SetDefault("policy.global_daily_cap", 3)
	v.SetDefault("policy.per_route_daily_cap", 1)
	v.SetDefault("policy.mistake_fare_bypasses_quota", false)
	v.SetDefault("policy.night_queue", false)

	v.SetDefault("dedup.tolerance", 0.05)
	v.SetDefault("dedup.window", "24h")
	v.SetDefault("dedup.band_step", 100.0)

	v.SetDefault("pricing.base_currency", "TRY")

	v.SetDefault("pipeline.workers", 1)
	v.SetDefault("pipeline.fetch_timeout", "60s")
	v.SetDefault("pipeline.max_failure_rate", 0.30)

	v.SetDefault("source.kind", "file")
	v.SetDefault("source.file", "observations.yaml")
	v.SetDefault("source.timeout", "60s")
	v.SetDefault("source.user_agent", "dealwatch/1.0")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.topic", "route-deal-alerts")

	v.SetDefault("queue.driver", "store")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.key", "dealwatch:night_queue")

	v.SetDefault("metrics.job", "dealwatch")

	v.SetDefault("scheduler.interval", "4h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.History.RetentionSize <= 0 {
		return fmt.Errorf("history.retention_size must be greater than zero")
	}
	if c.Analyzer.MinSanePrice <= 0 || c.Analyzer.MaxSanePrice <= c.Analyzer.MinSanePrice {
		return fmt.Errorf("analyzer sane price bounds are invalid")
	}
	if c.Analyzer.BottomMultiplier < 1 {
		return fmt.Errorf("analyzer.bottom_multiplier must be at least 1")
	}
	if c.Analyzer.MistakeFareRatio <= 0 || c.Analyzer.MistakeFareRatio >= 1 {
		return fmt.Errorf("analyzer.mistake_fare_ratio must be within (0, 1)")
	}
	if c.Analyzer.MaxSourceCV <= 0 {
		return fmt.Errorf("analyzer.max_source_cv must be greater than zero")
	}
	if c.Analyzer.VolatilityWindow < 2 {
		return fmt.Errorf("analyzer.volatility_window must be at least 2")
	}
	if c.Policy.GlobalDailyCap <= 0 {
		return fmt.Errorf("policy.global_daily_cap must be greater than zero")
	}
	if c.Policy.PerRouteDailyCap <= 0 {
		return fmt.Errorf("policy.per_route_daily_cap must be greater than zero")
	}
	if _, err := time.LoadLocation(c.Policy.Timezone); err != nil {
		return fmt.Errorf("policy.timezone: %w", err)
	}
	if c.Dedup.Tolerance < 0 || c.Dedup.Tolerance >= 1 {
		return fmt.Errorf("dedup.tolerance must be within [0, 1)")
	}
	if c.Dedup.BandStep <= 0 {
		return fmt.Errorf("dedup.band_step must be greater than zero")
	}
	seen := make(map[string]struct{}, len(c.Pipeline.Routes))
	for _, route := range c.Pipeline.Routes {
		if _, ok := seen[route]; ok {
			return fmt.Errorf("pipeline.routes lists %q more than once", route)
		}
		seen[route] = struct{}{}
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	if c.Alerting.Kafka.Enabled && len(c.Alerting.Kafka.Brokers) == 0 {
		return fmt.Errorf("alerting.kafka.brokers must be set")
	}
	switch c.Queue.Driver {
	case "store", "redis":
	default:
		return fmt.Errorf("queue.driver %q is not supported", c.Queue.Driver)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Location resolves the policy timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Policy.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
