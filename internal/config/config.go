package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"compliance-watch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Authority   AuthorityConfig   `mapstructure:"authority"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Escalation  EscalationConfig  `mapstructure:"escalation"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig selects the short-TTL check result cache.
type CacheConfig struct {
	Backend  string        `mapstructure:"backend"`
	TTL      time.Duration `mapstructure:"ttl"`
	RedisURL string        `mapstructure:"redis_url"`
	Prefix   string        `mapstructure:"prefix"`
}

// AuthorityConfig covers the compliance data source API.
type AuthorityConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     uint          `mapstructure:"max_retries"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// IntervalRule maps a minimum risk score to a polling interval.
type IntervalRule struct {
	MinScore float64 `mapstructure:"min_score"`
	Minutes  int     `mapstructure:"minutes"`
}

// MonitorConfig governs the adaptive polling loop.
type MonitorConfig struct {
	FailureThreshold    uint32         `mapstructure:"failure_threshold"`
	Cooldown            time.Duration  `mapstructure:"cooldown"`
	RescheduleThreshold time.Duration  `mapstructure:"reschedule_threshold"`
	DailyHour           int            `mapstructure:"daily_hour"`
	CheckTimeout        time.Duration  `mapstructure:"check_timeout"`
	AlertMinSeverity    string         `mapstructure:"alert_min_severity"`
	RiskJumpThreshold   float64        `mapstructure:"risk_jump_threshold"`
	Intervals           []IntervalRule `mapstructure:"intervals"`
}

// RiskConfig tunes the scoring engine.
type RiskConfig struct {
	DeadlineDay        int                `mapstructure:"deadline_day"`
	HistoryMonths      int                `mapstructure:"history_months"`
	PredictiveMonths   int                `mapstructure:"predictive_months"`
	IndustryMultiplier map[string]float64 `mapstructure:"industry_multiplier"`
}

// AlertingConfig defines alert lifecycle and routing.
type AlertingConfig struct {
	DedupWindow time.Duration       `mapstructure:"dedup_window"`
	Retention   time.Duration       `mapstructure:"retention"`
	Routes      map[string][]string `mapstructure:"routes"`
	Telegram    TelegramConfig      `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ContactConfig names who receives a given escalation level.
type ContactConfig struct {
	Level    int      `mapstructure:"level"`
	Name     string   `mapstructure:"name"`
	Channels []string `mapstructure:"channels"`
}

// EscalationConfig captures escalation tiers and working hours.
type EscalationConfig struct {
	MaxLevel      int                      `mapstructure:"max_level"`
	Intervals     []int                    `mapstructure:"intervals"`
	InitialDelays map[string]time.Duration `mapstructure:"initial_delays"`
	WorkingDays   []string                 `mapstructure:"working_days"`
	WorkStart     string                   `mapstructure:"work_start"`
	WorkEnd       string                   `mapstructure:"work_end"`
	Grace         time.Duration            `mapstructure:"grace"`
	Contacts      []ContactConfig          `mapstructure:"contacts"`
}

// MaintenanceConfig sets the housekeeping cadence.
type MaintenanceConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Recalculate     bool          `mapstructure:"recalculate"`
}

// MetricsConfig controls the ops HTTP listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COMPLIANCEWATCH")
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
	v.SetDefault("app.name", "compliancewatch")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "UTC")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.prefix", "compliancewatch:check:")

	v.SetDefault("authority.request_timeout", "15s")
	v.SetDefault("authority.max_retries", 3)
	v.SetDefault("authority.rate_limit", 5.0)
	v.SetDefault("authority.burst", 5)
	v.SetDefault("authority.user_agent", "compliancewatch/1.0")

	v.SetDefault("monitor.failure_threshold", 5)
	v.SetDefault("monitor.cooldown", "5m")
	v.SetDefault("monitor.reschedule_threshold", "30m")
	v.SetDefault("monitor.daily_hour", 2)
	v.SetDefault("monitor.check_timeout", "2m")
	v.SetDefault("monitor.alert_min_severity", "high")
	v.SetDefault("monitor.risk_jump_threshold", 0.2)
	v.SetDefault("monitor.intervals", []map[string]any{
		{"min_score": 0.85, "minutes": 15},
		{"min_score": 0.70, "minutes": 60},
		{"min_score": 0.40, "minutes": 360},
		{"min_score": 0.0, "minutes": 1440},
	})

	v.SetDefault("risk.deadline_day", 17)
	v.SetDefault("risk.history_months", 12)
	v.SetDefault("risk.predictive_months", 6)

	v.SetDefault("alerting.dedup_window", "24h")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.routes", map[string][]string{
		"low":      {"log"},
		"medium":   {"log"},
		"high":     {"log", "telegram"},
		"critical": {"log", "telegram"},
	})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("escalation.max_level", 3)
	v.SetDefault("escalation.intervals", []int{60, 180, 360})
	v.SetDefault("escalation.initial_delays", map[string]string{
		"critical": "30m",
		"high":     "2h",
		"medium":   "1h",
	})
	v.SetDefault("escalation.working_days", []string{"mon", "tue", "wed", "thu", "fri"})
	v.SetDefault("escalation.work_start", "08:00")
	v.SetDefault("escalation.work_end", "18:00")
	v.SetDefault("escalation.grace", "30m")

	v.SetDefault("maintenance.interval", "1h")
	v.SetDefault("maintenance.advisory_lock_key", int64(0x636f6d70))
	v.SetDefault("maintenance.startup_delay", "0s")
	v.SetDefault("maintenance.recalculate", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9102")

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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("app.timezone: %w", err)
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "memory", "":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than zero")
	}
	if c.Monitor.FailureThreshold == 0 {
		return fmt.Errorf("monitor.failure_threshold must be greater than zero")
	}
	if c.Monitor.Cooldown <= 0 {
		return fmt.Errorf("monitor.cooldown must be greater than zero")
	}
	if c.Monitor.DailyHour < 0 || c.Monitor.DailyHour > 23 {
		return fmt.Errorf("monitor.daily_hour must be within 0-23")
	}
	if len(c.Monitor.Intervals) == 0 {
		return fmt.Errorf("monitor.intervals must not be empty")
	}
	for _, rule := range c.Monitor.Intervals {
		if rule.Minutes <= 0 {
			return fmt.Errorf("monitor.intervals minutes must be greater than zero")
		}
	}
	if c.Risk.DeadlineDay < 1 || c.Risk.DeadlineDay > 28 {
		return fmt.Errorf("risk.deadline_day must be within 1-28")
	}
	if c.Alerting.DedupWindow <= 0 {
		return fmt.Errorf("alerting.dedup_window must be greater than zero")
	}
	if c.Alerting.Retention <= 0 {
		return fmt.Errorf("alerting.retention must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Escalation.MaxLevel <= 0 {
		return fmt.Errorf("escalation.max_level must be greater than zero")
	}
	if len(c.Escalation.Intervals) == 0 {
		return fmt.Errorf("escalation.intervals must not be empty")
	}
	if _, _, err := ParseClock(c.Escalation.WorkStart); err != nil {
		return fmt.Errorf("escalation.work_start: %w", err)
	}
	if _, _, err := ParseClock(c.Escalation.WorkEnd); err != nil {
		return fmt.Errorf("escalation.work_end: %w", err)
	}
	if _, err := ParseWeekdays(c.Escalation.WorkingDays); err != nil {
		return fmt.Errorf("escalation.working_days: %w", err)
	}
	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be greater than zero")
	}
	return nil
}

// Location resolves the configured business timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ParseClock parses an HH:MM wall clock value.
func ParseClock(value string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q", value)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseWeekdays converts short or long day names into time.Weekday values.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if len(key) > 3 {
			key = key[:3]
		}
		day, ok := weekdays[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		days = append(days, day)
	}
	return days, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}
