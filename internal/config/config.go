package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"position-rescue-alerts/internal/ledger"
	"position-rescue-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Rescue    RescueConfig    `mapstructure:"rescue"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Positions []string        `mapstructure:"positions"`
	Export    ExportConfig    `mapstructure:"export"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToCycle    bool          `mapstructure:"align_to_cycle"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// LedgerConfig covers on-chain access to the rescue controller.
type LedgerConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	ControllerAddress string        `mapstructure:"controller_address"`
	SignerKeyHex      string        `mapstructure:"signer_key_hex"`
	ChainID           int64         `mapstructure:"chain_id"`
	GasLimit          uint64        `mapstructure:"gas_limit"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// RiskConfig holds protocol-specific thresholds for the evaluator.
type RiskConfig struct {
	WarnRatio      float64 `mapstructure:"warn_ratio"`
	RescueRatio    float64 `mapstructure:"rescue_ratio"`
	Adaptive       bool    `mapstructure:"adaptive"`
	AdaptiveWindow int     `mapstructure:"adaptive_window"`
}

// RescueConfig tunes transaction submission and confirmation polling.
type RescueConfig struct {
	MaxSubmitAttempts  int           `mapstructure:"max_submit_attempts"`
	MaxConfirmAttempts int           `mapstructure:"max_confirm_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffCap         time.Duration `mapstructure:"backoff_cap"`
	FailedCooldown     time.Duration `mapstructure:"failed_cooldown"`
}

// AlertingConfig defines alert delivery and retention.
type AlertingConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	BufferSize    int            `mapstructure:"buffer_size"`
	DeliveryRetry int            `mapstructure:"delivery_retry"`
	Retention     time.Duration  `mapstructure:"retention"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RESCUEWATCHER")
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
	v.SetDefault("app.name", "rescuewatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_cycle", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x72657343))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ledger.request_timeout", "10s")
	v.SetDefault("ledger.chain_id", int64(1))

	v.SetDefault("risk.warn_ratio", 1.5)
	v.SetDefault("risk.rescue_ratio", 1.1)
	v.SetDefault("risk.adaptive", false)
	v.SetDefault("risk.adaptive_window", 200)

	v.SetDefault("rescue.max_submit_attempts", 3)
	v.SetDefault("rescue.max_confirm_attempts", 10)
	v.SetDefault("rescue.backoff_base", "2s")
	v.SetDefault("rescue.backoff_cap", "30s")
	v.SetDefault("rescue.failed_cooldown", "10m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.buffer_size", 64)
	v.SetDefault("alerting.delivery_retry", 3)
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Risk.WarnRatio <= 0 || c.Risk.RescueRatio <= 0 {
		return fmt.Errorf("risk thresholds must be greater than zero")
	}
	if c.Risk.RescueRatio >= c.Risk.WarnRatio {
		return fmt.Errorf("risk.rescue_ratio must be below risk.warn_ratio")
	}
	if c.Rescue.MaxSubmitAttempts <= 0 || c.Rescue.MaxConfirmAttempts <= 0 {
		return fmt.Errorf("rescue attempt bounds must be greater than zero")
	}
	if c.Rescue.BackoffBase <= 0 || c.Rescue.BackoffCap < c.Rescue.BackoffBase {
		return fmt.Errorf("rescue backoff must satisfy 0 < base <= cap")
	}
	if _, err := c.TrackedPositions(); err != nil {
		return err
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// TrackedPositions parses the configured position identifiers.
func (c *Config) TrackedPositions() ([]ledger.PositionID, error) {
	ids := make([]ledger.PositionID, 0, len(c.Positions))
	for _, raw := range c.Positions {
		id, err := ledger.ParsePositionID(raw)
		if err != nil {
			return nil, fmt.Errorf("positions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
