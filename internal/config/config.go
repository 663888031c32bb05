package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	State      StateConfig      `mapstructure:"state"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Autonomous AutonomousConfig `mapstructure:"autonomous"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the HTTP and websocket listener settings
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"` // budget for ?wait=true analysis and cycle requests
	WSBuffer     int           `mapstructure:"ws_buffer"`
}

// StateConfig bounds the in-memory state manager
type StateConfig struct {
	ActivityCapacity  int  `mapstructure:"activity_capacity"`
	MaxTickets        int  `mapstructure:"max_tickets"`
	StrictTransitions bool `mapstructure:"strict_transitions"`
	LockSettled       bool `mapstructure:"lock_settled"`
}

// GeminiConfig holds Generative Language API configuration
type GeminiConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	APIKey         string        `mapstructure:"api_key"`
	AnalysisModel  string        `mapstructure:"analysis_model"`
	FastModel      string        `mapstructure:"fast_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	Grounding      bool          `mapstructure:"grounding"`
}

// StorageConfig selects and configures the ticket backend
type StorageConfig struct {
	Driver         string        `mapstructure:"driver"` // sqlite or postgres
	DBPath         string        `mapstructure:"db_path"`
	DSN            string        `mapstructure:"dsn"`
	MinConns       int32         `mapstructure:"min_conns"`
	MaxConns       int32         `mapstructure:"max_conns"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

// AutonomousConfig controls the scheduled audit and scouting cycle
type AutonomousConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxAudits  int           `mapstructure:"max_audits"`
	MaxScouted int           `mapstructure:"max_scouted"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	MinSeverity    string        `mapstructure:"min_severity"`
}

// MetricsConfig controls the Prometheus collector
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	return LoadWithFlags(path, nil)
}

// flagKeys maps command-line flags to the configuration keys they override.
var flagKeys = map[string]string{
	"addr":       "server.addr",
	"log-level":  "logging.level",
	"autonomous": "autonomous.enabled",
}

// LoadWithFlags is Load with command-line overrides. Flags listed in
// flagKeys take precedence over the file and the environment when set.
func LoadWithFlags(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	v.SetEnvPrefix("KAIROS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.wait_timeout", "5m")
	v.SetDefault("server.ws_buffer", 16)

	v.SetDefault("state.activity_capacity", 50)
	v.SetDefault("state.max_tickets", 500)
	v.SetDefault("state.strict_transitions", false)
	v.SetDefault("state.lock_settled", true)

	v.SetDefault("gemini.api_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.analysis_model", "gemini-2.5-pro")
	v.SetDefault("gemini.fast_model", "gemini-2.5-flash")
	v.SetDefault("gemini.timeout", "90s")
	v.SetDefault("gemini.max_retries", 3)
	v.SetDefault("gemini.retry_delay_base", "2s")
	v.SetDefault("gemini.grounding", true)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", "./data/kairos.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.min_conns", 1)
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.persist_timeout", "10s")

	v.SetDefault("autonomous.enabled", false)
	v.SetDefault("autonomous.interval", "6h")
	v.SetDefault("autonomous.max_audits", 5)
	v.SetDefault("autonomous.max_scouted", 3)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.min_severity", "high")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "kairos")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.WSBuffer < 1 {
		return fmt.Errorf("server.ws_buffer must be at least 1")
	}
	if c.Server.WaitTimeout <= 0 {
		return fmt.Errorf("server.wait_timeout must be positive")
	}

	if c.State.ActivityCapacity < 1 {
		return fmt.Errorf("state.activity_capacity must be at least 1")
	}
	if c.State.MaxTickets < 1 {
		return fmt.Errorf("state.max_tickets must be at least 1")
	}

	if c.Gemini.APIURL == "" {
		return fmt.Errorf("gemini.api_url is required")
	}
	if c.Gemini.AnalysisModel == "" || c.Gemini.FastModel == "" {
		return fmt.Errorf("gemini.analysis_model and gemini.fast_model are required")
	}
	if c.Gemini.MaxRetries < 1 {
		return fmt.Errorf("gemini.max_retries must be at least 1")
	}
	if c.Gemini.Timeout <= 0 {
		return fmt.Errorf("gemini.timeout must be positive")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
		if c.Storage.MaxConns < 1 || c.Storage.MinConns < 0 || c.Storage.MinConns > c.Storage.MaxConns {
			return fmt.Errorf("storage.min_conns/max_conns must satisfy 0 <= min <= max, max >= 1")
		}
	default:
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres")
	}
	if c.Storage.PersistTimeout <= 0 {
		return fmt.Errorf("storage.persist_timeout must be positive")
	}

	if c.Autonomous.Enabled {
		if c.Autonomous.Interval < 1*time.Minute {
			return fmt.Errorf("autonomous.interval must be at least 1 minute")
		}
		if c.Autonomous.MaxAudits < 0 || c.Autonomous.MaxScouted < 0 {
			return fmt.Errorf("autonomous.max_audits and autonomous.max_scouted must not be negative")
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	validSeverities := map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
	if !validSeverities[c.Telegram.MinSeverity] {
		return fmt.Errorf("telegram.min_severity must be one of: low, medium, high, critical")
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics.namespace is required when metrics are enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
