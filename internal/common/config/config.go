// Package config provides layered configuration for execd: environment
// variables (prefixed EXECD_) override defaults, following the same
// viper-based idiom the rest of this codebase's lineage uses.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config groups every configuration section execd needs.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Estimator EstimatorConfig `mapstructure:"estimator"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WebSocket listen configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"` // seconds
	HooksConfigPath string `mapstructure:"hooksConfigPath"`
}

// LimitsConfig is the full config table of spec.md §6.
type LimitsConfig struct {
	MaxSessions       int      `mapstructure:"maxSessions"`
	StreamBufferBytes int64    `mapstructure:"streamBufferBytes"`
	MaxLine           int      `mapstructure:"maxLine"`
	MaxOutputPayload  int      `mapstructure:"maxOutputPayload"`
	SendHighWater     int      `mapstructure:"sendHighWater"`
	DefaultIdleS      float64  `mapstructure:"defaultIdleS"`
	MinTimeoutS       float64  `mapstructure:"minTimeoutS"`
	MaxTimeoutS       float64  `mapstructure:"maxTimeoutS"`
	GraceMS           int      `mapstructure:"graceMs"`
	PrehookBudgetMS   int      `mapstructure:"prehookBudgetMs"`
	HistoryMax        int      `mapstructure:"historyMax"`
	MinSamplesHigh    int      `mapstructure:"minSamplesHigh"`
	EnvDenylist       []string `mapstructure:"envDenylist"`
	AllowPTY          bool     `mapstructure:"allowPty"`
}

// EstimatorConfig controls the C3 TimingRecord store.
type EstimatorConfig struct {
	// Backend selects "sqlite" (default), "postgres", or "jsonl".
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlitePath"`
	JSONLPath   string `mapstructure:"jsonlPath"`
	PostgresDSN string `mapstructure:"postgresDsn"`
}

// NATSConfig is the optional event-bus fan-out transport; an empty URL
// falls back to the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig matches internal/common/logger.LoggingConfig's shape.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (l *LimitsConfig) GraceDuration() time.Duration {
	return time.Duration(l.GraceMS) * time.Millisecond
}

func (l *LimitsConfig) PrehookBudgetDuration() time.Duration {
	return time.Duration(l.PrehookBudgetMS) * time.Millisecond
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("EXECD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.hooksConfigPath", "./hooks.yaml")

	v.SetDefault("limits.maxSessions", 100)
	v.SetDefault("limits.streamBufferBytes", 4*1024*1024)
	v.SetDefault("limits.maxLine", 65536)
	v.SetDefault("limits.maxOutputPayload", 262144)
	v.SetDefault("limits.sendHighWater", 8*1024*1024)
	v.SetDefault("limits.defaultIdleS", 30)
	v.SetDefault("limits.minTimeoutS", 2)
	v.SetDefault("limits.maxTimeoutS", 3600)
	v.SetDefault("limits.graceMs", 3000)
	v.SetDefault("limits.prehookBudgetMs", 2000)
	v.SetDefault("limits.historyMax", 50)
	v.SetDefault("limits.minSamplesHigh", 10)
	v.SetDefault("limits.envDenylist", []string{"AWS_SECRET_ACCESS_KEY", "EXECD_MARKER_TOKEN"})
	v.SetDefault("limits.allowPty", true)

	v.SetDefault("estimator.backend", "sqlite")
	v.SetDefault("estimator.sqlitePath", "./execd-timing.db")
	v.SetDefault("estimator.jsonlPath", "./execd-timing.jsonl")
	v.SetDefault("estimator.postgresDsn", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "execd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables (prefixed EXECD_),
// an optional config.yaml, and the defaults above.
func Load() (*Config, error) {
	return LoadWithPath("")
}

func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EXECD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/execd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Limits.MaxSessions <= 0 {
		errs = append(errs, "limits.maxSessions must be positive")
	}
	if cfg.Limits.MinTimeoutS > cfg.Limits.MaxTimeoutS {
		errs = append(errs, "limits.minTimeoutS must be <= limits.maxTimeoutS")
	}
	if cfg.Limits.MinSamplesHigh <= 0 {
		errs = append(errs, "limits.minSamplesHigh must be positive")
	}

	validBackends := map[string]bool{"sqlite": true, "postgres": true, "jsonl": true}
	if !validBackends[cfg.Estimator.Backend] {
		errs = append(errs, "estimator.backend must be one of: sqlite, postgres, jsonl")
	}
	if cfg.Estimator.Backend == "postgres" && cfg.Estimator.PostgresDSN == "" {
		errs = append(errs, "estimator.postgresDsn is required when estimator.backend=postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
