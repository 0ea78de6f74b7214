package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Verify     VerifyConfig     `yaml:"verify" mapstructure:"verify"`
	Generator  GeneratorConfig  `yaml:"generator" mapstructure:"generator"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// NotifyConfig configures outbound webhook notifications.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	PerMinute  int    `yaml:"per_minute" mapstructure:"per_minute"`
}

// VerifyConfig configures the verification sweep.
type VerifyConfig struct {
	StaleClaimMinutes int `yaml:"stale_claim_minutes" mapstructure:"stale_claim_minutes"`
	MaxAttempts       int `yaml:"max_attempts" mapstructure:"max_attempts"`
	MinDaysWithData   int `yaml:"min_days_with_data" mapstructure:"min_days_with_data"`
}

// GeneratorConfig configures feedback generation.
type GeneratorConfig struct {
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
	// MaxConcurrentVenues bounds the fan-out when generating across venues.
	MaxConcurrentVenues int `yaml:"max_concurrent_venues" mapstructure:"max_concurrent_venues"`
}

// MonitoringConfig configures loop-health checks and alerting.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	OverdueThreshold    int     `yaml:"overdue_threshold" mapstructure:"overdue_threshold"`
	QuarantineThreshold int     `yaml:"quarantine_threshold" mapstructure:"quarantine_threshold"`
	FailRateThreshold   float64 `yaml:"fail_rate_threshold" mapstructure:"fail_rate_threshold"`
	LookbackHours       int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OPSLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("notify.per_minute", 30)
	v.SetDefault("verify.stale_claim_minutes", 30)
	v.SetDefault("verify.max_attempts", 5)
	v.SetDefault("verify.min_days_with_data", 1)
	v.SetDefault("generator.max_concurrent_venues", 5)
	v.SetDefault("monitoring.overdue_threshold", 10)
	v.SetDefault("monitoring.quarantine_threshold", 5)
	v.SetDefault("monitoring.fail_rate_threshold", 0.5)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given run mode. Modes map
// to command groups: "serve" for the API server, "sweep" for the
// verification sweep, "generate" for feedback generation, and "cli"
// for the remaining store-backed commands.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "sweep":
		if c.Verify.MaxAttempts < 1 || c.Verify.MaxAttempts > 20 {
			problems = append(problems, "verify.max_attempts must be between 1 and 20")
		}
		if c.Verify.StaleClaimMinutes <= 0 {
			problems = append(problems, "verify.stale_claim_minutes must be > 0")
		}
		if c.Verify.MinDaysWithData < 0 {
			problems = append(problems, "verify.min_days_with_data must be >= 0")
		}
	case "generate":
		if c.Generator.MaxConcurrentVenues < 1 || c.Generator.MaxConcurrentVenues > 50 {
			problems = append(problems, "generator.max_concurrent_venues must be between 1 and 50")
		}
	case "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Monitoring.FailRateThreshold < 0 || c.Monitoring.FailRateThreshold > 1 {
		problems = append(problems, "monitoring.fail_rate_threshold must be between 0 and 1")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
