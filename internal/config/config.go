package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Tables TablesConfig `yaml:"tables" mapstructure:"tables"`
	Import ImportConfig `yaml:"import" mapstructure:"import"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Redis  RedisConfig  `yaml:"redis" mapstructure:"redis"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// TablesConfig names the table behind each collection. Blank names fall back
// to the store defaults.
type TablesConfig struct {
	Clients       string `yaml:"clients" mapstructure:"clients"`
	ReviewEntries string `yaml:"review_entries" mapstructure:"review_entries"`
	ImportJobs    string `yaml:"import_jobs" mapstructure:"import_jobs"`
	Branches      string `yaml:"branches" mapstructure:"branches"`
}

// ImportConfig tunes the import pipeline.
type ImportConfig struct {
	ProgressInterval int   `yaml:"progress_interval" mapstructure:"progress_interval"`
	MaxUploadBytes   int64 `yaml:"max_upload_bytes" mapstructure:"max_upload_bytes"`
	Workers          int   `yaml:"workers" mapstructure:"workers"`
	QueueSize        int   `yaml:"queue_size" mapstructure:"queue_size"`
	RetryAttempts    int   `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs   int   `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	UploadRPS   float64  `yaml:"upload_rps" mapstructure:"upload_rps"`
	UploadBurst int      `yaml:"upload_burst" mapstructure:"upload_burst"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// RedisConfig configures the optional job snapshot cache. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
	TTLHours int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
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
	v.SetEnvPrefix("CLIENTBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "clientbook.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("tables.clients", "clients")
	v.SetDefault("tables.review_entries", "review_entries")
	v.SetDefault("tables.import_jobs", "import_jobs")
	v.SetDefault("tables.branches", "branches")
	v.SetDefault("import.progress_interval", 10)
	v.SetDefault("import.max_upload_bytes", 10<<20)
	v.SetDefault("import.workers", 2)
	v.SetDefault("import.queue_size", 32)
	v.SetDefault("import.retry_attempts", 3)
	v.SetDefault("import.retry_backoff_ms", 50)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.upload_rps", 2.0)
	v.SetDefault("server.upload_burst", 5)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("redis.prefix", "clientbook:job:")
	v.SetDefault("redis.ttl_hours", 24)
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

// Validate checks the settings a command mode depends on. Known modes are
// "serve", "import" and "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "import", "serve":
		if c.Import.ProgressInterval < 1 {
			errs = append(errs, "import.progress_interval must be >= 1")
		}
		if c.Import.MaxUploadBytes < 1 {
			errs = append(errs, "import.max_upload_bytes must be >= 1")
		}
		if c.Import.RetryAttempts < 1 || c.Import.RetryAttempts > 10 {
			errs = append(errs, fmt.Sprintf("import.retry_attempts must be 1-10, got %d", c.Import.RetryAttempts))
		}
		if mode == "serve" {
			if c.Server.Port < 1 || c.Server.Port > 65535 {
				errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
			}
			if c.Import.Workers < 1 || c.Import.Workers > 64 {
				errs = append(errs, fmt.Sprintf("import.workers must be 1-64, got %d", c.Import.Workers))
			}
			if c.Import.QueueSize < 1 {
				errs = append(errs, "import.queue_size must be >= 1")
			}
			if c.Server.UploadRPS < 0 {
				errs = append(errs, "server.upload_rps must be >= 0")
			}
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the level parses and the format is json or console.
func (c LogConfig) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return eris.Wrapf(err, "config: log.level %q", c.Level)
	}
	switch c.Format {
	case "json", "console":
		return nil
	}
	return eris.Errorf("config: log.format must be json or console, got %q", c.Format)
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
