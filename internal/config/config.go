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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Trust     TrustConfig     `yaml:"trust" mapstructure:"trust"`
	Gate      GateConfig      `yaml:"gate" mapstructure:"gate"`
	Export    ExportConfig    `yaml:"export" mapstructure:"export"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds the extraction collaborator settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	Disabled  bool   `yaml:"disabled" mapstructure:"disabled"` // deterministic-only extraction
}

// FetchConfig configures the HTTP transport.
type FetchConfig struct {
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// WorkerConfig configures the claim-and-process loop.
type WorkerConfig struct {
	Workers        int    `yaml:"workers" mapstructure:"workers"`
	Name           string `yaml:"name" mapstructure:"name"`
	MaxRetries     int    `yaml:"max_retries" mapstructure:"max_retries"`
	IdleSleepSecs  int    `yaml:"idle_sleep_secs" mapstructure:"idle_sleep_secs"`
	StaleAfterMins int    `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// TrustConfig holds the explicit allow-lists the write gate enforces.
// A source or domain absent from these lists can never trigger an
// automated commit.
type TrustConfig struct {
	Sources []string `yaml:"sources" mapstructure:"sources"`
	Domains []string `yaml:"domains" mapstructure:"domains"`
}

// GateConfig tunes validation and write-gate thresholds.
type GateConfig struct {
	MinConfidence   float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	ContextLines    int     `yaml:"context_lines" mapstructure:"context_lines"`
	HeuristicWindow int     `yaml:"heuristic_window" mapstructure:"heuristic_window"`
}

// ExportConfig configures run manifest export.
type ExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
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
	v.SetEnvPrefix("TARIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("fetch.user_agent", "tariff-sync/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("worker.workers", 1)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.idle_sleep_secs", 5)
	v.SetDefault("worker.stale_after_mins", 30)
	v.SetDefault("trust.sources", []string{"federal_register", "ustr", "cbp_csms"})
	v.SetDefault("trust.domains", []string{
		"federalregister.gov",
		"www.federalregister.gov",
		"ustr.gov",
		"www.cbp.gov",
		"content.govdelivery.com",
	})
	v.SetDefault("gate.min_confidence", 0.5)
	v.SetDefault("gate.context_lines", 2)
	v.SetDefault("gate.heuristic_window", 5)
	v.SetDefault("export.dir", "exports")
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
