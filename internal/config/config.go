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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Renewal   RenewalConfig   `yaml:"renewal" mapstructure:"renewal"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Kafka     KafkaConfig     `yaml:"kafka" mapstructure:"kafka"`
	Tracing   TracingConfig   `yaml:"tracing" mapstructure:"tracing"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds settings for the structured agent gateway.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// RenewalConfig configures the renewal-signal procedure.
type RenewalConfig struct {
	URL         string  `yaml:"url" mapstructure:"url"`
	Key         string  `yaml:"key" mapstructure:"key"`
	MonthsAhead int     `yaml:"months_ahead" mapstructure:"months_ahead"`
	MinValueEUR float64 `yaml:"min_value_eur" mapstructure:"min_value_eur"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PipelineConfig holds the thresholds and constants used by the stages.
type PipelineConfig struct {
	ReconcileThreshold  float64 `yaml:"reconcile_threshold" mapstructure:"reconcile_threshold"`
	ClassifyThreshold   float64 `yaml:"classify_threshold" mapstructure:"classify_threshold"`
	SignalThreshold     float64 `yaml:"signal_threshold" mapstructure:"signal_threshold"`
	CandidateLimit      int     `yaml:"candidate_limit" mapstructure:"candidate_limit"`
	WeeksBack           int     `yaml:"weeks_back" mapstructure:"weeks_back"`
	MaxRecordErrors     int     `yaml:"max_record_errors" mapstructure:"max_record_errors"`
	ModelVersion        string  `yaml:"model_version" mapstructure:"model_version"`
	RenewalModelVersion string  `yaml:"renewal_model_version" mapstructure:"renewal_model_version"`
	TimeWindow          string  `yaml:"time_window" mapstructure:"time_window"`
}

// RetryConfig configures retries around external calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the gateway circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BatchConfig configures multi-run processing.
type BatchConfig struct {
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// KafkaConfig configures the notice intake consumer.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
	GroupID string   `yaml:"group_id" mapstructure:"group_id"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("renewal.url", "")
	v.SetDefault("renewal.key", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("batch.max_concurrent_runs", 4)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.requests_per_second", 5.0)
	v.SetDefault("anthropic.burst", 5)
	v.SetDefault("renewal.months_ahead", 18)
	v.SetDefault("renewal.min_value_eur", 0)
	v.SetDefault("renewal.timeout_secs", 30)
	v.SetDefault("pipeline.reconcile_threshold", 0.85)
	v.SetDefault("pipeline.classify_threshold", 0.85)
	v.SetDefault("pipeline.signal_threshold", 0.85)
	v.SetDefault("pipeline.candidate_limit", 20)
	v.SetDefault("pipeline.weeks_back", 104)
	v.SetDefault("pipeline.max_record_errors", 50)
	v.SetDefault("pipeline.model_version", "agentic-v1")
	v.SetDefault("pipeline.renewal_model_version", "renewal-v1")
	v.SetDefault("pipeline.time_window", "next_12_months")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("kafka.topic", "tender.raw-notices")
	v.SetDefault("kafka.group_id", "tender-intel")
	v.SetDefault("tracing.service_name", "tender-intel")

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

// Validate checks the settings a command needs before it starts. Mode is one
// of "pipeline", "serve", "consume", "review" or "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string
	requireStore := func() {
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
		if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
			problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
		}
	}
	requirePipeline := func() {
		requireStore()
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Pipeline.MaxRecordErrors <= 0 {
			problems = append(problems, "pipeline.max_record_errors must be positive")
		}
		for name, v := range map[string]float64{
			"pipeline.reconcile_threshold": c.Pipeline.ReconcileThreshold,
			"pipeline.classify_threshold":  c.Pipeline.ClassifyThreshold,
			"pipeline.signal_threshold":    c.Pipeline.SignalThreshold,
		} {
			if v < 0 || v > 1 {
				problems = append(problems, name+" must be within [0,1]")
			}
		}
	}

	switch mode {
	case "pipeline":
		requirePipeline()
	case "serve":
		requirePipeline()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Batch.MaxConcurrentRuns < 1 || c.Batch.MaxConcurrentRuns > 50 {
			problems = append(problems, "batch.max_concurrent_runs must be between 1 and 50")
		}
	case "consume":
		requirePipeline()
		if len(c.Kafka.Brokers) == 0 {
			problems = append(problems, "kafka.brokers is required")
		}
		if c.Kafka.Topic == "" {
			problems = append(problems, "kafka.topic is required")
		}
	case "review", "migrate":
		requireStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
