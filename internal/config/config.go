package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"signal-engine/internal/baseline"
	"signal-engine/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Evaluator   baseline.Config   `mapstructure:"evaluator"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Capability  CapabilityConfig  `mapstructure:"capability"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Definitions DefinitionsConfig `mapstructure:"definitions"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs the engine on
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the tick queue.
type SchedulerConfig struct {
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	BaselineInterval    time.Duration `mapstructure:"baseline_interval"`
	SLAInterval         time.Duration `mapstructure:"sla_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	AlignToBucket       bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey     int64         `mapstructure:"advisory_lock_key"`
	StartupDelay        time.Duration `mapstructure:"startup_delay"`
}

// EngineConfig sizes the event queue and sweeps.
type EngineConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	SweepConcurrency int           `mapstructure:"sweep_concurrency"`
	ScoreTypes       []string      `mapstructure:"score_types"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// ScoringConfig tunes the composite scorer.
type ScoringConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// WorkflowConfig configures SLAs, approvals and step retry backoff.
type WorkflowConfig struct {
	SLA                     map[string]time.Duration `mapstructure:"sla"`
	ApprovalTimeout         time.Duration            `mapstructure:"approval_timeout"`
	RetryBase               time.Duration            `mapstructure:"retry_base"`
	RetryCap                time.Duration            `mapstructure:"retry_cap"`
	EscalationChannel       string                   `mapstructure:"escalation_channel"`
	EscalationTemplate      string                   `mapstructure:"escalation_template"`
	ApprovalTimeoutTemplate string                   `mapstructure:"approval_timeout_template"`
}

// DeliveryConfig selects and tunes the delivery gateway.
type DeliveryConfig struct {
	Gateway string        `mapstructure:"gateway"` // log, webhook, kafka
	Webhook WebhookConfig `mapstructure:"webhook"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// WebhookConfig 描述 HTTP 投递网关参数。
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// KafkaConfig is shared by the intent writer and the ingest reader.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// BreakerConfig tunes the gateway circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// CapabilityConfig registers delegate capabilities.
type CapabilityConfig struct {
	Templates map[string]string `mapstructure:"templates"`
	HTTP      HTTPCapabilityURL `mapstructure:"http"`
}

// HTTPCapabilityURL points the "remote" capability at an external drafting service.
type HTTPCapabilityURL struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IngestConfig configures Kafka signal consumption.
type IngestConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Brokers  []string      `mapstructure:"brokers"`
	GroupID  string        `mapstructure:"group_id"`
	Topics   []string      `mapstructure:"topics"`
	MinBytes int           `mapstructure:"min_bytes"`
	MaxBytes int           `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// DefinitionsConfig locates trigger and score type files.
type DefinitionsConfig struct {
	Dir string `mapstructure:"dir"`
}

// RetentionConfig bounds raw signal storage.
type RetentionConfig struct {
	Samples time.Duration `mapstructure:"samples"`
}

// AuditConfig bounds the evaluation trail.
type AuditConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIGNALENGINE")
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
	v.SetDefault("app.name", "signal-engine")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.sweep_interval", "5m")
	v.SetDefault("scheduler.baseline_interval", "24h")
	v.SetDefault("scheduler.sla_interval", "1m")
	v.SetDefault("scheduler.maintenance_interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73696721))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.queue_size", 1024)
	v.SetDefault("engine.sweep_concurrency", 4)
	v.SetDefault("engine.shutdown_timeout", "15s")

	v.SetDefault("evaluator.default.kind", string(baseline.KindNumeric))
	v.SetDefault("evaluator.default.window", "720h")
	v.SetDefault("evaluator.default.recent_window", "168h")
	v.SetDefault("evaluator.default.threshold", 2.5)
	v.SetDefault("evaluator.default.relative_floor", 0.30)
	v.SetDefault("evaluator.default.min_samples", 5)
	v.SetDefault("evaluator.default.full_confidence_samples", 20)

	v.SetDefault("scoring.min_interval", "1h")

	v.SetDefault("workflow.sla.critical", "4h")
	v.SetDefault("workflow.sla.high", "24h")
	v.SetDefault("workflow.sla.medium", "72h")
	v.SetDefault("workflow.sla.low", "168h")
	v.SetDefault("workflow.approval_timeout", "24h")
	v.SetDefault("workflow.retry_base", "200ms")
	v.SetDefault("workflow.retry_cap", "5s")
	v.SetDefault("workflow.escalation_channel", "slack")
	v.SetDefault("workflow.escalation_template", "alert-escalation")
	v.SetDefault("workflow.approval_timeout_template", "approval-timeout")

	v.SetDefault("delivery.gateway", "log")
	v.SetDefault("delivery.webhook.timeout", "10s")
	v.SetDefault("delivery.kafka.topic", "signal-engine.intents")
	v.SetDefault("delivery.kafka.batch_timeout", "10ms")
	v.SetDefault("delivery.kafka.write_timeout", "10s")
	v.SetDefault("delivery.kafka.max_attempts", 3)
	v.SetDefault("delivery.breaker.enabled", true)
	v.SetDefault("delivery.breaker.max_requests", 1)
	v.SetDefault("delivery.breaker.interval", "1m")
	v.SetDefault("delivery.breaker.timeout", "30s")
	v.SetDefault("delivery.breaker.failure_threshold", 5)

	v.SetDefault("capability.http.name", "remote")
	v.SetDefault("capability.http.timeout", "30s")

	v.SetDefault("ingest.enabled", false)
	v.SetDefault("ingest.group_id", "signal-engine")
	v.SetDefault("ingest.topics", []string{"signal-engine.samples", "signal-engine.events"})
	v.SetDefault("ingest.min_bytes", 1)
	v.SetDefault("ingest.max_bytes", 10<<20)
	v.SetDefault("ingest.max_wait", "500ms")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.max_body_bytes", int64(1<<20))

	v.SetDefault("definitions.dir", "definitions")

	v.SetDefault("retention.samples", "2160h")
	v.SetDefault("audit.ttl", "24h")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Scheduler.SweepInterval <= 0 || c.Scheduler.SLAInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than zero")
	}
	if c.Scheduler.BaselineInterval <= 0 || c.Scheduler.MaintenanceInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than zero")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be greater than zero")
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be greater than zero")
	}
	if c.Engine.SweepConcurrency <= 0 {
		return fmt.Errorf("engine.sweep_concurrency must be greater than zero")
	}
	if c.Workflow.ApprovalTimeout <= 0 {
		return fmt.Errorf("workflow.approval_timeout must be greater than zero")
	}
	for sev, d := range c.Workflow.SLA {
		if d <= 0 {
			return fmt.Errorf("workflow.sla.%s must be greater than zero", sev)
		}
	}
	switch c.Delivery.Gateway {
	case "log":
	case "webhook":
		if c.Delivery.Webhook.URL == "" {
			return fmt.Errorf("delivery.webhook.url 必须配置")
		}
	case "kafka":
		if len(c.Delivery.Kafka.Brokers) == 0 {
			return fmt.Errorf("delivery.kafka.brokers 必须配置")
		}
	default:
		return fmt.Errorf("delivery.gateway must be log, webhook or kafka, got %q", c.Delivery.Gateway)
	}
	if c.Ingest.Enabled {
		if len(c.Ingest.Brokers) == 0 {
			return fmt.Errorf("ingest.brokers 必须配置")
		}
		if len(c.Ingest.Topics) == 0 {
			return fmt.Errorf("ingest.topics 必须配置")
		}
	}
	if c.Retention.Samples < 0 {
		return fmt.Errorf("retention.samples cannot be negative")
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
