package config

import "time"

// ServerSettings holds the HTTP listener configuration.
type ServerSettings struct {
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`
}

// IngestSettings holds the shared secret used to verify incoming webhook signatures.
type IngestSettings struct {
	WebhookSecret string `mapstructure:"webhook_secret" validate:"required"`
}

// StoreSettings holds configuration for connecting to the event store.
type StoreSettings struct {
	Kind                   string `mapstructure:"kind" validate:"required,oneof=postgres mongo spanner"`
	DSN                    string `mapstructure:"dsn"`     // postgres
	URI                    string `mapstructure:"uri"`     // mongo connection string or spanner database path
	DBName                 string `mapstructure:"db_name"` // mongo
	MasterEncryptionSecret string `mapstructure:"master_encryption_secret" validate:"required"`
}

// QueueSettings holds configuration for the internal fan-out queue.
type QueueSettings struct {
	Kind                string        `mapstructure:"kind" validate:"required,oneof=memory rabbitmq"`
	URL                 string        `mapstructure:"url"`  // rabbitmq
	Name                string        `mapstructure:"name"` // rabbitmq queue name
	PoolSize            int           `mapstructure:"pool_size"`
	MaxRetries          int           `mapstructure:"max_retries" validate:"min=1"`
	VisibilityTimeout   time.Duration `mapstructure:"visibility_timeout"`
	RetentionPeriod     time.Duration `mapstructure:"retention_period"`
	DeadLetterThreshold int           `mapstructure:"dead_letter_threshold" validate:"min=1"`
}

// DeliverySettings holds per-transport delivery timeouts.
type DeliverySettings struct {
	WebhookTimeout  time.Duration `mapstructure:"webhook_timeout"`
	PubSubTimeout   time.Duration `mapstructure:"pubsub_timeout"`
	AmqpTimeout     time.Duration `mapstructure:"amqp_timeout"`
	PubSubProjectID string        `mapstructure:"pubsub_project_id"`
	AllowInsecure   bool          `mapstructure:"allow_insecure"` // permit http:// webhook targets
}

// RetrySettings controls the retry policy and backoff schedule.
type RetrySettings struct {
	MaxAttempts          int           `mapstructure:"max_attempts" validate:"min=1"`
	BackoffStrategy      string        `mapstructure:"backoff_strategy" validate:"oneof=linear exponential"`
	InitialDelay         time.Duration `mapstructure:"initial_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	RetryableStatusCodes []int         `mapstructure:"retryable_status_codes"`
}

// SecuritySettings controls admission checks on the ingest endpoint.
type SecuritySettings struct {
	RateLimitingEnabled bool     `mapstructure:"rate_limiting_enabled"`
	RequestsPerMinute   int      `mapstructure:"requests_per_minute"`
	PayloadSizeLimitMB  int      `mapstructure:"payload_size_limit_mb"`
	IPAllowlist         []string `mapstructure:"ip_allowlist"`
}

// ProcessingSettings controls the worker pool and retry scheduler cadence.
type ProcessingSettings struct {
	BatchSize          int           `mapstructure:"batch_size" validate:"min=1"`
	ProcessingInterval time.Duration `mapstructure:"processing_interval"`
	WorkerCount        int           `mapstructure:"worker_count" validate:"min=1"`
}

// MonitoringSettings controls logging and health thresholds.
type MonitoringSettings struct {
	LogLevel             string  `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogJSON              bool    `mapstructure:"log_json"`
	FailedDeliveryAlerts bool    `mapstructure:"failed_delivery_alerts"`
	QueueDepthThreshold  int     `mapstructure:"queue_depth_threshold"`
	FailureRateThreshold float64 `mapstructure:"failure_rate_threshold"`
}

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"required,url"`
	MetricsURL  string `mapstructure:"metrics_url" validate:"required,url"`
}
