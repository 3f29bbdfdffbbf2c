package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Server        ServerSettings     `mapstructure:"server"`
	Ingest        IngestSettings     `mapstructure:"ingest"`
	Store         StoreSettings      `mapstructure:"store"`
	Queue         QueueSettings      `mapstructure:"queue"`
	Delivery      DeliverySettings   `mapstructure:"delivery"`
	Retry         RetrySettings      `mapstructure:"retry"`
	Security      SecuritySettings   `mapstructure:"security"`
	Processing    ProcessingSettings `mapstructure:"processing"`
	Monitoring    MonitoringSettings `mapstructure:"monitoring"`
	Observability Observability      `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("router")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "router."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging %s config: %s\n", env, err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("ROUTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like ROUTER_STORE_KIND

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("server.port")
	viper.BindEnv("ingest.webhook_secret")
	viper.BindEnv("store.kind")
	viper.BindEnv("store.dsn")
	viper.BindEnv("store.uri")
	viper.BindEnv("store.db_name")
	viper.BindEnv("store.master_encryption_secret")
	viper.BindEnv("queue.kind")
	viper.BindEnv("queue.url")
	viper.BindEnv("queue.name")
	viper.BindEnv("queue.max_retries")
	viper.BindEnv("queue.visibility_timeout")
	viper.BindEnv("queue.retention_period")
	viper.BindEnv("queue.dead_letter_threshold")
	viper.BindEnv("delivery.webhook_timeout")
	viper.BindEnv("delivery.pubsub_timeout")
	viper.BindEnv("delivery.amqp_timeout")
	viper.BindEnv("delivery.pubsub_project_id")
	viper.BindEnv("retry.max_attempts")
	viper.BindEnv("retry.backoff_strategy")
	viper.BindEnv("retry.initial_delay")
	viper.BindEnv("retry.max_delay")
	viper.BindEnv("security.rate_limiting_enabled")
	viper.BindEnv("security.requests_per_minute")
	viper.BindEnv("security.payload_size_limit_mb")
	viper.BindEnv("processing.batch_size")
	viper.BindEnv("processing.processing_interval")
	viper.BindEnv("processing.worker_count")
	viper.BindEnv("monitoring.log_level")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("queue.kind", "memory")
	viper.SetDefault("queue.max_retries", 3)
	viper.SetDefault("queue.visibility_timeout", 30*time.Second)
	viper.SetDefault("queue.retention_period", 24*time.Hour)
	viper.SetDefault("queue.dead_letter_threshold", 3)
	viper.SetDefault("delivery.webhook_timeout", 10*time.Second)
	viper.SetDefault("delivery.pubsub_timeout", 10*time.Second)
	viper.SetDefault("delivery.amqp_timeout", 10*time.Second)
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.backoff_strategy", "exponential")
	viper.SetDefault("retry.initial_delay", 100*time.Millisecond)
	viper.SetDefault("retry.max_delay", time.Minute)
	viper.SetDefault("retry.retryable_status_codes", []int{408, 429, 500, 502, 503, 504, 0})
	viper.SetDefault("security.rate_limiting_enabled", true)
	viper.SetDefault("security.requests_per_minute", 120)
	viper.SetDefault("security.payload_size_limit_mb", 5)
	viper.SetDefault("processing.batch_size", 10)
	viper.SetDefault("processing.processing_interval", 5*time.Second)
	viper.SetDefault("processing.worker_count", 4)
	viper.SetDefault("monitoring.log_level", "info")
	viper.SetDefault("monitoring.queue_depth_threshold", 1000)
	viper.SetDefault("monitoring.failure_rate_threshold", 0.5)
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
