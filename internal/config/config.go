// Package config loads buildplane settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Backing store: postgres or memory
	Store string

	// Database connection string
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// Externally visible URL of the controller, used for feed links
	BaseURL string

	// Log level: debug, info, warn, error
	LogLevel string

	// Worker-specific configuration
	WorkerConcurrency        int
	WorkerPollInterval       time.Duration
	WorkerMaxBackoff         time.Duration
	WorkerHeartbeatInterval  time.Duration
	WorkerMaxAttempts        int
	HeartVisibilityExtension time.Duration

	// Dispatch transport: queue or kafka
	Dispatch           string
	KafkaBrokers       []string
	KafkaTopic         string
	KafkaConsumerGroup string

	// Step runtime: exec, docker or kubernetes
	Runtime      string
	RuntimeImage string

	// Parent of every build working directory
	WorkRoot     string
	KeepWorkDirs bool

	// Kubernetes runtime
	KubernetesNamespace      string
	KubernetesServiceAccount string
	KubernetesCPULimit       string
	KubernetesMemoryLimit    string
	KubernetesNodeName       string

	// OTLP gRPC endpoint for traces
	OTELEndpoint string

	// Reported as service.instance.id; defaults to the host name
	InstanceName string

	// Bearer token required by mutating endpoints; empty disables the check
	APIToken string

	// Secret for GitHub push hook signatures; empty disables verification
	GitHubWebhookSecret string

	// Per-hook trigger rate limit
	HookRateLimit float64
	HookRateBurst int
}

// env maps config keys to their environment variables.
var env = map[string]string{
	"store":                      "STORE",
	"database_url":               "DATABASE_URL",
	"http_port":                  "PORT",
	"base_url":                   "BASE_URL",
	"log_level":                  "LOG_LEVEL",
	"worker_concurrency":         "WORKER_CONCURRENCY",
	"worker_poll_interval":       "WORKER_POLL_INTERVAL",
	"worker_max_backoff":         "WORKER_MAX_BACKOFF",
	"worker_heartbeat_interval":  "WORKER_HEARTBEAT_INTERVAL",
	"worker_max_attempts":        "WORKER_MAX_ATTEMPTS",
	"visibility_extension":       "VISIBILITY_EXTENSION",
	"dispatch":                   "DISPATCH",
	"kafka_brokers":              "KAFKA_BROKERS",
	"kafka_topic":                "KAFKA_TOPIC",
	"kafka_consumer_group":       "KAFKA_CONSUMER_GROUP",
	"runtime":                    "RUNTIME",
	"runtime_image":              "RUNTIME_IMAGE",
	"work_root":                  "WORK_ROOT",
	"keep_workdirs":              "KEEP_WORKDIRS",
	"kubernetes_namespace":       "KUBERNETES_NAMESPACE",
	"kubernetes_service_account": "KUBERNETES_SERVICE_ACCOUNT",
	"kubernetes_cpu_limit":       "KUBERNETES_CPU_LIMIT",
	"kubernetes_memory_limit":    "KUBERNETES_MEMORY_LIMIT",
	"kubernetes_node_name":       "KUBERNETES_NODE_NAME",
	"otel_endpoint":              "OTEL_EXPORTER_OTLP_ENDPOINT",
	"instance_name":              "INSTANCE_NAME",
	"api_token":                  "API_TOKEN",
	"github_webhook_secret":      "GITHUB_WEBHOOK_SECRET",
	"hook_rate_limit":            "HOOK_RATE_LIMIT",
	"hook_rate_burst":            "HOOK_RATE_BURST",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", "postgres")
	v.SetDefault("http_port", 6161)
	v.SetDefault("base_url", "http://localhost:6161")
	v.SetDefault("log_level", "info")
	v.SetDefault("worker_concurrency", 1)
	v.SetDefault("worker_poll_interval", "1s")
	v.SetDefault("worker_max_backoff", "30s")
	v.SetDefault("worker_heartbeat_interval", "2m")
	v.SetDefault("worker_max_attempts", 5)
	v.SetDefault("visibility_extension", "5m")
	v.SetDefault("dispatch", "queue")
	v.SetDefault("kafka_topic", "buildplane.builds")
	v.SetDefault("kafka_consumer_group", "buildplane-workers")
	v.SetDefault("runtime", "exec")
	v.SetDefault("runtime_image", "alpine:3.20")
	v.SetDefault("work_root", "./builds")
	v.SetDefault("keep_workdirs", false)
	v.SetDefault("kubernetes_namespace", "default")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("hook_rate_limit", 1.0)
	v.SetDefault("hook_rate_burst", 5)
}

// Load reads configuration from path (or buildplane.yaml in the working
// directory when path is empty), then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("buildplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Store:                    strings.ToLower(v.GetString("store")),
		DatabaseURL:              v.GetString("database_url"),
		HTTPPort:                 v.GetInt("http_port"),
		BaseURL:                  v.GetString("base_url"),
		LogLevel:                 strings.ToLower(v.GetString("log_level")),
		WorkerConcurrency:        v.GetInt("worker_concurrency"),
		WorkerPollInterval:       v.GetDuration("worker_poll_interval"),
		WorkerMaxBackoff:         v.GetDuration("worker_max_backoff"),
		WorkerHeartbeatInterval:  v.GetDuration("worker_heartbeat_interval"),
		WorkerMaxAttempts:        v.GetInt("worker_max_attempts"),
		HeartVisibilityExtension: v.GetDuration("visibility_extension"),
		Dispatch:                 strings.ToLower(v.GetString("dispatch")),
		KafkaBrokers:             splitList(v.GetStringSlice("kafka_brokers")),
		KafkaTopic:               v.GetString("kafka_topic"),
		KafkaConsumerGroup:       v.GetString("kafka_consumer_group"),
		Runtime:                  strings.ToLower(v.GetString("runtime")),
		RuntimeImage:             v.GetString("runtime_image"),
		WorkRoot:                 v.GetString("work_root"),
		KeepWorkDirs:             v.GetBool("keep_workdirs"),
		KubernetesNamespace:      v.GetString("kubernetes_namespace"),
		KubernetesServiceAccount: v.GetString("kubernetes_service_account"),
		KubernetesCPULimit:       v.GetString("kubernetes_cpu_limit"),
		KubernetesMemoryLimit:    v.GetString("kubernetes_memory_limit"),
		KubernetesNodeName:       v.GetString("kubernetes_node_name"),
		OTELEndpoint:             v.GetString("otel_endpoint"),
		InstanceName:             v.GetString("instance_name"),
		APIToken:                 v.GetString("api_token"),
		GitHubWebhookSecret:      v.GetString("github_webhook_secret"),
		HookRateLimit:            v.GetFloat64("hook_rate_limit"),
		HookRateBurst:            v.GetInt("hook_rate_burst"),
	}

	if cfg.InstanceName == "" {
		cfg.InstanceName, _ = os.Hostname()
	}
	if cfg.KubernetesNodeName == "" {
		cfg.KubernetesNodeName = os.Getenv("NODE_NAME")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings are consistent.
func (c *Config) Validate() error {
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database_url is required (env: DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store %q (expected postgres or memory)", c.Store)
	}

	switch c.Runtime {
	case "exec", "docker", "kubernetes":
	default:
		return fmt.Errorf("invalid runtime %q (expected exec, docker or kubernetes)", c.Runtime)
	}

	switch c.Dispatch {
	case "queue":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return errors.New("kafka_brokers is required when dispatch is kafka (env: KAFKA_BROKERS)")
		}
	default:
		return fmt.Errorf("invalid dispatch %q (expected queue or kafka)", c.Dispatch)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.WorkRoot == "" {
		return errors.New("work_root is required")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
