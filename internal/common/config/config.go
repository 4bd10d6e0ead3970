// Package config provides configuration management for the agent mesh.
// It supports loading configuration from environment variables, config files,
// defaults, and runtime overrides (highest precedence, used by tests).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for a mesh process.
type Config struct {
	Namespace string         `mapstructure:"namespace"`
	Broker    BrokerConfig   `mapstructure:"broker"`
	Session   SessionConfig  `mapstructure:"session"`
	Artifact  ArtifactConfig `mapstructure:"artifact"`
	Agent     AgentConfig    `mapstructure:"agent"`
	Gateway   GatewayConfig  `mapstructure:"gateway"`
	Sandbox   SandboxConfig  `mapstructure:"sandbox"`
	Async     AsyncConfig    `mapstructure:"async"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// BrokerConfig holds message broker connection configuration.
// An empty URL selects the in-memory dev bus.
type BrokerConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SessionConfig holds session event-store configuration.
type SessionConfig struct {
	// StoreURL selects the backend: empty for in-memory, otherwise a
	// sqlite DSN (e.g. file:mesh.db).
	StoreURL string `mapstructure:"storeUrl"`
}

// ArtifactConfig holds artifact store configuration.
type ArtifactConfig struct {
	// Backend is "memory" or "filesystem".
	Backend  string `mapstructure:"backend"`
	BasePath string `mapstructure:"basePath"`
	// ScopeByAppName keys artifacts by the app name instead of the
	// shared namespace. Checked per call so tests can override it.
	ScopeByAppName bool `mapstructure:"scopeByAppName"`
}

// AgentConfig holds agent task-core configuration.
type AgentConfig struct {
	Name                string  `mapstructure:"name"`
	Model               string  `mapstructure:"model"`
	MaxLLMCallsPerTask  int     `mapstructure:"maxLlmCallsPerTask"`
	CompactionThreshold float64 `mapstructure:"compactionThreshold"`
	// TestCompactionTokenLimit, when > 0, synthesizes a context-limit
	// error as soon as the estimated token count exceeds it.
	TestCompactionTokenLimit int `mapstructure:"testCompactionTokenLimit"`
	CardPublishSeconds       int `mapstructure:"cardPublishSeconds"`
	CardTTLSeconds           int `mapstructure:"cardTtlSeconds"`
	ValidationMaxRetries     int `mapstructure:"validationMaxRetries"`
}

// GatewayConfig holds gateway configuration.
type GatewayConfig struct {
	ID                   string `mapstructure:"id"`
	QueueDepth           int    `mapstructure:"queueDepth"`
	ResolveArtifactURIs  bool   `mapstructure:"resolveArtifactUris"`
	NackBackoffMillis    int    `mapstructure:"nackBackoffMillis"`
	EmbedResolveMaxDepth int    `mapstructure:"embedResolveMaxDepth"`
}

// SandboxConfig holds sandbox engine configuration.
type SandboxConfig struct {
	WorkerID                string `mapstructure:"workerId"`
	ManifestPath            string `mapstructure:"manifestPath"`
	BaseDir                 string `mapstructure:"baseDir"`
	MaxConcurrentExecutions int    `mapstructure:"maxConcurrentExecutions"`
	DefaultTimeoutSeconds   int    `mapstructure:"defaultTimeoutSeconds"`
	DefaultProfile          string `mapstructure:"defaultProfile"`
	// RunnerCommand is the executable spawned per invocation; it receives
	// the runner_args.json path as its single argument.
	RunnerCommand string `mapstructure:"runnerCommand"`
	// Isolation is "isolated" (namespace + rlimit wrapper) or "direct"
	// (dev only, plain subprocess).
	Isolation string `mapstructure:"isolation"`
}

// AsyncConfig holds async human-task service configuration.
type AsyncConfig struct {
	TaskTimeoutSeconds  int `mapstructure:"taskTimeoutSeconds"`
	SweepIntervalMillis int `mapstructure:"sweepIntervalMillis"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TaskTimeout returns the async task timeout as a time.Duration.
func (a *AsyncConfig) TaskTimeout() time.Duration {
	return time.Duration(a.TaskTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweeper interval as a time.Duration.
func (a *AsyncConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalMillis) * time.Millisecond
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("namespace", "agentmesh/dev/")

	v.SetDefault("broker.url", "") // empty means in-memory dev bus
	v.SetDefault("broker.clientId", "agentmesh-client")
	v.SetDefault("broker.maxReconnects", 10)

	v.SetDefault("session.storeUrl", "")

	v.SetDefault("artifact.backend", "memory")
	v.SetDefault("artifact.basePath", "/var/lib/agentmesh/artifacts")
	v.SetDefault("artifact.scopeByAppName", false)

	v.SetDefault("agent.name", "agent")
	v.SetDefault("agent.model", "gpt-4")
	v.SetDefault("agent.maxLlmCallsPerTask", 20)
	v.SetDefault("agent.compactionThreshold", 0.25)
	v.SetDefault("agent.testCompactionTokenLimit", 0)
	v.SetDefault("agent.cardPublishSeconds", 30)
	v.SetDefault("agent.cardTtlSeconds", 90)
	v.SetDefault("agent.validationMaxRetries", 2)

	v.SetDefault("gateway.id", "gateway")
	v.SetDefault("gateway.queueDepth", 256)
	v.SetDefault("gateway.resolveArtifactUris", false)
	v.SetDefault("gateway.nackBackoffMillis", 200)
	v.SetDefault("gateway.embedResolveMaxDepth", 3)

	v.SetDefault("sandbox.workerId", "worker-1")
	v.SetDefault("sandbox.manifestPath", "tools.yaml")
	v.SetDefault("sandbox.baseDir", "/var/lib/agentmesh/sandbox")
	v.SetDefault("sandbox.maxConcurrentExecutions", 4)
	v.SetDefault("sandbox.defaultTimeoutSeconds", 60)
	v.SetDefault("sandbox.defaultProfile", "standard")
	v.SetDefault("sandbox.runnerCommand", "agentmesh-runner")
	v.SetDefault("sandbox.isolation", "isolated")

	v.SetDefault("async.taskTimeoutSeconds", 3600)
	v.SetDefault("async.sweepIntervalMillis", 5000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the AGENTMESH_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

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
	if cfg.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if !strings.HasSuffix(cfg.Namespace, "/") {
		return fmt.Errorf("namespace must end with '/': %q", cfg.Namespace)
	}
	if cfg.Agent.CompactionThreshold <= 0 || cfg.Agent.CompactionThreshold >= 1 {
		return fmt.Errorf("agent.compactionThreshold must be in (0, 1)")
	}
	if cfg.Sandbox.MaxConcurrentExecutions < 1 {
		return fmt.Errorf("sandbox.maxConcurrentExecutions must be >= 1")
	}
	return nil
}
