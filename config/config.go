package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names accepted by sandbox.provider
const (
	ProviderStub            = "stub"
	ProviderContainerEngine = "container-engine"
	ProviderManaged         = "managed"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Executor ExecutorConfig `mapstructure:"executor"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig selects and configures the sandbox provider
type SandboxConfig struct {
	Provider string        `mapstructure:"provider"`
	Docker   DockerConfig  `mapstructure:"docker"`
	Managed  ManagedConfig `mapstructure:"managed"`
}

// DockerConfig holds settings for the container engine provider
type DockerConfig struct {
	Binary            string `mapstructure:"binary"`
	Image             string `mapstructure:"image"`
	Network           string `mapstructure:"network"`
	MemoryLimit       string `mapstructure:"memory_limit"`
	CPULimit          string `mapstructure:"cpu_limit"`
	KeepVolume        bool   `mapstructure:"keep_volume"`
	ProjectDir        string `mapstructure:"project_dir"`
	CommandTimeoutSec int    `mapstructure:"command_timeout_sec"`
}

// ManagedConfig holds credentials and endpoint for the managed sandbox service
type ManagedConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	TeamID     string `mapstructure:"team_id"`
	ProjectID  string `mapstructure:"project_id"`
	Token      string `mapstructure:"token"`
	Runtime    string `mapstructure:"runtime"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// ExecutorConfig holds defaults for the safe command executor
type ExecutorConfig struct {
	TimeoutSec   int `mapstructure:"timeout_sec"`
	Retries      int `mapstructure:"retries"`
	RetryDelayMs int `mapstructure:"retry_delay_ms"`
}

// envBindings maps configuration keys to the environment variables that
// historically controlled them.
var envBindings = map[string]string{
	"sandbox.provider":            "SANDBOX_PROVIDER",
	"sandbox.docker.binary":       "SANDBOX_RUNTIME_BINARY",
	"sandbox.docker.image":        "SANDBOX_DOCKER_IMAGE",
	"sandbox.docker.network":      "DOCKER_NETWORK",
	"sandbox.docker.memory_limit": "SANDBOX_MEMORY_LIMIT",
	"sandbox.docker.cpu_limit":    "SANDBOX_CPU_LIMIT",
	"sandbox.docker.keep_volume":  "SANDBOX_KEEP_VOLUME",
	"sandbox.managed.base_url":    "SANDBOX_MANAGED_URL",
	"sandbox.managed.team_id":     "VERCEL_TEAM_ID",
	"sandbox.managed.project_id":  "VERCEL_PROJECT_ID",
	"sandbox.managed.token":       "VERCEL_TOKEN",
	"logging.mode":                "LOG_MODE",
	"logging.level":               "LOG_LEVEL",
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	return load(v)
}

// NewFromFile loads configuration from an explicit YAML file path
func NewFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding env %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	// An unset provider always means the stub, so local runs never need
	// cloud credentials or a container runtime.
	v.SetDefault("sandbox.provider", ProviderStub)

	v.SetDefault("sandbox.docker.binary", "docker")
	v.SetDefault("sandbox.docker.image", "coding-agent-sandbox:latest")
	v.SetDefault("sandbox.docker.network", "coding-agent-network")
	v.SetDefault("sandbox.docker.memory_limit", "2g")
	v.SetDefault("sandbox.docker.cpu_limit", "2")
	v.SetDefault("sandbox.docker.keep_volume", false)
	v.SetDefault("sandbox.docker.project_dir", "/workspace/project")
	v.SetDefault("sandbox.docker.command_timeout_sec", 300)

	v.SetDefault("sandbox.managed.base_url", "https://api.vercel.com")
	v.SetDefault("sandbox.managed.runtime", "node22")
	v.SetDefault("sandbox.managed.timeout_sec", 300)

	v.SetDefault("executor.timeout_sec", 30)
	v.SetDefault("executor.retries", 0)
	v.SetDefault("executor.retry_delay_ms", 1000)
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	c.Sandbox.Provider = strings.ToLower(strings.TrimSpace(c.Sandbox.Provider))
	switch c.Sandbox.Provider {
	case "", ProviderStub, ProviderManaged, ProviderContainerEngine, "docker", "vercel":
	default:
		return fmt.Errorf("unsupported sandbox.provider: %s", c.Sandbox.Provider)
	}

	if c.Sandbox.Docker.Binary != "docker" && c.Sandbox.Docker.Binary != "podman" {
		return fmt.Errorf("invalid sandbox.docker.binary: %s, must be 'docker' or 'podman'", c.Sandbox.Docker.Binary)
	}

	if c.Sandbox.Docker.CommandTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.docker.command_timeout_sec must be positive, got: %d", c.Sandbox.Docker.CommandTimeoutSec)
	}

	if c.Executor.TimeoutSec <= 0 {
		return fmt.Errorf("executor.timeout_sec must be positive, got: %d", c.Executor.TimeoutSec)
	}

	if c.Executor.Retries < 0 {
		return fmt.Errorf("executor.retries must not be negative, got: %d", c.Executor.Retries)
	}

	if c.Executor.RetryDelayMs < 0 {
		return fmt.Errorf("executor.retry_delay_ms must not be negative, got: %d", c.Executor.RetryDelayMs)
	}

	return nil
}

// CommandTimeout returns the container exec timeout as a duration
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Sandbox.Docker.CommandTimeoutSec) * time.Second
}

// ExecutorTimeout returns the default per-command executor timeout
func (c *Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSec) * time.Second
}

// RetryDelay returns the delay between executor retry attempts
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Executor.RetryDelayMs) * time.Millisecond
}
