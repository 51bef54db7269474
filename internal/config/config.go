package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Kernel Broker - Configuration with Environment Overrides
// =============================================================================

// Config is the top-level configuration tree: the §3 Configuration
// table (pool sizing, timeouts, retry behavior) plus the ambient
// connection settings needed to stand the module up as a runnable
// service (kernel host location, persistence backend, metrics/events
// wiring).
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Kernel      KernelConfig      `yaml:"kernel"`
	Execution   ExecutionConfig   `yaml:"execution"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Events      EventsConfig      `yaml:"events"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	Interface       string `yaml:"interface"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// KernelConfig is the §3 Pool configuration table plus the admin
// surface's location and backend selection.
type KernelConfig struct {
	MinKernels             int    `yaml:"min_kernels"`
	MaxKernels             int    `yaml:"max_kernels"`
	HealthCheckIntervalSec int    `yaml:"health_check_interval_sec"`
	KernelTimeoutSec       int    `yaml:"kernel_timeout_sec"`
	HostBaseURL            string `yaml:"host_base_url"`
	Backend                string `yaml:"backend"` // "http" | "docker"
	DockerImage            string `yaml:"docker_image"`
}

// ExecutionConfig is the §3 retry/backoff table consumed by the engine.
type ExecutionConfig struct {
	MaxRetryAttempts int     `yaml:"max_retry_attempts"`
	RetryBackoffBase float64 `yaml:"retry_backoff_base"`
}

// WebSocketConfig is the §3 adaptive-timeout table consumed by the
// session package.
type WebSocketConfig struct {
	BaseURL                  string `yaml:"base_url"`
	TimeoutSec               int    `yaml:"timeout_sec"`
	PingIntervalSec          int    `yaml:"ping_interval_sec"`
	PingTimeoutSec           int    `yaml:"ping_timeout_sec"`
	ActiveRecvTimeoutSec     int    `yaml:"active_recv_timeout_sec"`
	NoActivityRecvTimeoutSec int    `yaml:"no_activity_recv_timeout_sec"`
	NoActivityThresholdSec   int    `yaml:"no_activity_threshold_sec"`
}

// PersistenceConfig selects and configures the discover-existing-kernel
// backend.
type PersistenceConfig struct {
	Backend   string `yaml:"backend"` // "file" | "redis"
	FilePath  string `yaml:"file_path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type EventsConfig struct {
	PubSubEnabled   bool   `yaml:"pubsub_enabled"`
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopicID   string `yaml:"pubsub_topic_id"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading config.yaml (or
// $CONFIG_PATH) once and applying environment overrides and defaults.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, then fills
// in any still-zero fields with defaults.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("KERNELBROKER_ENV", c.Server.Env)
	c.Server.Interface = getEnv("KERNELBROKER_INTERFACE", c.Server.Interface)

	if v := getEnvInt("MIN_KERNELS", 0); v > 0 {
		c.Kernel.MinKernels = v
	}
	if v := getEnvInt("MAX_KERNELS", 0); v > 0 {
		c.Kernel.MaxKernels = v
	}
	if v := getEnvInt("KERNEL_HEALTH_CHECK_INTERVAL", 0); v > 0 {
		c.Kernel.HealthCheckIntervalSec = v
	}
	if v := getEnvInt("KERNEL_TIMEOUT", 0); v > 0 {
		c.Kernel.KernelTimeoutSec = v
	}
	c.Kernel.HostBaseURL = getEnv("KERNEL_HOST_BASE_URL", c.Kernel.HostBaseURL)
	c.Kernel.Backend = getEnv("KERNEL_BACKEND", c.Kernel.Backend)
	c.Kernel.DockerImage = getEnv("KERNEL_DOCKER_IMAGE", c.Kernel.DockerImage)

	if v := getEnvInt("MAX_RETRY_ATTEMPTS", 0); v > 0 {
		c.Execution.MaxRetryAttempts = v
	}
	if v := getEnvFloat("RETRY_BACKOFF_BASE", 0); v > 0 {
		c.Execution.RetryBackoffBase = v
	}

	c.WebSocket.BaseURL = getEnv("KERNEL_WS_BASE_URL", c.WebSocket.BaseURL)
	if v := getEnvInt("WEBSOCKET_TIMEOUT", 0); v > 0 {
		c.WebSocket.TimeoutSec = v
	}
	if v := getEnvInt("WEBSOCKET_PING_INTERVAL", 0); v > 0 {
		c.WebSocket.PingIntervalSec = v
	}
	if v := getEnvInt("WEBSOCKET_PING_TIMEOUT", 0); v > 0 {
		c.WebSocket.PingTimeoutSec = v
	}

	c.Persistence.Backend = getEnv("PERSIST_BACKEND", c.Persistence.Backend)
	c.Persistence.FilePath = getEnv("KERNEL_ID_FILE_PATH", c.Persistence.FilePath)
	c.Persistence.RedisAddr = getEnv("REDIS_ADDR", c.Persistence.RedisAddr)
	c.Persistence.RedisKey = getEnv("REDIS_KERNEL_KEY", c.Persistence.RedisKey)

	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)

	c.Events.PubSubEnabled = getEnvBool("PUBSUB_ENABLED", c.Events.PubSubEnabled)
	c.Events.PubSubProjectID = getEnv("GCP_PROJECT_ID", c.Events.PubSubProjectID)
	c.Events.PubSubTopicID = getEnv("PUBSUB_TOPIC_ID", c.Events.PubSubTopicID)

	c.applyDefaults()
}

// applyDefaults fills every zero-valued field with a default. The pool,
// retry and WebSocket timeout values mirror the original
// implementation's module-level constants (original_source/server.py);
// the server, persistence, metrics and events values are this module's
// own defaults.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}

	if c.Kernel.MinKernels == 0 {
		c.Kernel.MinKernels = 2
	}
	if c.Kernel.MaxKernels == 0 {
		c.Kernel.MaxKernels = 5
	}
	if c.Kernel.HealthCheckIntervalSec == 0 {
		c.Kernel.HealthCheckIntervalSec = 30
	}
	if c.Kernel.KernelTimeoutSec == 0 {
		c.Kernel.KernelTimeoutSec = 300
	}
	if c.Kernel.HostBaseURL == "" {
		c.Kernel.HostBaseURL = "http://localhost:8888"
	}
	if c.Kernel.Backend == "" {
		c.Kernel.Backend = "http"
	}
	if c.Kernel.DockerImage == "" {
		c.Kernel.DockerImage = "jupyter/minimal-notebook:latest"
	}

	if c.Execution.MaxRetryAttempts == 0 {
		c.Execution.MaxRetryAttempts = 3
	}
	if c.Execution.RetryBackoffBase == 0 {
		c.Execution.RetryBackoffBase = 2
	}

	if c.WebSocket.BaseURL == "" {
		c.WebSocket.BaseURL = "ws://localhost:8888"
	}
	if c.WebSocket.TimeoutSec == 0 {
		c.WebSocket.TimeoutSec = 600
	}
	if c.WebSocket.PingIntervalSec == 0 {
		c.WebSocket.PingIntervalSec = 30
	}
	if c.WebSocket.PingTimeoutSec == 0 {
		c.WebSocket.PingTimeoutSec = 10
	}
	if c.WebSocket.ActiveRecvTimeoutSec == 0 {
		c.WebSocket.ActiveRecvTimeoutSec = 5
	}
	if c.WebSocket.NoActivityRecvTimeoutSec == 0 {
		c.WebSocket.NoActivityRecvTimeoutSec = 30
	}
	if c.WebSocket.NoActivityThresholdSec == 0 {
		c.WebSocket.NoActivityThresholdSec = 60
	}

	if c.Persistence.Backend == "" {
		c.Persistence.Backend = "file"
	}
	if c.Persistence.FilePath == "" {
		c.Persistence.FilePath = ".kernel_id"
	}
	if c.Persistence.RedisKey == "" {
		c.Persistence.RedisKey = "kernelbroker:kernel_id"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Events.PubSubTopicID == "" {
		c.Events.PubSubTopicID = "kernelbroker-events"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool  { return c.Server.Env == "production" }
func (c *Config) IsDevelopment() bool { return c.Server.Env == "development" }

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

func (c KernelConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSec) * time.Second
}

func (c KernelConfig) KernelTimeout() time.Duration {
	return time.Duration(c.KernelTimeoutSec) * time.Second
}

func (c WebSocketConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c WebSocketConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

func (c WebSocketConfig) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutSec) * time.Second
}

func (c WebSocketConfig) ActiveRecvTimeout() time.Duration {
	return time.Duration(c.ActiveRecvTimeoutSec) * time.Second
}

func (c WebSocketConfig) NoActivityRecvTimeout() time.Duration {
	return time.Duration(c.NoActivityRecvTimeoutSec) * time.Second
}

func (c WebSocketConfig) NoActivityThreshold() time.Duration {
	return time.Duration(c.NoActivityThresholdSec) * time.Second
}
