// Package config provides configuration management for Devharbor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Devharbor.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Provider ProviderConfig `mapstructure:"provider"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Session  SessionConfig  `mapstructure:"session"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	DataDir  string         `mapstructure:"dataDir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the central metadata store connection configuration.
// When Host is empty the store falls back to an embedded SQLite database
// under DataDir.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProviderConfig holds cloud-provider API client configuration.
type ProviderConfig struct {
	BaseURL         string `mapstructure:"baseUrl"`
	Token           string `mapstructure:"token"`
	RequestTimeout  int    `mapstructure:"requestTimeout"` // in seconds
	MaxNodesPerUser int    `mapstructure:"maxNodesPerUser"`
}

// AgentConfig holds VM-agent client configuration.
type AgentConfig struct {
	Port              int    `mapstructure:"port"`              // agent HTTP port on each node
	HealthTimeoutMs   int    `mapstructure:"healthTimeoutMs"`   // per health probe
	RequestTimeoutMs  int    `mapstructure:"requestTimeoutMs"`  // other agent calls
	CallbackBaseURL   string `mapstructure:"callbackBaseUrl"`   // where the agent reaches us back
	CallbackSecret    string `mapstructure:"callbackSecret"`    // HMAC secret for callback tokens
	MaxErrorBodyBytes int    `mapstructure:"maxErrorBodyBytes"` // error ingest body cap
}

// RunnerConfig holds task runner tunables.
type RunnerConfig struct {
	StepMaxRetries           int `mapstructure:"stepMaxRetries"`
	RetryBaseDelayMs         int `mapstructure:"retryBaseDelayMs"`
	RetryMaxDelayMs          int `mapstructure:"retryMaxDelayMs"`
	AgentPollIntervalMs      int `mapstructure:"agentPollIntervalMs"`
	AgentReadyTimeoutMs      int `mapstructure:"agentReadyTimeoutMs"`
	WorkspaceReadyTimeoutMs  int `mapstructure:"workspaceReadyTimeoutMs"`
	ProvisionPollIntervalMs  int `mapstructure:"provisionPollIntervalMs"`
	MaxNodesPerUser          int `mapstructure:"maxNodesPerUser"`
	MaxWorkspacesPerNode     int `mapstructure:"maxWorkspacesPerNode"`
	NodeCPUThresholdPercent  int `mapstructure:"nodeCpuThresholdPercent"`
	NodeMemThresholdPercent  int `mapstructure:"nodeMemThresholdPercent"`
}

// SessionConfig holds per-project session store tunables.
type SessionConfig struct {
	MaxSessionsPerProject   int `mapstructure:"maxSessionsPerProject"`
	MaxMessagesPerSession   int `mapstructure:"maxMessagesPerSession"`
	SummarySyncDebounceMs   int `mapstructure:"summarySyncDebounceMs"`
	IdleTimeoutMinutes      int `mapstructure:"idleTimeoutMinutes"`
	IdleCleanupRetryDelayMs int `mapstructure:"idleCleanupRetryDelayMs"`
	IdleCleanupMaxRetries   int `mapstructure:"idleCleanupMaxRetries"`
}

// SweeperConfig holds stuck-task sweeper tunables.
type SweeperConfig struct {
	IntervalMs               int `mapstructure:"intervalMs"`
	StuckQueuedTimeoutMs     int `mapstructure:"stuckQueuedTimeoutMs"`
	StuckInProgressTimeoutMs int `mapstructure:"stuckInProgressTimeoutMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// StepRetryBaseDelay returns the base retry delay as a time.Duration.
func (r *RunnerConfig) StepRetryBaseDelay() time.Duration {
	return time.Duration(r.RetryBaseDelayMs) * time.Millisecond
}

// StepRetryMaxDelay returns the retry delay cap as a time.Duration.
func (r *RunnerConfig) StepRetryMaxDelay() time.Duration {
	return time.Duration(r.RetryMaxDelayMs) * time.Millisecond
}

// AgentPollInterval returns the agent poll interval as a time.Duration.
func (r *RunnerConfig) AgentPollInterval() time.Duration {
	return time.Duration(r.AgentPollIntervalMs) * time.Millisecond
}

// AgentReadyTimeout returns the agent readiness deadline as a time.Duration.
func (r *RunnerConfig) AgentReadyTimeout() time.Duration {
	return time.Duration(r.AgentReadyTimeoutMs) * time.Millisecond
}

// WorkspaceReadyTimeout returns the workspace readiness deadline as a time.Duration.
func (r *RunnerConfig) WorkspaceReadyTimeout() time.Duration {
	return time.Duration(r.WorkspaceReadyTimeoutMs) * time.Millisecond
}

// ProvisionPollInterval returns the provisioning poll interval as a time.Duration.
func (r *RunnerConfig) ProvisionPollInterval() time.Duration {
	return time.Duration(r.ProvisionPollIntervalMs) * time.Millisecond
}

// IdleTimeout returns the session idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// IdleCleanupRetryDelay returns the cleanup retry delay as a time.Duration.
func (s *SessionConfig) IdleCleanupRetryDelay() time.Duration {
	return time.Duration(s.IdleCleanupRetryDelayMs) * time.Millisecond
}

// SummarySyncDebounce returns the summary sync coalesce window as a time.Duration.
func (s *SessionConfig) SummarySyncDebounce() time.Duration {
	return time.Duration(s.SummarySyncDebounceMs) * time.Millisecond
}

// Interval returns the sweeper tick interval as a time.Duration.
func (s *SweeperConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// StuckQueuedTimeout returns the queued/delegated staleness threshold.
func (s *SweeperConfig) StuckQueuedTimeout() time.Duration {
	return time.Duration(s.StuckQueuedTimeoutMs) * time.Millisecond
}

// StuckInProgressTimeout returns the in_progress staleness threshold.
func (s *SweeperConfig) StuckInProgressTimeout() time.Duration {
	return time.Duration(s.StuckInProgressTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVHARBOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devharbor"
	}
	return filepath.Join(home, ".devharbor")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means embedded SQLite under dataDir
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "devharbor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "devharbor")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devharbor")
	v.SetDefault("nats.maxReconnects", 10)

	// Cloud provider defaults
	v.SetDefault("provider.baseUrl", "")
	v.SetDefault("provider.token", "")
	v.SetDefault("provider.requestTimeout", 30)

	// VM agent defaults
	v.SetDefault("agent.port", 9100)
	v.SetDefault("agent.healthTimeoutMs", 5000)
	v.SetDefault("agent.requestTimeoutMs", 30000)
	v.SetDefault("agent.callbackBaseUrl", "http://localhost:8080")
	v.SetDefault("agent.callbackSecret", "")
	v.SetDefault("agent.maxErrorBodyBytes", 262144)

	// Task runner defaults
	v.SetDefault("runner.stepMaxRetries", 3)
	v.SetDefault("runner.retryBaseDelayMs", 5000)
	v.SetDefault("runner.retryMaxDelayMs", 60000)
	v.SetDefault("runner.agentPollIntervalMs", 5000)
	v.SetDefault("runner.agentReadyTimeoutMs", 120000)
	v.SetDefault("runner.workspaceReadyTimeoutMs", 600000)
	v.SetDefault("runner.provisionPollIntervalMs", 10000)
	v.SetDefault("runner.maxNodesPerUser", 10)
	v.SetDefault("runner.maxWorkspacesPerNode", 10)
	v.SetDefault("runner.nodeCpuThresholdPercent", 80)
	v.SetDefault("runner.nodeMemThresholdPercent", 85)

	// Session store defaults
	v.SetDefault("session.maxSessionsPerProject", 1000)
	v.SetDefault("session.maxMessagesPerSession", 10000)
	v.SetDefault("session.summarySyncDebounceMs", 5000)
	v.SetDefault("session.idleTimeoutMinutes", 15)
	v.SetDefault("session.idleCleanupRetryDelayMs", 300000)
	v.SetDefault("session.idleCleanupMaxRetries", 1)

	// Sweeper defaults
	v.SetDefault("sweeper.intervalMs", 60000)
	v.SetDefault("sweeper.stuckQueuedTimeoutMs", 900000)
	v.SetDefault("sweeper.stuckInProgressTimeoutMs", 86400000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("dataDir", defaultDataDir())
}

// bindOperationalEnv binds the flat operational env vars used by deployments.
// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so keys
// whose env var naming differs from the config key naming are bound here.
func bindOperationalEnv(v *viper.Viper) {
	_ = v.BindEnv("runner.stepMaxRetries", "TASK_RUNNER_STEP_MAX_RETRIES")
	_ = v.BindEnv("runner.retryBaseDelayMs", "TASK_RUNNER_RETRY_BASE_DELAY_MS")
	_ = v.BindEnv("runner.retryMaxDelayMs", "TASK_RUNNER_RETRY_MAX_DELAY_MS")
	_ = v.BindEnv("runner.agentPollIntervalMs", "TASK_RUNNER_AGENT_POLL_INTERVAL_MS")
	_ = v.BindEnv("runner.agentReadyTimeoutMs", "TASK_RUNNER_AGENT_READY_TIMEOUT_MS")
	_ = v.BindEnv("runner.workspaceReadyTimeoutMs", "TASK_RUNNER_WORKSPACE_READY_TIMEOUT_MS")
	_ = v.BindEnv("runner.provisionPollIntervalMs", "TASK_RUNNER_PROVISION_POLL_INTERVAL_MS")
	_ = v.BindEnv("runner.maxNodesPerUser", "MAX_NODES_PER_USER")
	_ = v.BindEnv("runner.maxWorkspacesPerNode", "MAX_WORKSPACES_PER_NODE")
	_ = v.BindEnv("runner.nodeCpuThresholdPercent", "TASK_RUN_NODE_CPU_THRESHOLD_PERCENT")
	_ = v.BindEnv("runner.nodeMemThresholdPercent", "TASK_RUN_NODE_MEMORY_THRESHOLD_PERCENT")

	_ = v.BindEnv("session.maxSessionsPerProject", "MAX_SESSIONS_PER_PROJECT")
	_ = v.BindEnv("session.maxMessagesPerSession", "MAX_MESSAGES_PER_SESSION")
	_ = v.BindEnv("session.summarySyncDebounceMs", "DO_SUMMARY_SYNC_DEBOUNCE_MS")
	_ = v.BindEnv("session.idleTimeoutMinutes", "SESSION_IDLE_TIMEOUT_MINUTES")
	_ = v.BindEnv("session.idleCleanupRetryDelayMs", "IDLE_CLEANUP_RETRY_DELAY_MS")
	_ = v.BindEnv("session.idleCleanupMaxRetries", "IDLE_CLEANUP_MAX_RETRIES")

	_ = v.BindEnv("sweeper.intervalMs", "SWEEPER_INTERVAL_MS")
	_ = v.BindEnv("sweeper.stuckQueuedTimeoutMs", "STUCK_QUEUED_TIMEOUT_MS")
	_ = v.BindEnv("sweeper.stuckInProgressTimeoutMs", "STUCK_IN_PROGRESS_TIMEOUT_MS")

	_ = v.BindEnv("agent.maxErrorBodyBytes", "MAX_VM_AGENT_ERROR_BODY_BYTES")
	_ = v.BindEnv("agent.callbackSecret", "DEVHARBOR_CALLBACK_SECRET")
	_ = v.BindEnv("dataDir", "DEVHARBOR_DATA_DIR")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVHARBOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/devharbor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DEVHARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindOperationalEnv(v)

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devharbor/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (embedded SQLite otherwise)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	// Callback tokens need a secret; generate a dev secret if unset
	if cfg.Agent.CallbackSecret == "" {
		cfg.Agent.CallbackSecret = generateDevSecret()
	}

	if cfg.Runner.StepMaxRetries < 0 {
		errs = append(errs, "runner.stepMaxRetries must not be negative")
	}
	if cfg.Session.IdleTimeoutMinutes <= 0 {
		errs = append(errs, "session.idleTimeoutMinutes must be positive")
	}
	if cfg.Sweeper.IntervalMs <= 0 {
		errs = append(errs, "sweeper.intervalMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// In production, users should set DEVHARBOR_CALLBACK_SECRET
	return fmt.Sprintf("dev-secret-change-in-production-%d", time.Now().UnixNano())
}
