// Package config provides configuration management for the anyon server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Resume failure policies applied when a plan follow-up fails to start
// for a reason other than a busy attempt.
const (
	ResumeFailureKeep   = "keep"
	ResumeFailureRevert = "revert"
)

// Spawner kinds.
const (
	SpawnerLocal  = "local"
	SpawnerDocker = "docker"
)

// Config holds all configuration sections for anyon.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Analytics    AnalyticsConfig    `mapstructure:"analytics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects sqlite (Path) or postgres (Host and friends).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
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

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	WorkspaceMount string `mapstructure:"workspaceMount"` // container path the attempt workspace is bound to
}

// ExecutorConfig controls how execution processes are spawned.
type ExecutorConfig struct {
	// Spawner is either "local" (child processes) or "docker" (one container per process).
	Spawner string `mapstructure:"spawner"`

	// ProfilesFile optionally points at a YAML file replacing the embedded executor profiles.
	ProfilesFile string `mapstructure:"profilesFile"`

	// WorkspaceRoot is the host directory holding one sub-directory per task attempt.
	WorkspaceRoot string `mapstructure:"workspaceRoot"`

	// KillGracePeriod is how long a process gets between stop and kill, in seconds.
	KillGracePeriod int `mapstructure:"killGracePeriod"`

	// ScriptImage is the container image script actions run in under the docker spawner.
	ScriptImage string `mapstructure:"scriptImage"`
}

// OrchestratorConfig holds the approval orchestration policy.
type OrchestratorConfig struct {
	// PlanToolName is the tool name agents use to request leaving plan mode.
	PlanToolName string `mapstructure:"planToolName"`

	// ResumeFailurePolicy is "keep" or "revert".
	ResumeFailurePolicy string `mapstructure:"resumeFailurePolicy"`
}

// AnalyticsConfig controls best-effort analytics emission. When Record is
// set the server also consumes Subject as a member of QueueGroup.
type AnalyticsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Subject    string `mapstructure:"subject"`
	Record     bool   `mapstructure:"record"`
	QueueGroup string `mapstructure:"queueGroup"`
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

// KillGracePeriodDuration returns the kill grace period as a time.Duration.
func (e *ExecutorConfig) KillGracePeriodDuration() time.Duration {
	return time.Duration(e.KillGracePeriod) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ANYON_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./anyon.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "anyon")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "anyon")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "anyon-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.defaultNetwork", "bridge")
	v.SetDefault("docker.workspaceMount", "/workspace")

	// Executor defaults
	v.SetDefault("executor.spawner", SpawnerLocal)
	v.SetDefault("executor.profilesFile", "")
	v.SetDefault("executor.workspaceRoot", "~/.anyon/worktrees")
	v.SetDefault("executor.killGracePeriod", 10)
	v.SetDefault("executor.scriptImage", "python:3.12-slim")

	// Orchestrator defaults
	v.SetDefault("orchestrator.planToolName", "ExitPlanMode")
	v.SetDefault("orchestrator.resumeFailurePolicy", ResumeFailureKeep)

	// Analytics defaults
	v.SetDefault("analytics.enabled", true)
	v.SetDefault("analytics.subject", "analytics.event")
	v.SetDefault("analytics.record", true)
	v.SetDefault("analytics.queueGroup", "analytics-recorders")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ANYON_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/anyon/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	if err := loadDotEnv(configPath); err != nil {
		return nil, err
	}

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ANYON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys whose env var naming differs are bound explicitly.
	_ = v.BindEnv("database.driver", "ANYON_DB_DRIVER")
	_ = v.BindEnv("database.path", "ANYON_DB_PATH")
	_ = v.BindEnv("executor.profilesFile", "ANYON_EXECUTOR_PROFILES_FILE")
	_ = v.BindEnv("executor.workspaceRoot", "ANYON_EXECUTOR_WORKSPACE_ROOT")
	_ = v.BindEnv("executor.scriptImage", "ANYON_EXECUTOR_SCRIPT_IMAGE")
	_ = v.BindEnv("orchestrator.planToolName", "ANYON_ORCHESTRATOR_PLAN_TOOL_NAME")
	_ = v.BindEnv("orchestrator.resumeFailurePolicy", "ANYON_ORCHESTRATOR_RESUME_FAILURE_POLICY")
	_ = v.BindEnv("analytics.queueGroup", "ANYON_ANALYTICS_QUEUE_GROUP")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/anyon/")

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

// loadDotEnv exports the variables of an optional .env file next to the
// config file. Variables already set in the environment are left alone.
func loadDotEnv(configPath string) error {
	dir := configPath
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading %s: %w", path, err)
	}
	return nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Executor.Spawner {
	case SpawnerLocal, SpawnerDocker:
	default:
		errs = append(errs, "executor.spawner must be one of: local, docker")
	}
	if cfg.Executor.KillGracePeriod < 0 {
		errs = append(errs, "executor.killGracePeriod must not be negative")
	}

	if strings.TrimSpace(cfg.Orchestrator.PlanToolName) == "" {
		errs = append(errs, "orchestrator.planToolName is required")
	}
	switch cfg.Orchestrator.ResumeFailurePolicy {
	case ResumeFailureKeep, ResumeFailureRevert:
	default:
		errs = append(errs, "orchestrator.resumeFailurePolicy must be one of: keep, revert")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
