// Package config provides configuration loading for remedyd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Defaults cover everything, so an empty config starts a working
// daemon against a local NATS server with auto-approval disabled.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete remedyd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	NATS          NATSConfig          `koanf:"nats"`
	GitHub        GitHubConfig        `koanf:"github"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Adapters      AdaptersConfig      `koanf:"adapters"`
	Approval      ApprovalConfig      `koanf:"approval"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds the SQLite data directory.
type StorageConfig struct {
	// DataDir holds the finding store and audit log database.
	DataDir string `koanf:"data_dir"`
}

// NATSConfig holds NATS connection settings for event streaming and
// approval notifications.
type NATSConfig struct {
	// URL of the NATS server. Empty disables streaming and notifications.
	URL string `koanf:"url"`

	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// GitHubConfig holds publisher credentials and throttling.
type GitHubConfig struct {
	Token             Secret  `koanf:"token"`
	BaseBranch        string  `koanf:"base_branch"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// OrchestratorConfig holds pipeline worker and retry settings.
type OrchestratorConfig struct {
	Workers      int           `koanf:"workers"`
	PollInterval time.Duration `koanf:"poll_interval"`

	// StepTimeout bounds a single adapter call (generate, publish,
	// verify).
	StepTimeout time.Duration `koanf:"step_timeout"`

	Generate RetryConfig `koanf:"generate"`
	Publish  RetryConfig `koanf:"publish"`
}

// RetryConfig configures one retry policy.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
}

// AdaptersConfig holds the external detector and generator commands. Both
// speak JSON over stdio; see internal/adapter/execadapter.
type AdaptersConfig struct {
	// DetectorCommand is the argv of the finding detector. The repository
	// name is appended as the final argument.
	DetectorCommand []string `koanf:"detector_command"`

	// GeneratorCommand is the argv of the patch generator. The finding is
	// passed as JSON on stdin.
	GeneratorCommand []string `koanf:"generator_command"`

	// Repositories are scanned by the detector on startup.
	Repositories []string `koanf:"repositories"`

	// ScanInterval re-runs detection for each repository. Zero scans once
	// at startup only.
	ScanInterval time.Duration `koanf:"scan_interval"`
}

// ApprovalConfig holds the auto-approval policy. This section is
// hot-reloadable; see Watch.
type ApprovalConfig struct {
	// AutoApproveThreshold is the minimum candidate confidence for
	// auto-approval. Zero disables auto-approval.
	AutoApproveThreshold float64 `koanf:"auto_approve_threshold"`

	// AutoApproveMaxSeverity is the most severe finding auto-approval may
	// cover (low, medium, high, critical).
	AutoApproveMaxSeverity string `koanf:"auto_approve_max_severity"`
}

// ObservabilityConfig holds OpenTelemetry and logging configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "~/.local/share/remedyd"
	}
	if cfg.NATS.ConnectTimeout == 0 {
		cfg.NATS.ConnectTimeout = 5 * time.Second
	}
	if cfg.GitHub.BaseBranch == "" {
		cfg.GitHub.BaseBranch = "main"
	}
	if cfg.GitHub.RequestsPerSecond == 0 {
		cfg.GitHub.RequestsPerSecond = 5
	}
	if cfg.Orchestrator.Workers == 0 {
		cfg.Orchestrator.Workers = 4
	}
	if cfg.Orchestrator.PollInterval == 0 {
		cfg.Orchestrator.PollInterval = 2 * time.Second
	}
	if cfg.Orchestrator.StepTimeout == 0 {
		cfg.Orchestrator.StepTimeout = 2 * time.Minute
	}
	if cfg.Approval.AutoApproveMaxSeverity == "" {
		cfg.Approval.AutoApproveMaxSeverity = "low"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "remedyd"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage data_dir is required")
	}
	if c.Approval.AutoApproveThreshold < 0 || c.Approval.AutoApproveThreshold > 1 {
		return fmt.Errorf("approval auto_approve_threshold must be between 0.0 and 1.0, got %v",
			c.Approval.AutoApproveThreshold)
	}
	switch c.Approval.AutoApproveMaxSeverity {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("approval auto_approve_max_severity must be low, medium, high, or critical, got %q",
			c.Approval.AutoApproveMaxSeverity)
	}
	if c.Orchestrator.Workers < 0 {
		return errors.New("orchestrator workers must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be 'json' or 'console', got %q", c.Observability.LogFormat)
	}
	return nil
}
