// Package config loads and validates the provgate configuration file.
// Configuration is YAML; struct tags drive validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/provgate/provgate/pkg/connectors/sqltarget"
	"github.com/provgate/provgate/pkg/telemetry"
)

// Config is the full provgate configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" validate:"required"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Connectors   ConnectorsConfig   `yaml:"connectors"`
}

// StoreConfig configures the SQLite ledger.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// OrchestratorConfig bounds the saga orchestrator.
type OrchestratorConfig struct {
	MaxParallel        int           `yaml:"max_parallel" validate:"gte=1,lte=64"`
	ApplyMaxAttempts   int           `yaml:"apply_max_attempts" validate:"gte=1,lte=10"`
	ApplyBaseDelay     time.Duration `yaml:"apply_base_delay"`
	ApplyMaxDelay      time.Duration `yaml:"apply_max_delay"`
	CompensateAttempts int           `yaml:"compensate_attempts" validate:"gte=1,lte=10"`
	CompensateDelay    time.Duration `yaml:"compensate_delay"`
}

// WorkflowConfig configures the approval workflow.
type WorkflowConfig struct {
	// ApprovalTTL is how long a gated request waits before expiring.
	ApprovalTTL time.Duration `yaml:"approval_ttl"`

	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TelemetryConfig mirrors the telemetry package configuration in YAML form.
type TelemetryConfig struct {
	Logging struct {
		Level        string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
		Format       string `yaml:"format" validate:"omitempty,oneof=console json"`
		Output       string `yaml:"output"`
		EnableCaller bool   `yaml:"enable_caller"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled    bool   `yaml:"enabled"`
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=stdout otlp"`
		Endpoint    string  `yaml:"endpoint"`
		SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
	} `yaml:"tracing"`
}

// ConnectorsConfig is the connector catalog: every target system the core
// can provision into.
type ConnectorsConfig struct {
	// Memory lists in-memory targets, used for development and testing.
	Memory []string `yaml:"memory"`

	// SQL lists SQL-backed targets.
	SQL []sqltarget.Config `yaml:"sql" validate:"dive"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	cfg := &Config{
		Store: StoreConfig{Path: "provgate.db"},
		Orchestrator: OrchestratorConfig{
			MaxParallel:        4,
			ApplyMaxAttempts:   4,
			ApplyBaseDelay:     250 * time.Millisecond,
			ApplyMaxDelay:      30 * time.Second,
			CompensateAttempts: 3,
			CompensateDelay:    500 * time.Millisecond,
		},
		Workflow: WorkflowConfig{
			ApprovalTTL:   72 * time.Hour,
			SweepInterval: time.Minute,
		},
	}
	cfg.Telemetry.Logging.Level = "info"
	cfg.Telemetry.Logging.Format = "console"
	cfg.Telemetry.Metrics.Enabled = true
	cfg.Telemetry.Metrics.ListenAddr = ":9090"
	cfg.Telemetry.Tracing.Exporter = "stdout"
	cfg.Telemetry.Tracing.SampleRatio = 1.0
	return cfg
}

// Load reads and validates a YAML configuration file. Missing fields keep
// their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration against the struct validation tags plus
// the cross-field constraints tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Orchestrator.ApplyBaseDelay > c.Orchestrator.ApplyMaxDelay {
		return fmt.Errorf("apply_base_delay exceeds apply_max_delay")
	}
	for _, sc := range c.Connectors.SQL {
		if sc.Name == "" || sc.DSN == "" || sc.Table == "" {
			return fmt.Errorf("sql connector needs name, dsn, and table")
		}
	}
	seen := make(map[string]bool)
	for _, name := range c.Connectors.Memory {
		if seen[name] {
			return fmt.Errorf("duplicate connector name %q", name)
		}
		seen[name] = true
	}
	for _, sc := range c.Connectors.SQL {
		if seen[sc.Name] {
			return fmt.Errorf("duplicate connector name %q", sc.Name)
		}
		seen[sc.Name] = true
	}
	return nil
}

// TelemetrySettings converts the YAML telemetry section into the telemetry
// package's configuration.
func (c *Config) TelemetrySettings(serviceVersion string) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = serviceVersion
	tc.Logging = telemetry.LoggingConfig{
		Level:        c.Telemetry.Logging.Level,
		Format:       c.Telemetry.Logging.Format,
		Output:       c.Telemetry.Logging.Output,
		EnableCaller: c.Telemetry.Logging.EnableCaller,
	}
	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddr = c.Telemetry.Metrics.ListenAddr
	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	if c.Telemetry.Tracing.Exporter != "" {
		tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	}
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Tracing.SampleRatio = c.Telemetry.Tracing.SampleRatio
	return tc
}
