// Package config is the healwatch configuration: one struct assembled from
// the per-component configs, loaded through viper and validated before use.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/healwatch/internal/api"
	"github.com/psantana5/healwatch/internal/corrector"
	"github.com/psantana5/healwatch/internal/detect"
	"github.com/psantana5/healwatch/internal/history"
	"github.com/psantana5/healwatch/internal/inspect"
	"github.com/psantana5/healwatch/internal/lifecycle"
	"github.com/psantana5/healwatch/internal/supervisor"
	"github.com/psantana5/healwatch/internal/tracing"
	"github.com/psantana5/healwatch/internal/watch"
	"github.com/psantana5/healwatch/internal/workflow"
	"github.com/psantana5/healwatch/pkg/models"
)

// EnvPrefix prefixes environment overrides, e.g. HEALWATCH_WORKFLOW_AUTO_APPROVE
const EnvPrefix = "HEALWATCH"

// LogConfig configures the process logger
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // text or json
	Dir        string `mapstructure:"dir" yaml:"dir,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// DetectorConfig adds the file watcher to the detector cadences
type DetectorConfig struct {
	detect.Config `mapstructure:",squash" yaml:",inline"`
	Watch         bool          `mapstructure:"watch" yaml:"watch"`
	Debounce      time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// APIConfig enables the operator HTTP API
type APIConfig struct {
	api.Config `mapstructure:",squash" yaml:",inline"`
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
}

// MetricsConfig configures the optional textfile export
type MetricsConfig struct {
	Textfile         string        `mapstructure:"textfile" yaml:"textfile,omitempty"`
	TextfileInterval time.Duration `mapstructure:"textfile_interval" yaml:"textfile_interval"`
}

// Config is the whole healwatch configuration
type Config struct {
	Log        LogConfig           `mapstructure:"log" yaml:"log"`
	Workers    []models.WorkerSpec `mapstructure:"workers" yaml:"workers"`
	Artifacts  []string            `mapstructure:"artifacts" yaml:"artifacts"`
	Streams    []detect.Stream     `mapstructure:"streams" yaml:"streams"`
	Detector   DetectorConfig      `mapstructure:"detector" yaml:"detector"`
	Inspector  inspect.Config      `mapstructure:"inspector" yaml:"inspector"`
	Lifecycle  lifecycle.Config    `mapstructure:"lifecycle" yaml:"lifecycle"`
	Workflow   workflow.Config     `mapstructure:"workflow" yaml:"workflow"`
	Corrector  corrector.Config    `mapstructure:"corrector" yaml:"corrector"`
	Supervisor supervisor.Config   `mapstructure:"supervisor" yaml:"supervisor"`
	History    history.Config      `mapstructure:"history" yaml:"history"`
	API        APIConfig           `mapstructure:"api" yaml:"api"`
	Metrics    MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
	Tracing    tracing.Config      `mapstructure:"tracing" yaml:"tracing"`
	Console    bool                `mapstructure:"console" yaml:"console"`
}

// Default returns the configuration used for every key the file and the
// environment leave unset
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		Detector: DetectorConfig{
			Config:   detect.DefaultConfig(),
			Watch:    true,
			Debounce: watch.DefaultDebounce,
		},
		Inspector:  inspect.Config{Timeout: 30 * time.Second},
		Lifecycle:  lifecycle.DefaultConfig(),
		Workflow:   workflow.DefaultConfig(),
		Corrector:  corrector.DefaultConfig(),
		Supervisor: supervisor.DefaultConfig(),
		History:    history.Config{DSN: history.DefaultDSN},
		API: APIConfig{
			Config:  api.DefaultConfig(),
			Enabled: true,
		},
		Metrics: MetricsConfig{TextfileInterval: 15 * time.Second},
		Tracing: tracing.Config{
			ServiceName:  "healwatch",
			Environment:  "development",
			OTLPEndpoint: "localhost:4318",
			SampleRatio:  1,
		},
		Console: true,
	}
}

// SetDefaults registers every scalar default on v so that environment
// overrides of those keys are seen by Unmarshal
func SetDefaults(v *viper.Viper) {
	d := Default()
	defaults := map[string]interface{}{
		"log.level":                       d.Log.Level,
		"log.format":                      d.Log.Format,
		"log.dir":                         d.Log.Dir,
		"log.max_size_mb":                 d.Log.MaxSizeMB,
		"log.max_backups":                 d.Log.MaxBackups,
		"detector.liveness_interval":      d.Detector.LivenessInterval,
		"detector.analysis_interval":      d.Detector.AnalysisInterval,
		"detector.tail_lines":             d.Detector.TailLines,
		"detector.watch":                  d.Detector.Watch,
		"detector.debounce":               d.Detector.Debounce,
		"inspector.timeout":               d.Inspector.Timeout,
		"lifecycle.ack_timeout":           d.Lifecycle.AckTimeout,
		"lifecycle.poll_interval":         d.Lifecycle.PollInterval,
		"lifecycle.stop_grace":            d.Lifecycle.StopGrace,
		"lifecycle.probation":             d.Lifecycle.Probation,
		"workflow.max_attempts":           d.Workflow.MaxAttempts,
		"workflow.auto_approve":           d.Workflow.AutoApprove,
		"workflow.backup_dir":             d.Workflow.BackupDir,
		"corrector.base_url":              d.Corrector.BaseURL,
		"corrector.model":                 d.Corrector.Model,
		"corrector.api_key_env":           d.Corrector.APIKeyEnv,
		"corrector.timeout":               d.Corrector.Timeout,
		"corrector.requests_per_minute":   d.Corrector.RequestsPerMinute,
		"supervisor.pause_retry_delay":    d.Supervisor.PauseRetryDelay,
		"supervisor.refresh_interval":     d.Supervisor.RefreshInterval,
		"supervisor.stop_workers_on_exit": d.Supervisor.StopWorkersOnExit,
		"history.dsn":                     d.History.DSN,
		"api.enabled":                     d.API.Enabled,
		"api.listen":                      d.API.Listen,
		"api.token_hash":                  d.API.TokenHash,
		"api.rate_limit":                  d.API.RateLimit,
		"api.burst":                       d.API.Burst,
		"api.tls.cert_file":               d.API.TLS.CertFile,
		"api.tls.key_file":                d.API.TLS.KeyFile,
		"api.tls.self_signed":             d.API.TLS.SelfSigned,
		"metrics.textfile":                d.Metrics.Textfile,
		"metrics.textfile_interval":       d.Metrics.TextfileInterval,
		"tracing.enabled":                 d.Tracing.Enabled,
		"tracing.service_name":            d.Tracing.ServiceName,
		"tracing.service_version":         d.Tracing.ServiceVersion,
		"tracing.environment":             d.Tracing.Environment,
		"tracing.otlp_endpoint":           d.Tracing.OTLPEndpoint,
		"tracing.sample_ratio":            d.Tracing.SampleRatio,
		"console":                         d.Console,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// BindEnv enables HEALWATCH_* overrides and the conventional API key
// variable
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v.BindEnv("corrector.api_key", EnvPrefix+"_CORRECTOR_API_KEY", "OPENAI_API_KEY")
}

// Load decodes v into a Config and validates it
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Detector.Artifacts = cfg.DetectorArtifacts()
	cfg.Detector.Streams = cfg.Streams
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem in the configuration at once
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		add("log.level: unknown level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format: must be text or json, got %q", c.Log.Format)
	}

	seen := make(map[string]bool)
	for i, w := range c.Workers {
		if w.Name == "" {
			add("workers[%d]: name is required", i)
			continue
		}
		if seen[w.Name] {
			add("workers[%d]: duplicate name %q", i, w.Name)
		}
		seen[w.Name] = true
		if len(w.Command) == 0 {
			add("workers[%d] %s: command is required", i, w.Name)
		}
	}

	streams := make(map[string]bool)
	for i, s := range c.Streams {
		if s.Name == "" || s.Path == "" {
			add("streams[%d]: stream and path are required", i)
			continue
		}
		if streams[s.Name] {
			add("streams[%d]: duplicate stream %q", i, s.Name)
		}
		streams[s.Name] = true
	}
	for i, a := range c.Artifacts {
		if strings.TrimSpace(a) == "" {
			add("artifacts[%d]: empty path", i)
		}
	}

	positive := map[string]time.Duration{
		"detector.liveness_interval": c.Detector.LivenessInterval,
		"detector.analysis_interval": c.Detector.AnalysisInterval,
		"lifecycle.ack_timeout":      c.Lifecycle.AckTimeout,
		"corrector.timeout":          c.Corrector.Timeout,
	}
	for key, d := range positive {
		if d <= 0 {
			add("%s: must be positive, got %s", key, d)
		}
	}
	if c.Detector.TailLines <= 0 {
		add("detector.tail_lines: must be positive, got %d", c.Detector.TailLines)
	}
	if c.Workflow.MaxAttempts < 1 {
		add("workflow.max_attempts: must be at least 1, got %d", c.Workflow.MaxAttempts)
	}
	if c.Workflow.BackupDir == "" {
		add("workflow.backup_dir: is required")
	}
	if c.API.Enabled && c.API.Listen == "" {
		add("api.listen: is required when the API is enabled")
	}
	if (c.API.TLS.CertFile == "") != (c.API.TLS.KeyFile == "") {
		add("api.tls: cert_file and key_file must be set together")
	}
	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		add("tracing.otlp_endpoint: is required when tracing is enabled")
	}
	for ext, argv := range c.Inspector.Commands {
		if len(argv) == 0 {
			add("inspector.commands.%s: empty command", ext)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// DetectorArtifacts returns the configured artifacts followed by every worker
// source not already listed
func (c *Config) DetectorArtifacts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append(append([]string(nil), c.Artifacts...), c.WorkerSources()...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// WorkerSources returns the source artifact of every worker that names one
func (c *Config) WorkerSources() []string {
	var out []string
	for _, w := range c.Workers {
		if w.Source != "" {
			out = append(out, w.Source)
		}
	}
	return out
}
