package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// BaseDirName is the runtime directory created by `a2a setup`.
const BaseDirName = ".a2a"

const EnvironmentProduction = "production"

type Config struct {
	Project     ProjectConfig     `yaml:"project"`
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Bus         BusConfig         `yaml:"bus"`
	Stream      StreamConfig      `yaml:"stream"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Logging     LoggingConfig     `yaml:"logging"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Agents      []AgentConfig     `yaml:"agents"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Created string `yaml:"created"`
	Root    string `yaml:"root"`
}

type ServerConfig struct {
	Listen       string `yaml:"listen"`
	Environment  string `yaml:"environment"`
	CreateWaitMs int    `yaml:"create_wait_ms"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

type ProcessorConfig struct {
	EntryAgent       string `yaml:"entry_agent"`
	AgentTimeoutSec  int    `yaml:"agent_timeout_sec"`
	ResolveRetries   int    `yaml:"resolve_retries"`
	ResolveBackoffMs int    `yaml:"resolve_backoff_ms"`
	MaxSteps         int    `yaml:"max_steps"`
}

type BusConfig struct {
	DeadLetterCapacity int    `yaml:"dead_letter_capacity"`
	DeadLetterDir      string `yaml:"dead_letter_dir"`
	// MaxHandlers caps handler calls in flight across all agents. Each
	// agent still handles one message at a time. 0 means no cap.
	MaxHandlers        int    `yaml:"max_handlers"`
}

type StreamConfig struct {
	HistoryTail int `yaml:"history_tail"`
}

type DiagnosticsConfig struct {
	Capacity int `yaml:"capacity"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int  `yaml:"shutdown_timeout_sec"`
	WatchConfig        bool `yaml:"watch_config"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type PipelineConfig struct {
	MaxRevisions int     `yaml:"max_revisions"`
	PassScore    float64 `yaml:"pass_score"`
	// QualityRules names a rules file, relative to the runtime directory,
	// that tightens the Evaluator's score.
	QualityRules string `yaml:"quality_rules,omitempty"`
}

// AgentConfig declares one agent instance. Kind selects the built-in
// implementation; Name is the registry key and defaults to the kind.
type AgentConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	DisplayName string `yaml:"display_name,omitempty"`
	Version     string `yaml:"version,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
}

func (a AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// RegistryName is the configured name, or the kind when unnamed. Names
// compare case-insensitively because kinds resolve to capitalized defaults.
func (a AgentConfig) RegistryName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Kind
}

// ApplyDefaults fills zero values with the engine defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.Environment == "" {
		c.Server.Environment = "development"
	}
	if c.Server.CreateWaitMs <= 0 {
		c.Server.CreateWaitMs = 200
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "tasks.db"
	}
	if c.Processor.EntryAgent == "" {
		c.Processor.EntryAgent = "Planner"
	}
	if c.Processor.AgentTimeoutSec <= 0 {
		c.Processor.AgentTimeoutSec = 120
	}
	if c.Processor.ResolveRetries <= 0 {
		c.Processor.ResolveRetries = 3
	}
	if c.Processor.ResolveBackoffMs <= 0 {
		c.Processor.ResolveBackoffMs = 100
	}
	if c.Processor.MaxSteps <= 0 {
		c.Processor.MaxSteps = 64
	}
	if c.Bus.DeadLetterCapacity <= 0 {
		c.Bus.DeadLetterCapacity = 256
	}
	if c.Stream.HistoryTail <= 0 {
		c.Stream.HistoryTail = DefaultHistoryTail
	}
	if c.Diagnostics.Capacity <= 0 {
		c.Diagnostics.Capacity = 512
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Pipeline.MaxRevisions <= 0 {
		c.Pipeline.MaxRevisions = 2
	}
	if c.Pipeline.PassScore <= 0 {
		c.Pipeline.PassScore = 0.7
	}
}

// IsProduction reports whether internal error detail must be withheld
// from clients.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, EnvironmentProduction)
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	var ve ValidationErrors
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		ve.Add("store.driver", fmt.Sprintf("unsupported driver %q", c.Store.Driver))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		path := fmt.Sprintf("agents[%d]", i)
		if a.Kind == "" {
			ve.Add(path+".kind", "is required")
		}
		name := a.RegistryName()
		if IsReservedParticipant(name) {
			ve.Add(path+".name", fmt.Sprintf("%q is reserved", name))
		}
		if seen[strings.ToLower(name)] {
			ve.Add(path+".name", fmt.Sprintf("duplicate agent name %q", name))
		}
		seen[strings.ToLower(name)] = true
	}
	if c.Bus.MaxHandlers < 0 {
		ve.Add("bus.max_handlers", "must not be negative")
	}
	return ve.Err()
}

// ParseConfig decodes YAML, applies environment overrides and defaults,
// and validates the result.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads <baseDir>/config.yaml.
func LoadConfig(baseDir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, "config.yaml"))
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("A2A_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("A2A_ENV"); v != "" {
		cfg.Server.Environment = v
	}
	if v := os.Getenv("A2A_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// FindBaseDir returns $A2A_DIR if set, otherwise walks up from the working
// directory looking for a .a2a directory. Returns "" when none is found.
func FindBaseDir() string {
	if v := os.Getenv("A2A_DIR"); v != "" {
		return v
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, BaseDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
