// Package config loads the epicflowd configuration from a YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	GRPCAddr     string `yaml:"grpc_addr"`
	HTTPAddr     string `yaml:"http_addr"`
	DebugAddr    string `yaml:"debug_addr"`
	Database     string `yaml:"database"`
	CallbackAddr string `yaml:"callback_addr"`

	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Planner PlannerConfig `yaml:"planner"`
	Gate    GateConfig    `yaml:"gate"`

	// Workers seeds the capability registry on boot. Existing names are
	// left untouched.
	Workers []WorkerSeed `yaml:"workers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig tunes scheduling, retries and timeouts.
type EngineConfig struct {
	MaxParallelWorkers int           `yaml:"max_parallel_workers"`
	SubtaskTimeout     time.Duration `yaml:"subtask_timeout"`
	ExecutionTimeout   time.Duration `yaml:"execution_timeout"` // 0 disables the global deadline
	RetryDelay         time.Duration `yaml:"retry_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	DefaultMaxRetries  int           `yaml:"default_max_retries"`
	BranchPrefix       string        `yaml:"branch_prefix"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	StartTimeout       time.Duration `yaml:"start_timeout"`
}

// PlannerConfig selects and tunes the planner.
type PlannerConfig struct {
	Kind        string  `yaml:"kind"` // heuristic or llm
	MaxSubtasks int     `yaml:"max_subtasks"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	APIKey      string  `yaml:"-"`
}

// GateConfig configures the optional completion review gate.
type GateConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MinReviewers int           `yaml:"min_reviewers"`
	MaxRounds    int           `yaml:"max_rounds"`
	Timeout      time.Duration `yaml:"timeout"` // 0 disables
}

// WorkerSeed is a registry entry declared in the config file.
type WorkerSeed struct {
	Name          string   `yaml:"name"`
	Executor      string   `yaml:"executor"`
	Capabilities  []string `yaml:"capabilities"`
	Priority      int      `yaml:"priority"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Reviewer      bool     `yaml:"reviewer"`
}

const (
	PlannerHeuristic = "heuristic"
	PlannerLLM       = "llm"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GRPCAddr:     ":50051",
		HTTPAddr:     ":8080",
		DebugAddr:    ":6060",
		Database:     "epicflow.db",
		CallbackAddr: "localhost:50051",
		Log:          LogConfig{Level: "info", Format: "json"},
		Engine: EngineConfig{
			MaxParallelWorkers: 5,
			SubtaskTimeout:     time.Hour,
			RetryDelay:         30 * time.Second,
			RetryMaxDelay:      10 * time.Minute,
			DefaultMaxRetries:  2,
			BranchPrefix:       "team",
			SweepInterval:      30 * time.Second,
			StartTimeout:       30 * time.Second,
		},
		Planner: PlannerConfig{
			Kind:        PlannerHeuristic,
			MaxSubtasks: 10,
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
		},
		Gate: GateConfig{MinReviewers: 3, MaxRounds: 3, Timeout: 10 * time.Minute},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from EPICFLOW_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"EPICFLOW_GRPC_ADDR":     &c.GRPCAddr,
		"EPICFLOW_HTTP_ADDR":     &c.HTTPAddr,
		"EPICFLOW_DEBUG_ADDR":    &c.DebugAddr,
		"EPICFLOW_DB":            &c.Database,
		"EPICFLOW_CALLBACK_ADDR": &c.CallbackAddr,
		"EPICFLOW_LOG_LEVEL":     &c.Log.Level,
		"EPICFLOW_LOG_FORMAT":    &c.Log.Format,
		"EPICFLOW_PLANNER":       &c.Planner.Kind,
		"EPICFLOW_PLANNER_MODEL": &c.Planner.Model,
		"OPENAI_API_KEY":         &c.Planner.APIKey,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("EPICFLOW_MAX_PARALLEL"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid EPICFLOW_MAX_PARALLEL: %w", err)
		}
		c.Engine.MaxParallelWorkers = n
	}
	durations := map[string]*time.Duration{
		"EPICFLOW_SUBTASK_TIMEOUT": &c.Engine.SubtaskTimeout,
		"EPICFLOW_RETRY_DELAY":     &c.Engine.RetryDelay,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxParallelWorkers <= 0 {
		errs = append(errs, errors.New("engine.max_parallel_workers must be positive"))
	}
	if c.Engine.SubtaskTimeout <= 0 {
		errs = append(errs, errors.New("engine.subtask_timeout must be positive"))
	}
	if c.Engine.RetryDelay <= 0 {
		errs = append(errs, errors.New("engine.retry_delay must be positive"))
	}
	if c.Engine.RetryMaxDelay < c.Engine.RetryDelay {
		errs = append(errs, errors.New("engine.retry_max_delay must not be below retry_delay"))
	}
	if c.Engine.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("engine.default_max_retries must not be negative"))
	}
	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, errors.New("engine.sweep_interval must be positive"))
	}
	if c.Engine.ExecutionTimeout < 0 {
		errs = append(errs, errors.New("engine.execution_timeout must not be negative"))
	}
	switch c.Planner.Kind {
	case PlannerHeuristic:
	case PlannerLLM:
		if c.Planner.APIKey == "" && c.Planner.BaseURL == "" {
			errs = append(errs, errors.New("planner kind llm requires OPENAI_API_KEY or planner.base_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown planner kind %q", c.Planner.Kind))
	}
	if c.Planner.MaxSubtasks <= 0 {
		errs = append(errs, errors.New("planner.max_subtasks must be positive"))
	}
	if c.Gate.Enabled && (c.Gate.MinReviewers <= 0 || c.Gate.MaxRounds <= 0) {
		errs = append(errs, errors.New("gate.min_reviewers and gate.max_rounds must be positive"))
	}
	if c.Gate.Timeout < 0 {
		errs = append(errs, errors.New("gate.timeout must not be negative"))
	}
	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("workers[%d]: name is required", i))
		} else if seen[w.Name] {
			errs = append(errs, fmt.Errorf("workers[%d]: duplicate name %q", i, w.Name))
		}
		seen[w.Name] = true
	}
	return errors.Join(errs...)
}
