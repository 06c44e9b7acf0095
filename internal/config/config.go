// Package config defines the evaluation configuration. The Config object is
// built once (defaults, file, flag overrides) and passed explicitly into the
// evaluator; nothing in the pipeline consults global defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sdbgrid configuration.
type Config struct {
	// Grid layout: where runs live and what the simulator named its files.
	Grid GridConfig `yaml:"grid"`

	// Evaluation knobs: parallelism, timeouts, retries.
	Evaluation EvaluationConfig `yaml:"evaluation"`

	// Phases of interest, detected per run.
	Phases []PhaseConfig `yaml:"phases"`

	// Quantities extracted at each detected phase.
	Quantities []QuantityConfig `yaml:"quantities"`
}

// GridConfig describes the on-disk grid layout. File naming is
// simulator-version dependent and therefore configurable, not hard-coded.
type GridConfig struct {
	// Root is the grid root directory.
	Root string `yaml:"root"`

	// RunGlob matches run directory names; a matching directory is a run
	// even when its outputs are incomplete.
	RunGlob string `yaml:"run_glob"`

	// HistoryFile is the glob matched against file names to find a run's
	// history table. A directory containing a match is a run directory.
	HistoryFile string `yaml:"history_file"`

	// ArchiveGlob matches archive file names wrapping a run layout.
	ArchiveGlob string `yaml:"archive_glob"`

	// ProfileGlob matches optional per-timestep profile files.
	ProfileGlob string `yaml:"profile_glob"`

	// Database is the path of the grid SQLite database.
	Database string `yaml:"database"`
}

// EvaluationConfig configures the orchestrator.
type EvaluationConfig struct {
	// Workers bounds the worker pool; 0 means runtime.NumCPU().
	Workers int `yaml:"workers"`

	// RunTimeout bounds one run's extraction+parsing time ("2m", "90s").
	// Empty disables the per-run timeout.
	RunTimeout string `yaml:"run_timeout"`

	// Retries is how often transient failures are retried per run.
	Retries int `yaml:"retries"`

	// SkipUnchanged skips runs whose stored fingerprint matches.
	SkipUnchanged bool `yaml:"skip_unchanged"`

	// ScratchRoot is where archives are extracted; empty means the
	// system temp directory.
	ScratchRoot string `yaml:"scratch_root"`

	// FailThreshold is the number of failed runs tolerated before the
	// evaluation as a whole reports failure.
	FailThreshold int `yaml:"fail_threshold"`
}

// PhaseConfig names an evolutionary milestone as a predicate over one
// history column plus a selection policy for multiple matches.
type PhaseConfig struct {
	Name      string  `yaml:"name"`
	Column    string  `yaml:"column"`
	Op        string  `yaml:"op"`     // one of < <= > >=
	Threshold float64 `yaml:"threshold"`
	Select    string  `yaml:"select"` // first | last | interpolate
}

// QuantityConfig names an output quantity: either a direct column read or a
// registered derived formula. Exactly one of Column/Formula is set. Source
// selects where a column is read from: the history table (default) or the
// header of the profile snapshot nearest the detected phase point.
type QuantityConfig struct {
	Name    string `yaml:"name"`
	Column  string `yaml:"column,omitempty"`
	Formula string `yaml:"formula,omitempty"`
	Source  string `yaml:"source,omitempty"` // history | profile
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Grid: GridConfig{
			RunGlob:     "logs_*",
			HistoryFile: "history.data",
			ProfileGlob: "custom_He*.data",
			ArchiveGlob: "*.zip",
			Database:    "grid.db",
		},
		Evaluation: EvaluationConfig{
			Workers:       0, // NumCPU
			RunTimeout:    "2m",
			Retries:       1,
			SkipUnchanged: true,
		},
		Phases: []PhaseConfig{
			{Name: "zaehb", Column: "center_he4", Op: "<=", Threshold: 0.9, Select: "first"},
		},
		Quantities: []QuantityConfig{
			{Name: "log_Teff", Column: "log_Teff"},
			{Name: "log_g", Column: "log_g"},
			{Name: "star_age", Column: "star_age"},
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WorkerCount resolves the configured pool size.
func (e EvaluationConfig) WorkerCount() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return runtime.NumCPU()
}

// Timeout parses the per-run timeout; zero means unlimited.
func (e EvaluationConfig) Timeout() (time.Duration, error) {
	if e.RunTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(e.RunTimeout)
}

var validOps = map[string]bool{"<": true, "<=": true, ">": true, ">=": true}

var validSelect = map[string]bool{"": true, "first": true, "last": true, "interpolate": true}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Grid.Root == "" {
		return fmt.Errorf("grid.root is required")
	}
	if c.Grid.HistoryFile == "" {
		return fmt.Errorf("grid.history_file is required")
	}
	if c.Grid.Database == "" {
		return fmt.Errorf("grid.database is required")
	}
	if c.Evaluation.Workers < 0 {
		return fmt.Errorf("evaluation.workers must not be negative")
	}
	if c.Evaluation.Retries < 0 {
		return fmt.Errorf("evaluation.retries must not be negative")
	}
	if _, err := c.Evaluation.Timeout(); err != nil {
		return fmt.Errorf("evaluation.run_timeout: %w", err)
	}

	if len(c.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}
	seenPhases := make(map[string]bool)
	for i, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("phases[%d]: name is required", i)
		}
		if seenPhases[p.Name] {
			return fmt.Errorf("phases[%d]: duplicate name %q", i, p.Name)
		}
		seenPhases[p.Name] = true
		if p.Column == "" {
			return fmt.Errorf("phase %q: column is required", p.Name)
		}
		if !validOps[p.Op] {
			return fmt.Errorf("phase %q: invalid op %q", p.Name, p.Op)
		}
		if !validSelect[p.Select] {
			return fmt.Errorf("phase %q: invalid select policy %q", p.Name, p.Select)
		}
	}

	if len(c.Quantities) == 0 {
		return fmt.Errorf("at least one quantity is required")
	}
	seenQuantities := make(map[string]bool)
	for i, q := range c.Quantities {
		if q.Name == "" {
			return fmt.Errorf("quantities[%d]: name is required", i)
		}
		if seenQuantities[q.Name] {
			return fmt.Errorf("quantities[%d]: duplicate name %q", i, q.Name)
		}
		seenQuantities[q.Name] = true
		if (q.Column == "") == (q.Formula == "") {
			return fmt.Errorf("quantity %q: exactly one of column or formula must be set", q.Name)
		}
		switch q.Source {
		case "", "history":
		case "profile":
			if q.Column == "" {
				return fmt.Errorf("quantity %q: profile source requires a column", q.Name)
			}
			if c.Grid.ProfileGlob == "" {
				return fmt.Errorf("quantity %q: profile source requires grid.profile_glob", q.Name)
			}
		default:
			return fmt.Errorf("quantity %q: invalid source %q", q.Name, q.Source)
		}
	}

	return nil
}
