// Package config handles layered YAML configuration with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all forge configuration.
type Config struct {
	Runtime     Runtime     `yaml:"runtime"`
	Workspace   Workspace   `yaml:"workspace"`
	Decompose   Decompose   `yaml:"decompose"`
	Implement   Implement   `yaml:"implement"`
	Maintenance Maintenance `yaml:"maintenance"`
	Judge       Judge       `yaml:"judge"`
	Publication Publication `yaml:"publication"`
}

// Runtime holds backend and execution settings.
type Runtime struct {
	Backend string        `yaml:"backend"`
	Timeout time.Duration `yaml:"timeout"`
}

// Workspace holds per-agent worktree directory settings.
type Workspace struct {
	BaseDir      string `yaml:"base_dir"`
	CleanupAfter bool   `yaml:"cleanup_after"` // tear down worktrees of terminal beads
}

// Decompose controls how the bead set for a run is established.
type Decompose struct {
	Mode            string `yaml:"mode"`             // "existing_selector" | "auto"
	ExistingSelector string `yaml:"existing_selector"` // label to scope when mode=existing_selector
	DryRun          bool   `yaml:"dry_run"`
}

// Implement controls the main implementation loop.
type Implement struct {
	MaxConcurrency     int           `yaml:"max_concurrency"`
	MaxRetriesPerBead  int           `yaml:"max_retries_per_bead"`
	BeadTimeout        time.Duration `yaml:"bead_timeout"`
}

// Maintenance controls the interleaved maintenance sub-loop.
type Maintenance struct {
	Trigger  string `yaml:"trigger"` // "every_n_beads" | "after_all" | "disabled"
	N        int    `yaml:"n"`       // bead-completion multiple when trigger=every_n_beads
}

// Judge controls judge invocation and the remediation loop it drives.
type Judge struct {
	Enabled            bool `yaml:"enabled"`
	MaxIterations      int  `yaml:"max_iterations"`
	TimeoutMultiplier  int  `yaml:"timeout_multiplier"` // judge timeout = multiplier * Implement.BeadTimeout
}

// Publication controls the best-effort post-acceptance handoff.
type Publication struct {
	OnComplete string `yaml:"on_complete"` // "pr" | "none"
	HostingCLI string `yaml:"hosting_cli"` // e.g. "gh"
	BaseBranch string `yaml:"base_branch"`
	TargetBranch string `yaml:"target_branch"` // empty means auto-generated per run
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Runtime: Runtime{
			Backend: "claude",
			Timeout: 30 * time.Minute,
		},
		Workspace: Workspace{
			BaseDir:      ".forge/worktrees",
			CleanupAfter: true,
		},
		Decompose: Decompose{
			Mode: "existing_selector",
		},
		Implement: Implement{
			MaxConcurrency:    3,
			MaxRetriesPerBead: 2,
			BeadTimeout:       30 * time.Minute,
		},
		Maintenance: Maintenance{
			Trigger: "disabled",
			N:       5,
		},
		Judge: Judge{
			Enabled:           true,
			MaxIterations:     5,
			TimeoutMultiplier: 2,
		},
		Publication: Publication{
			OnComplete: "pr",
			HostingCLI: "gh",
		},
	}
}

// Load reads a single YAML config file at path and returns a Config.
// For merging multiple config sources, use LoadLayered instead.
// If the file does not exist, defaults are returned without error.
// If the file contains invalid YAML or unknown fields, an error is returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return &cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadLayered loads config from multiple paths with increasing priority.
// Later paths override earlier ones. Missing files are skipped.
func LoadLayered(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		layer, err := loadLayer(path)
		if err != nil {
			return nil, err
		}
		if layer == nil {
			continue
		}
		cfg.merge(layer)
	}

	return &cfg, nil
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	if c.Runtime.Backend == "" {
		return errors.New("config: runtime.backend cannot be empty")
	}
	if c.Runtime.Timeout <= 0 {
		return fmt.Errorf("config: runtime.timeout must be positive, got %v", c.Runtime.Timeout)
	}
	if c.Workspace.BaseDir == "" {
		return errors.New("config: workspace.base_dir cannot be empty")
	}
	switch c.Decompose.Mode {
	case "existing_selector", "auto":
		// valid
	default:
		return fmt.Errorf("config: decompose.mode must be \"existing_selector\" or \"auto\", got %q", c.Decompose.Mode)
	}
	if c.Implement.MaxConcurrency <= 0 {
		return fmt.Errorf("config: implement.max_concurrency must be positive, got %d", c.Implement.MaxConcurrency)
	}
	if c.Implement.MaxRetriesPerBead < 0 {
		return fmt.Errorf("config: implement.max_retries_per_bead must be non-negative, got %d", c.Implement.MaxRetriesPerBead)
	}
	if c.Implement.BeadTimeout <= 0 {
		return fmt.Errorf("config: implement.bead_timeout must be positive, got %v", c.Implement.BeadTimeout)
	}
	switch c.Maintenance.Trigger {
	case "every_n_beads", "after_all", "disabled":
		// valid
	default:
		return fmt.Errorf("config: maintenance.trigger must be \"every_n_beads\", \"after_all\", or \"disabled\", got %q", c.Maintenance.Trigger)
	}
	if c.Maintenance.Trigger == "every_n_beads" && c.Maintenance.N <= 0 {
		return fmt.Errorf("config: maintenance.n must be positive when trigger is every_n_beads, got %d", c.Maintenance.N)
	}
	if c.Judge.Enabled && c.Judge.MaxIterations <= 0 {
		return fmt.Errorf("config: judge.max_iterations must be positive when judge is enabled, got %d", c.Judge.MaxIterations)
	}
	if c.Judge.TimeoutMultiplier <= 0 {
		return fmt.Errorf("config: judge.timeout_multiplier must be positive, got %d", c.Judge.TimeoutMultiplier)
	}
	switch c.Publication.OnComplete {
	case "pr", "none":
		// valid
	default:
		return fmt.Errorf("config: publication.on_complete must be \"pr\" or \"none\", got %q", c.Publication.OnComplete)
	}
	return nil
}

// ApplyEnv applies environment variable overrides to the config.
// Supported variables: FORGE_BACKEND, FORGE_TIMEOUT, FORGE_WORKSPACE_BASE_DIR,
// FORGE_MAX_CONCURRENCY.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("FORGE_BACKEND"); v != "" {
		c.Runtime.Backend = v
	}
	if v := os.Getenv("FORGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid FORGE_TIMEOUT %q: %w", v, err)
		}
		c.Runtime.Timeout = d
	}
	if v := os.Getenv("FORGE_WORKSPACE_BASE_DIR"); v != "" {
		c.Workspace.BaseDir = v
	}
	if v := os.Getenv("FORGE_MAX_CONCURRENCY"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return fmt.Errorf("config: invalid FORGE_MAX_CONCURRENCY %q: %w", v, err)
		}
		c.Implement.MaxConcurrency = n
	}
	return nil
}

// rawConfig mirrors Config but uses pointers to distinguish set vs unset fields.
type rawConfig struct {
	Runtime     *rawRuntime     `yaml:"runtime"`
	Workspace   *rawWorkspace   `yaml:"workspace"`
	Decompose   *rawDecompose   `yaml:"decompose"`
	Implement   *rawImplement   `yaml:"implement"`
	Maintenance *rawMaintenance `yaml:"maintenance"`
	Judge       *rawJudge       `yaml:"judge"`
	Publication *rawPublication `yaml:"publication"`
}

type rawRuntime struct {
	Backend *string        `yaml:"backend"`
	Timeout *time.Duration `yaml:"timeout"`
}

type rawWorkspace struct {
	BaseDir      *string `yaml:"base_dir"`
	CleanupAfter *bool   `yaml:"cleanup_after"`
}

type rawDecompose struct {
	Mode             *string `yaml:"mode"`
	ExistingSelector *string `yaml:"existing_selector"`
	DryRun           *bool   `yaml:"dry_run"`
}

type rawImplement struct {
	MaxConcurrency    *int           `yaml:"max_concurrency"`
	MaxRetriesPerBead *int           `yaml:"max_retries_per_bead"`
	BeadTimeout       *time.Duration `yaml:"bead_timeout"`
}

type rawMaintenance struct {
	Trigger *string `yaml:"trigger"`
	N       *int    `yaml:"n"`
}

type rawJudge struct {
	Enabled           *bool `yaml:"enabled"`
	MaxIterations     *int  `yaml:"max_iterations"`
	TimeoutMultiplier *int  `yaml:"timeout_multiplier"`
}

type rawPublication struct {
	OnComplete   *string `yaml:"on_complete"`
	HostingCLI   *string `yaml:"hosting_cli"`
	BaseBranch   *string `yaml:"base_branch"`
	TargetBranch *string `yaml:"target_branch"`
}

// loadLayer reads a single config file into a rawConfig for selective merging.
// Returns nil if the file does not exist. Rejects unknown fields.
func loadLayer(path string) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &raw, nil
}

// merge applies non-nil fields from a rawConfig layer onto this Config.
func (c *Config) merge(layer *rawConfig) {
	if r := layer.Runtime; r != nil {
		if r.Backend != nil {
			c.Runtime.Backend = *r.Backend
		}
		if r.Timeout != nil {
			c.Runtime.Timeout = *r.Timeout
		}
	}
	if w := layer.Workspace; w != nil {
		if w.BaseDir != nil {
			c.Workspace.BaseDir = *w.BaseDir
		}
		if w.CleanupAfter != nil {
			c.Workspace.CleanupAfter = *w.CleanupAfter
		}
	}
	if d := layer.Decompose; d != nil {
		if d.Mode != nil {
			c.Decompose.Mode = *d.Mode
		}
		if d.ExistingSelector != nil {
			c.Decompose.ExistingSelector = *d.ExistingSelector
		}
		if d.DryRun != nil {
			c.Decompose.DryRun = *d.DryRun
		}
	}
	if i := layer.Implement; i != nil {
		if i.MaxConcurrency != nil {
			c.Implement.MaxConcurrency = *i.MaxConcurrency
		}
		if i.MaxRetriesPerBead != nil {
			c.Implement.MaxRetriesPerBead = *i.MaxRetriesPerBead
		}
		if i.BeadTimeout != nil {
			c.Implement.BeadTimeout = *i.BeadTimeout
		}
	}
	if m := layer.Maintenance; m != nil {
		if m.Trigger != nil {
			c.Maintenance.Trigger = *m.Trigger
		}
		if m.N != nil {
			c.Maintenance.N = *m.N
		}
	}
	if j := layer.Judge; j != nil {
		if j.Enabled != nil {
			c.Judge.Enabled = *j.Enabled
		}
		if j.MaxIterations != nil {
			c.Judge.MaxIterations = *j.MaxIterations
		}
		if j.TimeoutMultiplier != nil {
			c.Judge.TimeoutMultiplier = *j.TimeoutMultiplier
		}
	}
	if p := layer.Publication; p != nil {
		if p.OnComplete != nil {
			c.Publication.OnComplete = *p.OnComplete
		}
		if p.HostingCLI != nil {
			c.Publication.HostingCLI = *p.HostingCLI
		}
		if p.BaseBranch != nil {
			c.Publication.BaseBranch = *p.BaseBranch
		}
		if p.TargetBranch != nil {
			c.Publication.TargetBranch = *p.TargetBranch
		}
	}
}
