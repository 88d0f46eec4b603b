// Package ticketflow implements the ticket orchestration pipeline: it takes
// project tickets through planning, human review, agent execution, and
// test-and-fix cycles inside isolated git worktrees.
package ticketflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that round-trips through YAML as a string
// like "500ms".
type Duration time.Duration

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses time.Duration notation.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds orchestrator configuration.
type Config struct {
	// Paths
	RepoRoot      string `yaml:"repoRoot"`
	WorkspaceDir  string `yaml:"workspaceDir"`
	LogDir        string `yaml:"logDir"`
	DBPath        string `yaml:"dbPath"`
	TemplateDir   string `yaml:"templateDir"`
	DefaultBranch string `yaml:"defaultBranch"`
	BranchPrefix  string `yaml:"branchPrefix"`

	// Limits
	GlobalMaxJobs       int      `yaml:"globalMaxJobs"`
	MaxRetries          int      `yaml:"maxRetries"`
	TickInterval        Duration `yaml:"tickInterval"`
	FailureExcerptBytes int      `yaml:"failureExcerptBytes"`

	// Agent
	AgentBinary    string `yaml:"agentBinary"`
	MaxTurns       int    `yaml:"maxTurns"`
	PermissionMode string `yaml:"permissionMode"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkspaceDir:        ".workspaces",
		LogDir:              ".ticketflow/logs",
		DBPath:              ".ticketflow/ticketflow.db",
		DefaultBranch:       "main",
		BranchPrefix:        "ticket/",
		GlobalMaxJobs:       4,
		MaxRetries:          2,
		TickInterval:        Duration(500 * time.Millisecond),
		FailureExcerptBytes: 8192,
		MaxTurns:            50,
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults. A
// missing file is not an error: the defaults are returned as-is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.GlobalMaxJobs < 1 {
		return fmt.Errorf("globalMaxJobs must be at least 1, got %d", c.GlobalMaxJobs)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative, got %d", c.MaxRetries)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tickInterval must be positive, got %s", c.TickInterval.Std())
	}
	if c.FailureExcerptBytes <= 0 {
		return fmt.Errorf("failureExcerptBytes must be positive, got %d", c.FailureExcerptBytes)
	}
	return nil
}
