package ticketflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.GlobalMaxJobs != def.GlobalMaxJobs || cfg.TickInterval != def.TickInterval {
		t.Errorf("got %+v, want defaults", cfg)
	}
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticketflow.yml")
	content := `globalMaxJobs: 8
maxRetries: 5
tickInterval: 1s
agentBinary: /usr/local/bin/claude
branchPrefix: work/
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GlobalMaxJobs != 8 || cfg.MaxRetries != 5 {
		t.Errorf("limits = %d/%d", cfg.GlobalMaxJobs, cfg.MaxRetries)
	}
	if cfg.TickInterval.Std() != time.Second {
		t.Errorf("tick interval = %s", cfg.TickInterval.Std())
	}
	if cfg.AgentBinary != "/usr/local/bin/claude" || cfg.BranchPrefix != "work/" {
		t.Errorf("got %+v", cfg)
	}
	// Unspecified keys keep their defaults.
	if cfg.FailureExcerptBytes != DefaultConfig().FailureExcerptBytes {
		t.Errorf("failureExcerptBytes = %d", cfg.FailureExcerptBytes)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	for name, content := range map[string]string{
		"zero jobs":        "globalMaxJobs: 0\n",
		"negative retries": "maxRetries: -1\n",
		"zero tick":        "tickInterval: 0s\n",
	} {
		path := filepath.Join(t.TempDir(), "bad.yml")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("globalMaxJobs: [not an int"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("malformed YAML should be an error")
	}
}
