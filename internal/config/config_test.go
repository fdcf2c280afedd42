package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Pack != "bmad" {
		t.Errorf("Pack = %q, want bmad", cfg.Pack)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("Agent.Command = %q, want claude", cfg.Agent.Command)
	}
	if cfg.Agent.Timeout.Std() != 10*time.Minute {
		t.Errorf("Agent.Timeout = %v, want 10m", cfg.Agent.Timeout.Std())
	}
	if cfg.Agent.DevTimeout.Std() != 30*time.Minute {
		t.Errorf("Agent.DevTimeout = %v, want 30m", cfg.Agent.DevTimeout.Std())
	}
	if cfg.MaxConcurrency != 3 {
		t.Errorf("MaxConcurrency = %d, want 3", cfg.MaxConcurrency)
	}
	if cfg.Budgets.DevStory != 24000 {
		t.Errorf("Budgets.DevStory = %d, want 24000", cfg.Budgets.DevStory)
	}
	if cfg.Budgets.ReviewDiff != 100000 {
		t.Errorf("Budgets.ReviewDiff = %d, want 100000", cfg.Budgets.ReviewDiff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoadFrom_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}
	if cfg.Pack != "bmad" || cfg.MaxConcurrency != 3 {
		t.Errorf("missing file should yield defaults, got %+v", cfg)
	}
}

func TestLoadFrom_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "max_concurrency: 5\n" +
		"agent:\n" +
		"  command: my-agent\n" +
		"  timeout: 2m\n" +
		"conflict_rules:\n" +
		"  - prefix: \"10-\"\n" +
		"    module: pipeline\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}

	if cfg.MaxConcurrency != 5 {
		t.Errorf("MaxConcurrency = %d, want 5", cfg.MaxConcurrency)
	}
	if cfg.Agent.Command != "my-agent" {
		t.Errorf("Agent.Command = %q, want my-agent", cfg.Agent.Command)
	}
	if cfg.Agent.Timeout.Std() != 2*time.Minute {
		t.Errorf("Agent.Timeout = %v, want 2m", cfg.Agent.Timeout.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.MaxReviewCycles != 3 {
		t.Errorf("MaxReviewCycles = %d, want default 3", cfg.MaxReviewCycles)
	}
	if cfg.Budgets.Planning != 3500 {
		t.Errorf("Budgets.Planning = %d, want default 3500", cfg.Budgets.Planning)
	}
	if len(cfg.ConflictRules) != 1 || cfg.ConflictRules[0].Module != "pipeline" {
		t.Errorf("ConflictRules = %+v", cfg.ConflictRules)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.MaxConcurrency = 7
	cfg.Agent.Model = "opus"
	cfg.StallThreshold = Duration(4 * time.Minute)
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}
	if loaded.MaxConcurrency != 7 {
		t.Errorf("MaxConcurrency = %d, want 7", loaded.MaxConcurrency)
	}
	if loaded.Agent.Model != "opus" {
		t.Errorf("Agent.Model = %q, want opus", loaded.Agent.Model)
	}
	if loaded.StallThreshold.Std() != 4*time.Minute {
		t.Errorf("StallThreshold = %v, want 4m", loaded.StallThreshold.Std())
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    time.Duration
		wantErr bool
	}{
		{"string form", "agent:\n  timeout: 90s\n", 90 * time.Second, false},
		{"minutes", "agent:\n  timeout: 15m\n", 15 * time.Minute, false},
		{"nanosecond int", "agent:\n  timeout: 1000000000\n", time.Second, false},
		{"garbage", "agent:\n  timeout: soon\n", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			cfg, err := LoadFrom(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadFrom() error: %v", err)
			}
			if cfg.Agent.Timeout.Std() != tt.want {
				t.Errorf("timeout = %v, want %v", cfg.Agent.Timeout.Std(), tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   autoerrors.Code
	}{
		{"empty pack", func(c *Config) { c.Pack = "" }, autoerrors.CodeConfigInvalid},
		{"empty agent command", func(c *Config) { c.Agent.Command = "" }, autoerrors.CodeConfigInvalid},
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }, autoerrors.CodeConfigInvalid},
		{"zero review cycles", func(c *Config) { c.MaxReviewCycles = 0 }, autoerrors.CodeConfigInvalid},
		{"bad dialect", func(c *Config) { c.Store.Dialect = "oracle" }, autoerrors.CodeConfigInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ae *autoerrors.AutoError
			if !autoerrors.As(err, &ae) || ae.Code != tt.code {
				t.Errorf("error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestAgentBaseArgs(t *testing.T) {
	a := AgentConfig{Model: "opus", SkipPermissions: true, Args: []string{"--verbose"}}
	got := a.BaseArgs()
	want := []string{"--model", "opus", "--dangerously-skip-permissions", "--verbose"}
	if len(got) != len(want) {
		t.Fatalf("BaseArgs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("BaseArgs[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if args := (AgentConfig{}).BaseArgs(); len(args) != 0 {
		t.Errorf("empty config BaseArgs = %v, want none", args)
	}
}

func TestStoreDSN(t *testing.T) {
	cfg := Default()
	if got := cfg.StoreDSN(); got != filepath.Join(AutoDir, DBFileName) {
		t.Errorf("StoreDSN = %q", got)
	}

	cfg.Store.DSN = "postgres://localhost/auto"
	if got := cfg.StoreDSN(); got != "postgres://localhost/auto" {
		t.Errorf("StoreDSN = %q", got)
	}
}
