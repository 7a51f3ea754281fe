package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRelay_Defaults(t *testing.T) {
	path := writeFile(t, "vm:\n  host: http://10.0.0.5:3001\n")

	cfg, err := LoadRelay(path)
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if cfg.VM.Host != "http://10.0.0.5:3001" {
		t.Errorf("vm host = %q", cfg.VM.Host)
	}
	if cfg.Queue.MaxDepth != 5 {
		t.Errorf("queue depth = %d, want 5", cfg.Queue.MaxDepth)
	}
	if cfg.VM.CallTimeout != 330*time.Second {
		t.Errorf("call timeout = %v", cfg.VM.CallTimeout)
	}
	if cfg.Approval.Timeout != 30*time.Minute {
		t.Errorf("approval timeout = %v", cfg.Approval.Timeout)
	}
	if cfg.Threads.PollInterval != 3*time.Second {
		t.Errorf("thread poll interval = %v", cfg.Threads.PollInterval)
	}
}

func TestLoadRelay_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_DISCORD_TOKEN", "tok-123")
	path := writeFile(t, `
channels:
  discord:
    token: ${TEST_DISCORD_TOKEN}
    allow_from: ["42"]
`)

	cfg, err := LoadRelay(path)
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if cfg.Channels.Discord.Token != "tok-123" {
		t.Errorf("token = %q, want tok-123", cfg.Channels.Discord.Token)
	}
}

func TestLoadRelay_EnabledChannelNeedsAllowlist(t *testing.T) {
	path := writeFile(t, "channels:\n  telegram:\n    token: abc\n")

	if _, err := LoadRelay(path); err == nil {
		t.Fatal("expected error for enabled channel without allowlist")
	}
}

func TestLoadRelay_UnknownField(t *testing.T) {
	path := writeFile(t, "no_such_field: 1\n")

	if _, err := LoadRelay(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadVM_Defaults(t *testing.T) {
	path := writeFile(t, "server:\n  port: 4001\n")

	cfg, err := LoadVM(path)
	if err != nil {
		t.Fatalf("LoadVM: %v", err)
	}
	if cfg.Server.Port != 4001 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Execution.Timeout != 300*time.Second {
		t.Errorf("timeout = %v", cfg.Execution.Timeout)
	}
	if cfg.Execution.MaxOutputBytes != 10<<20 {
		t.Errorf("output cap = %d", cfg.Execution.MaxOutputBytes)
	}
	if cfg.Threads.MaxSessions != 5 {
		t.Errorf("max sessions = %d", cfg.Threads.MaxSessions)
	}
	if cfg.Artifacts.MaxItems != 100 {
		t.Errorf("artifact cap = %d", cfg.Artifacts.MaxItems)
	}
}

func TestLoadVM_Invalid(t *testing.T) {
	path := writeFile(t, "threads:\n  max_sessions: -1\n")

	if _, err := LoadVM(path); err == nil {
		t.Fatal("expected validation error")
	}
}
