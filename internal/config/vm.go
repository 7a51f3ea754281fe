package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// VMConfig configures the remote-side server.
type VMConfig struct {
	Server    VMServerConfig  `yaml:"server"`
	Execution ExecutionConfig `yaml:"execution"`
	Threads   ThreadsConfig   `yaml:"threads"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Skills    SkillsConfig    `yaml:"skills"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// VMServerConfig is the VM server's HTTP listener plus its idle
// watchdog. IdleTimeout of zero disables idle shutdown.
type VMServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// CallbackURL is the relay's base URL for progress callbacks, e.g.
	// http://relay:3000. Empty disables out-of-band progress.
	CallbackURL string `yaml:"callback_url"`
}

// ExecutionConfig bounds a single agent invocation.
type ExecutionConfig struct {
	// AgentCommand is the agent CLI and its arguments. The prompt is
	// written to its stdin.
	AgentCommand []string `yaml:"agent_command"`
	// CommitCommand is the shorter-lived invocation used by the
	// approval gate to commit and open a change request.
	CommitCommand []string `yaml:"commit_command"`
	// Timeout is the hard deadline for one heavy execution.
	Timeout time.Duration `yaml:"timeout"`
	// CommitTimeout bounds the approval gate's commit invocation.
	CommitTimeout time.Duration `yaml:"commit_timeout"`
	// MaxOutputBytes caps buffered agent output; bytes past the cap are
	// discarded, not buffered.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
	// WorkspaceRoot is where repositories are cloned and the agent runs.
	WorkspaceRoot string `yaml:"workspace_root"`
}

// ThreadsConfig bounds the thread session population.
type ThreadsConfig struct {
	MaxSessions int `yaml:"max_sessions"`
	// LogDir holds the per-session output capture files.
	LogDir string `yaml:"log_dir"`
	// AgentCommand is the continuation invocation for agent-kind
	// sessions.
	AgentCommand string `yaml:"agent_command"`
}

// ArtifactsConfig bounds the rendered-output store.
type ArtifactsConfig struct {
	Dir           string        `yaml:"dir"`
	TTL           time.Duration `yaml:"ttl"`
	MaxItems      int           `yaml:"max_items"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SkillsConfig locates the machine-wide skills directory. Repo-local
// skills under .claude/skills are discovered automatically.
type SkillsConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// StorageConfig locates the sqlite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoadVM loads and validates a VM config file.
func LoadVM(path string) (*VMConfig, error) {
	cfg := &VMConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *VMConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 30 * time.Minute
	}
	if len(c.Execution.AgentCommand) == 0 {
		c.Execution.AgentCommand = []string{"claude", "-p", "--continue", "--dangerously-skip-permissions", "-"}
	}
	if len(c.Execution.CommitCommand) == 0 {
		c.Execution.CommitCommand = []string{"claude", "-p", "--dangerously-skip-permissions", "-"}
	}
	if c.Execution.Timeout == 0 {
		c.Execution.Timeout = 300 * time.Second
	}
	if c.Execution.CommitTimeout == 0 {
		c.Execution.CommitTimeout = 10 * time.Minute
	}
	if c.Execution.MaxOutputBytes == 0 {
		c.Execution.MaxOutputBytes = 10 << 20
	}
	if c.Execution.WorkspaceRoot == "" {
		c.Execution.WorkspaceRoot = "/workspace"
	}
	if c.Threads.MaxSessions == 0 {
		c.Threads.MaxSessions = 5
	}
	if c.Threads.LogDir == "" {
		c.Threads.LogDir = "/tmp"
	}
	if c.Threads.AgentCommand == "" {
		c.Threads.AgentCommand = "claude --continue"
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "/tmp/artifacts"
	}
	if c.Artifacts.TTL == 0 {
		c.Artifacts.TTL = 30 * time.Minute
	}
	if c.Artifacts.MaxItems == 0 {
		c.Artifacts.MaxItems = 100
	}
	if c.Artifacts.SweepInterval == 0 {
		c.Artifacts.SweepInterval = 5 * time.Minute
	}
	if c.Skills.BaseDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Skills.BaseDir = filepath.Join(home, ".claude", "skills")
		}
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/data/cockpit.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *VMConfig) validate() error {
	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("execution.timeout must be positive")
	}
	if c.Execution.MaxOutputBytes <= 0 {
		return fmt.Errorf("execution.max_output_bytes must be positive")
	}
	if c.Threads.MaxSessions < 1 {
		return fmt.Errorf("threads.max_sessions must be at least 1")
	}
	if c.Artifacts.MaxItems < 1 {
		return fmt.Errorf("artifacts.max_items must be at least 1")
	}
	return nil
}
