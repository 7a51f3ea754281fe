package config

import (
	"fmt"
	"time"
)

// RelayConfig configures the gateway-side relay process.
type RelayConfig struct {
	Server    RelayServerConfig `yaml:"server"`
	VM        VMTargetConfig    `yaml:"vm"`
	Logging   LoggingConfig     `yaml:"logging"`
	Queue     QueueConfig       `yaml:"queue"`
	Approval  ApprovalConfig    `yaml:"approval"`
	Threads   ThreadWatchConfig `yaml:"threads"`
	Channels  ChannelsConfig    `yaml:"channels"`
	PublicURL string            `yaml:"public_url"`
}

// RelayServerConfig is the relay's own HTTP listener.
type RelayServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// VMTargetConfig describes the remote machine the relay drives.
type VMTargetConfig struct {
	// Host is the base URL of the VM server, e.g. http://10.0.0.5:3001.
	Host string `yaml:"host"`
	// CallTimeout bounds one /command round trip. It must exceed the
	// VM's own execution timeout so the gateway deadline never fires
	// first under normal operation.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// ColdStartMaxWait bounds the health poll loop after a refused
	// connection.
	ColdStartMaxWait time.Duration `yaml:"cold_start_max_wait"`
	// ColdStartPollInterval is the fixed health poll cadence.
	ColdStartPollInterval time.Duration `yaml:"cold_start_poll_interval"`
}

// QueueConfig bounds per-user command queueing.
type QueueConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

// ApprovalConfig controls the human-in-the-loop gate.
type ApprovalConfig struct {
	// Timeout is how long a pending approval waits before falling back
	// to idle.
	Timeout time.Duration `yaml:"timeout"`
}

// ThreadWatchConfig controls how the relay follows thread sessions.
type ThreadWatchConfig struct {
	// PollInterval is the fixed cadence at which each watched session's
	// output delta is fetched from the machine.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ChannelsConfig holds the per-network adapter settings. A channel with
// an empty token is simply not started.
type ChannelsConfig struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allow_from"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allow_from"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadRelay loads and validates a relay config file.
func LoadRelay(path string) (*RelayConfig, error) {
	cfg := &RelayConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RelayConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.VM.Host == "" {
		c.VM.Host = "http://localhost:3001"
	}
	if c.VM.CallTimeout == 0 {
		c.VM.CallTimeout = 330 * time.Second
	}
	if c.VM.ColdStartMaxWait == 0 {
		c.VM.ColdStartMaxWait = 30 * time.Second
	}
	if c.VM.ColdStartPollInterval == 0 {
		c.VM.ColdStartPollInterval = 3 * time.Second
	}
	if c.Queue.MaxDepth == 0 {
		c.Queue.MaxDepth = 5
	}
	if c.Approval.Timeout == 0 {
		c.Approval.Timeout = 30 * time.Minute
	}
	if c.Threads.PollInterval == 0 {
		c.Threads.PollInterval = 3 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *RelayConfig) validate() error {
	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("queue.max_depth must be at least 1")
	}
	if c.VM.ColdStartPollInterval > c.VM.ColdStartMaxWait {
		return fmt.Errorf("vm.cold_start_poll_interval exceeds vm.cold_start_max_wait")
	}
	if c.Channels.Discord.Token != "" && len(c.Channels.Discord.AllowFrom) == 0 {
		return fmt.Errorf("channels.discord.allow_from is required when discord is enabled")
	}
	if c.Channels.Telegram.Token != "" && len(c.Channels.Telegram.AllowFrom) == 0 {
		return fmt.Errorf("channels.telegram.allow_from is required when telegram is enabled")
	}
	return nil
}
