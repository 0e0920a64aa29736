package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFileName is the config file burrow init writes.
	DefaultFileName = "burrow.yml"

	// Version is the only supported config version.
	Version = "1.0"

	DefaultBoardDir          = ".burrow/board"
	DefaultMailboxDir        = ".burrow/mailbox"
	DefaultLockTimeoutMS     = 5000
	DefaultCheckInterval     = 30
	DefaultPendingTimeout    = 300
	DefaultStrategy          = "requeue"
	DefaultMaxFailureCount   = 3
	DefaultHeartbeatInterval = 10
	DefaultPollInterval      = 2
	DefaultRelayInstance     = "default"
	DefaultHTTPAddr          = ":8080"
)

// BurrowConfig represents the top-level burrow.yml (or burrow.toml) configuration
type BurrowConfig struct {
	Version string         `yaml:"version" toml:"version"`
	Board   *BoardConfig   `yaml:"board,omitempty" toml:"board,omitempty"`
	Mailbox *MailboxConfig `yaml:"mailbox,omitempty" toml:"mailbox,omitempty"`
	Monitor *MonitorConfig `yaml:"monitor,omitempty" toml:"monitor,omitempty"`
	Agent   *AgentConfig   `yaml:"agent,omitempty" toml:"agent,omitempty"`
	Relay   *RelayConfig   `yaml:"relay,omitempty" toml:"relay,omitempty"`
	HTTP    *HTTPConfig    `yaml:"http,omitempty" toml:"http,omitempty"`
	Log     *LogConfig     `yaml:"log,omitempty" toml:"log,omitempty"`
}

// BoardConfig locates the task board files
type BoardConfig struct {
	Dir           string `yaml:"dir" toml:"dir"`
	LockTimeoutMS int    `yaml:"lock_timeout_ms,omitempty" toml:"lock_timeout_ms,omitempty"`
}

// MailboxConfig locates the agent mailbox files
type MailboxConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// MonitorConfig specifies stall detection behaviour
type MonitorConfig struct {
	CheckIntervalSeconds  int    `yaml:"check_interval_seconds,omitempty" toml:"check_interval_seconds,omitempty"`
	PendingTimeoutSeconds int    `yaml:"pending_timeout_seconds,omitempty" toml:"pending_timeout_seconds,omitempty"`
	EscalationStrategy    string `yaml:"escalation_strategy,omitempty" toml:"escalation_strategy,omitempty"` // log_only, mark_stalled or requeue
	MaxFailureCount       *int   `yaml:"max_failure_count,omitempty" toml:"max_failure_count,omitempty"`     // 0 = unlimited, default = 3
}

// AgentConfig specifies how burrow agent runs tasks
type AgentConfig struct {
	ID                       string   `yaml:"id,omitempty" toml:"id,omitempty"`
	Command                  []string `yaml:"command,omitempty" toml:"command,omitempty"` // Receives the task JSON on stdin
	TimeoutSeconds           int      `yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"` // 0 = no limit
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds,omitempty" toml:"heartbeat_interval_seconds,omitempty"`
	PollIntervalSeconds      int      `yaml:"poll_interval_seconds,omitempty" toml:"poll_interval_seconds,omitempty"`
}

// RelayConfig enables forwarding bus events to Redis Pub/Sub
type RelayConfig struct {
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	Instance string `yaml:"instance,omitempty" toml:"instance,omitempty"`
}

// HTTPConfig specifies the burrow serve listener
type HTTPConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// LogConfig specifies log output
type LogConfig struct {
	Level  string `yaml:"level,omitempty" toml:"level,omitempty"`
	Format string `yaml:"format,omitempty" toml:"format,omitempty"`
}

// Default returns a validated configuration with every default applied.
func Default() *BurrowConfig {
	c := &BurrowConfig{Version: Version}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return c
}

// Validate applies defaults and performs strict validation on the configuration
func (c *BurrowConfig) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("unsupported version: %s (expected: %s)", c.Version, Version)
	}

	if c.Board == nil {
		c.Board = &BoardConfig{}
	}
	if c.Board.Dir == "" {
		c.Board.Dir = DefaultBoardDir
	}
	if c.Board.LockTimeoutMS == 0 {
		c.Board.LockTimeoutMS = DefaultLockTimeoutMS
	}
	if c.Board.LockTimeoutMS < 0 {
		return fmt.Errorf("board.lock_timeout_ms must be > 0, got %d", c.Board.LockTimeoutMS)
	}

	if c.Mailbox == nil {
		c.Mailbox = &MailboxConfig{}
	}
	if c.Mailbox.Dir == "" {
		c.Mailbox.Dir = DefaultMailboxDir
	}

	if err := c.validateMonitor(); err != nil {
		return err
	}

	if c.Agent == nil {
		c.Agent = &AgentConfig{}
	}
	if err := c.Agent.Validate(); err != nil {
		return err
	}

	if c.Relay != nil {
		if c.Relay.RedisURL == "" {
			return fmt.Errorf("relay.redis_url is required when the relay section is present")
		}
		if c.Relay.Instance == "" {
			c.Relay.Instance = DefaultRelayInstance
		}
	}

	if c.HTTP == nil {
		c.HTTP = &HTTPConfig{}
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be 'debug', 'info', 'warn' or 'error')", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("invalid log.format: %s (must be 'text', 'json' or 'logfmt')", c.Log.Format)
	}

	return nil
}

func (c *BurrowConfig) validateMonitor() error {
	if c.Monitor == nil {
		c.Monitor = &MonitorConfig{}
	}
	m := c.Monitor

	if m.CheckIntervalSeconds == 0 {
		m.CheckIntervalSeconds = DefaultCheckInterval
	}
	if m.CheckIntervalSeconds < 0 {
		return fmt.Errorf("monitor.check_interval_seconds must be > 0, got %d", m.CheckIntervalSeconds)
	}

	if m.PendingTimeoutSeconds == 0 {
		m.PendingTimeoutSeconds = DefaultPendingTimeout
	}
	if m.PendingTimeoutSeconds < 0 {
		return fmt.Errorf("monitor.pending_timeout_seconds must be > 0, got %d", m.PendingTimeoutSeconds)
	}

	if m.EscalationStrategy == "" {
		m.EscalationStrategy = DefaultStrategy
	}
	switch m.EscalationStrategy {
	case "log_only", "mark_stalled", "requeue":
	default:
		return fmt.Errorf("invalid monitor.escalation_strategy: %s (must be 'log_only', 'mark_stalled' or 'requeue')", m.EscalationStrategy)
	}

	if m.MaxFailureCount == nil {
		defaultCount := DefaultMaxFailureCount
		m.MaxFailureCount = &defaultCount
	}
	if *m.MaxFailureCount < 0 {
		return fmt.Errorf("monitor.max_failure_count must be >= 0 (0 = unlimited), got %d", *m.MaxFailureCount)
	}

	return nil
}

// Validate applies defaults to the agent section
func (a *AgentConfig) Validate() error {
	if a.HeartbeatIntervalSeconds == 0 {
		a.HeartbeatIntervalSeconds = DefaultHeartbeatInterval
	}
	if a.HeartbeatIntervalSeconds < 0 {
		return fmt.Errorf("agent.heartbeat_interval_seconds must be > 0, got %d", a.HeartbeatIntervalSeconds)
	}

	if a.PollIntervalSeconds == 0 {
		a.PollIntervalSeconds = DefaultPollInterval
	}
	if a.PollIntervalSeconds < 0 {
		return fmt.Errorf("agent.poll_interval_seconds must be > 0, got %d", a.PollIntervalSeconds)
	}

	if a.TimeoutSeconds < 0 {
		return fmt.Errorf("agent.timeout_seconds must be >= 0 (0 = no limit), got %d", a.TimeoutSeconds)
	}

	if len(a.Command) > 0 && strings.TrimSpace(a.Command[0]) == "" {
		return fmt.Errorf("agent.command: executable cannot be empty")
	}

	return nil
}

// LockTimeout returns board.lock_timeout_ms as a duration.
func (c *BurrowConfig) LockTimeout() time.Duration {
	return time.Duration(c.Board.LockTimeoutMS) * time.Millisecond
}

// CheckInterval returns how often the stall monitor scans.
func (m *MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalSeconds) * time.Second
}

// PendingTimeout returns how long a held task may go without an update.
func (m *MonitorConfig) PendingTimeout() time.Duration {
	return time.Duration(m.PendingTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the agent heartbeat period.
func (a *AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(a.HeartbeatIntervalSeconds) * time.Second
}

// PollInterval returns how long an idle agent waits before claiming again.
func (a *AgentConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalSeconds) * time.Second
}

// Timeout returns the per-task execution limit; zero means none.
func (a *AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Load reads and validates burrow.yml or burrow.toml from the specified path.
// The format is chosen by file extension.
func Load(path string) (*BurrowConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config BurrowConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yml, .yaml or .toml)", ext)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Resolve makes the board and mailbox directories absolute relative to base,
// normally the directory holding the config file.
func (c *BurrowConfig) Resolve(base string) {
	if !filepath.IsAbs(c.Board.Dir) {
		c.Board.Dir = filepath.Join(base, c.Board.Dir)
	}
	if !filepath.IsAbs(c.Mailbox.Dir) {
		c.Mailbox.Dir = filepath.Join(base, c.Mailbox.Dir)
	}
}
