package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "burrow.yml", `version: "1.0"
board:
  dir: /srv/burrow/board
  lock_timeout_ms: 250
monitor:
  check_interval_seconds: 5
  escalation_strategy: mark_stalled
  max_failure_count: 0
agent:
  id: worker-1
  command: ["./run.sh", "--fast"]
relay:
  redis_url: redis://localhost:6379/0
log:
  level: debug
  format: json
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/burrow/board", config.Board.Dir)
	assert.Equal(t, 250*time.Millisecond, config.LockTimeout())
	assert.Equal(t, 5*time.Second, config.Monitor.CheckInterval())
	assert.Equal(t, DefaultPendingTimeout*time.Second, config.Monitor.PendingTimeout())
	assert.Equal(t, "mark_stalled", config.Monitor.EscalationStrategy)
	assert.Equal(t, 0, *config.Monitor.MaxFailureCount, "explicit 0 means unlimited and is kept")
	assert.Equal(t, "worker-1", config.Agent.ID)
	assert.Equal(t, []string{"./run.sh", "--fast"}, config.Agent.Command)
	assert.Equal(t, DefaultRelayInstance, config.Relay.Instance)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, "json", config.Log.Format)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "burrow.toml", `version = "1.0"

[monitor]
pending_timeout_seconds = 60
escalation_strategy = "log_only"
max_failure_count = 7

[agent]
command = ["python3", "worker.py"]
poll_interval_seconds = 1

[http]
addr = "127.0.0.1:9000"
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, config.Monitor.PendingTimeout())
	assert.Equal(t, "log_only", config.Monitor.EscalationStrategy)
	assert.Equal(t, 7, *config.Monitor.MaxFailureCount)
	assert.Equal(t, []string{"python3", "worker.py"}, config.Agent.Command)
	assert.Equal(t, time.Second, config.Agent.PollInterval())
	assert.Equal(t, "127.0.0.1:9000", config.HTTP.Addr)
	assert.Equal(t, DefaultBoardDir, config.Board.Dir)
	assert.Nil(t, config.Relay)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/burrow.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "burrow.yml", `version: "1.0"
board:
  - this is invalid
    yaml syntax
`)

	config, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "burrow.toml", "version = \n")

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse TOML")
}

func TestLoad_UnknownExtension(t *testing.T) {
	path := writeConfig(t, "burrow.json", `{"version":"1.0"}`)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config format")
}

func TestLoad_InvalidConfiguration(t *testing.T) {
	path := writeConfig(t, "burrow.yml", `version: "1.0"
monitor:
  escalation_strategy: panic
`)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "invalid monitor.escalation_strategy: panic")
}

func TestDefault(t *testing.T) {
	config := Default()

	assert.Equal(t, DefaultBoardDir, config.Board.Dir)
	assert.Equal(t, DefaultMailboxDir, config.Mailbox.Dir)
	assert.Equal(t, 5*time.Second, config.LockTimeout())
	assert.Equal(t, 30*time.Second, config.Monitor.CheckInterval())
	assert.Equal(t, 5*time.Minute, config.Monitor.PendingTimeout())
	assert.Equal(t, "requeue", config.Monitor.EscalationStrategy)
	assert.Equal(t, 3, *config.Monitor.MaxFailureCount)
	assert.Equal(t, 10*time.Second, config.Agent.HeartbeatInterval())
	assert.Equal(t, 2*time.Second, config.Agent.PollInterval())
	assert.Equal(t, time.Duration(0), config.Agent.Timeout())
	assert.Equal(t, DefaultHTTPAddr, config.HTTP.Addr)
	assert.Equal(t, "info", config.Log.Level)
	assert.Equal(t, "text", config.Log.Format)
}

func TestValidate_UnsupportedVersion(t *testing.T) {
	config := &BurrowConfig{Version: "2.0"}

	err := config.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version: 2.0")
}

func TestValidate_Rejections(t *testing.T) {
	negative := -1
	tests := []struct {
		name   string
		config BurrowConfig
		errMsg string
	}{
		{
			name:   "negative lock timeout",
			config: BurrowConfig{Version: Version, Board: &BoardConfig{LockTimeoutMS: -5}},
			errMsg: "board.lock_timeout_ms must be > 0",
		},
		{
			name:   "negative check interval",
			config: BurrowConfig{Version: Version, Monitor: &MonitorConfig{CheckIntervalSeconds: -1}},
			errMsg: "monitor.check_interval_seconds must be > 0",
		},
		{
			name:   "negative pending timeout",
			config: BurrowConfig{Version: Version, Monitor: &MonitorConfig{PendingTimeoutSeconds: -1}},
			errMsg: "monitor.pending_timeout_seconds must be > 0",
		},
		{
			name:   "negative max failure count",
			config: BurrowConfig{Version: Version, Monitor: &MonitorConfig{MaxFailureCount: &negative}},
			errMsg: "monitor.max_failure_count must be >= 0",
		},
		{
			name:   "negative heartbeat",
			config: BurrowConfig{Version: Version, Agent: &AgentConfig{HeartbeatIntervalSeconds: -1}},
			errMsg: "agent.heartbeat_interval_seconds must be > 0",
		},
		{
			name:   "blank executable",
			config: BurrowConfig{Version: Version, Agent: &AgentConfig{Command: []string{" ", "arg"}}},
			errMsg: "executable cannot be empty",
		},
		{
			name:   "relay without url",
			config: BurrowConfig{Version: Version, Relay: &RelayConfig{Instance: "prod"}},
			errMsg: "relay.redis_url is required",
		},
		{
			name:   "bad log level",
			config: BurrowConfig{Version: Version, Log: &LogConfig{Level: "loud"}},
			errMsg: "invalid log.level: loud",
		},
		{
			name:   "bad log format",
			config: BurrowConfig{Version: Version, Log: &LogConfig{Format: "xml"}},
			errMsg: "invalid log.format: xml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestResolve(t *testing.T) {
	config := Default()
	config.Mailbox.Dir = "/abs/mail"

	config.Resolve("/home/project")
	assert.Equal(t, filepath.Join("/home/project", DefaultBoardDir), config.Board.Dir)
	assert.Equal(t, "/abs/mail", config.Mailbox.Dir)
}
