package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dyluth/burrow/internal/logging"
)

const (
	// maxOutputSize is the maximum number of bytes kept from tool stdout/stderr (10MB)
	maxOutputSize = 10 * 1024 * 1024

	// waitDelay bounds how long Wait blocks on inherited pipes after the tool is killed
	waitDelay = 2 * time.Second
)

// CommandExecutor runs an external tool for each task: the ToolInput JSON on
// stdin, the ToolOutput JSON on stdout.
type CommandExecutor struct {
	Command []string
	Dir     string        // Working directory; empty uses the current one
	Timeout time.Duration // 0 = no limit beyond the caller's context
	Logger  *log.Logger
}

// ExitError describes a tool run that did not succeed.
type ExitError struct {
	ExitCode int // -1 when the process could not start or was killed
	Stderr   string
	Reason   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, truncate(strings.TrimSpace(e.Stderr), 500))
}

// Execute runs the tool for one task.
//
// The subprocess is:
//   - Given the executor's timeout via context
//   - Fed the input JSON via stdin (pipe closed after write)
//   - Run with BURROW_AGENT_ID and BURROW_TASK_ID added to its environment
//   - Captured with a 10MB limit on stdout and stderr
func (c *CommandExecutor) Execute(ctx context.Context, in ToolInput) (*ToolOutput, error) {
	if len(c.Command) == 0 {
		return nil, fmt.Errorf("command array is empty")
	}
	logger := logging.Component(c.Logger, "executor")

	inputJSON, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool input: %w", err)
	}

	execCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		"BURROW_AGENT_ID="+in.AgentID,
		"BURROW_TASK_ID="+in.Task.ID,
	)
	cmd.WaitDelay = waitDelay

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExitError{ExitCode: -1, Reason: fmt.Sprintf("failed to start process: %v", err)}
	}

	go func() {
		defer stdinPipe.Close()
		if _, err := stdinPipe.Write(inputJSON); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Debug("tool did not read its input", "task_id", in.Task.ID, "err", err)
		}
	}()

	err = cmd.Wait()
	duration := time.Since(start)
	stdout, stderr := stdoutBuf.String(), stderrBuf.String()

	if stdoutBuf.Len() >= maxOutputSize || stderrBuf.Len() >= maxOutputSize {
		return nil, &ExitError{ExitCode: -1, Stderr: stderr, Reason: "tool output exceeded 10MB limit"}
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, &ExitError{ExitCode: -1, Stderr: stderr, Reason: fmt.Sprintf("tool execution timeout (%s)", c.Timeout)}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.As(err, &exitErr):
			return nil, &ExitError{ExitCode: exitErr.ExitCode(), Stderr: stderr,
				Reason: fmt.Sprintf("process exited with code %d", exitErr.ExitCode())}
		default:
			return nil, &ExitError{ExitCode: -1, Stderr: stderr, Reason: err.Error()}
		}
	}

	logger.Debug("tool finished", "task_id", in.Task.ID, "duration", duration)

	output, err := parseToolOutput(strings.TrimSpace(stdout))
	if err != nil {
		return nil, fmt.Errorf("failed to parse tool output: %w (stdout=%s)", err, truncate(stdout, 200))
	}
	return output, nil
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// truncate limits a string to maxLen characters, appending "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
