package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/mailbox"
)

// ToolInput is the JSON document passed to an agent tool on stdin.
//
// Contract: the runner marshals this struct, writes it to the tool's stdin
// and immediately closes the pipe.
//
// Example JSON:
//
//	{
//	  "agent_id": "worker-1",
//	  "task": {
//	    "task_id": "T1",
//	    "status": "IN_PROGRESS",
//	    "claimed_by": "worker-1",
//	    ...
//	  },
//	  "messages": []
//	}
type ToolInput struct {
	// AgentID is the id the task is claimed under.
	AgentID string `json:"agent_id"`

	// Task is the claimed task, already IN_PROGRESS.
	Task board.Task `json:"task"`

	// Messages were drained from the agent's inbox right after the claim.
	Messages []mailbox.Message `json:"messages"`
}

// ToolOutput is the JSON document an agent tool writes to stdout.
//
// Contract: the tool writes exactly one JSON object to stdout and exits 0.
// A non-zero exit, invalid JSON or a failed validation marks the task FAILED.
//
// Example JSON:
//
//	{
//	  "result": "indexed 1204 documents",
//	  "metadata": {"shard": "3"}
//	}
type ToolOutput struct {
	// Result is a human-readable description of the outcome.
	// Required - must be non-empty string.
	Result string `json:"result"`

	// Metadata is copied onto the task.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks that the ToolOutput has all required fields.
func (o *ToolOutput) Validate() error {
	if o.Result == "" {
		return fmt.Errorf("result is required and cannot be empty")
	}
	for k := range o.Metadata {
		if k == "" {
			return fmt.Errorf("metadata keys cannot be empty")
		}
	}
	return nil
}

// parseToolOutput unmarshals and validates a tool's stdout.
func parseToolOutput(stdout string) (*ToolOutput, error) {
	if len(stdout) == 0 {
		return nil, fmt.Errorf("tool produced no output on stdout")
	}

	var output ToolOutput
	if err := json.Unmarshal([]byte(stdout), &output); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if err := output.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &output, nil
}

// Executor performs the work for one claimed task. A returned error marks
// the task FAILED with the error text.
type Executor interface {
	Execute(ctx context.Context, in ToolInput) (*ToolOutput, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, in ToolInput) (*ToolOutput, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, in ToolInput) (*ToolOutput, error) {
	return f(ctx, in)
}
