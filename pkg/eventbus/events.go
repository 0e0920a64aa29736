package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names an event variant. Handlers subscribe per topic, or to TopicAll
// to receive every variant.
type Topic string

const (
	// TopicAll is a wildcard subscription matching every event.
	TopicAll Topic = "*"

	TopicTaskClaimed    Topic = "task.claimed"
	TopicTaskCompleted  Topic = "task.completed"
	TopicTaskFailed     Topic = "task.failed"
	TopicTaskReleased   Topic = "task.released"
	TopicTaskStalled    Topic = "task.stalled"
	TopicAgentHeartbeat Topic = "agent.heartbeat"
	TopicMessageSent    Topic = "message.sent"
)

// Header carries the fields common to every event.
type Header struct {
	SourceID  string    `json:"source_id"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// Meta returns the common header.
func (h Header) Meta() Header { return h }

func (Header) sealed() {}

// NewHeader stamps a header with the current time.
func NewHeader(source string, priority int) Header {
	return Header{SourceID: source, Priority: priority, Timestamp: time.Now().UTC()}
}

// Event is one of the variants defined in this package. The set is closed:
// every variant embeds Header and is dispatched by its Topic.
type Event interface {
	Topic() Topic
	Meta() Header
	sealed()
}

// TaskClaimed is published when an agent claims a task.
type TaskClaimed struct {
	Header
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (TaskClaimed) Topic() Topic { return TopicTaskClaimed }

// TaskCompleted is published when a task is archived as COMPLETED.
type TaskCompleted struct {
	Header
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Result  string `json:"result,omitempty"`
}

func (TaskCompleted) Topic() Topic { return TopicTaskCompleted }

// TaskFailed is published when a task is archived as FAILED, either by its
// agent or by stall escalation.
type TaskFailed struct {
	Header
	TaskID       string `json:"task_id"`
	AgentID      string `json:"agent_id,omitempty"`
	Error        string `json:"error,omitempty"`
	FailureCount int    `json:"failure_count"`
}

func (TaskFailed) Topic() Topic { return TopicTaskFailed }

// TaskReleased is published when a held task returns to the backlog.
type TaskReleased struct {
	Header
	TaskID       string `json:"task_id"`
	AgentID      string `json:"agent_id,omitempty"`
	FailureCount int    `json:"failure_count"`
	Reason       string `json:"reason,omitempty"`
}

func (TaskReleased) Topic() Topic { return TopicTaskReleased }

// TaskStalled is published when a task is marked STALLED in place.
type TaskStalled struct {
	Header
	TaskID  string        `json:"task_id"`
	AgentID string        `json:"agent_id,omitempty"`
	Idle    time.Duration `json:"idle_ns"`
}

func (TaskStalled) Topic() Topic { return TopicTaskStalled }

// AgentHeartbeat is published periodically by running agents.
type AgentHeartbeat struct {
	Header
	AgentID     string `json:"agent_id"`
	CurrentTask string `json:"current_task,omitempty"`
	Completed   int64  `json:"completed"`
}

func (AgentHeartbeat) Topic() Topic { return TopicAgentHeartbeat }

// MessageSent is published after a mailbox delivery.
type MessageSent struct {
	Header
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

func (MessageSent) Topic() Topic { return TopicMessageSent }

// Envelope is the wire form of an event: the variant tag plus its fields.
// It is only used by listeners that export events out of the process.
type Envelope struct {
	Type      Topic           `json:"type"`
	SourceID  string          `json:"source_id"`
	Priority  int             `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Marshal encodes an event as an Envelope.
func Marshal(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Topic(), err)
	}
	h := ev.Meta()
	return json.Marshal(Envelope{
		Type:      ev.Topic(),
		SourceID:  h.SourceID,
		Priority:  h.Priority,
		Timestamp: h.Timestamp,
		Data:      data,
	})
}

// Decode rebuilds the typed event from an envelope.
func (e Envelope) Decode() (Event, error) {
	var (
		ev  Event
		err error
	)
	switch e.Type {
	case TopicTaskClaimed:
		ev, err = decodeAs[TaskClaimed](e.Data)
	case TopicTaskCompleted:
		ev, err = decodeAs[TaskCompleted](e.Data)
	case TopicTaskFailed:
		ev, err = decodeAs[TaskFailed](e.Data)
	case TopicTaskReleased:
		ev, err = decodeAs[TaskReleased](e.Data)
	case TopicTaskStalled:
		ev, err = decodeAs[TaskStalled](e.Data)
	case TopicAgentHeartbeat:
		ev, err = decodeAs[AgentHeartbeat](e.Data)
	case TopicMessageSent:
		ev, err = decodeAs[MessageSent](e.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %q", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", e.Type, err)
	}
	return ev, nil
}

func decodeAs[E Event](data json.RawMessage) (Event, error) {
	var ev E
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}
