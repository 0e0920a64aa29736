// Package mailbox provides durable per-agent inboxes and outboxes.
//
// Each agent owns one file, <dir>/<agent>.json, holding the messages waiting
// to be drained ("messages") and a record of what the agent sent ("outbox").
// Delivery and draining are lock-guarded read-modify-write cycles on the
// atomic store, so concurrent senders never lose messages and concurrent
// drains never hand the same message out twice.
package mailbox

import (
	"context"
	_ "embed"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/agentid"
	"github.com/dyluth/burrow/pkg/atomicstore"
	"github.com/dyluth/burrow/pkg/eventbus"
	"github.com/dyluth/burrow/pkg/filelock"
)

//go:embed mailbox.schema.json
var mailboxSchema string

var validateMailbox = atomicstore.MustSchemaValidator(
	"https://github.com/dyluth/burrow/schemas/mailbox.schema.json", mailboxSchema)

// Message is one delivered note between agents.
type Message struct {
	ID        string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Priority  int       `json:"priority"` // Lower is more urgent
}

type mailboxFile struct {
	Messages []Message `json:"messages"`
	Outbox   []Message `json:"outbox"`
}

func (f *mailboxFile) normalise() {
	if f.Messages == nil {
		f.Messages = []Message{}
	}
	if f.Outbox == nil {
		f.Outbox = []Message{}
	}
}

// Mailbox reads and writes agent mailbox files in one directory.
type Mailbox struct {
	dir     string
	store   *atomicstore.Store
	bus     *eventbus.Bus
	logger  *log.Logger
	now     func() time.Time
	timeout time.Duration
	origin  string

	mu       sync.Mutex
	lastNano int64
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithBus publishes a MessageSent event after each delivery.
func WithBus(bus *eventbus.Bus) Option {
	return func(m *Mailbox) { m.bus = bus }
}

// WithLogger sets the mailbox logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Mailbox) { m.logger = logger }
}

// WithClock overrides the time source for message timestamps and ids.
func WithClock(now func() time.Time) Option {
	return func(m *Mailbox) { m.now = now }
}

// WithLockTimeout bounds every lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Mailbox) { m.timeout = d }
}

// New creates a Mailbox rooted at dir.
func New(dir string, locks *filelock.Manager, opts ...Option) *Mailbox {
	m := &Mailbox{
		dir:    dir,
		now:    func() time.Time { return time.Now().UTC() },
		origin: uuid.NewString()[:8],
	}
	for _, opt := range opts {
		opt(m)
	}
	if locks == nil {
		locks = filelock.NewManager()
	}
	m.logger = logging.Component(m.logger, "mailbox")
	m.store = atomicstore.New(locks, m.timeout, atomicstore.WithValidator(validateMailbox))
	return m
}

// Path returns the mailbox file for an agent.
func (m *Mailbox) Path(agentID string) string {
	return filepath.Join(m.dir, agentID+".json")
}

// Send delivers content to recipient's inbox and records it in sender's
// outbox. The two writes are separate lock cycles; the inbox is written first.
func (m *Mailbox) Send(ctx context.Context, sender, recipient, content string, priority int) (string, error) {
	if err := agentid.Validate(sender); err != nil {
		return "", fmt.Errorf("invalid sender: %w", err)
	}
	if err := agentid.Validate(recipient); err != nil {
		return "", fmt.Errorf("invalid recipient: %w", err)
	}

	ts, nanos := m.stamp()
	msg := Message{
		ID:        fmt.Sprintf("%s-%s-%d-%s", sender, recipient, nanos, m.origin),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: ts,
		Priority:  priority,
	}

	if err := m.append(ctx, recipient, msg, func(f *mailboxFile) *[]Message { return &f.Messages }); err != nil {
		return "", fmt.Errorf("failed to deliver to %s: %w", recipient, err)
	}
	if err := m.append(ctx, sender, msg, func(f *mailboxFile) *[]Message { return &f.Outbox }); err != nil {
		return "", fmt.Errorf("delivered %s but failed to record outbox: %w", msg.ID, err)
	}

	m.logger.Debug("message sent", "message_id", msg.ID, "sender", sender, "recipient", recipient)
	m.bus.Publish(eventbus.MessageSent{
		Header:    eventbus.NewHeader(sender, priority),
		MessageID: msg.ID,
		Sender:    sender,
		Recipient: recipient,
	})
	return msg.ID, nil
}

// append adds msg to one list of an agent's file unless a message with the
// same id is already there.
func (m *Mailbox) append(ctx context.Context, agentID string, msg Message, list func(*mailboxFile) *[]Message) error {
	_, err := atomicstore.Update(ctx, m.store, m.Path(agentID), func(f *mailboxFile) error {
		f.normalise()
		target := list(f)
		if slices.ContainsFunc(*target, func(existing Message) bool { return existing.ID == msg.ID }) {
			return atomicstore.ErrNoChange
		}
		*target = append(*target, msg)
		return nil
	})
	return err
}

// stamp returns the send time and a nanosecond id component that strictly
// increases within this Mailbox. Ids from different Mailboxes are kept apart
// by the origin suffix.
func (m *Mailbox) stamp() (time.Time, int64) {
	ts := m.now()
	nanos := ts.UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	if nanos <= m.lastNano {
		nanos = m.lastNano + 1
	}
	m.lastNano = nanos
	return ts, nanos
}

// Drain removes and returns every message in the agent's inbox, most urgent
// first. Concurrent drains of one inbox each receive a disjoint subset.
func (m *Mailbox) Drain(ctx context.Context, agentID string) ([]Message, error) {
	if err := agentid.Validate(agentID); err != nil {
		return nil, err
	}

	var drained []Message
	_, err := atomicstore.Update(ctx, m.store, m.Path(agentID), func(f *mailboxFile) error {
		f.normalise()
		if len(f.Messages) == 0 {
			return atomicstore.ErrNoChange
		}
		drained = f.Messages
		f.Messages = []Message{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain %s: %w", agentID, err)
	}

	if len(drained) > 0 {
		m.logger.Debug("inbox drained", "agent_id", agentID, "count", len(drained))
	}
	return sorted(drained), nil
}

// Peek returns the agent's inbox without removing anything.
func (m *Mailbox) Peek(ctx context.Context, agentID string) ([]Message, error) {
	f, err := m.read(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return sorted(f.Messages), nil
}

// Outbox returns the messages the agent has sent, oldest first.
func (m *Mailbox) Outbox(ctx context.Context, agentID string) ([]Message, error) {
	f, err := m.read(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return f.Outbox, nil
}

func (m *Mailbox) read(ctx context.Context, agentID string) (*mailboxFile, error) {
	if err := agentid.Validate(agentID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := &mailboxFile{}
	if err := m.store.Read(m.Path(agentID), f); err != nil {
		return nil, err
	}
	f.normalise()
	return f, nil
}

func sorted(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority < msgs[j].Priority
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs
}
