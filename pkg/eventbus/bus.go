// Package eventbus is an in-process publish/subscribe fan-out for task and
// agent lifecycle events.
//
// Delivery is synchronous: Publish invokes every handler subscribed to the
// event's topic (and every TopicAll handler) in subscription order before
// returning. A handler that panics or returns an error is logged and does not
// affect the publisher or the remaining handlers.
//
// The bus never crosses process boundaries. It is a notification channel for
// local listeners, not a coordination mechanism; agents in other processes
// only learn about changes through the task board files.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dyluth/burrow/internal/logging"
)

// Handler receives one event. Handlers must synchronise any shared state
// they touch.
type Handler func(Event) error

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID string

// HandlerError describes a handler that failed or panicked during delivery.
type HandlerError struct {
	Subscription SubscriptionID
	Topic        Topic
	Panic        any
	Err          error
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %s panicked on %s: %v", e.Subscription, e.Topic, e.Panic)
	}
	return fmt.Sprintf("handler %s failed on %s: %v", e.Subscription, e.Topic, e.Err)
}

// Unwrap returns the handler's error, if it returned one.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

type subscription struct {
	id      SubscriptionID
	topic   Topic
	handler Handler
}

// Bus fans events out to subscribed handlers. Construct it once per process
// and pass it to the components that publish or listen.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *log.Logger
}

// New creates an empty bus. A nil logger discards handler failures.
func New(logger *log.Logger) *Bus {
	return &Bus{logger: logging.Component(logger, "bus")}
}

// Subscribe registers handler for topic and returns its subscription id.
func (b *Bus) Subscribe(topic Topic, handler Handler) SubscriptionID {
	id := SubscriptionID(uuid.New().String())

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: handler})
	b.mu.Unlock()

	return id
}

// On subscribes a handler for one event variant, e.g.
//
//	eventbus.On(bus, func(ev eventbus.TaskClaimed) error { ... })
func On[E Event](b *Bus, fn func(E) error) SubscriptionID {
	var zero E
	return b.Subscribe(zero.Topic(), func(ev Event) error {
		typed, ok := ev.(E)
		if !ok {
			return fmt.Errorf("unexpected event type %T on %s", ev, zero.Topic())
		}
		return fn(typed)
	})
}

// Unsubscribe removes a subscription. Returns false if id is unknown.
// Events already being delivered may still reach the handler.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every matching handler and returns the failures,
// which have already been logged. Publishing on a nil bus is a no-op.
func (b *Bus) Publish(ev Event) []*HandlerError {
	if b == nil || ev == nil {
		return nil
	}
	topic := ev.Topic()

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == topic || s.topic == TopicAll {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	var failures []*HandlerError
	for _, s := range targets {
		if herr := b.deliver(s, ev); herr != nil {
			b.logger.Error("handler failed", "subscription", s.id, "topic", topic, "err", herr)
			failures = append(failures, herr)
		}
	}
	return failures
}

func (b *Bus) deliver(s subscription, ev Event) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			herr = &HandlerError{Subscription: s.id, Topic: ev.Topic(), Panic: r}
		}
	}()

	if err := s.handler(ev); err != nil {
		return &HandlerError{Subscription: s.id, Topic: ev.Topic(), Err: err}
	}
	return nil
}
