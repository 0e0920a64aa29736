// Package relay forwards bus events to Redis Pub/Sub so that processes
// other than the one doing the work can watch activity.
//
// The relay is observability only. Nothing in burrow reads coordination
// state from Redis; if Redis is down, events are dropped and logged.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/eventbus"
)

const (
	// queueSize bounds the number of events waiting to be published.
	queueSize = 256

	publishTimeout = 2 * time.Second
)

// EventsChannel returns the Pub/Sub channel for an instance.
// Channel pattern: burrow:{instance}:events
func EventsChannel(instance string) string {
	return fmt.Sprintf("burrow:%s:events", instance)
}

// Relay publishes events for one instance.
// It is safe for concurrent use.
type Relay struct {
	rdb      *redis.Client
	instance string
	logger   *log.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan eventbus.Event
	done   chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a relay for the instance and starts its forwarding goroutine.
func New(redisOpts *redis.Options, instance string, logger *log.Logger) (*Relay, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	r := &Relay{
		rdb:      redis.NewClient(redisOpts),
		instance: instance,
		logger:   logging.Component(logger, "relay").With("instance", instance),
		queue:    make(chan eventbus.Event, queueSize),
		done:     make(chan struct{}),
	}
	go r.forward()
	return r, nil
}

// NewFromURL parses a redis:// URL and creates a relay.
func NewFromURL(url, instance string, logger *log.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return New(opts, instance, logger)
}

// Ping verifies Redis connectivity.
func (r *Relay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Published returns the number of events handed to Redis.
func (r *Relay) Published() int64 { return r.published.Load() }

// Dropped returns the number of events discarded because the queue was full
// or Redis rejected them.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Attach forwards every event published on bus. The bus handler only
// enqueues; publishing happens on the relay's goroutine.
func (r *Relay) Attach(bus *eventbus.Bus) eventbus.SubscriptionID {
	return bus.Subscribe(eventbus.TopicAll, func(ev eventbus.Event) error {
		r.enqueue(ev)
		return nil
	})
}

func (r *Relay) enqueue(ev eventbus.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}

	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		r.logger.Warn("relay queue full, dropping event", "type", ev.Topic())
	}
}

func (r *Relay) forward() {
	defer close(r.done)
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := r.Publish(ctx, ev)
		cancel()
		if err != nil {
			r.dropped.Add(1)
			r.logger.Warn("failed to relay event", "type", ev.Topic(), "err", err)
		}
	}
}

// Publish sends one event synchronously.
func (r *Relay) Publish(ctx context.Context, ev eventbus.Event) error {
	payload, err := eventbus.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, EventsChannel(r.instance), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Topic(), err)
	}
	r.published.Add(1)
	return nil
}

// Close flushes queued events and closes the Redis connection. Safe to call
// multiple times.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return r.rdb.Close()
}

// Subscription represents an active Pub/Sub subscription to relayed events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan eventbus.Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of decoded events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan eventbus.Event {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors; the offending message is skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe listens for relayed events on the instance channel. It returns
// once Redis has confirmed the subscription.
//
// Events are delivered on a buffered channel (size 10). Redis Pub/Sub is
// at-most-once: a slow subscriber may miss events.
func (r *Relay) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, EventsChannel(r.instance))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", EventsChannel(r.instance), err)
	}

	eventsChan := make(chan eventbus.Event, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				ev, err := decode(msg.Payload)
				if err != nil {
					select {
					case errorsChan <- err:
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

func decode(payload string) (eventbus.Event, error) {
	var env eventbus.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal relayed event: %w", err)
	}
	return env.Decode()
}
