// Package metrics exports board and agent activity as Prometheus metrics.
//
// Counters are fed by subscribing to the event bus; board sizes are read
// from the board files at scrape time.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/eventbus"
)

const namespace = "burrow"

// Metrics holds every burrow collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TaskEvents       *prometheus.CounterVec
	TaskFailureCount prometheus.Histogram
	StalledIdle      prometheus.Histogram
	Heartbeats       *prometheus.CounterVec
	LastHeartbeat    *prometheus.GaugeVec
	MessagesSent     prometheus.Counter
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "board",
			Name:      "task_events_total",
			Help:      "Task lifecycle transitions, labelled by event type.",
		}, []string{"event"}),

		TaskFailureCount: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "board",
			Name:      "task_failure_count",
			Help:      "failure_count of tasks at the time they were released or failed.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),

		StalledIdle: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "stalled_idle_seconds",
			Help:      "How long stalled tasks had gone without an update when flagged.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
		}),

		Heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received, labelled by agent.",
		}, []string{"agent"}),

		LastHeartbeat: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "last_heartbeat_timestamp_seconds",
			Help:      "Unix time of the latest heartbeat, labelled by agent.",
		}, []string{"agent"}),

		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "messages_sent_total",
			Help:      "Messages delivered between agents.",
		}),
	}
}

// Registry returns the registry holding every burrow collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Attach subscribes the collectors to every event on bus.
func (m *Metrics) Attach(bus *eventbus.Bus) eventbus.SubscriptionID {
	return bus.Subscribe(eventbus.TopicAll, func(ev eventbus.Event) error {
		m.Observe(ev)
		return nil
	})
}

// Observe records one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch e := ev.(type) {
	case eventbus.TaskClaimed:
		m.TaskEvents.WithLabelValues("claimed").Inc()
	case eventbus.TaskCompleted:
		m.TaskEvents.WithLabelValues("completed").Inc()
	case eventbus.TaskFailed:
		m.TaskEvents.WithLabelValues("failed").Inc()
		m.TaskFailureCount.Observe(float64(e.FailureCount))
	case eventbus.TaskReleased:
		m.TaskEvents.WithLabelValues("released").Inc()
		m.TaskFailureCount.Observe(float64(e.FailureCount))
	case eventbus.TaskStalled:
		m.TaskEvents.WithLabelValues("stalled").Inc()
		m.StalledIdle.Observe(e.Idle.Seconds())
	case eventbus.AgentHeartbeat:
		m.Heartbeats.WithLabelValues(e.AgentID).Inc()
		m.LastHeartbeat.WithLabelValues(e.AgentID).Set(float64(e.Timestamp.UnixNano()) / float64(time.Second))
	case eventbus.MessageSent:
		m.MessagesSent.Inc()
	}
}

// TaskLister is the read side of the claim manager.
type TaskLister interface {
	GetAllTasks(ctx context.Context, kind board.Kind) ([]board.Task, error)
}

// WatchBoard registers a collector that reports task counts per board and
// status at scrape time.
func (m *Metrics) WatchBoard(tasks TaskLister) error {
	return m.registry.Register(newBoardCollector(tasks))
}

type boardCollector struct {
	tasks   TaskLister
	count   *prometheus.Desc
	errDesc *prometheus.Desc
}

func newBoardCollector(tasks TaskLister) *boardCollector {
	return &boardCollector{
		tasks: tasks,
		count: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "board", "tasks"),
			"Tasks currently on each board, labelled by board and status.",
			[]string{"board", "status"}, nil,
		),
		errDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "board", "read_errors"),
			"1 if the board could not be read during this scrape.",
			[]string{"board"}, nil,
		),
	}
}

func (c *boardCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.count
	ch <- c.errDesc
}

func (c *boardCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, kind := range board.Kinds {
		tasks, err := c.tasks.GetAllTasks(ctx, kind)
		failed := 0.0
		if err != nil {
			failed = 1
		}
		ch <- prometheus.MustNewConstMetric(c.errDesc, prometheus.GaugeValue, failed, string(kind))
		if err != nil {
			continue
		}

		counts := make(map[board.Status]int)
		for _, t := range tasks {
			counts[t.Status]++
		}
		for status, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.count, prometheus.GaugeValue, float64(n), string(kind), string(status))
		}
	}
}
