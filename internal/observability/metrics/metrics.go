// Package metrics exposes relay activity as Prometheus collectors.
//
// Counters are fed from the event bus (relay.*, notifier.*, task.*); queue
// depth and drop counts are read on scrape through GaugeFunc and
// CounterFunc. Collectors live in a private registry so tests and multiple
// instances do not collide.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/notifier"
	"tgrelay/internal/relay"
	"tgrelay/internal/task/scheduler"
)

// Sources are read on every scrape. Nil funcs are skipped.
type Sources struct {
	Relay          func() relay.Stats
	BusDropped     func() uint64
	UpdatesDropped func() uint64
	Posts          func() (accepted, skipped uint64)
}

type Metrics struct {
	reg *prometheus.Registry

	submissions *prometheus.CounterVec
	items       prometheus.Counter
	publishTook prometheus.Histogram
	notices     *prometheus.CounterVec
	tasks       *prometheus.CounterVec
	taskTook    *prometheus.HistogramVec
}

func New(src Sources) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgrelay_submissions_total",
			Help: "Submission state transitions.",
		}, []string{"state"}),
		items: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tgrelay_published_items_total",
			Help: "Media items published to X.",
		}),
		publishTook: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tgrelay_publish_duration_seconds",
			Help:    "Time to publish one thread, successful or not.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgrelay_notifications_total",
			Help: "Operator notifications by outcome.",
		}, []string{"outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgrelay_task_runs_total",
			Help: "Housekeeping job runs.",
		}, []string{"name", "result"}),
		taskTook: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tgrelay_task_duration_seconds",
			Help:    "Housekeeping job duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submissions, m.items, m.publishTook, m.notices, m.tasks, m.taskTook,
	)

	if src.Relay != nil {
		stat := func(pick func(relay.Stats) int) func() float64 {
			return func() float64 { return float64(pick(src.Relay())) }
		}
		m.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "tgrelay_queue_scheduled", Help: "Scheduled submissions, in-flight included."},
				stat(func(s relay.Stats) int { return s.Scheduled })),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "tgrelay_queue_awaiting_approval", Help: "Submissions waiting for an operator decision."},
				stat(func(s relay.Stats) int { return s.AwaitingApproval })),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "tgrelay_open_groups", Help: "Albums still collecting items."},
				stat(func(s relay.Stats) int { return s.Groups })),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "tgrelay_pending_fingerprint_commits", Help: "Published fingerprints not yet persisted."},
				stat(func(s relay.Stats) int { return s.PendingCommits })),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "tgrelay_next_fire_timestamp_seconds", Help: "Unix time of the next scheduled publish, 0 when idle."},
				func() float64 {
					if at := src.Relay().NextFire; !at.IsZero() {
						return float64(at.Unix())
					}
					return 0
				}),
		)
	}
	counter := func(name, help string, fn func() uint64) {
		if fn == nil {
			return
		}
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(fn()) }))
	}
	counter("tgrelay_bus_dropped_events_total", "Events dropped because a subscriber was full.", src.BusDropped)
	counter("tgrelay_telegram_dropped_updates_total", "Telegram updates dropped because the router was busy.", src.UpdatesDropped)
	if src.Posts != nil {
		counter("tgrelay_channel_posts_accepted_total", "Channel posts queued for ingest.", func() uint64 { a, _ := src.Posts(); return a })
		counter("tgrelay_channel_posts_skipped_total", "Channel posts ignored (foreign chat, text only, queue full).", func() uint64 { _, s := src.Posts(); return s })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256, "relay.", "notifier.", "task.")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe updates counters for one event. Unknown topics are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case relay.LifecycleEvent:
		m.submissions.WithLabelValues(string(data.State)).Inc()
		if ev.Type == relay.TopicPublished || ev.Type == relay.TopicFailed {
			m.publishTook.Observe(data.Took.Seconds())
		}
		if ev.Type == relay.TopicPublished {
			m.items.Add(float64(data.Items))
		}
	case notifier.NotificationEvent:
		m.notices.WithLabelValues(strings.TrimPrefix(ev.Type, "notifier.")).Inc()
	case scheduler.TaskEvent:
		result := "ok"
		if data.Error != "" {
			result = "error"
		}
		m.tasks.WithLabelValues(data.Name, result).Inc()
		m.taskTook.WithLabelValues(data.Name).Observe(data.Took.Seconds())
	}
}
