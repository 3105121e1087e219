// Package metrics exposes Prometheus collectors for tasks, the command cache
// and the command channel.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antonkrylov/wharf/internal/control/tasks"
	"github.com/antonkrylov/wharf/internal/transport"
)

const namespace = "wharf"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tasksSubmitted prometheus.Counter
	tasksFinished  *prometheus.CounterVec
	tasksInFlight  prometheus.Gauge
	taskDuration   prometheus.Histogram

	cacheLookups       *prometheus.CounterVec
	cacheInvalidations prometheus.Counter

	execTotal    *prometheus.CounterVec
	execDuration *prometheus.HistogramVec
}

// MustNewMetrics registers the collectors with reg and panics on conflicts.
// A nil reg uses the default registerer.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "submitted_total",
			Help:      "Tasks accepted by the registry.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal state, by state.",
		}, []string{"state"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "in_flight",
			Help:      "Tasks submitted but not yet terminal.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time from start to completion of a task.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Command cache lookups, by result.",
		}, []string{"result"}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidated_keys_total",
			Help:      "Cache keys dropped by invalidation.",
		}),
		execTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exec",
			Name:      "commands_total",
			Help:      "Commands run over the command channel, by transport and outcome.",
		}, []string{"transport", "outcome"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Wall time of single commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"}),
	}
	reg.MustRegister(
		m.tasksSubmitted, m.tasksFinished, m.tasksInFlight, m.taskDuration,
		m.cacheLookups, m.cacheInvalidations,
		m.execTotal, m.execDuration,
	)
	return m
}

// Attach hooks the task collectors into reg.
func (m *Metrics) Attach(reg *tasks.Registry) {
	if m == nil {
		return
	}
	reg.OnSubmit(func(tasks.Task) {
		m.tasksSubmitted.Inc()
		m.tasksInFlight.Inc()
	})
	reg.OnFinish(func(t tasks.Task) {
		m.tasksInFlight.Dec()
		m.tasksFinished.WithLabelValues(string(t.State)).Inc()
		if !t.Started.IsZero() && !t.Finished.IsZero() {
			m.taskDuration.Observe(t.Finished.Sub(t.Started).Seconds())
		}
	})
}

// CacheHit implements cache.Observer.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) CacheError() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("error").Inc()
}

func (m *Metrics) CacheInvalidated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheInvalidations.Add(float64(n))
}

// Instrument wraps exec so every command is counted and timed under the
// given transport label.
func (m *Metrics) Instrument(label string, exec transport.Executor) transport.Executor {
	if m == nil {
		return exec
	}
	return &instrumented{Executor: exec, label: label, m: m}
}

type instrumented struct {
	transport.Executor
	label string
	m     *Metrics
}

func (i *instrumented) Exec(ctx context.Context, command string, sink transport.Sink) (int, error) {
	start := time.Now()
	code, err := i.Executor.Exec(ctx, command, sink)
	i.m.execDuration.WithLabelValues(i.label).Observe(time.Since(start).Seconds())
	i.m.execTotal.WithLabelValues(i.label, outcome(code, err)).Inc()
	return code, err
}

func outcome(code int, err error) string {
	switch {
	case errors.Is(err, transport.ErrAuth):
		return "auth_error"
	case err != nil:
		return "transport_error"
	case code != 0:
		return "nonzero_exit"
	default:
		return "ok"
	}
}
