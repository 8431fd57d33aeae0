// Package metrics exposes Prometheus collectors for the tick loop, the log
// observer and the outbound transport.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"pulseline/internal/domain"
)

const namespace = "pulseline"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ticks       prometheus.Counter
	publishes   *prometheus.CounterVec
	escalations *prometheus.CounterVec
	matches     *prometheus.CounterVec
	tailBytes   prometheus.Counter
	jobs        *prometheus.GaugeVec
}

// New registers the collectors on reg (the default registerer when nil).
// Collectors that are already registered are reused so several instances can
// share one registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks run.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Briefing publish attempts by result.",
		}, []string{"result"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations fired per detection scope.",
		}, []string{"scope"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_matches_total",
			Help:      "Log lines matching an error signature.",
		}, []string{"scope", "category"}),
		tailBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tail_bytes_total",
			Help:      "Bytes read from the observed log.",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current jobs per state.",
		}, []string{"state"}),
	}
	m.ticks = register(reg, m.ticks)
	m.publishes = register(reg, m.publishes)
	m.escalations = register(reg, m.escalations)
	m.matches = register(reg, m.matches)
	m.tailBytes = register(reg, m.tailBytes)
	m.jobs = register(reg, m.jobs)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Tick counts one scheduler tick.
func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// Publish counts a publish attempt; result is sent, logged or failed.
func (m *Metrics) Publish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

// Escalation counts a fired escalation.
func (m *Metrics) Escalation(scope string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(scope).Inc()
}

// Matches adds per-category match counts for a scope.
func (m *Metrics) Matches(scope string, byCategory map[string]int) {
	if m == nil {
		return
	}
	for category, n := range byCategory {
		m.matches.WithLabelValues(scope, category).Add(float64(n))
	}
}

// TailBytes adds bytes read from the observed log.
func (m *Metrics) TailBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tailBytes.Add(float64(n))
}

// Jobs replaces the per-state job gauge.
func (m *Metrics) Jobs(counts map[domain.JobState]int) {
	if m == nil {
		return
	}
	for _, st := range domain.AllStates {
		m.jobs.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
