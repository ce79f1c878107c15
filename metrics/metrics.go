// SPDX-License-Identifier: GPL-3.0-or-later
package metrics

import (
	"github.com/CrawX/go-imap-notifier/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imap_notifier"

var states = []domain.PipelineState{
	domain.PipelineStopped,
	domain.PipelineConnecting,
	domain.PipelineRunning,
	domain.PipelineReconnecting,
	domain.PipelineStopping,
}

// Metrics collects pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	attempts   *prometheus.CounterVec
	handled    *prometheus.CounterVec
	duplicates prometheus.Counter
	reconnects prometheus.Counter
	latency    prometheus.Histogram
	queue      prometheus.Gauge
	state      *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Physical delivery attempts by outcome",
		}, []string{"outcome"}),
		handled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Messages that reached a terminal outcome",
		}, []string{"outcome"}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Messages skipped because they were already handled",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_reconnects_total",
			Help:      "Mailbox sessions lost and re-established",
		}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Latency of single delivery attempts",
			Buckets:   prometheus.DefBuckets,
		}),
		queue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Messages waiting for or in dispatch",
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "1 for the current pipeline state",
		}, []string{"state"}),
	}
}

func (m *Metrics) Attempt(a *domain.DeliveryAttempt) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(a.Outcome)).Inc()
	m.latency.Observe(a.Latency.Seconds())
}

func (m *Metrics) Handled(outcome domain.HandledOutcome) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Pending(n int) {
	if m == nil {
		return
	}
	m.queue.Set(float64(n))
}

func (m *Metrics) State(current domain.PipelineState) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}
