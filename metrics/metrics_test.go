// SPDX-License-Identifier: GPL-3.0-or-later
package metrics

import (
	"testing"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Attempt(&domain.DeliveryAttempt{Outcome: domain.AttemptTransientFailure, Latency: time.Second})
	m.Attempt(&domain.DeliveryAttempt{Outcome: domain.AttemptSuccess, Latency: time.Second})
	m.Handled(domain.HandledDelivered)
	m.Duplicate()
	m.Reconnect()
	m.Reconnect()
	m.Pending(4)
	m.State(domain.PipelineRunning)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("transient-failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handled.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queue))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("stopped")))

	m.State(domain.PipelineStopped)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("stopped")))
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Attempt(&domain.DeliveryAttempt{})
		m.Handled(domain.HandledFailed)
		m.Duplicate()
		m.Reconnect()
		m.Pending(1)
		m.State(domain.PipelineRunning)
	})
}
