// SPDX-License-Identifier: GPL-3.0-or-later
package notifier

import (
	"fmt"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/metrics"
)

const (
	DefaultQueueDepth   = 64
	DefaultReconnectMin = time.Second
	DefaultReconnectMax = 5 * time.Minute
	DefaultEventLogSize = 200
)

type ConfigFunc func(c *configuration) error

// DryRun makes the pipeline observe new mail without forwarding or marking it.
func DryRun() ConfigFunc {
	return func(c *configuration) error {
		c.DryRun = true

		return nil
	}
}

func QueueDepth(depth int) ConfigFunc {
	return func(c *configuration) error {
		if depth < 1 {
			return fmt.Errorf("QueueDepth must be at least 1")
		}

		c.QueueDepth = depth
		return nil
	}
}

func ReconnectBackoff(min, max time.Duration) ConfigFunc {
	return func(c *configuration) error {
		if min <= 0 {
			return fmt.Errorf("ReconnectBackoff minimum must be positive")
		}
		if max < min {
			return fmt.Errorf("ReconnectBackoff maximum cannot be below the minimum")
		}

		c.ReconnectMin = min
		c.ReconnectMax = max
		return nil
	}
}

// SpamFilter drops mail the classifier considers spam instead of forwarding it.
func SpamFilter(classifier domain.SpamClassifier) ConfigFunc {
	return func(c *configuration) error {
		if classifier == nil {
			return fmt.Errorf("SpamFilter cannot be nil")
		}

		c.SpamFilter = classifier
		return nil
	}
}

func Metrics(m *metrics.Metrics) ConfigFunc {
	return func(c *configuration) error {
		c.Metrics = m
		return nil
	}
}

func EventLogSize(size int) ConfigFunc {
	return func(c *configuration) error {
		if size < 1 {
			return fmt.Errorf("EventLogSize must be at least 1")
		}

		c.EventLogSize = size
		return nil
	}
}

type configuration struct {
	DryRun bool

	QueueDepth   int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	EventLogSize int

	SpamFilter domain.SpamClassifier
	Metrics    *metrics.Metrics
}

func defaultConfiguration() *configuration {
	return &configuration{
		QueueDepth:   DefaultQueueDepth,
		ReconnectMin: DefaultReconnectMin,
		ReconnectMax: DefaultReconnectMax,
		EventLogSize: DefaultEventLogSize,
	}
}
