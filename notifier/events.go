// SPDX-License-Identifier: GPL-3.0-or-later
package notifier

import (
	"sync"
	"time"
)

type EventLevel string

const (
	EventInfo    = EventLevel("info")
	EventWarning = EventLevel("warning")
	EventError   = EventLevel("error")
)

// Event is one entry of the operator facing activity feed.
type Event struct {
	Time      time.Time
	Level     EventLevel
	Message   string
	MessageID string
}

// EventLog keeps the most recent events in a fixed size ring.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	now    func() time.Time
}

func NewEventLog(size int) *EventLog {
	if size < 1 {
		size = 1
	}
	return &EventLog{
		events: make([]Event, size),
		now:    time.Now,
	}
}

func (e *EventLog) Add(level EventLevel, messageID, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events[e.next] = Event{
		Time:      e.now(),
		Level:     level,
		Message:   message,
		MessageID: messageID,
	}
	e.next = (e.next + 1) % len(e.events)
	if e.next == 0 {
		e.full = true
	}
}

// Recent returns up to n events, newest first. n <= 0 returns all.
func (e *EventLog) Recent(n int) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := e.next
	if e.full {
		count = len(e.events)
	}
	if n <= 0 || n > count {
		n = count
	}

	result := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (e.next - i + len(e.events)) % len(e.events)
		result = append(result, e.events[idx])
	}
	return result
}
