// SPDX-License-Identifier: GPL-3.0-or-later
package notifier

import (
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
)

type MailboxState string

const (
	MailboxDisconnected = MailboxState("disconnected")
	MailboxConnecting   = MailboxState("connecting")
	MailboxConnected    = MailboxState("connected")
	MailboxError        = MailboxState("error")
)

type DeliveryState string

const (
	// DeliveryIdle means nothing was sent since the pipeline started.
	DeliveryIdle     = DeliveryState("idle")
	DeliveryOk       = DeliveryState("ok")
	DeliveryRetrying = DeliveryState("retrying")
	DeliveryFailing  = DeliveryState("failing")
)

type MailboxStatus struct {
	State          MailboxState
	LastCheck      time.Time
	ConnectedSince time.Time
	Error          string
}

type DeliveryStatus struct {
	State       DeliveryState
	LastAttempt time.Time
	Error       string
}

type ConnectionStatus struct {
	Mailbox  MailboxStatus
	Delivery DeliveryStatus
	Pipeline domain.PipelineState
	Uptime   time.Duration
}

// Stats counts messages, not attempts. Total is Sent + Failed + Pending.
type Stats struct {
	Total    int
	Sent     int
	Failed   int
	Pending  int
	Attempts int
}

func stoppedStatus() ConnectionStatus {
	return ConnectionStatus{
		Mailbox:  MailboxStatus{State: MailboxDisconnected},
		Delivery: DeliveryStatus{State: DeliveryIdle},
		Pipeline: domain.PipelineStopped,
	}
}
