// SPDX-License-Identifier: GPL-3.0-or-later

//go:generate mockgen -destination=mocks/delivery.go -package=mocks . Dispatcher
package domain

import (
	"context"
	"strings"
	"time"
)

type AttemptOutcome string

const (
	AttemptSuccess          = AttemptOutcome("success")
	AttemptTransientFailure = AttemptOutcome("transient-failure")
	AttemptPermanentFailure = AttemptOutcome("permanent-failure")
)

// DeliveryAttempt is one physical send to the provider.
type DeliveryAttempt struct {
	ID        string
	MessageID string
	Sender    string
	Subject   string
	Attempt   int
	Timestamp time.Time
	Outcome   AttemptOutcome
	Latency   time.Duration
	Error     string

	ProviderMessageID string
	// Final is set on the attempt that ended the delivery.
	Final bool
}

func (a *DeliveryAttempt) Succeeded() bool {
	return a.Outcome == AttemptSuccess
}

type DeliveryRequest struct {
	MessageID string
	Sender    string
	Subject   string
	Text      string
}

type AttemptObserver func(attempt *DeliveryAttempt)

type Dispatcher interface {
	// Deliver sends req until it succeeds, fails permanently or runs out of
	// attempts and returns the final attempt. observe sees every attempt in
	// order. An error is only returned when ctx ended the delivery before a
	// final attempt was made.
	Deliver(ctx context.Context, req *DeliveryRequest, observe AttemptObserver) (*DeliveryAttempt, error)
	// Send performs exactly one attempt.
	Send(ctx context.Context, req *DeliveryRequest) (*DeliveryAttempt, error)
}

type TelegramConfig struct {
	BotToken string
	// ChatID is numeric or an @channel name.
	ChatID   string
	ThreadID int64
	APIURL   string

	DisableNotification bool
}

func (c TelegramConfig) Validate() error {
	if len(strings.TrimSpace(c.BotToken)) == 0 {
		return &ConfigError{Field: "bot token", Reason: "must not be empty"}
	}
	if len(strings.TrimSpace(c.ChatID)) == 0 {
		return &ConfigError{Field: "chat id", Reason: "must not be empty"}
	}
	return nil
}

type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration
	// RatePerSecond limits sends, zero disables limiting.
	RatePerSecond float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BackoffBase:   time.Second,
		BackoffMax:    30 * time.Second,
		Timeout:       15 * time.Second,
		RatePerSecond: 1,
	}
}

// Backoff returns the wait before attempt+1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	wait := p.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if p.BackoffMax > 0 && wait >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && wait > p.BackoffMax {
		return p.BackoffMax
	}
	return wait
}
