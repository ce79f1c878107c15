// SPDX-License-Identifier: GPL-3.0-or-later

//go:generate mockgen -destination=mocks/persistence.go -package=mocks . DedupStore,CursorStore,Ledger
package domain

import (
	"context"
	"strings"
	"time"
)

type HandledOutcome string

const (
	HandledDelivered = HandledOutcome("delivered")
	HandledFailed    = HandledOutcome("failed")
	HandledFiltered  = HandledOutcome("filtered")
)

type Durability string

const (
	Durable   = Durability("durable")
	Ephemeral = Durability("ephemeral")
)

type DedupStore interface {
	HasHandled(ctx context.Context, messageID string) (bool, error)
	// MarkHandled records the terminal outcome for messageID. Marking an
	// already handled id keeps the first record.
	MarkHandled(ctx context.Context, messageID string, outcome HandledOutcome) error
	Durability() Durability
}

type CursorStore interface {
	// LoadCursor returns nil without error for unknown folders.
	LoadCursor(ctx context.Context, folder string) (*FolderCursor, error)
	SaveCursor(ctx context.Context, cursor *FolderCursor) error
}

type HistoryFilter struct {
	Outcome AttemptOutcome
	// Search matches sender or subject.
	Search  string
	Sender  string
	Subject string
	From    time.Time
	Until   time.Time
	// FinalOnly drops intermediate retry attempts.
	FinalOnly bool
	Limit     int
}

func (f HistoryFilter) Matches(a *DeliveryAttempt) bool {
	if f.Outcome != "" && a.Outcome != f.Outcome {
		return false
	}
	if f.FinalOnly && !a.Final {
		return false
	}
	if len(f.Search) > 0 && !containsFold(a.Sender, f.Search) && !containsFold(a.Subject, f.Search) {
		return false
	}
	if len(f.Sender) > 0 && !containsFold(a.Sender, f.Sender) {
		return false
	}
	if len(f.Subject) > 0 && !containsFold(a.Subject, f.Subject) {
		return false
	}
	if !f.From.IsZero() && a.Timestamp.Before(f.From) {
		return false
	}
	if !f.Until.IsZero() && !a.Timestamp.Before(f.Until) {
		return false
	}

	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

type Aggregate struct {
	Total    int
	ByStatus map[AttemptOutcome]int
	// Delivered and Failed count deliveries, not attempts.
	Delivered int
	Failed    int
}

type Ledger interface {
	Append(ctx context.Context, attempt *DeliveryAttempt) error
	// Query returns matching attempts, newest first.
	Query(ctx context.Context, filter HistoryFilter) ([]*DeliveryAttempt, error)
	Aggregate(ctx context.Context) (*Aggregate, error)
}
