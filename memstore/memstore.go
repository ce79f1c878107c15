// SPDX-License-Identifier: GPL-3.0-or-later
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/CrawX/go-imap-notifier/domain"
)

// Store keeps dedup records, cursors and the ledger in memory. Nothing
// survives a restart.
type Store struct {
	mu       sync.RWMutex
	handled  map[string]domain.HandledOutcome
	cursors  map[string]domain.FolderCursor
	attempts []*domain.DeliveryAttempt
}

func New() *Store {
	return &Store{
		handled: map[string]domain.HandledOutcome{},
		cursors: map[string]domain.FolderCursor{},
	}
}

func (s *Store) Durability() domain.Durability {
	return domain.Ephemeral
}

func (s *Store) HasHandled(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.handled[messageID]
	return ok, nil
}

func (s *Store) MarkHandled(_ context.Context, messageID string, outcome domain.HandledOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handled[messageID]; !ok {
		s.handled[messageID] = outcome
	}
	return nil
}

func (s *Store) HandledOutcome(_ context.Context, messageID string) (domain.HandledOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.handled[messageID], nil
}

func (s *Store) LoadCursor(_ context.Context, folder string) (*domain.FolderCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cursor, ok := s.cursors[folder]
	if !ok {
		return nil, nil
	}
	return &cursor, nil
}

func (s *Store) SaveCursor(_ context.Context, cursor *domain.FolderCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[cursor.Folder] = *cursor
	return nil
}

func (s *Store) Append(_ context.Context, attempt *domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *attempt
	s.attempts = append(s.attempts, &stored)
	return nil
}

func (s *Store) Query(_ context.Context, filter domain.HistoryFilter) ([]*domain.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// newest first, insertion order breaks timestamp ties
	indexes := make([]int, len(s.attempts))
	for i := range indexes {
		indexes[i] = len(s.attempts) - 1 - i
	}
	sort.SliceStable(indexes, func(i, j int) bool {
		return s.attempts[indexes[i]].Timestamp.After(s.attempts[indexes[j]].Timestamp)
	})

	result := []*domain.DeliveryAttempt{}
	for _, i := range indexes {
		if !filter.Matches(s.attempts[i]) {
			continue
		}

		a := *s.attempts[i]
		result = append(result, &a)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}

	return result, nil
}

func (s *Store) Aggregate(_ context.Context) (*domain.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	aggregate := &domain.Aggregate{ByStatus: map[domain.AttemptOutcome]int{}}
	for _, a := range s.attempts {
		aggregate.Total++
		aggregate.ByStatus[a.Outcome]++
		if !a.Final {
			continue
		}
		if a.Succeeded() {
			aggregate.Delivered++
		} else {
			aggregate.Failed++
		}
	}

	return aggregate, nil
}
