// SPDX-License-Identifier: GPL-3.0-or-later
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/log"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "notifier"

// Store keeps dedup records and cursors of one mailbox namespace in redis so
// several notifier instances can share them.
type Store struct {
	client    redis.UniversalClient
	namespace string
	l         *logrus.Entry
}

func NewRedisStore(ctx context.Context, addr, password string, db int, namespace string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not ping redis: %w", err)
	}

	s := NewStoreWithClient(client, namespace)
	s.l.WithField("addr", addr).Info("Connected")
	return s, nil
}

func NewStoreWithClient(client redis.UniversalClient, namespace string) *Store {
	return &Store{
		client:    client,
		namespace: namespace,
		l:         log.Logger(log.LOG_REDIS).WithField("namespace", namespace),
	}
}

func (s *Store) Close() error {
	err := s.client.Close()
	if err != nil {
		return fmt.Errorf("could not close redis client: %w", err)
	}
	return nil
}

func (s *Store) handledKey(messageID string) string {
	return fmt.Sprintf("%s:%s:handled:%s", keyPrefix, s.namespace, messageID)
}

func (s *Store) cursorKey(folder string) string {
	return fmt.Sprintf("%s:%s:cursor:%s", keyPrefix, s.namespace, folder)
}

func (s *Store) Durability() domain.Durability {
	return domain.Durable
}

func (s *Store) HasHandled(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.handledKey(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("could not query redis: %w", err)
	}
	return n > 0, nil
}

func (s *Store) MarkHandled(ctx context.Context, messageID string, outcome domain.HandledOutcome) error {
	created, err := s.client.SetNX(ctx, s.handledKey(messageID), string(outcome), 0).Result()
	if err != nil {
		return fmt.Errorf("could not mark message handled: %w", err)
	}

	s.l.WithFields(logrus.Fields{"messageid": messageID, "outcome": outcome, "new": created}).Debug("Marked message handled")
	return nil
}

func (s *Store) HandledOutcome(ctx context.Context, messageID string) (domain.HandledOutcome, error) {
	outcome, err := s.client.Get(ctx, s.handledKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("could not query redis: %w", err)
	}
	return domain.HandledOutcome(outcome), nil
}

func (s *Store) LoadCursor(ctx context.Context, folder string) (*domain.FolderCursor, error) {
	fields, err := s.client.HGetAll(ctx, s.cursorKey(folder)).Result()
	if err != nil {
		return nil, fmt.Errorf("could not query redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	uidValidity, err := strconv.ParseUint(fields["uidvalidity"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("could not parse uidvalidity: %w", err)
	}
	lastUid, err := strconv.ParseUint(fields["lastuid"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("could not parse lastuid: %w", err)
	}
	since, err := strconv.ParseInt(fields["since"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("could not parse since: %w", err)
	}

	cursor := &domain.FolderCursor{
		Folder:      folder,
		UidValidity: uint32(uidValidity),
		LastUid:     uint32(lastUid),
	}
	if since != 0 {
		cursor.Since = time.Unix(0, since)
	}
	return cursor, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor *domain.FolderCursor) error {
	since := int64(0)
	if !cursor.Since.IsZero() {
		since = cursor.Since.UnixNano()
	}

	err := s.client.HSet(ctx, s.cursorKey(cursor.Folder),
		"uidvalidity", cursor.UidValidity,
		"lastuid", cursor.LastUid,
		"since", since,
	).Err()
	if err != nil {
		return fmt.Errorf("could not save cursor: %w", err)
	}
	return nil
}
