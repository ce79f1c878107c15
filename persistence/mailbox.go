// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"

	"github.com/sirupsen/logrus"
)

// MailboxStore is the dedup and cursor view of one mailbox namespace.
type MailboxStore struct {
	p         *Persistence
	namespace string
	l         *logrus.Entry
}

func (p *Persistence) Mailbox(namespace string) *MailboxStore {
	return &MailboxStore{
		p:         p,
		namespace: namespace,
		l:         p.l.WithField("namespace", namespace),
	}
}

func (m *MailboxStore) Durability() domain.Durability {
	return domain.Durable
}

func (m *MailboxStore) HasHandled(ctx context.Context, messageID string) (bool, error) {
	count := 0
	err := m.p.db.GetContext(
		ctx,
		&count,
		`SELECT COUNT(*) FROM handled WHERE namespace = ? AND messageid = ?`,
		m.namespace,
		messageID,
	)
	if err != nil {
		return false, fmt.Errorf("could not query db: %w", err)
	}

	return count > 0, nil
}

func (m *MailboxStore) MarkHandled(ctx context.Context, messageID string, outcome domain.HandledOutcome) error {
	result, err := m.p.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO handled (namespace, messageid, outcome, seen) VALUES (?, ?, ?, ?)`,
		m.namespace,
		messageID,
		string(outcome),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("could not mark message handled: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get num of affected rows: %w", err)
	}

	m.l.WithFields(logrus.Fields{"messageid": messageID, "outcome": outcome, "new": affected == 1}).Debug("Marked message handled")
	return nil
}

// HandledOutcome returns the recorded outcome, empty if messageID is unknown.
func (m *MailboxStore) HandledOutcome(ctx context.Context, messageID string) (domain.HandledOutcome, error) {
	outcome := ""
	err := m.p.db.GetContext(
		ctx,
		&outcome,
		`SELECT outcome FROM handled WHERE namespace = ? AND messageid = ?`,
		m.namespace,
		messageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("could not query db: %w", err)
	}

	return domain.HandledOutcome(outcome), nil
}

func (m *MailboxStore) LoadCursor(ctx context.Context, folder string) (*domain.FolderCursor, error) {
	dbFolder := struct {
		Name        string
		UidValidity uint32
		LastUid     uint32
		Since       int64
	}{}

	err := m.p.db.GetContext(
		ctx,
		&dbFolder,
		`SELECT name, uidvalidity, lastuid, since FROM folders WHERE namespace = ? AND name = ?`,
		m.namespace,
		folder,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	cursor := &domain.FolderCursor{
		Folder:      dbFolder.Name,
		UidValidity: dbFolder.UidValidity,
		LastUid:     dbFolder.LastUid,
	}
	if dbFolder.Since != 0 {
		cursor.Since = time.Unix(0, dbFolder.Since)
	}

	return cursor, nil
}

func (m *MailboxStore) SaveCursor(ctx context.Context, cursor *domain.FolderCursor) error {
	since := int64(0)
	if !cursor.Since.IsZero() {
		since = cursor.Since.UnixNano()
	}

	_, err := m.p.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO folders (namespace, name, uidvalidity, lastuid, since) VALUES (?, ?, ?, ?, ?)`,
		m.namespace,
		cursor.Folder,
		cursor.UidValidity,
		cursor.LastUid,
		since,
	)
	if err != nil {
		return fmt.Errorf("could not save folder: %w", err)
	}

	m.l.WithFields(logrus.Fields{"Name": cursor.Folder, "UidValidity": cursor.UidValidity, "LastUid": cursor.LastUid}).Debug("Persisted folder")
	return nil
}
