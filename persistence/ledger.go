// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type dbAttempt struct {
	Id                string
	MessageId         string
	Sender            string
	Subject           string
	Attempt           int
	Ts                int64
	Outcome           string
	Latency           int64
	Error             string
	ProviderMessageId string
	Final             bool
}

func toDbAttempt(a *domain.DeliveryAttempt) *dbAttempt {
	return &dbAttempt{
		Id:                a.ID,
		MessageId:         a.MessageID,
		Sender:            a.Sender,
		Subject:           a.Subject,
		Attempt:           a.Attempt,
		Ts:                a.Timestamp.UnixNano(),
		Outcome:           string(a.Outcome),
		Latency:           int64(a.Latency),
		Error:             a.Error,
		ProviderMessageId: a.ProviderMessageID,
		Final:             a.Final,
	}
}

func (d *dbAttempt) toDomain() *domain.DeliveryAttempt {
	return &domain.DeliveryAttempt{
		ID:                d.Id,
		MessageID:         d.MessageId,
		Sender:            d.Sender,
		Subject:           d.Subject,
		Attempt:           d.Attempt,
		Timestamp:         time.Unix(0, d.Ts),
		Outcome:           domain.AttemptOutcome(d.Outcome),
		Latency:           time.Duration(d.Latency),
		Error:             d.Error,
		ProviderMessageID: d.ProviderMessageId,
		Final:             d.Final,
	}
}

func (p *Persistence) Append(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	_, err := p.db.NamedExecContext(
		ctx,
		`INSERT INTO attempts (id, messageid, sender, subject, attempt, ts, outcome, latency, error, providermessageid, final)
		VALUES (:id, :messageid, :sender, :subject, :attempt, :ts, :outcome, :latency, :error, :providermessageid, :final)`,
		toDbAttempt(attempt),
	)
	if err != nil {
		return fmt.Errorf("could not append attempt: %w", err)
	}

	p.l.WithFields(logrus.Fields{"messageid": attempt.MessageID, "attempt": attempt.Attempt, "outcome": attempt.Outcome}).Debug("Appended attempt")
	return nil
}

// Query narrows by outcome and time in sql, text filters are applied while
// scanning so case folding matches HistoryFilter.Matches.
func (p *Persistence) Query(ctx context.Context, filter domain.HistoryFilter) ([]*domain.DeliveryAttempt, error) {
	where := []string{"1 = 1"}
	args := map[string]interface{}{}

	if filter.Outcome != "" {
		where = append(where, "outcome = :outcome")
		args["outcome"] = string(filter.Outcome)
	}
	if filter.FinalOnly {
		where = append(where, "final = 1")
	}
	if !filter.From.IsZero() {
		where = append(where, "ts >= :from")
		args["from"] = filter.From.UnixNano()
	}
	if !filter.Until.IsZero() {
		where = append(where, "ts < :until")
		args["until"] = filter.Until.UnixNano()
	}

	qry, qryArgs, err := sqlx.Named(
		`SELECT id, messageid, sender, subject, attempt, ts, outcome, latency, error, providermessageid, final
		FROM attempts WHERE `+strings.Join(where, " AND ")+` ORDER BY ts DESC, seq DESC`,
		args,
	)
	if err != nil {
		return nil, fmt.Errorf("could not create query: %w", err)
	}

	rows, err := p.db.QueryxContext(ctx, qry, qryArgs...)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}
	defer rows.Close()

	attempts := []*domain.DeliveryAttempt{}
	for rows.Next() {
		dbAttempt := &dbAttempt{}
		err = rows.StructScan(dbAttempt)
		if err != nil {
			return nil, fmt.Errorf("could not scan attempt: %w", err)
		}

		attempt := dbAttempt.toDomain()
		if !filter.Matches(attempt) {
			continue
		}

		attempts = append(attempts, attempt)
		if filter.Limit > 0 && len(attempts) >= filter.Limit {
			break
		}
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate attempts: %w", err)
	}

	return attempts, nil
}

func (p *Persistence) Aggregate(ctx context.Context) (*domain.Aggregate, error) {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("could not start transaction: %w", err)
	}

	byStatus := []struct {
		Outcome string
		Count   int
	}{}
	err = tx.SelectContext(ctx, &byStatus, `SELECT outcome, COUNT(*) AS count FROM attempts GROUP BY outcome`)
	if err != nil {
		return nil, txEnd(tx, fmt.Errorf("could not query db: %w", err))
	}

	finals := struct {
		Delivered sql.NullInt64
		Failed    sql.NullInt64
	}{}
	err = tx.GetContext(
		ctx,
		&finals,
		`SELECT SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END) AS delivered,
			SUM(CASE WHEN outcome != ? THEN 1 ELSE 0 END) AS failed
		FROM attempts WHERE final = 1`,
		string(domain.AttemptSuccess),
		string(domain.AttemptSuccess),
	)
	if err != nil {
		return nil, txEnd(tx, fmt.Errorf("could not query db: %w", err))
	}

	if err = txEnd(tx, nil); err != nil {
		return nil, err
	}

	aggregate := &domain.Aggregate{
		ByStatus:  map[domain.AttemptOutcome]int{},
		Delivered: int(finals.Delivered.Int64),
		Failed:    int(finals.Failed.Int64),
	}
	for _, s := range byStatus {
		aggregate.ByStatus[domain.AttemptOutcome(s.Outcome)] = s.Count
		aggregate.Total += s.Count
	}

	return aggregate, nil
}
