// SPDX-License-Identifier: GPL-3.0-or-later
package spamassassin

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/log"

	"github.com/sirupsen/logrus"
	"github.com/teamwork/spamc"
)

const SpamAssassinTimeout = 20 * time.Second

type SpamAssassin struct {
	client *spamc.Client
	l      *logrus.Entry
}

func NewSpamassassin(host string) (*SpamAssassin, error) {
	client := spamc.New(host, &net.Dialer{
		Timeout: SpamAssassinTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), SpamAssassinTimeout)
	defer cancel()
	err := client.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not ping SpamAssassin: %w", err)
	}

	return &SpamAssassin{
		client: client,
		l:      log.Logger(log.LOG_CLASSIFIER).WithField("backend", "spamassassin"),
	}, nil
}

// Check asks spamd for the verdict. The rewritten message spamd returns is
// discarded.
func (sa *SpamAssassin) Check(rawMail []byte) *domain.SpamResult {
	ctx, cancel := context.WithTimeout(context.Background(), SpamAssassinTimeout)
	defer cancel()

	out, err := sa.client.Process(ctx, bytes.NewReader(rawMail), nil)
	if err != nil {
		return errResult(fmt.Errorf("could not check SpamAssassin: %w", err))
	}

	err = out.Message.Close()
	if err != nil {
		return errResult(fmt.Errorf("could not close response: %w", err))
	}

	sa.l.WithFields(logrus.Fields{"spam": out.IsSpam, "score": out.Score}).Debug("Checked mail")
	return &domain.SpamResult{
		IsSpam: out.IsSpam,
		Score:  out.Score,
	}
}

func errResult(err error) *domain.SpamResult {
	return &domain.SpamResult{Error: err}
}
