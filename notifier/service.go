// SPDX-License-Identifier: GPL-3.0-or-later
package notifier

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/export"
	"github.com/CrawX/go-imap-notifier/log"
	"github.com/CrawX/go-imap-notifier/render"

	"github.com/sirupsen/logrus"
)

const TestMessageText = "✅ Test notification from go-imap-notifier\n\nYour bot token and chat are configured correctly."

// StoreFunc opens the dedup and cursor store of one mailbox namespace.
type StoreFunc func(namespace string) (domain.DedupStore, domain.CursorStore, error)

// DispatcherFunc creates a dispatcher for a chat configuration.
type DispatcherFunc func(cfg domain.TelegramConfig) (domain.Dispatcher, error)

// Service is the api the cli and any other frontend drive. It runs at most
// one pipeline at a time.
type Service struct {
	connectors  map[domain.Protocol]domain.MailboxConnector
	stores      StoreFunc
	ledger      domain.Ledger
	dispatchers DispatcherFunc
	events      *EventLog

	configuration *configuration

	mu       sync.Mutex
	pipeline *Pipeline

	l *logrus.Logger
}

func NewService(connectors map[domain.Protocol]domain.MailboxConnector, stores StoreFunc, ledger domain.Ledger, dispatchers DispatcherFunc, configFunc ...ConfigFunc) (*Service, error) {
	config := defaultConfiguration()
	for _, f := range configFunc {
		err := f(config)
		if err != nil {
			return nil, fmt.Errorf("error applying configuration: %w", err)
		}
	}

	return &Service{
		connectors:    connectors,
		stores:        stores,
		ledger:        ledger,
		dispatchers:   dispatchers,
		events:        NewEventLog(config.EventLogSize),
		configuration: config,
		l:             log.Logger(log.LOG_NOTIFIER),
	}, nil
}

func (s *Service) connector(creds domain.MailboxCredentials) (domain.MailboxConnector, error) {
	connector, ok := s.connectors[creds.Protocol]
	if !ok {
		return nil, &domain.ConfigError{Field: "protocol", Reason: fmt.Sprintf("no connector for %q", creds.Protocol)}
	}
	return connector, nil
}

func normalizeCredentials(creds domain.MailboxCredentials) (domain.MailboxCredentials, error) {
	creds = creds.WithDefaults()
	if creds.Protocol == domain.ProtocolPop3 {
		creds.Folder = domain.DefaultFolder
	}
	if err := creds.Validate(); err != nil {
		return creds, err
	}
	return creds, nil
}

// StartPipeline validates the configuration and starts watching the mailbox.
// Errors in the configuration are returned right away, connection problems
// show up in GetConnectionStatus.
func (s *Service) StartPipeline(creds domain.MailboxCredentials, telegramConfig domain.TelegramConfig, templateConfig domain.TemplateConfig) (domain.PipelineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipeline != nil && s.pipeline.State() != domain.PipelineStopped {
		return s.pipeline.State(), ErrPipelineActive
	}

	creds, err := normalizeCredentials(creds)
	if err != nil {
		return domain.PipelineStopped, err
	}
	connector, err := s.connector(creds)
	if err != nil {
		return domain.PipelineStopped, err
	}
	template, err := render.Parse(templateConfig)
	if err != nil {
		return domain.PipelineStopped, err
	}
	if err := telegramConfig.Validate(); err != nil {
		return domain.PipelineStopped, err
	}
	dispatcher, err := s.dispatchers(telegramConfig)
	if err != nil {
		return domain.PipelineStopped, fmt.Errorf("could not create dispatcher: %w", err)
	}
	dedup, cursors, err := s.stores(creds.Namespace())
	if err != nil {
		return domain.PipelineStopped, fmt.Errorf("could not open stores: %w", err)
	}

	p := &Pipeline{
		creds:      creds,
		connector:  connector,
		dedup:      dedup,
		cursors:    cursors,
		ledger:     s.ledger,
		dispatcher: dispatcher,
		template:   template,
		events:     s.events,
		cfg:        s.configuration,
		state:      domain.PipelineStopped,
		l:          s.l.WithField("mailbox", creds.Namespace()),
	}
	if err := p.Start(); err != nil {
		return p.State(), err
	}
	s.pipeline = p

	return p.State(), nil
}

func (s *Service) StopPipeline() domain.PipelineState {
	s.mu.Lock()
	p := s.pipeline
	s.mu.Unlock()

	if p == nil {
		return domain.PipelineStopped
	}
	return p.Stop()
}

// Pipeline returns the current pipeline, nil before the first start.
func (s *Service) Pipeline() *Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline
}

// TestMailboxConnection connects, selects the folder and logs out again.
func (s *Service) TestMailboxConnection(ctx context.Context, creds domain.MailboxCredentials) error {
	creds, err := normalizeCredentials(creds)
	if err != nil {
		return err
	}
	connector, err := s.connector(creds)
	if err != nil {
		return err
	}

	logger := s.l.WithField("mailbox", creds.Namespace())
	session, err := connector.Connect(ctx, creds)
	if err != nil {
		logger.WithField("error", err).Warn("Mailbox connection test failed")
		s.events.Add(EventWarning, "", fmt.Sprintf("Mailbox connection test failed: %v", err))
		return err
	}
	defer session.Close()

	_, err = session.Open(ctx, nil)
	if err != nil {
		logger.WithField("error", err).Warn("Mailbox connection test could not open folder")
		s.events.Add(EventWarning, "", fmt.Sprintf("Mailbox connection test failed: %v", err))
		return err
	}

	logger.Info("Mailbox connection test succeeded")
	s.events.Add(EventInfo, "", fmt.Sprintf("Mailbox connection test to %s succeeded", creds.Address()))
	return nil
}

// TestDelivery sends one test message. The attempt is not written to the
// ledger.
func (s *Service) TestDelivery(ctx context.Context, telegramConfig domain.TelegramConfig) (*domain.DeliveryAttempt, error) {
	if err := telegramConfig.Validate(); err != nil {
		return nil, err
	}
	dispatcher, err := s.dispatchers(telegramConfig)
	if err != nil {
		return nil, fmt.Errorf("could not create dispatcher: %w", err)
	}

	attempt, err := dispatcher.Send(ctx, &domain.DeliveryRequest{
		MessageID: "test",
		Subject:   "Test notification",
		Text:      TestMessageText,
	})
	if err != nil {
		s.l.WithField("error", err).Warn("Test delivery failed")
		s.events.Add(EventWarning, "", fmt.Sprintf("Test delivery failed: %v", err))
		return attempt, err
	}

	s.l.WithField("latency", attempt.Latency).Info("Test delivery succeeded")
	s.events.Add(EventInfo, "", "Test delivery succeeded")
	return attempt, nil
}

func (s *Service) QueryHistory(ctx context.Context, filter domain.HistoryFilter) ([]*domain.DeliveryAttempt, error) {
	attempts, err := s.ledger.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("could not query history: %w", err)
	}
	return attempts, nil
}

func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	aggregate, err := s.ledger.Aggregate(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not aggregate history: %w", err)
	}

	stats := &Stats{
		Sent:     aggregate.Delivered,
		Failed:   aggregate.Failed,
		Attempts: aggregate.Total,
	}
	if p := s.Pipeline(); p != nil && p.State() != domain.PipelineStopped {
		stats.Pending = p.Pending()
	}
	stats.Total = stats.Sent + stats.Failed + stats.Pending

	return stats, nil
}

func (s *Service) GetConnectionStatus() ConnectionStatus {
	p := s.Pipeline()
	if p == nil {
		return stoppedStatus()
	}
	return p.Status()
}

func (s *Service) RecentEvents(n int) []Event {
	return s.events.Recent(n)
}

func (s *Service) ExportHistory(ctx context.Context, w io.Writer, format export.Format, filter domain.HistoryFilter) error {
	attempts, err := s.QueryHistory(ctx, filter)
	if err != nil {
		return err
	}

	err = export.Write(w, format, attempts)
	if err != nil {
		return fmt.Errorf("could not export history: %w", err)
	}
	return nil
}
