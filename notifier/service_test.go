// SPDX-License-Identifier: GPL-3.0-or-later
package notifier

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/domain/mocks"
	"github.com/CrawX/go-imap-notifier/export"
	"github.com/CrawX/go-imap-notifier/log"
	"github.com/CrawX/go-imap-notifier/memstore"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	log.InitLogging("error")
	tests := []struct {
		name string
		cfgs []ConfigFunc
		err  string
	}{
		{"ok", []ConfigFunc{}, ""},
		{"queue", []ConfigFunc{QueueDepth(0)}, "error applying configuration: QueueDepth must be at least 1"},
		{"spam filter", []ConfigFunc{SpamFilter(nil)}, "error applying configuration: SpamFilter cannot be nil"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			service, err := NewService(nil, nil, nil, nil, tc.cfgs...)
			if len(tc.err) == 0 {
				assert.NotNil(t, service)
				assert.NoError(t, err)
			} else {
				assert.Nil(t, service)
				assert.EqualError(t, err, tc.err)
			}
		})
	}
}

func TestStartPipeline_Validation(t *testing.T) {
	pop3 := testCreds
	pop3.Protocol = domain.ProtocolPop3

	noHost := testCreds
	noHost.Host = ""

	tests := []struct {
		name     string
		creds    domain.MailboxCredentials
		telegram domain.TelegramConfig
		template domain.TemplateConfig
		check    func(error) bool
	}{
		{"missing host", noHost, testTelegram, testTemplate, domain.IsConfigError},
		{"no connector", pop3, testTelegram, testTemplate, domain.IsConfigError},
		{"template without placeholder", testCreds, testTelegram, domain.TemplateConfig{Text: "hello"}, domain.IsTemplateConfigError},
		{"missing chat", testCreds, domain.TelegramConfig{BotToken: "123:abc"}, testTemplate, domain.IsConfigError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			service := newTestService(t, mocks.NewMockMailboxConnector(ctrl), mocks.NewMockDispatcher(ctrl), memstore.New())

			state, err := service.StartPipeline(tc.creds, tc.telegram, tc.template)
			assert.True(t, tc.check(err), "unexpected error %v", err)
			assert.Equal(t, domain.PipelineStopped, state)
			assert.Nil(t, service.Pipeline())
		})
	}
}

func TestStartPipeline_AlreadyActive(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockMailboxConnector(ctrl)

	connector.EXPECT().
		Connect(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, domain.MailboxCredentials) (domain.MailboxSession, error) {
			return mockSession(ctrl, emit()), nil
		}).
		Times(2)

	service := newTestService(t, connector, mocks.NewMockDispatcher(ctrl), memstore.New())
	_, err := service.StartPipeline(testCreds, testTelegram, testTemplate)
	require.NoError(t, err)

	_, err = service.StartPipeline(testCreds, testTelegram, testTemplate)
	assert.ErrorIs(t, err, ErrPipelineActive)

	assert.Equal(t, domain.PipelineStopped, service.StopPipeline())
	assert.Equal(t, domain.PipelineStopped, service.StopPipeline())

	// a stopped pipeline can be replaced
	_, err = service.StartPipeline(testCreds, testTelegram, testTemplate)
	require.NoError(t, err)
	service.StopPipeline()
}

func TestTestMailboxConnection(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		connector := mocks.NewMockMailboxConnector(ctrl)
		session := mocks.NewMockMailboxSession(ctrl)

		connector.EXPECT().
			Connect(gomock.Any(), gomock.Eq(testCreds.WithDefaults())).
			Return(session, nil)
		gomock.InOrder(
			session.EXPECT().Open(gomock.Any(), gomock.Nil()).Return(&domain.FolderCursor{Folder: domain.DefaultFolder}, nil),
			session.EXPECT().Close().Return(nil),
		)

		service := newTestService(t, connector, mocks.NewMockDispatcher(ctrl), memstore.New())
		assert.NoError(t, service.TestMailboxConnection(context.Background(), testCreds))
		assert.True(t, hasEvent(service, "Mailbox connection test to imap.example.org:993 succeeded"))
	})

	t.Run("auth error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		connector := mocks.NewMockMailboxConnector(ctrl)

		connector.EXPECT().
			Connect(gomock.Any(), gomock.Any()).
			Return(nil, &domain.AuthError{Err: errors.New("invalid credentials")})

		service := newTestService(t, connector, mocks.NewMockDispatcher(ctrl), memstore.New())
		err := service.TestMailboxConnection(context.Background(), testCreds)
		assert.True(t, domain.IsAuthError(err))
		assert.Equal(t, EventWarning, service.RecentEvents(1)[0].Level)
	})

	t.Run("folder missing", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		connector := mocks.NewMockMailboxConnector(ctrl)
		session := mocks.NewMockMailboxSession(ctrl)

		connector.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(session, nil)
		session.EXPECT().Open(gomock.Any(), gomock.Nil()).Return(nil, &domain.ConfigError{Field: "folder", Reason: "does not exist"})
		session.EXPECT().Close().Return(nil)

		service := newTestService(t, connector, mocks.NewMockDispatcher(ctrl), memstore.New())
		err := service.TestMailboxConnection(context.Background(), testCreds)
		assert.True(t, domain.IsConfigError(err))
	})
}

func TestTestDelivery(t *testing.T) {
	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockDispatcher(ctrl)
	store := memstore.New()

	gomock.InOrder(
		dispatcher.EXPECT().
			Send(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *domain.DeliveryRequest) (*domain.DeliveryAttempt, error) {
				assert.Equal(t, TestMessageText, req.Text)
				return attempt(req, 1, domain.AttemptSuccess, true), nil
			}),
		dispatcher.EXPECT().
			Send(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *domain.DeliveryRequest) (*domain.DeliveryAttempt, error) {
				a := attempt(req, 1, domain.AttemptPermanentFailure, true)
				return a, &domain.DeliveryError{Permanent: true, StatusCode: 400, Description: "Bad Request: chat not found"}
			}),
	)

	service := newTestService(t, mocks.NewMockMailboxConnector(ctrl), dispatcher, store)

	a, err := service.TestDelivery(context.Background(), testTelegram)
	require.NoError(t, err)
	assert.True(t, a.Succeeded())

	a, err = service.TestDelivery(context.Background(), testTelegram)
	assert.True(t, domain.IsPermanentDeliveryError(err))
	assert.NotNil(t, a)

	_, err = service.TestDelivery(context.Background(), domain.TelegramConfig{})
	assert.True(t, domain.IsConfigError(err))

	attempts, err := service.QueryHistory(context.Background(), domain.HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestGetConnectionStatus_NeverStarted(t *testing.T) {
	ctrl := gomock.NewController(t)
	service := newTestService(t, mocks.NewMockMailboxConnector(ctrl), mocks.NewMockDispatcher(ctrl), memstore.New())

	status := service.GetConnectionStatus()
	assert.Equal(t, stoppedStatus(), status)

	stats, err := service.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, *stats)
	assert.Equal(t, domain.PipelineStopped, service.StopPipeline())
}

func TestQueryAndExportHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := memstore.New()
	service := newTestService(t, mocks.NewMockMailboxConnector(ctrl), mocks.NewMockDispatcher(ctrl), store)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, a := range []*domain.DeliveryAttempt{
		{ID: "1", MessageID: "INBOX/1/1", Sender: "alice@example.org", Subject: "Invoice", Attempt: 1, Timestamp: ts, Outcome: domain.AttemptTransientFailure},
		{ID: "2", MessageID: "INBOX/1/1", Sender: "alice@example.org", Subject: "Invoice", Attempt: 2, Timestamp: ts.Add(time.Second), Outcome: domain.AttemptSuccess, Final: true},
		{ID: "3", MessageID: "INBOX/1/2", Sender: "bob@example.org", Subject: "Lunch", Attempt: 1, Timestamp: ts.Add(time.Minute), Outcome: domain.AttemptPermanentFailure, Final: true},
	} {
		require.NoError(t, store.Append(context.Background(), a), "attempt %d", i)
	}

	attempts, err := service.QueryHistory(context.Background(), domain.HistoryFilter{Search: "invoice", FinalOnly: true})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "2", attempts[0].ID)

	buf := &bytes.Buffer{}
	require.NoError(t, service.ExportHistory(context.Background(), buf, export.FormatCSV, domain.HistoryFilter{}))
	exported, err := export.Read(buf, export.FormatCSV)
	require.NoError(t, err)
	require.Len(t, exported, 3)
	assert.Equal(t, []string{"3", "2", "1"}, []string{exported[0].ID, exported[1].ID, exported[2].ID})

	stats, err := service.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Sent: 1, Failed: 1, Attempts: 3}, *stats)
}
