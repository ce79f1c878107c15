// SPDX-License-Identifier: GPL-3.0-or-later
package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/domain/mocks"
	"github.com/CrawX/go-imap-notifier/log"
	"github.com/CrawX/go-imap-notifier/memstore"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

var (
	testCreds    = domain.MailboxCredentials{Host: "imap.example.org", Username: "user", Secret: "secret"}
	testTelegram = domain.TelegramConfig{BotToken: "123:abc", ChatID: "42"}
	testTemplate = domain.TemplateConfig{Text: "{from}: {subject}"}
)

func message(uid uint32) *domain.NormalizedMessage {
	return &domain.NormalizedMessage{
		ID:          domain.ImapMessageID(domain.DefaultFolder, 1, uid),
		Folder:      domain.DefaultFolder,
		UidValidity: 1,
		Uid:         uid,
		From:        "alice@example.org",
		Subject:     fmt.Sprintf("mail %d", uid),
		Raw:         []byte("raw"),
	}
}

func attempt(req *domain.DeliveryRequest, n int, outcome domain.AttemptOutcome, final bool) *domain.DeliveryAttempt {
	return &domain.DeliveryAttempt{
		ID:        fmt.Sprintf("%s-%d", req.MessageID, n),
		MessageID: req.MessageID,
		Sender:    req.Sender,
		Subject:   req.Subject,
		Attempt:   n,
		Timestamp: time.Now(),
		Outcome:   outcome,
		Final:     final,
	}
}

// mockSession opens the folder at lastuid 41 unless it gets a cursor and
// watches with watch.
func mockSession(ctrl *gomock.Controller, watch func(ctx context.Context, out chan<- *domain.NormalizedMessage) error) *mocks.MockMailboxSession {
	session := mocks.NewMockMailboxSession(ctrl)
	session.EXPECT().
		Open(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, cursor *domain.FolderCursor) (*domain.FolderCursor, error) {
			if cursor != nil {
				return cursor, nil
			}
			return &domain.FolderCursor{Folder: domain.DefaultFolder, UidValidity: 1, LastUid: 41}, nil
		})
	session.EXPECT().
		Watch(gomock.Any(), gomock.Any()).
		DoAndReturn(watch)
	session.EXPECT().LastCheck().Return(time.Time{}).AnyTimes()
	session.EXPECT().Close().Return(nil).AnyTimes()
	return session
}

// emit sends msgs and blocks until ctx is done.
func emit(msgs ...*domain.NormalizedMessage) func(ctx context.Context, out chan<- *domain.NormalizedMessage) error {
	return func(ctx context.Context, out chan<- *domain.NormalizedMessage) error {
		for _, msg := range msgs {
			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func newTestService(t *testing.T, connector domain.MailboxConnector, dispatcher domain.Dispatcher, store *memstore.Store, cfgs ...ConfigFunc) *Service {
	log.InitLogging("error")

	cfgs = append([]ConfigFunc{ReconnectBackoff(time.Millisecond, 10*time.Millisecond)}, cfgs...)
	service, err := NewService(
		map[domain.Protocol]domain.MailboxConnector{domain.ProtocolImap: connector},
		func(string) (domain.DedupStore, domain.CursorStore, error) { return store, store, nil },
		store,
		func(domain.TelegramConfig) (domain.Dispatcher, error) { return dispatcher, nil },
		cfgs...,
	)
	require.NoError(t, err)
	return service
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting")
		return ""
	}
}

func waitDone(t *testing.T, p *Pipeline) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(testTimeout):
		t.Fatal("pipeline did not stop")
	}
}

func hasEvent(s *Service, part string) bool {
	for _, e := range s.RecentEvents(0) {
		if strings.Contains(e.Message, part) {
			return true
		}
	}
	return false
}

func TestPipeline_DeliversOnceAcrossReconnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockMailboxConnector(ctrl)
	dispatcher := mocks.NewMockDispatcher(ctrl)
	store := memstore.New()

	delivered := make(chan string, 10)
	firstDelivered := make(chan struct{})
	var once sync.Once
	dispatcher.EXPECT().
		Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *domain.DeliveryRequest, observe domain.AttemptObserver) (*domain.DeliveryAttempt, error) {
			a := attempt(req, 1, domain.AttemptSuccess, true)
			observe(a)
			delivered <- req.MessageID
			once.Do(func() { close(firstDelivered) })
			return a, nil
		}).
		Times(2)

	first := mockSession(ctrl, func(ctx context.Context, out chan<- *domain.NormalizedMessage) error {
		out <- message(42)
		select {
		case <-firstDelivered:
		case <-time.After(testTimeout):
		}
		return &domain.NetworkError{Op: "idle", Err: io.EOF}
	})
	second := mockSession(ctrl, emit(message(42), message(43)))

	gomock.InOrder(
		connector.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(first, nil),
		connector.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(second, nil),
	)

	service := newTestService(t, connector, dispatcher, store)
	_, err := service.StartPipeline(testCreds, testTelegram, testTemplate)
	require.NoError(t, err)

	assert.Equal(t, message(42).ID, receive(t, delivered))
	assert.Equal(t, message(43).ID, receive(t, delivered))
	assert.Equal(t, domain.PipelineRunning, service.Pipeline().State())

	assert.Equal(t, domain.PipelineStopped, service.StopPipeline())

	for _, uid := range []uint32{42, 43} {
		outcome, err := store.HandledOutcome(context.Background(), message(uid).ID)
		assert.NoError(t, err)
		assert.Equal(t, domain.HandledDelivered, outcome)
	}

	cursor, err := store.LoadCursor(context.Background(), domain.DefaultFolder)
	require.NoError(t, err)
	assert.Equal(t, uint32(43), cursor.LastUid)

	attempts, err := service.QueryHistory(context.Background(), domain.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
	assert.True(t, hasEvent(service, "Mailbox connection lost"))
}

func TestPipeline_AuthErrorStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockMailboxConnector(ctrl)
	dispatcher := mocks.NewMockDispatcher(ctrl)

	connector.EXPECT().
		Connect(gomock.Any(), gomock.Any()).
		Return(nil, &domain.AuthError{Err: errors.New("invalid credentials")}).
		Times(1)

	service := newTestService(t, connector, dispatcher, memstore.New())
	_, err := service.StartPipeline(testCreds, testTelegram, testTemplate)
	require.NoError(t, err)

	p := service.Pipeline()
	waitDone(t, p)

	assert.Equal(t, domain.PipelineStopped, p.State())
	assert.True(t, domain.IsAuthError(p.Err()))

	status := service.GetConnectionStatus()
	assert.Equal(t, MailboxError, status.Mailbox.State)
	assert.Contains(t, status.Mailbox.Error, "invalid credentials")
	assert.Equal(t, domain.PipelineStopped, status.Pipeline)
	assert.True(t, hasEvent(service, "Pipeline stopped: authentication failed"))
}

func TestPipeline_Delivery(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []domain.AttemptOutcome
		expected domain.HandledOutcome
		stats    Stats
	}{
		{
			name:     "retried then delivered",
			outcomes: []domain.AttemptOutcome{domain.AttemptTransientFailure, domain.AttemptTransientFailure, domain.AttemptSuccess},
			expected: domain.HandledDelivered,
			stats:    Stats{Total: 1, Sent: 1, Attempts: 3},
		},
		{
			name:     "permanent failure",
			outcomes: []domain.AttemptOutcome{domain.AttemptPermanentFailure},
			expected: domain.HandledFailed,
			stats:    Stats{Total: 1, Failed: 1, Attempts: 1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			connector := mocks.NewMockMailboxConnector(ctrl)
			dispatcher := mocks.NewMockDispatcher(ctrl)
			store := memstore.New()

			delivered := make(chan string, 1)
			dispatcher.EXPECT().
				Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, req *domain.DeliveryRequest, observe domain.AttemptObserver) (*domain.DeliveryAttempt, error) {
					assert.Equal(t, "alice@example.org: mail 42", req.Text)

					var a *domain.DeliveryAttempt
					for i, outcome := range tc.outcomes {
						a = attempt(req, i+1, outcome, i == len(tc.outcomes)-1)
						observe(a)
					}
					delivered <- req.MessageID
					return a, nil
				})
			connector.EXPECT().
				Connect(gomock.Any(), gomock.Any()).
				Return(mockSession(ctrl, emit(message(42))), nil)

			service := newTestService(t, connector, dispatcher, store)
			_, err := service.StartPipeline(testCreds, testTelegram, testTemplate)
			require.NoError(t, err)

			receive(t, delivered)
			service.StopPipeline()

			outcome, err := store.HandledOutcome(context.Background(), message(42).ID)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, outcome)

			attempts, err := service.QueryHistory(context.Background(), domain.HistoryFilter{})
			require.NoError(t, err)
			require.Len(t, attempts, len(tc.outcomes))
			for _, a := range attempts {
				assert.Equal(t, message(42).ID, a.MessageID)
			}

			stats, err := service.GetStats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.stats, *stats)
		})
	}
}

func TestPipeline_DryRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockMailboxConnector(ctrl)
	dispatcher := mocks.NewMockDispatcher(ctrl)
	store := memstore.New()

	connector.EXPECT().
		Connect(gomock.Any(), gomock.Any()).
		Return(mockSession(ctrl, emit(message(42))), nil)

	service := newTestService(t, connector, dispatcher, store, DryRun())
	_, err := service.StartPipeline(testCreds, testTelegram, testTemplate)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return hasEvent(service, "Dry-run: would forward mail from alice@example.org")
	}, testTimeout, 5*time.Millisecond)
	service.StopPipeline()

	handled, err := store.HasHandled(context.Background(), message(42).ID)
	require.NoError(t, err)
	assert.False(t, handled)

	cursor, err := store.LoadCursor(context.Background(), domain.DefaultFolder)
	require.NoError(t, err)
	assert.Equal(t, uint32(41), cursor.LastUid)
}

func TestPipeline_SpamFilter(t *testing.T) {
	tests := []struct {
		name     string
		result   *domain.SpamResult
		expected domain.HandledOutcome
	}{
		{"spam", &domain.SpamResult{IsSpam: true, Score: 9}, domain.HandledFiltered},
		{"ham", &domain.SpamResult{Score: 1}, domain.HandledDelivered},
		{"classifier error", &domain.SpamResult{Error: errors.New("spamd down")}, domain.HandledDelivered},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			connector := mocks.NewMockMailboxConnector(ctrl)
			dispatcher := mocks.NewMockDispatcher(ctrl)
			classifier := mocks.NewMockSpamClassifier(ctrl)
			store := memstore.New()

			classifier.EXPECT().
				Check(gomock.Eq([]byte("raw"))).
				Return(tc.result)
			if tc.expected == domain.HandledDelivered {
				dispatcher.EXPECT().
					Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
					DoAndReturn(func(_ context.Context, req *domain.DeliveryRequest, observe domain.AttemptObserver) (*domain.DeliveryAttempt, error) {
						a := attempt(req, 1, domain.AttemptSuccess, true)
						observe(a)
						return a, nil
					})
			}
			connector.EXPECT().
				Connect(gomock.Any(), gomock.Any()).
				Return(mockSession(ctrl, emit(message(42))), nil)

			service := newTestService(t, connector, dispatcher, store, SpamFilter(classifier))
			_, err := service.StartPipeline(testCreds, testTelegram, testTemplate)
			require.NoError(t, err)

			assert.Eventually(t, func() bool {
				handled, _ := store.HasHandled(context.Background(), message(42).ID)
				return handled
			}, testTimeout, 5*time.Millisecond)
			service.StopPipeline()

			outcome, err := store.HandledOutcome(context.Background(), message(42).ID)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, outcome)
		})
	}
}

func TestPipeline_StopDuringDelivery(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockMailboxConnector(ctrl)
	dispatcher := mocks.NewMockDispatcher(ctrl)
	store := memstore.New()

	started := make(chan string, 1)
	dispatcher.EXPECT().
		Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req *domain.DeliveryRequest, _ domain.AttemptObserver) (*domain.DeliveryAttempt, error) {
			started <- req.MessageID
			<-ctx.Done()
			return nil, fmt.Errorf("delivery of %s cancelled: %w", req.MessageID, ctx.Err())
		})
	connector.EXPECT().
		Connect(gomock.Any(), gomock.Any()).
		Return(mockSession(ctrl, emit(message(42), message(43))), nil)

	service := newTestService(t, connector, dispatcher, store)
	_, err := service.StartPipeline(testCreds, testTelegram, testTemplate)
	require.NoError(t, err)

	receive(t, started)
	assert.Eventually(t, func() bool {
		return service.Pipeline().Pending() == 2
	}, testTimeout, 5*time.Millisecond)

	assert.Equal(t, domain.PipelineStopped, service.StopPipeline())
	assert.Equal(t, 0, service.Pipeline().Pending())

	for _, uid := range []uint32{42, 43} {
		handled, err := store.HasHandled(context.Background(), message(uid).ID)
		require.NoError(t, err)
		assert.False(t, handled)
	}

	status := service.GetConnectionStatus()
	assert.Equal(t, MailboxDisconnected, status.Mailbox.State)
	assert.Equal(t, time.Duration(0), status.Uptime)
}

func TestPipeline_ReconnectsAfterNetworkError(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockMailboxConnector(ctrl)
	dispatcher := mocks.NewMockDispatcher(ctrl)

	connected := make(chan string, 1)
	gomock.InOrder(
		connector.EXPECT().
			Connect(gomock.Any(), gomock.Any()).
			Return(nil, &domain.NetworkError{Op: "dial", Err: io.EOF}).
			Times(2),
		connector.EXPECT().
			Connect(gomock.Any(), gomock.Any()).
			Return(mockSession(ctrl, func(ctx context.Context, out chan<- *domain.NormalizedMessage) error {
				connected <- "connected"
				<-ctx.Done()
				return ctx.Err()
			}), nil),
	)

	service := newTestService(t, connector, dispatcher, memstore.New())
	_, err := service.StartPipeline(testCreds, testTelegram, testTemplate)
	require.NoError(t, err)

	receive(t, connected)
	status := service.GetConnectionStatus()
	assert.Equal(t, domain.PipelineRunning, status.Pipeline)
	assert.Equal(t, MailboxConnected, status.Mailbox.State)
	assert.Empty(t, status.Mailbox.Error)
	assert.True(t, hasEvent(service, "network error during dial"))

	service.StopPipeline()
	assert.NoError(t, service.Pipeline().Err())
}

func TestPipeline_FullQueueBlocksWatcher(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockMailboxConnector(ctrl)
	dispatcher := mocks.NewMockDispatcher(ctrl)
	store := memstore.New()

	var msgs []*domain.NormalizedMessage
	for uid := uint32(42); uid < 48; uid++ {
		msgs = append(msgs, message(uid))
	}

	var service *Service
	var maxPending atomic.Int32
	dispatcher.EXPECT().
		Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *domain.DeliveryRequest, observe domain.AttemptObserver) (*domain.DeliveryAttempt, error) {
			time.Sleep(20 * time.Millisecond)
			if pending := int32(service.Pipeline().Pending()); pending > maxPending.Load() {
				maxPending.Store(pending)
			}
			a := attempt(req, 1, domain.AttemptSuccess, true)
			observe(a)
			return a, nil
		}).
		Times(len(msgs))

	emitted := make(chan string, len(msgs))
	connector.EXPECT().
		Connect(gomock.Any(), gomock.Any()).
		Return(mockSession(ctrl, func(ctx context.Context, out chan<- *domain.NormalizedMessage) error {
			for _, msg := range msgs {
				select {
				case out <- msg:
					emitted <- msg.ID
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			<-ctx.Done()
			return ctx.Err()
		}), nil)

	service = newTestService(t, connector, dispatcher, store, QueueDepth(1))
	_, err := service.StartPipeline(testCreds, testTelegram, testTemplate)
	require.NoError(t, err)

	for range msgs {
		receive(t, emitted)
	}
	assert.Eventually(t, func() bool {
		outcome, err := store.HandledOutcome(context.Background(), msgs[len(msgs)-1].ID)
		return err == nil && outcome == domain.HandledDelivered
	}, testTimeout, 5*time.Millisecond)
	service.StopPipeline()

	for _, msg := range msgs {
		outcome, err := store.HandledOutcome(context.Background(), msg.ID)
		assert.NoError(t, err)
		assert.Equal(t, domain.HandledDelivered, outcome, msg.ID)
	}
	assert.LessOrEqual(t, maxPending.Load(), int32(2))

	cursor, err := store.LoadCursor(context.Background(), domain.DefaultFolder)
	require.NoError(t, err)
	assert.Equal(t, uint32(47), cursor.LastUid)
}

// flakyStore fails the first markFailures dedup marks and appendFailures
// ledger appends.
type flakyStore struct {
	*memstore.Store

	mu             sync.Mutex
	markFailures   int
	appendFailures int
}

func (f *flakyStore) MarkHandled(ctx context.Context, messageID string, outcome domain.HandledOutcome) error {
	f.mu.Lock()
	fail := f.markFailures > 0
	f.markFailures--
	f.mu.Unlock()

	if fail {
		return errors.New("connection reset by peer")
	}
	return f.Store.MarkHandled(ctx, messageID, outcome)
}

func (f *flakyStore) Append(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	f.mu.Lock()
	fail := f.appendFailures > 0
	f.appendFailures--
	f.mu.Unlock()

	if fail {
		return errors.New("connection reset by peer")
	}
	return f.Store.Append(ctx, attempt)
}

func TestPipeline_StoreErrorsAreRetried(t *testing.T) {
	log.InitLogging("error")

	ctrl := gomock.NewController(t)
	connector := mocks.NewMockMailboxConnector(ctrl)
	dispatcher := mocks.NewMockDispatcher(ctrl)
	store := &flakyStore{Store: memstore.New(), markFailures: 2, appendFailures: 1}

	dispatcher.EXPECT().
		Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *domain.DeliveryRequest, observe domain.AttemptObserver) (*domain.DeliveryAttempt, error) {
			a := attempt(req, 1, domain.AttemptSuccess, true)
			observe(a)
			return a, nil
		}).
		Times(2)
	connector.EXPECT().
		Connect(gomock.Any(), gomock.Any()).
		Return(mockSession(ctrl, emit(message(42), message(43))), nil)

	service, err := NewService(
		map[domain.Protocol]domain.MailboxConnector{domain.ProtocolImap: connector},
		func(string) (domain.DedupStore, domain.CursorStore, error) { return store, store, nil },
		store,
		func(domain.TelegramConfig) (domain.Dispatcher, error) { return dispatcher, nil },
		ReconnectBackoff(time.Millisecond, 10*time.Millisecond),
	)
	require.NoError(t, err)
	_, err = service.StartPipeline(testCreds, testTelegram, testTemplate)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		outcome, err := store.HandledOutcome(context.Background(), message(43).ID)
		return err == nil && outcome == domain.HandledDelivered
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, domain.PipelineRunning, service.Pipeline().State())
	assert.True(t, hasEvent(service, "Could not mark message handled"))
	assert.True(t, hasEvent(service, "Could not append to ledger"))

	assert.Equal(t, domain.PipelineStopped, service.StopPipeline())
	assert.NoError(t, service.Pipeline().Err())

	outcome, err := store.HandledOutcome(context.Background(), message(42).ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HandledDelivered, outcome)

	attempts, err := store.Query(context.Background(), domain.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, attempts, 2)

	cursor, err := store.LoadCursor(context.Background(), domain.DefaultFolder)
	require.NoError(t, err)
	assert.Equal(t, uint32(43), cursor.LastUid)
}
