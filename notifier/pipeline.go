// SPDX-License-Identifier: GPL-3.0-or-later
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/mail"
	"github.com/CrawX/go-imap-notifier/render"

	"github.com/sirupsen/logrus"
)

var ErrPipelineActive = errors.New("pipeline is already active")

// Pipeline watches one mailbox and forwards every new message once. The
// watch loop and the dispatch worker run on their own goroutines joined by
// a bounded queue.
type Pipeline struct {
	creds      domain.MailboxCredentials
	connector  domain.MailboxConnector
	dedup      domain.DedupStore
	cursors    domain.CursorStore
	ledger     domain.Ledger
	dispatcher domain.Dispatcher
	template   *render.Template
	events     *EventLog
	cfg        *configuration

	queue    chan *domain.NormalizedMessage
	inFlight atomic.Int32

	mu       sync.Mutex
	state    domain.PipelineState
	mailbox  MailboxStatus
	delivery DeliveryStatus
	session  domain.MailboxSession
	cursor   *domain.FolderCursor
	started  time.Time
	err      error
	cancel   context.CancelFunc
	done     chan struct{}

	l *logrus.Entry
}

func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != domain.PipelineStopped {
		return ErrPipelineActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.queue = make(chan *domain.NormalizedMessage, p.cfg.QueueDepth)
	p.started = time.Now()
	p.err = nil
	p.mailbox = MailboxStatus{State: MailboxConnecting}
	p.delivery = DeliveryStatus{State: DeliveryIdle}
	p.setStateLocked(domain.PipelineConnecting)

	if p.dedup.Durability() == domain.Ephemeral {
		p.l.Warn("Dedup store is not durable, messages will be forwarded again after a restart")
	}
	if p.cfg.DryRun {
		p.l.Info("Running in dry-run mode, nothing will be forwarded")
	}

	watchDone, dispatchDone := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(watchDone)
		p.watch(ctx)
	}()
	go func() {
		defer close(dispatchDone)
		p.dispatch(ctx)
	}()
	go p.shutdown(cancel, watchDone, dispatchDone, p.done)

	p.events.Add(EventInfo, "", fmt.Sprintf("Pipeline started for %s", p.creds.Namespace()))
	return nil
}

// Stop cancels watching and waiting, lets an in-flight delivery finish and
// returns once the pipeline reached stopped.
func (p *Pipeline) Stop() domain.PipelineState {
	p.mu.Lock()
	if p.state == domain.PipelineStopped {
		p.mu.Unlock()
		return domain.PipelineStopped
	}
	p.setStateLocked(domain.PipelineStopping)
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	p.l.Info("Stopping pipeline")
	cancel()
	<-done

	return p.State()
}

// Done is closed when the pipeline stopped, on request or on a fatal error.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Pipeline) State() domain.PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error that stopped the pipeline, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) Pending() int {
	return len(p.queue) + int(p.inFlight.Load())
}

func (p *Pipeline) Status() ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := ConnectionStatus{
		Mailbox:  p.mailbox,
		Delivery: p.delivery,
		Pipeline: p.state,
	}
	if p.session != nil {
		if lastCheck := p.session.LastCheck(); !lastCheck.IsZero() {
			status.Mailbox.LastCheck = lastCheck
		}
	}
	if p.state != domain.PipelineStopped {
		status.Uptime = time.Since(p.started)
	}
	return status
}

// setStateLocked ignores everything but the final transition once the
// pipeline is stopping.
func (p *Pipeline) setStateLocked(state domain.PipelineState) {
	if p.state == domain.PipelineStopping && state != domain.PipelineStopped {
		return
	}
	if p.state != state {
		p.l.WithFields(logrus.Fields{"from": p.state, "to": state}).Debug("Pipeline state changed")
	}
	p.state = state
	p.cfg.Metrics.State(state)
}

func (p *Pipeline) transition(state domain.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setStateLocked(state)
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	p.err = err
	if domain.IsAuthError(err) || domain.IsTLSError(err) || domain.IsNetworkError(err) || domain.IsConfigError(err) {
		p.mailbox.State = MailboxError
		p.mailbox.Error = err.Error()
	}
	cancel := p.cancel
	p.mu.Unlock()

	p.l.WithField("error", err).Error("Pipeline failed, stopping")
	p.events.Add(EventError, "", fmt.Sprintf("Pipeline stopped: %v", err))
	cancel()
}

func (p *Pipeline) shutdown(cancel context.CancelFunc, watchDone, dispatchDone, done chan struct{}) {
	<-watchDone
	p.transition(domain.PipelineStopping)
	cancel()
	<-dispatchDone

	// messages still queued were never marked and come back with the next session
	for len(p.queue) > 0 {
		<-p.queue
	}
	p.cfg.Metrics.Pending(0)

	p.closeSession()

	p.mu.Lock()
	if p.mailbox.State != MailboxError {
		p.mailbox.State = MailboxDisconnected
	}
	p.setStateLocked(domain.PipelineStopped)
	p.mu.Unlock()

	p.l.Info("Pipeline stopped")
	p.events.Add(EventInfo, "", "Pipeline stopped")
	close(done)
}

func (p *Pipeline) watch(ctx context.Context) {
	backoff := p.cfg.ReconnectMin
	for {
		established, err := p.runSession(ctx)
		if ctx.Err() != nil {
			return
		}

		if domain.IsAuthError(err) || domain.IsConfigError(err) {
			p.fail(err)
			return
		}

		if established {
			backoff = p.cfg.ReconnectMin
		}

		p.mu.Lock()
		p.mailbox.State = MailboxError
		p.mailbox.Error = err.Error()
		p.setStateLocked(domain.PipelineReconnecting)
		p.mu.Unlock()

		p.cfg.Metrics.Reconnect()
		p.l.WithFields(logrus.Fields{"error": err, "wait": backoff}).Warn("Mailbox connection lost, reconnecting")
		p.events.Add(EventWarning, "", fmt.Sprintf("Mailbox connection lost: %v", err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > p.cfg.ReconnectMax {
			backoff = p.cfg.ReconnectMax
		}
		p.transition(domain.PipelineConnecting)
	}
}

// runSession connects, opens the folder and watches it until the session
// fails. It reports whether the session reached running.
func (p *Pipeline) runSession(ctx context.Context) (bool, error) {
	p.mu.Lock()
	p.mailbox.State = MailboxConnecting
	p.mu.Unlock()

	session, err := p.connector.Connect(ctx, p.creds)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	p.session = session
	known := p.cursor
	p.mu.Unlock()

	if known == nil {
		known, err = p.cursors.LoadCursor(ctx, p.creds.Folder)
		if err != nil {
			p.closeSession()
			return false, fmt.Errorf("could not load cursor: %w", err)
		}
	}

	opened, err := session.Open(ctx, known)
	if err != nil {
		p.closeSession()
		return false, err
	}
	if known == nil || known.UidValidity != opened.UidValidity || known.LastUid != opened.LastUid || !known.Since.Equal(opened.Since) {
		if err := p.cursors.SaveCursor(context.WithoutCancel(ctx), opened); err != nil {
			p.l.WithField("error", err).Warn("Could not save cursor")
		}
	}

	p.mu.Lock()
	p.cursor = opened
	p.mailbox = MailboxStatus{State: MailboxConnected, ConnectedSince: time.Now(), LastCheck: session.LastCheck()}
	p.setStateLocked(domain.PipelineRunning)
	p.mu.Unlock()

	p.l.WithFields(logrus.Fields{"folder": opened.Folder, "uidvalidity": opened.UidValidity, "lastuid": opened.LastUid}).Info("Watching mailbox")
	p.events.Add(EventInfo, "", fmt.Sprintf("Connected to %s", p.creds.Address()))

	err = session.Watch(ctx, p.queue)
	if ctx.Err() == nil {
		p.closeSession()
	}
	if err == nil {
		err = errors.New("watch ended without error")
	}
	return true, err
}

func (p *Pipeline) closeSession() {
	p.mu.Lock()
	session := p.session
	p.session = nil
	p.mu.Unlock()

	if session == nil {
		return
	}

	lastCheck := session.LastCheck()
	if err := session.Close(); err != nil {
		p.l.WithField("error", err).Debug("Could not close session cleanly")
	}

	p.mu.Lock()
	if lastCheck.After(p.mailbox.LastCheck) {
		p.mailbox.LastCheck = lastCheck
	}
	p.mu.Unlock()
}

func (p *Pipeline) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if ctx.Err() != nil {
				return
			}
			p.inFlight.Store(1)
			p.cfg.Metrics.Pending(p.Pending())
			p.handle(ctx, msg)
			p.inFlight.Store(0)
			p.cfg.Metrics.Pending(p.Pending())
		}
	}
}

// handle runs one message through dedup, spam filter, render and delivery.
// The dedup mark is written after the final attempt so a crash in between
// leads to a second delivery, never to a lost one. Store errors are retried
// and never stop the pipeline.
func (p *Pipeline) handle(ctx context.Context, msg *domain.NormalizedMessage) {
	// stores are written even while stopping, the delivery already happened
	storeCtx := context.WithoutCancel(ctx)
	logger := p.l.WithFields(logrus.Fields{"messageid": msg.ID, "subject": mail.ShortSubject(msg.Subject)})

	var handled bool
	ok := p.retryStore(ctx, "query dedup store", func() error {
		var err error
		handled, err = p.dedup.HasHandled(storeCtx, msg.ID)
		return err
	})
	if !ok {
		return
	}
	if handled {
		logger.Debug("Message already handled, skipping")
		p.cfg.Metrics.Duplicate()
		p.advance(storeCtx, msg)
		return
	}

	if p.cfg.SpamFilter != nil && len(msg.Raw) > 0 {
		result := p.cfg.SpamFilter.Check(msg.Raw)
		switch {
		case result.Error != nil:
			logger.WithField("error", result.Error).Warn("Could not classify mail, forwarding it anyway")
			p.events.Add(EventWarning, msg.ID, fmt.Sprintf("Spam check failed: %v", result.Error))
		case result.IsSpam:
			logger.WithField("score", result.Score).Info("Mail classified as spam, not forwarding")
			if p.cfg.DryRun {
				return
			}
			if !p.markRetrying(ctx, storeCtx, msg, domain.HandledFiltered) {
				return
			}
			p.events.Add(EventInfo, msg.ID, fmt.Sprintf("Filtered spam from %s", msg.From))
			return
		}
	}

	text := p.template.Render(msg)

	if p.cfg.DryRun {
		logger.WithField("from", msg.From).Info("Not forwarding due to dry-run")
		p.events.Add(EventInfo, msg.ID, fmt.Sprintf("Dry-run: would forward mail from %s", msg.From))
		return
	}

	req := &domain.DeliveryRequest{
		MessageID: msg.ID,
		Sender:    msg.From,
		Subject:   msg.Subject,
		Text:      text,
	}

	final, err := p.dispatcher.Deliver(ctx, req, func(a *domain.DeliveryAttempt) {
		p.cfg.Metrics.Attempt(a)
		p.recordAttempt(a)
		p.retryStore(ctx, "append to ledger", func() error {
			return p.ledger.Append(storeCtx, a)
		})
	})
	if err != nil {
		logger.WithField("error", err).Info("Delivery interrupted, message will be handled again")
		return
	}

	outcome := domain.HandledDelivered
	if !final.Succeeded() {
		outcome = domain.HandledFailed
	}
	if !p.markRetrying(ctx, storeCtx, msg, outcome) {
		logger.Warn("Message was handled but could not be marked, it may be forwarded again")
		return
	}

	if final.Succeeded() {
		logger.WithFields(logrus.Fields{"attempts": final.Attempt, "from": msg.From}).Info("Forwarded mail")
		p.events.Add(EventInfo, msg.ID, fmt.Sprintf("Forwarded mail from %s", msg.From))
	} else {
		p.events.Add(EventError, msg.ID, fmt.Sprintf("Could not forward mail from %s: %s", msg.From, final.Error))
	}
}

func (p *Pipeline) mark(ctx context.Context, msg *domain.NormalizedMessage, outcome domain.HandledOutcome) error {
	err := p.dedup.MarkHandled(ctx, msg.ID, outcome)
	if err != nil {
		return fmt.Errorf("could not mark %s handled: %w", msg.ID, err)
	}
	p.cfg.Metrics.Handled(outcome)
	p.advance(ctx, msg)
	return nil
}

func (p *Pipeline) markRetrying(ctx, storeCtx context.Context, msg *domain.NormalizedMessage, outcome domain.HandledOutcome) bool {
	return p.retryStore(ctx, "mark message handled", func() error {
		return p.mark(storeCtx, msg, outcome)
	})
}

// retryStore runs op until it succeeds, backing off between tries like a
// reconnect. While it retries the dispatch worker holds the current message,
// so later messages cannot move the cursor past it and a full queue blocks
// the watcher. It gives up only when ctx is done.
func (p *Pipeline) retryStore(ctx context.Context, what string, op func() error) bool {
	backoff := p.cfg.ReconnectMin
	for try := 1; ; try++ {
		err := op()
		if err == nil {
			if try > 1 {
				p.l.WithField("tries", try).Infof("Store recovered, could %s again", what)
				p.events.Add(EventInfo, "", fmt.Sprintf("Store recovered after %d tries", try))
			}
			return true
		}

		p.l.WithFields(logrus.Fields{"error": err, "wait": backoff}).Warnf("Could not %s, retrying", what)
		if try == 1 {
			p.events.Add(EventWarning, "", fmt.Sprintf("Could not %s: %v", what, err))
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.l.WithField("error", err).Errorf("Stopped trying to %s", what)
			return false
		case <-timer.C:
		}

		backoff = min(backoff*2, p.cfg.ReconnectMax)
	}
}

// advance moves the cursor past msg. pop3 messages carry no uid and leave
// the cursor alone.
func (p *Pipeline) advance(ctx context.Context, msg *domain.NormalizedMessage) {
	p.mu.Lock()
	if msg.Uid == 0 || p.cursor == nil || p.cursor.Folder != msg.Folder || p.cursor.UidValidity != msg.UidValidity || msg.Uid <= p.cursor.LastUid {
		p.mu.Unlock()
		return
	}
	cursor := *p.cursor
	cursor.LastUid = msg.Uid
	p.cursor = &cursor
	p.mu.Unlock()

	if err := p.cursors.SaveCursor(ctx, &cursor); err != nil {
		p.l.WithFields(logrus.Fields{"error": err, "lastuid": cursor.LastUid}).Warn("Could not save cursor")
	}
}

func (p *Pipeline) recordAttempt(a *domain.DeliveryAttempt) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.delivery.LastAttempt = a.Timestamp
	switch {
	case a.Succeeded():
		p.delivery.State = DeliveryOk
		p.delivery.Error = ""
	case a.Final:
		p.delivery.State = DeliveryFailing
		p.delivery.Error = a.Error
	default:
		p.delivery.State = DeliveryRetrying
		p.delivery.Error = a.Error
	}
}
