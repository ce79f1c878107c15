// SPDX-License-Identifier: GPL-3.0-or-later
package pop3connection

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/log"
	"github.com/CrawX/go-imap-notifier/mail"

	"github.com/knadh/go-pop3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = time.Minute
	DefaultDialTimeout  = 30 * time.Second
)

var ErrAlreadyWatching = errors.New("session is already being watched")

// conn is the part of a pop3 connection the session uses. Messages are never
// deleted from the server.
type conn interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
}

type connFactory func(creds domain.MailboxCredentials) (conn, error)

// Connector polls pop3 mailboxes. pop3 has no push, so every poll opens a
// fresh connection and the server keeps the mailbox locked only while it
// lasts.
type Connector struct {
	pollInterval    time.Duration
	dialTimeout     time.Duration
	processExisting bool
	newConn         connFactory
	now             func() time.Time

	l *logrus.Logger
}

type Option func(c *Connector)

func PollInterval(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func DialTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// ProcessExisting makes a fresh mailbox report the messages already on the
// server.
func ProcessExisting() Option {
	return func(c *Connector) {
		c.processExisting = true
	}
}

func withConnFactory(factory connFactory) Option {
	return func(c *Connector) {
		c.newConn = factory
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Connector) {
		c.now = now
	}
}

func NewConnector(opts ...Option) *Connector {
	c := &Connector{
		pollInterval: DefaultPollInterval,
		dialTimeout:  DefaultDialTimeout,
		now:          time.Now,
		l:            log.Logger(log.LOG_POP3),
	}
	c.newConn = c.dial
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connector) dial(creds domain.MailboxCredentials) (conn, error) {
	client := pop3.New(pop3.Opt{
		Host:        creds.Host,
		Port:        creds.Port,
		DialTimeout: c.dialTimeout,
		TLSEnabled:  creds.Security == domain.SecurityTLS,
	})
	return client.NewConn()
}

// Connect verifies the server accepts the credentials and returns a session
// that polls the mailbox.
func (c *Connector) Connect(ctx context.Context, creds domain.MailboxCredentials) (domain.MailboxSession, error) {
	creds = creds.WithDefaults()
	creds.Folder = domain.DefaultFolder
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &session{
		creds:           creds,
		pollInterval:    c.pollInterval,
		processExisting: c.processExisting,
		newConn:         c.newConn,
		now:             c.now,
		seen:            map[string]bool{},
		done:            make(chan struct{}),
		l:               c.l.WithFields(logrus.Fields{"server": creds.Address(), "user": creds.Username}),
	}

	pc, err := s.login()
	if err != nil {
		return nil, err
	}
	s.quit(pc)
	s.l.Debug("Logged in to server")

	return s, nil
}

type session struct {
	creds           domain.MailboxCredentials
	pollInterval    time.Duration
	processExisting bool
	newConn         connFactory
	now             func() time.Time

	cursor    domain.FolderCursor
	opened    bool
	watching  atomic.Bool
	lastCheck atomic.Int64

	// uidls already reported or skipped, pruned to what the server still has
	seen map[string]bool

	done chan struct{}
	once sync.Once

	l *logrus.Entry
}

func (s *session) login() (conn, error) {
	pc, err := s.newConn(s.creds)
	if err != nil {
		return nil, classify("dial", err)
	}

	err = pc.Auth(s.creds.Username, s.creds.Secret)
	if err != nil {
		s.quit(pc)
		if isTLSError(err) {
			return nil, &domain.TLSError{Err: err}
		}
		if isConnectionError(err) {
			return nil, &domain.NetworkError{Op: "login", Err: err}
		}
		return nil, &domain.AuthError{Err: err}
	}
	return pc, nil
}

func (s *session) quit(pc conn) {
	if err := pc.Quit(); err != nil {
		s.l.WithField("error", err).Debug("Quit failed")
	}
}

// Open fixes the point from which messages count as new. A fresh mailbox
// remembers the uidls currently on the server, a known one only skips
// messages dated before the original baseline.
func (s *session) Open(ctx context.Context, cursor *domain.FolderCursor) (*domain.FolderCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case cursor != nil && cursor.Folder == s.creds.Folder:
		s.cursor = *cursor
		s.l.WithField("since", cursor.Since).Info("Resuming mailbox")
	case s.processExisting:
		s.cursor = domain.FolderCursor{Folder: s.creds.Folder}
		s.l.Info("Processing existing messages")
	default:
		pc, err := s.login()
		if err != nil {
			return nil, err
		}
		ids, err := pc.Uidl(0)
		s.quit(pc)
		if err != nil {
			return nil, classify("uidl", err)
		}
		for _, id := range ids {
			s.seen[uidl(id)] = true
		}

		s.cursor = domain.FolderCursor{Folder: s.creds.Folder, Since: s.now()}
		s.l.WithField("count", len(ids)).Info("Baselined mailbox")
	}

	s.opened = true
	s.touch()

	result := s.cursor
	return &result, nil
}

func (s *session) Watch(ctx context.Context, out chan<- *domain.NormalizedMessage) error {
	if !s.watching.CompareAndSwap(false, true) {
		return ErrAlreadyWatching
	}
	if !s.opened {
		return errors.New("mailbox has not been opened")
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx, out); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errors.New("session closed")
		case <-ticker.C:
		}
	}
}

func (s *session) poll(ctx context.Context, out chan<- *domain.NormalizedMessage) error {
	pc, err := s.login()
	if err != nil {
		return err
	}
	defer s.quit(pc)

	ids, err := pc.Uidl(0)
	if err != nil {
		return classify("uidl", err)
	}

	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		key := uidl(id)
		present[key] = true
		if s.seen[key] {
			continue
		}

		buf, err := pc.RetrRaw(id.ID)
		if err != nil {
			return classify("retr", err)
		}
		raw := append([]byte(nil), buf.Bytes()...)

		msg := s.normalize(id, raw)
		if !s.cursor.Since.IsZero() && msg.Received.Before(s.cursor.Since) {
			s.l.WithFields(logrus.Fields{"uidl": key, "date": msg.Received}).Debug("Skipping message from before baseline")
			s.seen[key] = true
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.seen[key] = true
	}

	for key := range s.seen {
		if !present[key] {
			delete(s.seen, key)
		}
	}

	s.touch()
	return nil
}

func (s *session) normalize(id pop3.MessageID, raw []byte) *domain.NormalizedMessage {
	msg := &domain.NormalizedMessage{
		Folder:   s.creds.Folder,
		RemoteID: id.UID,
		Raw:      raw,
	}

	remoteID := id.UID
	parsed, err := mail.Parse(raw)
	if err != nil {
		s.l.WithFields(logrus.Fields{"uidl": id.UID, "error": err}).Warn("Could not parse mail, forwarding without details")
	} else {
		msg.From = parsed.From
		msg.Subject = parsed.Subject
		msg.Body = parsed.Body
		msg.Received = parsed.Date
		if remoteID == "" {
			remoteID = parsed.MailIdHash
		}
	}
	if remoteID == "" {
		remoteID = strconv.Itoa(id.ID)
	}
	msg.ID = domain.Pop3MessageID(s.creds.Folder, remoteID)

	// pop3 has no arrival date, messages without a usable Date count as new
	if msg.Received.IsZero() {
		msg.Received = s.now()
	}
	return msg
}

func uidl(id pop3.MessageID) string {
	if id.UID != "" {
		return id.UID
	}
	return "#" + strconv.Itoa(id.ID)
}

func (s *session) touch() {
	s.lastCheck.Store(s.now().UnixNano())
}

func (s *session) LastCheck() time.Time {
	ts := s.lastCheck.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.l.Debug("Closed session")
	})
	return nil
}

func classify(op string, err error) error {
	if isTLSError(err) {
		return &domain.TLSError{Err: err}
	}
	return &domain.NetworkError{Op: op, Err: err}
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	return errors.As(err, &certErr) || errors.As(err, &recordErr) || strings.HasPrefix(err.Error(), "tls: ")
}

func isConnectionError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
