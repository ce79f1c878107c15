// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/log"
	"github.com/CrawX/go-imap-notifier/mail"

	"github.com/emersion/go-imap"
	compress "github.com/emersion/go-imap-compress"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

const (
	BatchSize = 50

	DefaultPollInterval   = time.Minute
	DefaultDialTimeout    = 30 * time.Second
	DefaultCommandTimeout = 2 * time.Minute
)

var ErrAlreadyWatching = errors.New("session is already being watched")

type Connector struct {
	pollInterval    time.Duration
	dialTimeout     time.Duration
	commandTimeout  time.Duration
	compress        bool
	processExisting bool

	l *logrus.Logger
}

type Option func(c *Connector)

// PollInterval bounds how long the session idles before rescanning the folder.
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

func CommandTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.commandTimeout = d
		}
	}
}

// Compress enables COMPRESS=DEFLATE when the server offers it.
func Compress() Option {
	return func(c *Connector) {
		c.compress = true
	}
}

// ProcessExisting makes a fresh folder start at the first message instead
// of the current end of the folder.
func ProcessExisting() Option {
	return func(c *Connector) {
		c.processExisting = true
	}
}

func NewConnector(opts ...Option) *Connector {
	c := &Connector{
		pollInterval:   DefaultPollInterval,
		dialTimeout:    DefaultDialTimeout,
		commandTimeout: DefaultCommandTimeout,
		l:              log.Logger(log.LOG_IMAP),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connector) Connect(ctx context.Context, creds domain.MailboxCredentials) (domain.MailboxSession, error) {
	creds = creds.WithDefaults()
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baseLogger := c.l.WithFields(logrus.Fields{"server": creds.Address(), "user": creds.Username, "security": creds.Security})

	imapClient, err := c.dial(creds)
	if err != nil {
		return nil, err
	}
	imapClient.Timeout = c.commandTimeout

	err = imapClient.Login(creds.Username, creds.Secret)
	if err != nil {
		imapClient.Terminate()
		return nil, classifyLogin(err)
	}
	baseLogger.Debug("Logged in to server")

	if c.compress {
		compressClient := compress.NewClient(imapClient)
		supported, err := compressClient.SupportCompress(compress.Deflate)
		if err != nil {
			imapClient.Terminate()
			return nil, classify("capability", err)
		}
		if supported {
			err = compressClient.Compress(compress.Deflate)
			if err != nil {
				imapClient.Terminate()
				return nil, classify("compress", err)
			}
			baseLogger.Debug("COMPRESS=DEFLATE enabled")
		} else {
			baseLogger.Info("COMPRESS=DEFLATE not supported on server, continuing uncompressed")
		}
	}

	s := &session{
		client:          imapClient,
		folder:          creds.Folder,
		pollInterval:    c.pollInterval,
		commandTimeout:  c.commandTimeout,
		processExisting: c.processExisting,
		updates:         make(chan client.Update, 16),
		changed:         make(chan struct{}, 1),
		done:            make(chan struct{}),
		l:               baseLogger.WithField("folder", creds.Folder),
	}
	imapClient.Updates = s.updates
	go s.drainUpdates()

	return s, nil
}

func (c *Connector) dial(creds domain.MailboxCredentials) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: c.dialTimeout}
	tlsConfig := &tls.Config{
		ServerName:         creds.Host,
		InsecureSkipVerify: creds.InsecureSkipVerify,
	}

	switch creds.Security {
	case domain.SecurityTLS:
		imapClient, err := client.DialWithDialerTLS(dialer, creds.Address(), tlsConfig)
		if err != nil {
			return nil, classify("dial", err)
		}
		return imapClient, nil
	case domain.SecurityStartTLS:
		imapClient, err := client.DialWithDialer(dialer, creds.Address())
		if err != nil {
			return nil, classify("dial", err)
		}
		supported, err := imapClient.SupportStartTLS()
		if err != nil {
			imapClient.Terminate()
			return nil, classify("capability", err)
		}
		if !supported {
			imapClient.Terminate()
			return nil, &domain.TLSError{Err: errors.New("server does not support STARTTLS")}
		}
		err = imapClient.StartTLS(tlsConfig)
		if err != nil {
			imapClient.Terminate()
			if isTLSError(err) {
				return nil, &domain.TLSError{Err: err}
			}
			return nil, classify("starttls", err)
		}
		return imapClient, nil
	default:
		imapClient, err := client.DialWithDialer(dialer, creds.Address())
		if err != nil {
			return nil, classify("dial", err)
		}
		return imapClient, nil
	}
}

type session struct {
	client *client.Client
	folder string

	pollInterval    time.Duration
	commandTimeout  time.Duration
	processExisting bool

	cursor    domain.FolderCursor
	opened    bool
	watching  atomic.Bool
	lastCheck atomic.Int64

	updates chan client.Update
	changed chan struct{}
	done    chan struct{}
	once    sync.Once

	l *logrus.Entry
}

func (s *session) drainUpdates() {
	for {
		select {
		case update := <-s.updates:
			if _, ok := update.(*client.MailboxUpdate); ok {
				select {
				case s.changed <- struct{}{}:
				default:
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) Open(ctx context.Context, cursor *domain.FolderCursor) (*domain.FolderCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status, err := s.client.Select(s.folder, true)
	if err != nil {
		if isConnectionError(err) {
			return nil, classify("select", err)
		}
		return nil, fmt.Errorf("could not select folder %s: %w", s.folder, err)
	}

	if cursor != nil && cursor.Folder == s.folder && cursor.UidValidity == status.UidValidity {
		s.cursor = *cursor
		s.l.WithFields(logrus.Fields{"uidvalidity": status.UidValidity, "lastuid": cursor.LastUid}).Info("Resuming folder")
	} else {
		lastUid := uint32(0)
		if !s.processExisting {
			lastUid, err = s.highestUid(status)
			if err != nil {
				return nil, err
			}
		}

		if cursor != nil {
			s.l.WithFields(logrus.Fields{"old": cursor.UidValidity, "new": status.UidValidity}).Warn("UIDVALIDITY changed, starting over at the end of the folder")
		}
		s.cursor = domain.FolderCursor{
			Folder:      s.folder,
			UidValidity: status.UidValidity,
			LastUid:     lastUid,
			Since:       time.Now(),
		}
		s.l.WithFields(logrus.Fields{"uidvalidity": status.UidValidity, "lastuid": lastUid}).Info("Baselined folder")
	}

	s.opened = true
	s.touch()

	result := s.cursor
	return &result, nil
}

func (s *session) highestUid(status *imap.MailboxStatus) (uint32, error) {
	if status.UidNext > 0 {
		return status.UidNext - 1, nil
	}

	// server did not send UIDNEXT
	uids, err := s.client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return 0, classify("search", err)
	}
	highest := uint32(0)
	for _, uid := range uids {
		if uid > highest {
			highest = uid
		}
	}
	return highest, nil
}

func (s *session) Watch(ctx context.Context, out chan<- *domain.NormalizedMessage) error {
	if !s.watching.CompareAndSwap(false, true) {
		return ErrAlreadyWatching
	}
	if !s.opened {
		return errors.New("folder has not been opened")
	}

	for {
		if err := s.scan(ctx, out); err != nil {
			return err
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

func (s *session) scan(ctx context.Context, out chan<- *domain.NormalizedMessage) error {
	if mbox := s.client.Mailbox(); mbox != nil && mbox.UidValidity != 0 && mbox.UidValidity != s.cursor.UidValidity {
		return &domain.NetworkError{Op: "watch", Err: fmt.Errorf("UIDVALIDITY changed from %d to %d", s.cursor.UidValidity, mbox.UidValidity)}
	}

	uids, err := s.newUids()
	if err != nil {
		return err
	}

	if len(uids) > 0 {
		s.l.WithField("count", len(uids)).Debug("Found new messages")
	}

	for _, batch := range partitionUids(uids, BatchSize) {
		messages, err := s.fetch(batch)
		if err != nil {
			return err
		}

		for _, msg := range messages {
			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.cursor.LastUid = msg.Uid
		}
	}

	s.touch()
	return nil
}

func (s *session) newUids() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = &imap.SeqSet{}
	criteria.Uid.AddRange(s.cursor.LastUid+1, 0)

	found, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, classify("search", err)
	}

	// n:* always matches the highest uid, even below n
	uids := []uint32{}
	for _, uid := range found {
		if uid > s.cursor.LastUid {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	return uids, nil
}

func (s *session) fetch(uids []uint32) ([]*domain.NormalizedMessage, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)

	fullBodySection := &imap.BodySectionName{
		Peek: true,
	}
	fetchItems := []imap.FetchItem{fullBodySection.FetchItem(), imap.FetchUid, imap.FetchInternalDate, imap.FetchEnvelope}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqset, fetchItems, messages)
	}()

	results := []*domain.NormalizedMessage{}
	var readErr error
	for msg := range messages {
		if readErr != nil {
			continue
		}

		r := msg.GetBody(fullBodySection)
		if r == nil {
			s.l.WithField("uid", msg.Uid).Warn("Server returned no body, forwarding the envelope only")
			results = append(results, s.fromEnvelope(msg))
			continue
		}
		rawMail, err := io.ReadAll(r)
		if err != nil {
			readErr = fmt.Errorf("could not read mail body: %w", err)
			continue
		}

		results = append(results, s.normalize(msg.Uid, msg.InternalDate, rawMail))
	}

	err := <-done
	if err != nil {
		return nil, classify("fetch", err)
	}
	if readErr != nil {
		return nil, readErr
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Uid < results[j].Uid })
	return results, nil
}

func (s *session) normalize(uid uint32, internalDate time.Time, rawMail []byte) *domain.NormalizedMessage {
	msg := &domain.NormalizedMessage{
		ID:          domain.ImapMessageID(s.folder, s.cursor.UidValidity, uid),
		Folder:      s.folder,
		UidValidity: s.cursor.UidValidity,
		Uid:         uid,
		Received:    internalDate,
		Raw:         rawMail,
	}

	parsed, err := mail.Parse(rawMail)
	if err != nil {
		s.l.WithFields(logrus.Fields{"uid": uid, "error": err}).Warn("Could not parse mail, forwarding without details")
	} else {
		msg.From = parsed.From
		msg.Subject = parsed.Subject
		msg.Body = parsed.Body
		if msg.Received.IsZero() {
			msg.Received = parsed.Date
		}
	}

	if msg.Received.IsZero() {
		msg.Received = time.Now()
	}

	return msg
}

// fromEnvelope builds a message from the envelope when the server sent no
// body, so the mail is still forwarded instead of skipped by the cursor.
func (s *session) fromEnvelope(fetched *imap.Message) *domain.NormalizedMessage {
	msg := &domain.NormalizedMessage{
		ID:          domain.ImapMessageID(s.folder, s.cursor.UidValidity, fetched.Uid),
		Folder:      s.folder,
		UidValidity: s.cursor.UidValidity,
		Uid:         fetched.Uid,
		Received:    fetched.InternalDate,
		Body:        "(the server returned no body for this mail)",
	}

	if env := fetched.Envelope; env != nil {
		msg.Subject = env.Subject
		if len(env.From) > 0 && env.From[0] != nil {
			msg.From = formatAddress(env.From[0])
		}
		if msg.Received.IsZero() {
			msg.Received = env.Date
		}
	}

	if msg.Received.IsZero() {
		msg.Received = time.Now()
	}
	return msg
}

func formatAddress(addr *imap.Address) string {
	email := addr.MailboxName + "@" + addr.HostName
	if len(addr.PersonalName) == 0 {
		return email
	}
	return fmt.Sprintf("%s <%s>", addr.PersonalName, email)
}

// wait idles until the server reports a mailbox change, the poll interval
// passes or ctx is done.
func (s *session) wait(ctx context.Context) error {
	select {
	case <-s.changed:
		return nil
	default:
	}

	stop := make(chan struct{})
	done := make(chan error, 1)

	s.client.Timeout = 0
	defer func() { s.client.Timeout = s.commandTimeout }()
	go func() {
		done <- s.client.Idle(stop, &client.IdleOptions{PollInterval: s.pollInterval})
	}()

	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	var err error
	select {
	case <-ctx.Done():
		s.stopIdle(stop, done)
		return ctx.Err()
	case <-s.changed:
		err = s.stopIdle(stop, done)
	case <-timer.C:
		err = s.stopIdle(stop, done)
	case err = <-done:
		if err == nil {
			err = errors.New("idle ended unexpectedly")
		}
	}

	if err != nil {
		return classify("idle", err)
	}
	return nil
}

// stopIdle ends the IDLE command and drops the connection if the server does
// not confirm in time.
func (s *session) stopIdle(stop chan struct{}, done chan error) error {
	close(stop)
	select {
	case err := <-done:
		return err
	case <-time.After(s.commandTimeout):
		s.client.Terminate()
		<-done
		return errors.New("server did not end idle in time")
	}
}

func (s *session) touch() {
	s.lastCheck.Store(time.Now().UnixNano())
}

func (s *session) LastCheck() time.Time {
	ts := s.lastCheck.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		select {
		case <-s.client.LoggedOut():
		default:
			err = s.client.Logout()
			if err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
				s.l.WithField("error", err).Debug("Logout failed, terminating connection")
				err = s.client.Terminate()
			} else {
				err = nil
			}
		}
		close(s.done)
		s.l.Debug("Closed session")
	})
	return err
}

func partitionUids(uids []uint32, size int) [][]uint32 {
	partitions := [][]uint32{}
	for i := 0; i < len(uids); i += size {
		end := i + size
		if end > len(uids) {
			end = len(uids)
		}
		partitions = append(partitions, uids[i:end])
	}
	return partitions
}
