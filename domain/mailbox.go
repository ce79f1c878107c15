// SPDX-License-Identifier: GPL-3.0-or-later

//go:generate mockgen -destination=mocks/mailbox.go -package=mocks . MailboxConnector,MailboxSession
package domain

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type Protocol string

const (
	ProtocolImap = Protocol("imap")
	ProtocolPop3 = Protocol("pop3")
)

type SecurityMode string

const (
	SecurityPlain    = SecurityMode("plain")
	SecurityStartTLS = SecurityMode("starttls")
	SecurityTLS      = SecurityMode("tls")
)

const DefaultFolder = "INBOX"

// MailboxCredentials identify one mailbox. A session is bound to the
// credentials it was created with, changing them requires a new session.
type MailboxCredentials struct {
	Protocol           Protocol
	Host               string
	Port               int
	Username           string
	Secret             string
	Security           SecurityMode
	Folder             string
	InsecureSkipVerify bool
}

// WithDefaults fills protocol, security, folder and port when unset.
func (c MailboxCredentials) WithDefaults() MailboxCredentials {
	if c.Protocol == "" {
		c.Protocol = ProtocolImap
	}
	if c.Security == "" {
		c.Security = SecurityTLS
	}
	if c.Folder == "" {
		c.Folder = DefaultFolder
	}
	if c.Port == 0 {
		c.Port = defaultPort(c.Protocol, c.Security)
	}
	return c
}

func defaultPort(protocol Protocol, security SecurityMode) int {
	switch protocol {
	case ProtocolPop3:
		if security == SecurityTLS {
			return 995
		}
		return 110
	default:
		if security == SecurityTLS {
			return 993
		}
		return 143
	}
}

func (c MailboxCredentials) Validate() error {
	switch c.Protocol {
	case ProtocolImap, ProtocolPop3:
	default:
		return &ConfigError{Field: "protocol", Reason: fmt.Sprintf("unsupported protocol %q", c.Protocol)}
	}

	switch c.Security {
	case SecurityPlain, SecurityTLS:
	case SecurityStartTLS:
		if c.Protocol == ProtocolPop3 {
			return &ConfigError{Field: "security", Reason: "starttls is not supported for pop3"}
		}
	default:
		return &ConfigError{Field: "security", Reason: fmt.Sprintf("unsupported security mode %q", c.Security)}
	}

	if len(strings.TrimSpace(c.Host)) == 0 {
		return &ConfigError{Field: "host", Reason: "must not be empty"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is out of range", c.Port)}
	}
	if len(strings.TrimSpace(c.Username)) == 0 {
		return &ConfigError{Field: "username", Reason: "must not be empty"}
	}
	if len(c.Secret) == 0 {
		return &ConfigError{Field: "secret", Reason: "must not be empty"}
	}
	if len(strings.TrimSpace(c.Folder)) == 0 {
		return &ConfigError{Field: "folder", Reason: "must not be empty"}
	}

	return nil
}

func (c MailboxCredentials) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Namespace scopes persisted state to one mailbox and folder.
func (c MailboxCredentials) Namespace() string {
	return fmt.Sprintf("%s://%s@%s/%s", c.Protocol, c.Username, c.Address(), c.Folder)
}

// NormalizedMessage is a protocol independent view of one mailbox message.
type NormalizedMessage struct {
	// ID is stable across sessions and reconnects for the same message.
	ID          string
	Folder      string
	UidValidity uint32
	Uid         uint32
	RemoteID    string

	From     string
	Subject  string
	Received time.Time
	Body     string
	Raw      []byte
}

func ImapMessageID(folder string, uidValidity, uid uint32) string {
	return fmt.Sprintf("%s/%d/%d", folder, uidValidity, uid)
}

func Pop3MessageID(folder, uidl string) string {
	return fmt.Sprintf("%s/%s", folder, uidl)
}

// FolderCursor marks where watching a folder resumes.
type FolderCursor struct {
	Folder      string
	UidValidity uint32
	LastUid     uint32
	Since       time.Time
}

type MailboxConnector interface {
	Connect(ctx context.Context, creds MailboxCredentials) (MailboxSession, error)
}

type MailboxSession interface {
	// Open selects the folder and returns the cursor watching starts from.
	// A nil or stale cursor is re-baselined.
	Open(ctx context.Context, cursor *FolderCursor) (*FolderCursor, error)
	// Watch blocks and sends every new message to out exactly once. It
	// returns when ctx is done or the session is lost and can only be called
	// once per session.
	Watch(ctx context.Context, out chan<- *NormalizedMessage) error
	LastCheck() time.Time
	Close() error
}
