// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/CrawX/go-imap-notifier/domain"

	"github.com/emersion/go-imap/client"
)

// classify maps a failure on an established or dialing connection to the
// domain error taxonomy. Anything that is neither tls nor auth is treated as
// a network problem so the pipeline reconnects.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTLSError(err) {
		return &domain.TLSError{Err: err}
	}
	return &domain.NetworkError{Op: op, Err: err}
}

// classifyLogin treats every rejection by the server as an auth failure.
func classifyLogin(err error) error {
	if isTLSError(err) {
		return &domain.TLSError{Err: err}
	}
	if isConnectionError(err) {
		return &domain.NetworkError{Op: "login", Err: err}
	}
	if errors.Is(err, client.ErrLoginDisabled) {
		return &domain.AuthError{Err: errors.New("server does not allow login without tls")}
	}
	return &domain.AuthError{Err: err}
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	var alertErr tls.AlertError

	return errors.As(err, &certErr) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		strings.HasPrefix(err.Error(), "tls: ")
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection closed") || strings.Contains(msg, "disconnected")
}
