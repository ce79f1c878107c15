// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

// ParsedMail holds the fields of a raw RFC 822 message a notification needs.
type ParsedMail struct {
	From    string
	Subject string
	// Date is zero when the header is missing or malformed.
	Date       time.Time
	Body       string
	MailIdHash string
}

var (
	stripPolicy    = bluemonday.StrictPolicy()
	blockElements  = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/tr|/li|/h[1-6])\s*/?\s*>`)
	blankLines     = regexp.MustCompile(`\n[ \t]*\n(\s*\n)+`)
	horizontalRuns = regexp.MustCompile(`[ \t]+`)
)

func Parse(rawMail []byte) (*ParsedMail, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(rawMail))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("could not parse mail: %w", err)
	}

	parsed := &ParsedMail{}

	parsed.From = formatFrom(&mr.Header)

	parsed.Subject, err = mr.Header.Subject()
	if err != nil {
		// undecodable words are kept as sent
		parsed.Subject = mr.Header.Get("Subject")
	}

	if date, err := mr.Header.Date(); err == nil {
		parsed.Date = date
	}

	parsed.MailIdHash, err = hash([][]string{mr.Header.Values("Message-Id"), mr.Header.Values("Received")})
	if err != nil {
		return nil, fmt.Errorf("could not hash headers: %w", err)
	}

	parsed.Body, err = textBody(mr)
	if err != nil {
		return nil, err
	}

	return parsed, nil
}

func formatFrom(h *gomail.Header) string {
	addresses, err := h.AddressList("From")
	if err != nil || len(addresses) == 0 {
		return strings.TrimSpace(h.Get("From"))
	}

	a := addresses[0]
	if len(a.Name) == 0 {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// textBody prefers the first text/plain part and falls back to the first
// text/html part converted to plain text.
func textBody(mr *gomail.Reader) (string, error) {
	var htmlBody string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", fmt.Errorf("could not read mail part: %w", err)
		}
		if p == nil {
			continue
		}

		h, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, err := h.ContentType()
		if err != nil {
			contentType = "text/plain"
		}

		switch contentType {
		case "text/plain":
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", fmt.Errorf("could not read text part: %w", err)
			}
			return strings.TrimSpace(normalizeNewlines(string(b))), nil
		case "text/html":
			if len(htmlBody) > 0 {
				continue
			}
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", fmt.Errorf("could not read html part: %w", err)
			}
			htmlBody = HtmlToText(string(b))
		}
	}

	return htmlBody, nil
}

// HtmlToText removes all markup and keeps line structure for block elements.
func HtmlToText(body string) string {
	body = normalizeNewlines(body)
	body = blockElements.ReplaceAllString(body, "$0\n")
	text := html.UnescapeString(stripPolicy.Sanitize(body))
	text = horizontalRuns.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func ShortSubject(subject string) string {
	if utf8.RuneCountInString(subject) > 30 {
		subject = string([]rune(subject)[:30]) + "..."
	}
	return subject
}

func hash(input [][]string) (string, error) {
	sha := sha256.New()
	for _, i := range input {
		for _, ii := range i {
			_, err := sha.Write([]byte(ii))
			if err != nil {
				return "", fmt.Errorf("could not hash: %w", err)
			}
		}
	}

	return fmt.Sprintf("%x", sha.Sum(nil)), nil
}
