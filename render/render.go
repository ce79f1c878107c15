// SPDX-License-Identifier: GPL-3.0-or-later
package render

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/CrawX/go-imap-notifier/domain"
)

const (
	PlaceholderFrom    = "{from}"
	PlaceholderSubject = "{subject}"
	PlaceholderTime    = "{time}"
	PlaceholderBody    = "{body}"

	DefaultText       = "📧 New Email Received\n\nFrom: {from}\nSubject: {subject}\nTime: {time}"
	DefaultTimeFormat = "2006-01-02 15:04:05"
	DefaultMaxBody    = 1000

	truncationMark = "…"
)

var placeholders = []string{PlaceholderFrom, PlaceholderSubject, PlaceholderTime, PlaceholderBody}

// Template is a parsed notification template. Substitution is literal, values
// are never interpreted as template text.
type Template struct {
	text       string
	timeFormat string
	location   *time.Location
	maxBody    int
}

func Parse(cfg domain.TemplateConfig) (*Template, error) {
	if len(strings.TrimSpace(cfg.Text)) == 0 {
		return nil, &domain.TemplateConfigError{Reason: "template text must not be empty"}
	}

	found := false
	for _, p := range placeholders {
		if strings.Contains(cfg.Text, p) {
			found = true
			break
		}
	}
	if !found {
		return nil, &domain.TemplateConfigError{
			Reason: "template must contain at least one of " + strings.Join(placeholders, ", "),
		}
	}

	if cfg.MaxBody < 0 {
		return nil, &domain.TemplateConfigError{Reason: "max body length must not be negative"}
	}

	t := &Template{
		text:       cfg.Text,
		timeFormat: cfg.TimeFormat,
		location:   cfg.Location,
		maxBody:    cfg.MaxBody,
	}
	if len(t.timeFormat) == 0 {
		t.timeFormat = DefaultTimeFormat
	}
	if t.location == nil {
		t.location = time.Local
	}
	if t.maxBody == 0 {
		t.maxBody = DefaultMaxBody
	}

	return t, nil
}

func (t *Template) Render(msg *domain.NormalizedMessage) string {
	r := strings.NewReplacer(
		PlaceholderFrom, msg.From,
		PlaceholderSubject, msg.Subject,
		PlaceholderTime, t.formatTime(msg.Received),
		PlaceholderBody, Truncate(msg.Body, t.maxBody),
	)

	return r.Replace(t.text)
}

func (t *Template) formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.In(t.location).Format(t.timeFormat)
}

// Truncate shortens s to at most max characters including the trailing mark.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}

	runes := []rune(s)
	return string(runes[:max-1]) + truncationMark
}
