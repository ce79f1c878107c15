// SPDX-License-Identifier: GPL-3.0-or-later
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/log"
	"github.com/CrawX/go-imap-notifier/render"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIURL = "https://api.telegram.org"
	// MaxTextLength is the longest text sendMessage accepts.
	MaxTextLength = 4096
)

// Bot delivers notifications to one chat through the Telegram Bot API.
type Bot struct {
	cfg     domain.TelegramConfig
	policy  domain.RetryPolicy
	client  *resty.Client
	limiter *rate.Limiter
	now     func() time.Time

	l *logrus.Entry
}

type Option func(b *Bot)

// HTTPClient replaces the transport, mostly for tests.
func HTTPClient(hc *http.Client) Option {
	return func(b *Bot) {
		b.client = resty.NewWithClient(hc)
	}
}

func NewBot(cfg domain.TelegramConfig, policy domain.RetryPolicy, opts ...Option) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.APIURL) == 0 {
		cfg.APIURL = DefaultAPIURL
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	b := &Bot{
		cfg:     cfg,
		policy:  policy,
		client:  resty.New(),
		limiter: rate.NewLimiter(rate.Inf, 1),
		now:     time.Now,
		l:       log.Logger(log.LOG_TELEGRAM).WithField("chat", cfg.ChatID),
	}
	if policy.RatePerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(policy.RatePerSecond), 1)
	}
	for _, opt := range opts {
		opt(b)
	}

	b.client.
		SetBaseURL(strings.TrimRight(cfg.APIURL, "/")).
		SetLogger(b.l)

	return b, nil
}

type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	MessageThreadID     int64  `json:"message_thread_id,omitempty"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
	LinkPreviewOptions  struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
}

type apiResponse struct {
	Ok          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      *struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (b *Bot) Deliver(ctx context.Context, req *domain.DeliveryRequest, observe domain.AttemptObserver) (*domain.DeliveryAttempt, error) {
	logger := b.l.WithField("messageid", req.MessageID)

	for attempt := 1; ; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("delivery of %s cancelled: %w", req.MessageID, err)
		}

		a, deliveryErr := b.send(ctx, req, attempt)
		a.Final = a.Outcome != domain.AttemptTransientFailure || attempt >= b.policy.MaxAttempts
		if observe != nil {
			observe(a)
		}

		if a.Final {
			if !a.Succeeded() {
				logger.WithFields(logrus.Fields{"attempt": attempt, "error": a.Error}).Warn("Delivery failed")
			}
			return a, nil
		}

		wait := b.policy.Backoff(attempt)
		if deliveryErr != nil && deliveryErr.RetryAfter > wait {
			wait = deliveryErr.RetryAfter
		}
		logger.WithFields(logrus.Fields{"attempt": attempt, "wait": wait, "error": a.Error}).Info("Delivery failed transiently, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("delivery of %s cancelled: %w", req.MessageID, ctx.Err())
		case <-timer.C:
		}
	}
}

// Send performs a single attempt. A failed attempt is returned together with
// its *domain.DeliveryError.
func (b *Bot) Send(ctx context.Context, req *domain.DeliveryRequest) (*domain.DeliveryAttempt, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	a, deliveryErr := b.send(ctx, req, 1)
	a.Final = true
	if deliveryErr != nil {
		return a, deliveryErr
	}
	return a, nil
}

// send makes one request. A request on the wire is not cut short by ctx,
// only by the policy timeout.
func (b *Bot) send(ctx context.Context, req *domain.DeliveryRequest, attempt int) (*domain.DeliveryAttempt, *domain.DeliveryError) {
	a := &domain.DeliveryAttempt{
		ID:        uuid.NewString(),
		MessageID: req.MessageID,
		Sender:    req.Sender,
		Subject:   req.Subject,
		Attempt:   attempt,
		Timestamp: b.now(),
	}

	reqCtx := context.WithoutCancel(ctx)
	if b.policy.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, b.policy.Timeout)
		defer cancel()
	}

	body := sendMessageRequest{
		ChatID:              b.cfg.ChatID,
		Text:                render.Truncate(req.Text, MaxTextLength),
		MessageThreadID:     b.cfg.ThreadID,
		DisableNotification: b.cfg.DisableNotification,
	}
	body.LinkPreviewOptions.IsDisabled = true

	start := time.Now()
	resp, err := b.client.R().
		SetContext(reqCtx).
		SetPathParam("token", b.cfg.BotToken).
		SetBody(body).
		Post("/bot{token}/sendMessage")
	a.Latency = time.Since(start)

	var deliveryErr *domain.DeliveryError
	if err != nil {
		deliveryErr = &domain.DeliveryError{Err: scrubToken(err, b.cfg.BotToken)}
	} else {
		var providerID int64
		providerID, deliveryErr = classifyResponse(resp.StatusCode(), resp.Header(), resp.Body())
		if deliveryErr == nil {
			a.Outcome = domain.AttemptSuccess
			a.ProviderMessageID = fmt.Sprint(providerID)
			return a, nil
		}
	}

	a.Error = deliveryErr.Error()
	a.Outcome = domain.AttemptTransientFailure
	if deliveryErr.Permanent {
		a.Outcome = domain.AttemptPermanentFailure
	}
	return a, deliveryErr
}

func classifyResponse(status int, header http.Header, body []byte) (int64, *domain.DeliveryError) {
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// proxies and outages answer with html
		return 0, &domain.DeliveryError{
			StatusCode: status,
			Err:        fmt.Errorf("could not parse response: %w", err),
		}
	}

	if status >= 200 && status < 300 {
		if parsed.Ok && parsed.Result != nil {
			return parsed.Result.MessageID, nil
		}
		return 0, &domain.DeliveryError{Permanent: true, StatusCode: status, Description: orDefault(parsed.Description, "request not accepted")}
	}

	deliveryErr := &domain.DeliveryError{
		StatusCode:  status,
		Description: orDefault(parsed.Description, http.StatusText(status)),
	}
	switch {
	case status == http.StatusTooManyRequests:
		deliveryErr.RetryAfter = retryAfter(parsed, header)
	case status >= 500:
	default:
		deliveryErr.Permanent = true
	}
	return 0, deliveryErr
}

func retryAfter(parsed apiResponse, header http.Header) time.Duration {
	if parsed.Parameters != nil && parsed.Parameters.RetryAfter > 0 {
		return time.Duration(parsed.Parameters.RetryAfter) * time.Second
	}
	var seconds int
	if _, err := fmt.Sscanf(header.Get("Retry-After"), "%d", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func orDefault(s, def string) string {
	if len(s) == 0 {
		return def
	}
	return s
}

// scrubToken removes the bot token from url errors so it never reaches the
// ledger or logs.
func scrubToken(err error, token string) error {
	if len(token) == 0 || !strings.Contains(err.Error(), token) {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), token, "<token>")
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, context.DeadlineExceeded)
	}
	return errors.New(msg)
}
