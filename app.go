// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/CrawX/go-imap-notifier/classifier"
	"github.com/CrawX/go-imap-notifier/classifier/rspamd"
	"github.com/CrawX/go-imap-notifier/classifier/spamassassin"
	"github.com/CrawX/go-imap-notifier/config"
	"github.com/CrawX/go-imap-notifier/credential"
	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/imapconnection"
	"github.com/CrawX/go-imap-notifier/log"
	"github.com/CrawX/go-imap-notifier/memstore"
	"github.com/CrawX/go-imap-notifier/metrics"
	"github.com/CrawX/go-imap-notifier/notifier"
	"github.com/CrawX/go-imap-notifier/persistence"
	"github.com/CrawX/go-imap-notifier/pop3connection"
	"github.com/CrawX/go-imap-notifier/redisstore"
	"github.com/CrawX/go-imap-notifier/telegram"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const redisTimeout = 10 * time.Second

type mailboxStores struct {
	dedup   domain.DedupStore
	cursors domain.CursorStore
}

// app wires the configured stores, connectors and dispatcher into a service.
type app struct {
	conf    *config.Config
	service *notifier.Service

	registry *prometheus.Registry
	server   *http.Server

	mu      sync.Mutex
	closers []io.Closer

	storesMu  sync.Mutex
	mailboxes map[string]mailboxStores
	stores    notifier.StoreFunc

	l *logrus.Logger
}

func loadConfig() (*config.Config, error) {
	conf, err := config.ReadConfig(configFlag)
	if err != nil {
		return nil, err
	}

	if conf.Loglevel != nil {
		log.SetLogLevel(*conf.Loglevel)
	}

	err = conf.ResolveSecrets(credential.NewResolver())
	if err != nil {
		return nil, err
	}
	return conf, nil
}

// newApp builds the service. The spam classifier is only connected when
// withSpamFilter is set, commands that never run the pipeline do not need it.
func newApp(conf *config.Config, withSpamFilter bool) (*app, error) {
	a := &app{
		conf:      conf,
		registry:  prometheus.NewRegistry(),
		mailboxes: map[string]mailboxStores{},
		l:         log.Logger(log.LOG_MAIN),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	configs := conf.NotifierConfig()
	configs = append(configs, notifier.Metrics(metrics.New(a.registry)))

	if withSpamFilter {
		sc, err := a.spamClassifier()
		if err != nil {
			return nil, err
		}
		if sc != nil {
			configs = append(configs, notifier.SpamFilter(&classifier.RetryingSpamClassifier{SpamClassifier: sc}))
		}
	}

	ledger, open, err := a.openStores()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.stores = a.cached(open)

	service, err := notifier.NewService(a.connectors(), a.stores, ledger, a.dispatcher, configs...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.service = service

	return a, nil
}

func (a *app) connectors() map[domain.Protocol]domain.MailboxConnector {
	mailbox := a.conf.Mailbox

	imapOpts := []imapconnection.Option{
		imapconnection.PollInterval(mailbox.PollInterval),
		imapconnection.DialTimeout(mailbox.DialTimeout),
	}
	if mailbox.Compress {
		imapOpts = append(imapOpts, imapconnection.Compress())
	}

	pop3Opts := []pop3connection.Option{
		pop3connection.PollInterval(mailbox.PollInterval),
		pop3connection.DialTimeout(mailbox.DialTimeout),
	}

	if mailbox.ProcessExisting {
		imapOpts = append(imapOpts, imapconnection.ProcessExisting())
		pop3Opts = append(pop3Opts, pop3connection.ProcessExisting())
	}

	return map[domain.Protocol]domain.MailboxConnector{
		domain.ProtocolImap: imapconnection.NewConnector(imapOpts...),
		domain.ProtocolPop3: pop3connection.NewConnector(pop3Opts...),
	}
}

// openStores returns the ledger and a function opening the stores of one
// mailbox namespace.
func (a *app) openStores() (domain.Ledger, notifier.StoreFunc, error) {
	if a.conf.Dedup.Backend == config.DedupMemory {
		a.l.Warn("Using the memory store, history and dedup records are lost on exit")
		return memstore.New(), func(string) (domain.DedupStore, domain.CursorStore, error) {
			m := memstore.New()
			return m, m, nil
		}, nil
	}

	p, err := persistence.NewPersistence(a.conf.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to database: %w", err)
	}
	a.addCloser(p)

	if a.conf.Dedup.Backend == config.DedupRedis {
		dedup := a.conf.Dedup
		return p, func(namespace string) (domain.DedupStore, domain.CursorStore, error) {
			ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
			defer cancel()

			s, err := redisstore.NewRedisStore(ctx, dedup.RedisAddress, dedup.RedisPassword, dedup.RedisDB, namespace)
			if err != nil {
				return nil, nil, err
			}
			a.addCloser(s)
			return s, s, nil
		}, nil
	}

	return p, func(namespace string) (domain.DedupStore, domain.CursorStore, error) {
		m := p.Mailbox(namespace)
		return m, m, nil
	}, nil
}

// cached opens the stores of a namespace once and hands out the same ones on
// every later pipeline start.
func (a *app) cached(open notifier.StoreFunc) notifier.StoreFunc {
	return func(namespace string) (domain.DedupStore, domain.CursorStore, error) {
		a.storesMu.Lock()
		defer a.storesMu.Unlock()

		if s, ok := a.mailboxes[namespace]; ok {
			return s.dedup, s.cursors, nil
		}

		dedup, cursors, err := open(namespace)
		if err != nil {
			return nil, nil, err
		}
		a.mailboxes[namespace] = mailboxStores{dedup: dedup, cursors: cursors}
		return dedup, cursors, nil
	}
}

func (a *app) dispatcher(cfg domain.TelegramConfig) (domain.Dispatcher, error) {
	bot, err := telegram.NewBot(cfg, a.conf.RetryPolicy())
	if err != nil {
		return nil, err
	}
	return bot, nil
}

func (a *app) spamClassifier() (domain.SpamClassifier, error) {
	spam := a.conf.Spam
	switch {
	case len(spam.SpamassassinHost) > 0:
		sa, err := spamassassin.NewSpamassassin(spam.SpamassassinHost)
		if err != nil {
			return nil, fmt.Errorf("could not start spamassassin connector: %w", err)
		}
		return sa, nil
	case len(spam.RspamdController) > 0:
		rs, err := rspamd.NewRspamd(spam.RspamdController, spam.RspamdPassword)
		if err != nil {
			return nil, fmt.Errorf("could not start rspamd connector: %w", err)
		}
		return rs, nil
	default:
		return nil, nil
	}
}

// serveMetrics exposes the registry when MetricsListen is set.
func (a *app) serveMetrics() {
	if len(a.conf.MetricsListen) == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{
		Addr:              a.conf.MetricsListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.l.WithField("listen", a.conf.MetricsListen).Info("Serving metrics")
		err := a.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.l.WithField("error", err).Error("Metrics server failed")
		}
	}()
}

func (a *app) addCloser(c io.Closer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, c)
}

func (a *app) Close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.l.WithField("error", err).Warn("Could not stop metrics server")
		}
	}

	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			a.l.WithField("error", err).Warn("Could not close resource")
		}
	}
}
