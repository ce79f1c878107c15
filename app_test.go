// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/CrawX/go-imap-notifier/config"
	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/log"
	"github.com/CrawX/go-imap-notifier/notifier"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, backend string) *config.Config {
	return &config.Config{
		Database: filepath.Join(t.TempDir(), "notifier.db"),
		Telegram: config.Telegram{BotToken: "123:abc", ChatID: "42"},
		Retry:    config.Retry{MaxAttempts: 1, BackoffBase: time.Second, BackoffMax: time.Second, Timeout: time.Second},
		Pipeline: config.Pipeline{QueueDepth: 1, ReconnectMin: time.Second, ReconnectMax: time.Second},
		Dedup:    config.Dedup{Backend: backend},
	}
}

func TestNewApp(t *testing.T) {
	log.InitLogging("error")

	for _, backend := range []string{config.DedupMemory, config.DedupSqlite} {
		t.Run(backend, func(t *testing.T) {
			a, err := newApp(testConfig(t, backend), false)
			require.NoError(t, err)
			defer a.Close()

			stats, err := a.service.GetStats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, notifier.Stats{}, *stats)

			connectors := a.connectors()
			assert.Contains(t, connectors, domain.ProtocolImap)
			assert.Contains(t, connectors, domain.ProtocolPop3)

			dispatcher, err := a.dispatcher(a.conf.TelegramConfig())
			require.NoError(t, err)
			assert.NotNil(t, dispatcher)

			_, err = a.dispatcher(domain.TelegramConfig{})
			assert.True(t, domain.IsConfigError(err))
		})
	}
}

func TestApp_StoresPerNamespace(t *testing.T) {
	log.InitLogging("error")

	const (
		alice = "imap://alice@a.example.org:993/INBOX"
		bob   = "imap://bob@b.example.org:993/INBOX"
	)

	testCases := []struct {
		name    string
		backend string
	}{
		{name: "memory", backend: config.DedupMemory},
		{name: "sqlite", backend: config.DedupSqlite},
		{name: "redis", backend: config.DedupRedis},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conf := testConfig(t, tc.backend)
			if tc.backend == config.DedupRedis {
				conf.Dedup.RedisAddress = miniredis.RunT(t).Addr()
			}
			a, err := newApp(conf, false)
			require.NoError(t, err)
			defer a.Close()
			ctx := context.Background()

			aliceDedup, aliceCursors, err := a.stores(alice)
			require.NoError(t, err)
			id := domain.ImapMessageID("INBOX", 1, 42)
			require.NoError(t, aliceDedup.MarkHandled(ctx, id, domain.HandledDelivered))
			require.NoError(t, aliceCursors.SaveCursor(ctx, &domain.FolderCursor{Folder: "INBOX", UidValidity: 1, LastUid: 42}))

			bobDedup, bobCursors, err := a.stores(bob)
			require.NoError(t, err)
			handled, err := bobDedup.HasHandled(ctx, id)
			require.NoError(t, err)
			assert.False(t, handled)
			cursor, err := bobCursors.LoadCursor(ctx, "INBOX")
			require.NoError(t, err)
			assert.Nil(t, cursor)

			again, _, err := a.stores(alice)
			require.NoError(t, err)
			assert.Same(t, aliceDedup, again)
			handled, err = again.HasHandled(ctx, id)
			require.NoError(t, err)
			assert.True(t, handled)
		})
	}
}

func TestApp_RedisClientPerNamespace(t *testing.T) {
	log.InitLogging("error")

	conf := testConfig(t, config.DedupRedis)
	conf.Dedup.RedisAddress = miniredis.RunT(t).Addr()
	a, err := newApp(conf, false)
	require.NoError(t, err)
	defer a.Close()

	closers := len(a.closers)
	for i := 0; i < 3; i++ {
		_, _, err := a.stores("imap://alice@a.example.org:993/INBOX")
		require.NoError(t, err)
	}
	assert.Equal(t, closers+1, len(a.closers))
}

func TestNewApp_NoSpamClassifierConfigured(t *testing.T) {
	log.InitLogging("error")

	a, err := newApp(testConfig(t, config.DedupMemory), true)
	require.NoError(t, err)
	defer a.Close()

	sc, err := a.spamClassifier()
	assert.NoError(t, err)
	assert.Nil(t, sc)
}

func TestVersionCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	versionCmd.SetOut(buf)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "go-imap-notifier dev (commit: none)\n", buf.String())
}
