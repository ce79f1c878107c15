// SPDX-License-Identifier: GPL-3.0-or-later
package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, namespace string) (*Store, *miniredis.Miniredis) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStoreWithClient(client, namespace), server
}

func TestStore_Dedup(t *testing.T) {
	s, server := newTestStore(t, "imap://user@host:993/INBOX")
	ctx := context.Background()

	assert.Equal(t, domain.Durable, s.Durability())

	handled, err := s.HasHandled(ctx, "INBOX/1/42")
	require.NoError(t, err)
	assert.False(t, handled)

	require.NoError(t, s.MarkHandled(ctx, "INBOX/1/42", domain.HandledDelivered))
	require.NoError(t, s.MarkHandled(ctx, "INBOX/1/42", domain.HandledFailed))

	handled, err = s.HasHandled(ctx, "INBOX/1/42")
	require.NoError(t, err)
	assert.True(t, handled)

	outcome, err := s.HandledOutcome(ctx, "INBOX/1/42")
	require.NoError(t, err)
	assert.Equal(t, domain.HandledDelivered, outcome)

	value, err := server.Get("notifier:imap://user@host:993/INBOX:handled:INBOX/1/42")
	require.NoError(t, err)
	assert.Equal(t, "delivered", value)
}

func TestStore_Cursor(t *testing.T) {
	s, _ := newTestStore(t, "ns")
	ctx := context.Background()

	cursor, err := s.LoadCursor(ctx, "INBOX")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	since := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCursor(ctx, &domain.FolderCursor{Folder: "INBOX", UidValidity: 5, LastUid: 77, Since: since}))

	cursor, err = s.LoadCursor(ctx, "INBOX")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, uint32(5), cursor.UidValidity)
	assert.Equal(t, uint32(77), cursor.LastUid)
	assert.True(t, since.Equal(cursor.Since))
}

func TestStore_Unavailable(t *testing.T) {
	s, server := newTestStore(t, "ns")
	server.Close()

	_, err := s.HasHandled(context.Background(), "x")
	assert.Error(t, err)
}

func TestNewRedisStore(t *testing.T) {
	server := miniredis.RunT(t)

	s, err := NewRedisStore(context.Background(), server.Addr(), "", 0, "ns")
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	_, err = NewRedisStore(context.Background(), "127.0.0.1:1", "", 0, "ns")
	assert.Error(t, err)
}
