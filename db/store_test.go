package db_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localgram/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "archive.db")
	require.NoError(t, db.Migrate(path))

	store, err := db.NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestResolveChannelUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.ResolveChannel(ctx, 1001, "News Channel", "news", "downloads/news", "downloads/news/profile.jpg")
	require.NoError(t, err)

	// A second resolution with different metadata must return the same key
	// and must not touch the stored fields (first write wins).
	second, err := store.ResolveChannel(ctx, 1001, "Renamed", "news2", "", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	channels, err := store.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "News Channel", channels[0].Title)
	assert.Equal(t, "news", channels[0].Username)
	assert.Equal(t, "downloads/news", channels[0].FolderPath)
}

func TestResolveChannelConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Racing resolutions of the same channel must all land on one row
	ids := make([]int64, 8)
	var wg sync.WaitGroup
	for i := 0; i < len(ids); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.ResolveChannel(ctx, 1001, "News", "news", "", "")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	channels, err := store.ListChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, channels, 1)
}

func TestSaveMessageIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	channelID, err := store.ResolveChannel(ctx, 1001, "News", "news", "", "")
	require.NoError(t, err)

	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	inserted, err := store.SaveMessage(ctx, channelID, 101, date, "hello", "", 0)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Duplicate insert is a no-op signal, not an error
	inserted, err = store.SaveMessage(ctx, channelID, 101, date, "hello again", "", 0)
	require.NoError(t, err)
	assert.False(t, inserted)

	msg, err := store.FindMessage(ctx, channelID, 101)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg.Text)
	assert.True(t, msg.Date.Equal(date))
}

func TestFindMessageAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	channelID, err := store.ResolveChannel(ctx, 1001, "News", "news", "", "")
	require.NoError(t, err)

	msg, err := store.FindMessage(ctx, channelID, 999)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestListMessagesAscendingOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	channelID, err := store.ResolveChannel(ctx, 1001, "News", "news", "", "")
	require.NoError(t, err)

	// Insert out of order; listing must come back ascending by external id
	for _, id := range []int64{103, 101, 105, 102, 104} {
		_, err := store.SaveMessage(ctx, channelID, id, time.Now(), "", "", 0)
		require.NoError(t, err)
	}

	messages, err := store.ListMessages(ctx, channelID, 100)
	require.NoError(t, err)
	require.Len(t, messages, 5)

	for i, want := range []int64{101, 102, 103, 104, 105} {
		assert.Equal(t, want, messages[i].FeedID)
	}

	limited, err := store.ListMessages(ctx, channelID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMessagesScopedToChannel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	newsID, err := store.ResolveChannel(ctx, 1001, "News", "news", "", "")
	require.NoError(t, err)
	techID, err := store.ResolveChannel(ctx, 1002, "Tech", "tech", "", "")
	require.NoError(t, err)

	// The same external id may exist on both channels
	inserted, err := store.SaveMessage(ctx, newsID, 101, time.Now(), "news post", "", 0)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = store.SaveMessage(ctx, techID, 101, time.Now(), "tech post", "", 0)
	require.NoError(t, err)
	assert.True(t, inserted)

	messages, err := store.ListMessages(ctx, newsID, 100)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "news post", messages[0].Text)
}

func TestGetChannel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	channelID, err := store.ResolveChannel(ctx, 1001, "News", "news", "downloads/news", "")
	require.NoError(t, err)

	channel, err := store.GetChannel(ctx, channelID)
	require.NoError(t, err)
	require.NotNil(t, channel)
	assert.Equal(t, int64(1001), channel.FeedID)
	assert.Equal(t, "News", channel.Title)

	absent, err := store.GetChannel(ctx, channelID+100)
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestResetAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	channelID, err := store.ResolveChannel(ctx, 1001, "News", "news", "", "")
	require.NoError(t, err)
	_, err = store.SaveMessage(ctx, channelID, 101, time.Now(), "hello", "", 0)
	require.NoError(t, err)

	require.NoError(t, store.ResetAll(ctx))

	channels, err := store.ListChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels)

	msg, err := store.FindMessage(ctx, channelID, 101)
	require.NoError(t, err)
	assert.Nil(t, msg)

	// Internal keys restart from scratch after a reset
	fresh, err := store.ResolveChannel(ctx, 2002, "Tech", "tech", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fresh)
}
