package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msx98/telelog/internal/database"
	"github.com/msx98/telelog/internal/models"
	"github.com/msx98/telelog/internal/store"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)

	s := NewGormStore(db, nil)
	require.NoError(t, s.AutoMigrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func TestGormStore_UpsertMessages_KeepsNonNullFields(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	date := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.UpsertMessages(ctx, []models.Message{
		{ChatID: 1, MessageID: 10, Date: date, Text: "hello", Views: intPtr(5)},
	})
	require.NoError(t, err)

	n, err := s.UpsertMessages(ctx, []models.Message{
		{ChatID: 1, MessageID: 10, Date: date, Views: intPtr(7)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var row messageRow
	require.NoError(t, s.db.Where("chat_id = ? AND message_id = ?", 1, 10).Take(&row).Error)
	require.NotNil(t, row.Text)
	assert.Equal(t, "hello", *row.Text)
	require.NotNil(t, row.Views)
	assert.Equal(t, 7, *row.Views)

	count, latest, err := s.GetCountStoredMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	require.NotNil(t, latest)
	assert.True(t, date.Equal(*latest))
}

func TestGormStore_DeleteMessages_HalfOpenRange(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	var msgs []models.Message
	for id := int64(98); id <= 102; id++ {
		msgs = append(msgs, models.Message{ChatID: 5, MessageID: id})
	}
	msgs = append(msgs, models.Message{ChatID: 6, MessageID: 100})
	_, err := s.UpsertMessages(ctx, msgs)
	require.NoError(t, err)

	n, err := s.DeleteMessages(ctx, 5, 99, 101)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	maxID, err := s.GetMaxStoredMessageID(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, maxID)
	assert.Equal(t, int64(102), *maxID)

	count, _, err := s.GetCountStoredMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	_, err = s.DeleteMessages(ctx, 5, 10, 9)
	assert.Error(t, err)
}

func TestGormStore_GetMaxStoredMessageID_Empty(t *testing.T) {
	s := newSQLiteStore(t)

	maxID, err := s.GetMaxStoredMessageID(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, maxID)

	count, latest, err := s.GetCountStoredMessages(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Nil(t, latest)
}

func TestGormStore_Channels(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, err := s.UpsertChannels(ctx, []models.Channel{{
		ChatID:                -1000000000010,
		Title:                 "News",
		Username:              "news",
		Kind:                  models.ChatKindChannel,
		TopAvailableMessageID: models.Int64Ptr(500),
	}})
	require.NoError(t, err)
	require.NoError(t, s.SetHighWaterMark(ctx, -1000000000010, 400))

	// a later observation without username or top keeps both
	_, err = s.UpsertChannels(ctx, []models.Channel{{
		ChatID: -1000000000010,
		Title:  "News 2",
		Kind:   models.ChatKindChannel,
	}})
	require.NoError(t, err)

	got, err := s.GetStoredChannels(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	ch := got[-1000000000010]
	assert.Equal(t, "News 2", ch.Title)
	assert.Equal(t, "news", ch.Username)
	assert.Equal(t, int64(500), ch.Top())
	assert.Equal(t, int64(400), ch.Committed())
}

func TestGormStore_SetHighWaterMark_UnknownChannel(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	require.NoError(t, s.SetHighWaterMark(ctx, 77, 12))

	got, err := s.GetStoredChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got[77].Committed())
	assert.Equal(t, models.NoMessageID, got[77].Top())
}

func TestGormStore_CrashOffsets(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, err := s.UpsertChannels(ctx, []models.Channel{{ChatID: 1}, {ChatID: 2}, {ChatID: 3}})
	require.NoError(t, err)
	require.NoError(t, s.SetHighWaterMark(ctx, 1, 100))
	require.NoError(t, s.SetHighWaterMark(ctx, 2, 50))

	_, err = s.UpsertMessages(ctx, []models.Message{
		{ChatID: 1, MessageID: 90},
		{ChatID: 1, MessageID: 105},
		{ChatID: 1, MessageID: 103},
		{ChatID: 2, MessageID: 50},
		{ChatID: 3, MessageID: 7},
	})
	require.NoError(t, err)

	offsets, err := s.GetCrashOffsets(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{1: 103, 3: 7}, offsets)
}

func TestGormStore_Markers(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	m, err := s.GetPersistedMarker(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, m)

	alice := models.Marker{Slot: "alice", ChannelID: 1, ChannelName: "one", RangeLow: 10, RangeHigh: 20}
	bob := models.Marker{Slot: "bob", ChannelID: 2, ChannelName: "two", RangeLow: -1, RangeHigh: 5}
	require.NoError(t, s.SetPersistedMarker(ctx, bob))
	require.NoError(t, s.SetPersistedMarker(ctx, alice))
	require.NoError(t, s.PutSetting(ctx, "status_msg:alice", "99"))
	// not a marker key, though it matches 'last_write:%' under LIKE
	require.NoError(t, s.PutSetting(ctx, "lastXwrite:carol", "not json"))

	alice.RangeHigh = 30
	require.NoError(t, s.SetPersistedMarker(ctx, alice))

	got, err := s.GetPersistedMarker(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, alice, *got)

	list, err := s.ListPersistedMarkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Marker{alice, bob}, list)

	require.NoError(t, s.ClearMarker(ctx, "alice"))
	list, err = s.ListPersistedMarkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Marker{bob}, list)

	value, err := s.GetSetting(ctx, "status_msg:alice")
	require.NoError(t, err)
	assert.Equal(t, "99", value)

	_, err = s.GetSetting(ctx, "status_msg:bob")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
