package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msx98/telelog/internal/models"
	"github.com/msx98/telelog/internal/store"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *PostgresStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPostgresStore(mock, nil)
}

func TestPostgresStore_DeleteMessages(t *testing.T) {
	mock, s := newMockStore(t)

	mock.ExpectExec("DELETE FROM messages").
		WithArgs(int64(42), int64(100), int64(500)).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := s.DeleteMessages(context.Background(), 42, 100, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteMessages_InvalidRange(t *testing.T) {
	mock, s := newMockStore(t)

	_, err := s.DeleteMessages(context.Background(), 42, 500, 100)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EmptyUpsertsSkipDatabase(t *testing.T) {
	mock, s := newMockStore(t)

	n, err := s.UpsertMessages(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.UpsertChannels(context.Background(), []models.Channel{})
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMaxStoredMessageID(t *testing.T) {
	mock, s := newMockStore(t)

	mock.ExpectQuery(`SELECT MAX\(message_id\) FROM messages`).
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(models.Int64Ptr(1010)))

	got, err := s.GetMaxStoredMessageID(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1010), *got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetStoredChannels(t *testing.T) {
	mock, s := newMockStore(t)

	username := "news"
	rows := pgxmock.NewRows([]string{
		"chat_id", "title", "username", "invite_link", "chat_type", "restricted",
		"top_available_message_id", "top_message_id",
	}).AddRow(int64(-1000000000010), "News", &username, (*string)(nil), "channel", false,
		models.Int64Ptr(500), models.Int64Ptr(400))
	mock.ExpectQuery("FROM chats").WillReturnRows(rows)

	got, err := s.GetStoredChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	ch := got[-1000000000010]
	assert.Equal(t, "News", ch.Title)
	assert.Equal(t, "news", ch.Username)
	assert.Empty(t, ch.InviteLink)
	assert.Equal(t, models.ChatKindChannel, ch.Kind)
	assert.Equal(t, int64(500), ch.Top())
	assert.Equal(t, int64(400), ch.Committed())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCrashOffsets(t *testing.T) {
	mock, s := newMockStore(t)

	mock.ExpectQuery(`SELECT m.chat_id, MIN\(m.message_id\)`).
		WillReturnRows(pgxmock.NewRows([]string{"chat_id", "min"}).
			AddRow(int64(1), int64(11)).
			AddRow(int64(2), int64(205)))

	got, err := s.GetCrashOffsets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{1: 11, 2: 205}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetHighWaterMark(t *testing.T) {
	mock, s := newMockStore(t)

	mock.ExpectExec("INSERT INTO chats").
		WithArgs(int64(42), int64(1010)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SetHighWaterMark(context.Background(), 42, 1010))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Markers(t *testing.T) {
	mock, s := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT value FROM configurations WHERE key =").
		WithArgs("last_write:alice").
		WillReturnError(pgx.ErrNoRows)

	m, err := s.GetPersistedMarker(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, m)

	marker := models.Marker{Slot: "alice", ChannelID: 42, ChannelName: "news", RangeLow: 100, RangeHigh: 500}
	mock.ExpectExec("INSERT INTO configurations").
		WithArgs("last_write:alice", `{"slot":"alice","channel_id":42,"channel_name":"news","range_low":100,"range_high":500}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SetPersistedMarker(ctx, marker))

	mock.ExpectQuery(`SELECT value FROM configurations WHERE substr\(key, 1, \$1\) = \$2`).
		WithArgs(len("last_write:"), "last_write:").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).
			AddRow(`{"slot":"alice","channel_id":42,"channel_name":"news","range_low":100,"range_high":500}`))
	list, err := s.ListPersistedMarkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Marker{marker}, list)

	mock.ExpectExec("DELETE FROM configurations").
		WithArgs("last_write:alice").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, s.ClearMarker(ctx, "alice"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSetting_NotFound(t *testing.T) {
	mock, s := newMockStore(t)

	mock.ExpectQuery("SELECT value FROM configurations").
		WithArgs("status_msg:alice").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSetting(context.Background(), "status_msg:alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCountStoredMessages(t *testing.T) {
	mock, s := newMockStore(t)
	latest := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\), MAX\(date\) FROM messages`).
		WillReturnRows(pgxmock.NewRows([]string{"count", "max"}).AddRow(int64(12), &latest))

	n, got, err := s.GetCountStoredMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	require.NotNil(t, got)
	assert.True(t, latest.Equal(*got))
	require.NoError(t, mock.ExpectationsWereMet())
}
