// Package repository implements store.Store on postgresql (pgx) and on GORM
// (postgresql or SQLite).
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/msx98/telelog/internal/logger"
	"github.com/msx98/telelog/internal/models"
	"github.com/msx98/telelog/internal/store"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// PostgresStore is a store.Store on a pgx connection pool.
type PostgresStore struct {
	pool Pool
	log  *logger.Logger
}

var _ store.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on pool. The schema comes from the
// embedded migrations.
func NewPostgresStore(pool Pool, log *logger.Logger) *PostgresStore {
	if log == nil {
		log = logger.Get()
	}
	return &PostgresStore{pool: pool, log: log}
}

const upsertChannelSQL = `
	INSERT INTO chats (chat_id, title, username, invite_link, chat_type, restricted, top_available_message_id, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	ON CONFLICT (chat_id) DO UPDATE SET
		title = EXCLUDED.title,
		username = COALESCE(EXCLUDED.username, chats.username),
		invite_link = COALESCE(EXCLUDED.invite_link, chats.invite_link),
		chat_type = EXCLUDED.chat_type,
		restricted = EXCLUDED.restricted,
		top_available_message_id = COALESCE(EXCLUDED.top_available_message_id, chats.top_available_message_id),
		updated_at = NOW()`

// UpsertChannels inserts or refreshes channel metadata in one batch.
func (s *PostgresStore) UpsertChannels(ctx context.Context, channels []models.Channel) (int64, error) {
	if len(channels) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, ch := range channels {
		batch.Queue(upsertChannelSQL,
			ch.ChatID, ch.Title, nullString(ch.Username), nullString(ch.InviteLink),
			string(ch.Kind), ch.Restricted, ch.TopAvailableMessageID)
	}

	if err := s.sendBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("upsert channels: %w", err)
	}
	return int64(len(channels)), nil
}

const upsertMessageSQL = `
	INSERT INTO messages (chat_id, message_id, date, text, sender_id, reply_to_message_id,
		forward_from_chat_id, forward_from_message_id, views, forwards, reactions_vote_count,
		media_type, has_poll)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (chat_id, message_id) DO UPDATE SET
		date = EXCLUDED.date,
		text = COALESCE(EXCLUDED.text, messages.text),
		sender_id = COALESCE(EXCLUDED.sender_id, messages.sender_id),
		reply_to_message_id = COALESCE(EXCLUDED.reply_to_message_id, messages.reply_to_message_id),
		forward_from_chat_id = COALESCE(EXCLUDED.forward_from_chat_id, messages.forward_from_chat_id),
		forward_from_message_id = COALESCE(EXCLUDED.forward_from_message_id, messages.forward_from_message_id),
		views = COALESCE(EXCLUDED.views, messages.views),
		forwards = COALESCE(EXCLUDED.forwards, messages.forwards),
		reactions_vote_count = COALESCE(EXCLUDED.reactions_vote_count, messages.reactions_vote_count),
		media_type = COALESCE(EXCLUDED.media_type, messages.media_type),
		has_poll = EXCLUDED.has_poll`

// UpsertMessages writes messages in one batch. Null fields keep the stored value.
func (s *PostgresStore) UpsertMessages(ctx context.Context, messages []models.Message) (int64, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, m := range messages {
		batch.Queue(upsertMessageSQL,
			m.ChatID, m.MessageID, m.Date, nullString(m.Text), m.SenderID, m.ReplyToMessageID,
			m.ForwardFromChatID, m.ForwardFromMessageID, m.Views, m.Forwards, m.ReactionsVoteCount,
			nullString(string(m.MediaType)), m.HasPoll)
	}

	if err := s.sendBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("upsert messages: %w", err)
	}
	return int64(len(messages)), nil
}

func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	br := s.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

// DeleteMessages removes messages with idLow < message_id <= idHigh.
func (s *PostgresStore) DeleteMessages(ctx context.Context, channelID, idLow, idHigh int64) (int64, error) {
	if idLow > idHigh {
		return 0, fmt.Errorf("delete messages: invalid range (%d, %d]", idLow, idHigh)
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM messages
		WHERE chat_id = $1 AND message_id > $2 AND message_id <= $3
	`, channelID, idLow, idHigh)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	s.log.Debug().
		Int64("channel_id", channelID).
		Int64("range_low", idLow).
		Int64("range_high", idHigh).
		Int64("deleted", tag.RowsAffected()).
		Msg("repository: messages deleted")
	return tag.RowsAffected(), nil
}

// GetStoredChannels returns every stored channel keyed by chat id.
func (s *PostgresStore) GetStoredChannels(ctx context.Context) (map[int64]models.StoredChannel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chat_id, title, username, invite_link, chat_type, restricted,
			top_available_message_id, top_message_id
		FROM chats
	`)
	if err != nil {
		return nil, fmt.Errorf("get stored channels: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]models.StoredChannel)
	for rows.Next() {
		var (
			ch                   models.StoredChannel
			username, inviteLink *string
			kind                 string
		)
		if err := rows.Scan(&ch.ChatID, &ch.Title, &username, &inviteLink, &kind, &ch.Restricted,
			&ch.TopAvailableMessageID, &ch.CommittedHighWaterMark); err != nil {
			return nil, fmt.Errorf("scan stored channel: %w", err)
		}
		ch.Username = deref(username)
		ch.InviteLink = deref(inviteLink)
		ch.Kind = models.ChatKind(kind)
		out[ch.ChatID] = ch
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get stored channels: %w", err)
	}
	return out, nil
}

// GetMaxStoredMessageID returns the highest stored id of a channel, or nil.
func (s *PostgresStore) GetMaxStoredMessageID(ctx context.Context, channelID int64) (*int64, error) {
	var maxID *int64
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(message_id) FROM messages WHERE chat_id = $1
	`, channelID).Scan(&maxID)
	if err != nil {
		return nil, fmt.Errorf("get max stored message id: %w", err)
	}
	return maxID, nil
}

// GetCountStoredMessages returns the message count and the newest message date.
func (s *PostgresStore) GetCountStoredMessages(ctx context.Context) (int64, *time.Time, error) {
	var (
		count  int64
		latest *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), MAX(date) FROM messages
	`).Scan(&count, &latest)
	if err != nil {
		return 0, nil, fmt.Errorf("count stored messages: %w", err)
	}
	return count, latest, nil
}

// SetHighWaterMark records the committed high-water mark of a channel.
func (s *PostgresStore) SetHighWaterMark(ctx context.Context, channelID, id int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (chat_id, top_message_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chat_id) DO UPDATE SET
			top_message_id = EXCLUDED.top_message_id,
			updated_at = NOW()
	`, channelID, id)
	if err != nil {
		return fmt.Errorf("set high water mark of %d: %w", channelID, err)
	}
	return nil
}

// GetCrashOffsets returns the lowest stored id above each channel's mark.
func (s *PostgresStore) GetCrashOffsets(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.pool.Query(ctx, crashOffsetsSQL)
	if err != nil {
		return nil, fmt.Errorf("get crash offsets: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var chatID, offset int64
		if err := rows.Scan(&chatID, &offset); err != nil {
			return nil, fmt.Errorf("scan crash offset: %w", err)
		}
		out[chatID] = offset
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get crash offsets: %w", err)
	}
	return out, nil
}

// crashOffsetsSQL is portable between postgresql and SQLite.
const crashOffsetsSQL = `
	SELECT m.chat_id, MIN(m.message_id)
	FROM messages m
	JOIN chats c ON c.chat_id = m.chat_id
	WHERE m.message_id > COALESCE(c.top_message_id, -1)
	GROUP BY m.chat_id`

// GetPersistedMarker returns the marker of slot or nil.
func (s *PostgresStore) GetPersistedMarker(ctx context.Context, slot string) (*models.Marker, error) {
	raw, err := s.GetSetting(ctx, store.MarkerKey(slot))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeMarker(raw)
}

// ListPersistedMarkers returns all markers ordered by slot.
func (s *PostgresStore) ListPersistedMarkers(ctx context.Context) ([]models.Marker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT value FROM configurations WHERE substr(key, 1, $1) = $2 ORDER BY key
	`, len(store.MarkerKeyPrefix), store.MarkerKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	defer rows.Close()

	var out []models.Marker
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		m, err := decodeMarker(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	return out, nil
}

// SetPersistedMarker stores the marker under its slot.
func (s *PostgresStore) SetPersistedMarker(ctx context.Context, marker models.Marker) error {
	raw, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	return s.PutSetting(ctx, store.MarkerKey(marker.Slot), string(raw))
}

// ClearMarker removes the marker of slot.
func (s *PostgresStore) ClearMarker(ctx context.Context, slot string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM configurations WHERE key = $1
	`, store.MarkerKey(slot))
	if err != nil {
		return fmt.Errorf("clear marker %s: %w", slot, err)
	}
	return nil
}

// GetSetting returns a configuration value or store.ErrNotFound.
func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM configurations WHERE key = $1
	`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// PutSetting stores a configuration value.
func (s *PostgresStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO configurations (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func decodeMarker(raw string) (*models.Marker, error) {
	var m models.Marker
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	return &m, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
