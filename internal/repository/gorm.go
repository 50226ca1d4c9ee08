package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/msx98/telelog/internal/logger"
	"github.com/msx98/telelog/internal/models"
	"github.com/msx98/telelog/internal/store"
)

const gormBatchSize = 200

type chatRow struct {
	ChatID                int64 `gorm:"primaryKey;autoIncrement:false"`
	Title                 string
	Username              *string
	InviteLink            *string
	ChatType              string
	Restricted            bool
	TopAvailableMessageID *int64
	TopMessageID          *int64
	UpdatedAt             time.Time
}

func (chatRow) TableName() string { return "chats" }

type messageRow struct {
	ChatID               int64     `gorm:"primaryKey;autoIncrement:false"`
	MessageID            int64     `gorm:"primaryKey;autoIncrement:false"`
	Date                 time.Time `gorm:"not null;index:idx_messages_date"`
	Text                 *string
	SenderID             *int64
	ReplyToMessageID     *int64
	ForwardFromChatID    *int64
	ForwardFromMessageID *int64
	Views                *int
	Forwards             *int
	ReactionsVoteCount   *int
	MediaType            *string
	HasPoll              bool
}

func (messageRow) TableName() string { return "messages" }

type settingRow struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (settingRow) TableName() string { return "configurations" }

// GormStore is a store.Store on a GORM handle. It serves both the postgresql
// and the SQLite dialects.
type GormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

var _ store.Store = (*GormStore)(nil)

// NewGormStore creates a store on db.
func NewGormStore(db *gorm.DB, log *logger.Logger) *GormStore {
	if log == nil {
		log = logger.Get()
	}
	return &GormStore{db: db, log: log}
}

// AutoMigrate creates the schema from the row models. Postgresql deployments
// use the versioned migrations instead.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&chatRow{}, &messageRow{}, &settingRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// UpsertChannels inserts or refreshes channel metadata.
func (s *GormStore) UpsertChannels(ctx context.Context, channels []models.Channel) (int64, error) {
	if len(channels) == 0 {
		return 0, nil
	}

	rows := make([]chatRow, 0, len(channels))
	now := time.Now().UTC()
	for _, ch := range channels {
		rows = append(rows, chatRow{
			ChatID:                ch.ChatID,
			Title:                 ch.Title,
			Username:              nullString(ch.Username),
			InviteLink:            nullString(ch.InviteLink),
			ChatType:              string(ch.Kind),
			Restricted:            ch.Restricted,
			TopAvailableMessageID: ch.TopAvailableMessageID,
			UpdatedAt:             now,
		})
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"title":                    gorm.Expr("excluded.title"),
			"username":                 gorm.Expr("COALESCE(excluded.username, chats.username)"),
			"invite_link":              gorm.Expr("COALESCE(excluded.invite_link, chats.invite_link)"),
			"chat_type":                gorm.Expr("excluded.chat_type"),
			"restricted":               gorm.Expr("excluded.restricted"),
			"top_available_message_id": gorm.Expr("COALESCE(excluded.top_available_message_id, chats.top_available_message_id)"),
			"updated_at":               gorm.Expr("excluded.updated_at"),
		}),
	}).CreateInBatches(&rows, gormBatchSize).Error
	if err != nil {
		return 0, fmt.Errorf("upsert channels: %w", err)
	}
	return int64(len(rows)), nil
}

// UpsertMessages writes messages in batches. Null fields keep the stored value.
func (s *GormStore) UpsertMessages(ctx context.Context, messages []models.Message) (int64, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	rows := make([]messageRow, 0, len(messages))
	for _, m := range messages {
		rows = append(rows, messageRow{
			ChatID:               m.ChatID,
			MessageID:            m.MessageID,
			Date:                 m.Date.UTC(),
			Text:                 nullString(m.Text),
			SenderID:             m.SenderID,
			ReplyToMessageID:     m.ReplyToMessageID,
			ForwardFromChatID:    m.ForwardFromChatID,
			ForwardFromMessageID: m.ForwardFromMessageID,
			Views:                m.Views,
			Forwards:             m.Forwards,
			ReactionsVoteCount:   m.ReactionsVoteCount,
			MediaType:            nullString(string(m.MediaType)),
			HasPoll:              m.HasPoll,
		})
	}

	keep := func(col string) clause.Expr {
		return gorm.Expr(fmt.Sprintf("COALESCE(excluded.%[1]s, messages.%[1]s)", col))
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chat_id"}, {Name: "message_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"date":                    gorm.Expr("excluded.date"),
			"text":                    keep("text"),
			"sender_id":               keep("sender_id"),
			"reply_to_message_id":     keep("reply_to_message_id"),
			"forward_from_chat_id":    keep("forward_from_chat_id"),
			"forward_from_message_id": keep("forward_from_message_id"),
			"views":                   keep("views"),
			"forwards":                keep("forwards"),
			"reactions_vote_count":    keep("reactions_vote_count"),
			"media_type":              keep("media_type"),
			"has_poll":                gorm.Expr("excluded.has_poll"),
		}),
	}).CreateInBatches(&rows, gormBatchSize).Error
	if err != nil {
		return 0, fmt.Errorf("upsert messages: %w", err)
	}
	return int64(len(rows)), nil
}

// DeleteMessages removes messages with idLow < message_id <= idHigh.
func (s *GormStore) DeleteMessages(ctx context.Context, channelID, idLow, idHigh int64) (int64, error) {
	if idLow > idHigh {
		return 0, fmt.Errorf("delete messages: invalid range (%d, %d]", idLow, idHigh)
	}

	res := s.db.WithContext(ctx).
		Where("chat_id = ? AND message_id > ? AND message_id <= ?", channelID, idLow, idHigh).
		Delete(&messageRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete messages: %w", res.Error)
	}
	s.log.Debug().
		Int64("channel_id", channelID).
		Int64("range_low", idLow).
		Int64("range_high", idHigh).
		Int64("deleted", res.RowsAffected).
		Msg("repository: messages deleted")
	return res.RowsAffected, nil
}

// GetStoredChannels returns every stored channel keyed by chat id.
func (s *GormStore) GetStoredChannels(ctx context.Context) (map[int64]models.StoredChannel, error) {
	var rows []chatRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get stored channels: %w", err)
	}

	out := make(map[int64]models.StoredChannel, len(rows))
	for _, r := range rows {
		out[r.ChatID] = models.StoredChannel{
			Channel: models.Channel{
				ChatID:                r.ChatID,
				Title:                 r.Title,
				Username:              deref(r.Username),
				InviteLink:            deref(r.InviteLink),
				Kind:                  models.ChatKind(r.ChatType),
				Restricted:            r.Restricted,
				TopAvailableMessageID: r.TopAvailableMessageID,
			},
			CommittedHighWaterMark: r.TopMessageID,
		}
	}
	return out, nil
}

// GetMaxStoredMessageID returns the highest stored id of a channel, or nil.
func (s *GormStore) GetMaxStoredMessageID(ctx context.Context, channelID int64) (*int64, error) {
	var maxID sql.NullInt64
	err := s.db.WithContext(ctx).Model(&messageRow{}).
		Select("MAX(message_id)").
		Where("chat_id = ?", channelID).
		Row().Scan(&maxID)
	if err != nil {
		return nil, fmt.Errorf("get max stored message id: %w", err)
	}
	if !maxID.Valid {
		return nil, nil
	}
	return &maxID.Int64, nil
}

// GetCountStoredMessages returns the message count and the newest message date.
func (s *GormStore) GetCountStoredMessages(ctx context.Context) (int64, *time.Time, error) {
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&messageRow{}).Count(&count).Error; err != nil {
		return 0, nil, fmt.Errorf("count stored messages: %w", err)
	}
	if count == 0 {
		return 0, nil, nil
	}

	var newest messageRow
	if err := db.Order("date DESC").Take(&newest).Error; err != nil {
		return 0, nil, fmt.Errorf("newest stored message: %w", err)
	}
	latest := newest.Date.UTC()
	return count, &latest, nil
}

// SetHighWaterMark records the committed high-water mark of a channel.
func (s *GormStore) SetHighWaterMark(ctx context.Context, channelID, id int64) error {
	row := chatRow{ChatID: channelID, TopMessageID: &id, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"top_message_id", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set high water mark of %d: %w", channelID, err)
	}
	return nil
}

// GetCrashOffsets returns the lowest stored id above each channel's mark.
func (s *GormStore) GetCrashOffsets(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.WithContext(ctx).Raw(crashOffsetsSQL).Rows()
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

// GetPersistedMarker returns the marker of slot or nil.
func (s *GormStore) GetPersistedMarker(ctx context.Context, slot string) (*models.Marker, error) {
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
func (s *GormStore) ListPersistedMarkers(ctx context.Context) ([]models.Marker, error) {
	var rows []settingRow
	err := s.db.WithContext(ctx).
		Where("substr(key, 1, ?) = ?", len(store.MarkerKeyPrefix), store.MarkerKeyPrefix).
		Order("key").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}

	out := make([]models.Marker, 0, len(rows))
	for _, r := range rows {
		m, err := decodeMarker(r.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// SetPersistedMarker stores the marker under its slot.
func (s *GormStore) SetPersistedMarker(ctx context.Context, marker models.Marker) error {
	raw, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	return s.PutSetting(ctx, store.MarkerKey(marker.Slot), string(raw))
}

// ClearMarker removes the marker of slot.
func (s *GormStore) ClearMarker(ctx context.Context, slot string) error {
	err := s.db.WithContext(ctx).
		Where("key = ?", store.MarkerKey(slot)).
		Delete(&settingRow{}).Error
	if err != nil {
		return fmt.Errorf("clear marker %s: %w", slot, err)
	}
	return nil
}

// GetSetting returns a configuration value or store.ErrNotFound.
func (s *GormStore) GetSetting(ctx context.Context, key string) (string, error) {
	var row settingRow
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return row.Value, nil
}

// PutSetting stores a configuration value.
func (s *GormStore) PutSetting(ctx context.Context, key, value string) error {
	row := settingRow{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// Close closes the connection pool behind the handle.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
