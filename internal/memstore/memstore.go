// Package memstore is an in-memory store.Store used for dry runs and tests.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msx98/telelog/internal/models"
	"github.com/msx98/telelog/internal/store"
)

type messageKey struct {
	chatID    int64
	messageID int64
}

// Store keeps channels, messages and settings in maps guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	channels map[int64]models.StoredChannel
	messages map[messageKey]models.Message
	settings map[string]string
	closed   bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		channels: make(map[int64]models.StoredChannel),
		messages: make(map[messageKey]models.Message),
		settings: make(map[string]string),
	}
}

var _ store.Store = (*Store)(nil)

var errClosed = errors.New("memstore: closed")

// UpsertChannels inserts or refreshes channel metadata, keeping the committed mark.
func (s *Store) UpsertChannels(_ context.Context, channels []models.Channel) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}

	for _, ch := range channels {
		existing := s.channels[ch.ChatID]
		existing.Channel = ch
		s.channels[ch.ChatID] = existing
	}
	return int64(len(channels)), nil
}

// UpsertMessages inserts messages; on conflict non-empty fields overwrite.
func (s *Store) UpsertMessages(_ context.Context, messages []models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}

	for _, m := range messages {
		key := messageKey{m.ChatID, m.MessageID}
		if old, ok := s.messages[key]; ok {
			m = merge(old, m)
		}
		s.messages[key] = m
	}
	return int64(len(messages)), nil
}

func merge(old, m models.Message) models.Message {
	if m.Text == "" {
		m.Text = old.Text
	}
	if m.Date.IsZero() {
		m.Date = old.Date
	}
	if m.SenderID == nil {
		m.SenderID = old.SenderID
	}
	if m.ReplyToMessageID == nil {
		m.ReplyToMessageID = old.ReplyToMessageID
	}
	if m.ForwardFromChatID == nil {
		m.ForwardFromChatID = old.ForwardFromChatID
	}
	if m.ForwardFromMessageID == nil {
		m.ForwardFromMessageID = old.ForwardFromMessageID
	}
	if m.Views == nil {
		m.Views = old.Views
	}
	if m.Forwards == nil {
		m.Forwards = old.Forwards
	}
	if m.ReactionsVoteCount == nil {
		m.ReactionsVoteCount = old.ReactionsVoteCount
	}
	if m.MediaType == models.MediaNone {
		m.MediaType = old.MediaType
	}
	return m
}

// DeleteMessages removes messages with idLow < id <= idHigh.
func (s *Store) DeleteMessages(_ context.Context, channelID, idLow, idHigh int64) (int64, error) {
	if idLow > idHigh {
		return 0, fmt.Errorf("delete messages: invalid range (%d, %d]", idLow, idHigh)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}

	var n int64
	for key := range s.messages {
		if key.chatID == channelID && key.messageID > idLow && key.messageID <= idHigh {
			delete(s.messages, key)
			n++
		}
	}
	return n, nil
}

// GetStoredChannels returns a copy of every stored channel.
func (s *Store) GetStoredChannels(_ context.Context) (map[int64]models.StoredChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]models.StoredChannel, len(s.channels))
	for id, ch := range s.channels {
		out[id] = ch
	}
	return out, nil
}

// GetMaxStoredMessageID returns the highest stored id for a channel, or nil.
func (s *Store) GetMaxStoredMessageID(_ context.Context, channelID int64) (*int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxID *int64
	for key := range s.messages {
		if key.chatID != channelID {
			continue
		}
		if maxID == nil || key.messageID > *maxID {
			maxID = models.Int64Ptr(key.messageID)
		}
	}
	return maxID, nil
}

// GetCountStoredMessages returns the message count and the newest message date.
func (s *Store) GetCountStoredMessages(_ context.Context) (int64, *time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *time.Time
	for _, m := range s.messages {
		if m.Date.IsZero() {
			continue
		}
		if latest == nil || m.Date.After(*latest) {
			d := m.Date
			latest = &d
		}
	}
	return int64(len(s.messages)), latest, nil
}

// SetHighWaterMark records the committed high-water mark of a channel.
func (s *Store) SetHighWaterMark(_ context.Context, channelID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	ch := s.channels[channelID]
	ch.ChatID = channelID
	ch.CommittedHighWaterMark = models.Int64Ptr(id)
	s.channels[channelID] = ch
	return nil
}

// GetCrashOffsets returns the lowest stored id above each channel's mark.
func (s *Store) GetCrashOffsets(_ context.Context) (map[int64]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]int64)
	for key := range s.messages {
		ch, ok := s.channels[key.chatID]
		if !ok {
			continue
		}
		if key.messageID <= ch.Committed() {
			continue
		}
		if cur, ok := out[key.chatID]; !ok || key.messageID < cur {
			out[key.chatID] = key.messageID
		}
	}
	return out, nil
}

// GetPersistedMarker returns the marker of slot or nil.
func (s *Store) GetPersistedMarker(ctx context.Context, slot string) (*models.Marker, error) {
	raw, err := s.GetSetting(ctx, store.MarkerKey(slot))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m models.Marker
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	return &m, nil
}

// ListPersistedMarkers returns all markers ordered by slot.
func (s *Store) ListPersistedMarkers(_ context.Context) ([]models.Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Marker
	for key, raw := range s.settings {
		if _, ok := store.MarkerSlotFromKey(key); !ok {
			continue
		}
		var m models.Marker
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode marker %s: %w", key, err)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

// SetPersistedMarker stores the marker under its slot.
func (s *Store) SetPersistedMarker(ctx context.Context, marker models.Marker) error {
	raw, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	return s.PutSetting(ctx, store.MarkerKey(marker.Slot), string(raw))
}

// ClearMarker removes the marker of slot.
func (s *Store) ClearMarker(_ context.Context, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	delete(s.settings, store.MarkerKey(slot))
	return nil
}

// GetSetting returns a configuration value or store.ErrNotFound.
func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

// PutSetting stores a configuration value.
func (s *Store) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.settings[key] = value
	return nil
}

// Close marks the store closed; later writes fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// MessageIDs returns the stored ids of a channel in ascending order.
func (s *Store) MessageIDs(channelID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for key := range s.messages {
		if key.chatID == channelID {
			ids = append(ids, key.messageID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Message returns one stored message.
func (s *Store) Message(channelID, messageID int64) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageKey{channelID, messageID}]
	return m, ok
}
