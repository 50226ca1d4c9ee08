// Package store defines the persistence contract consumed by the crawl engine.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/msx98/telelog/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DefaultMarkerSlot is the marker slot of a session without a name.
const DefaultMarkerSlot = "default"

// Store is durable keyed storage for channels, messages and the recovery marker.
// Implementations must be safe for concurrent use.
type Store interface {
	UpsertChannels(ctx context.Context, channels []models.Channel) (int64, error)
	// UpsertMessages is idempotent on (chat_id, message_id); non-null
	// mutable fields follow last-write-wins.
	UpsertMessages(ctx context.Context, messages []models.Message) (int64, error)
	// DeleteMessages removes messages with idLow < message_id <= idHigh.
	DeleteMessages(ctx context.Context, channelID, idLow, idHigh int64) (int64, error)

	GetStoredChannels(ctx context.Context) (map[int64]models.StoredChannel, error)
	GetMaxStoredMessageID(ctx context.Context, channelID int64) (*int64, error)
	GetCountStoredMessages(ctx context.Context) (int64, *time.Time, error)
	SetHighWaterMark(ctx context.Context, channelID, id int64) error
	// GetCrashOffsets returns, per channel, the lowest stored message id
	// above the committed high-water mark.
	GetCrashOffsets(ctx context.Context) (map[int64]int64, error)

	GetPersistedMarker(ctx context.Context, slot string) (*models.Marker, error)
	ListPersistedMarkers(ctx context.Context) ([]models.Marker, error)
	SetPersistedMarker(ctx context.Context, marker models.Marker) error
	ClearMarker(ctx context.Context, slot string) error

	// GetSetting and PutSetting expose the configuration table for
	// small pieces of process state (e.g. status message ids).
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	Close() error
}

// MarkerKeyPrefix starts every marker configuration key.
const MarkerKeyPrefix = "last_write:"

// MarkerKey returns the configuration key holding the marker of slot.
func MarkerKey(slot string) string {
	return MarkerKeyPrefix + slot
}

// MarkerSlotFromKey is the inverse of MarkerKey.
func MarkerSlotFromKey(key string) (string, bool) {
	if len(key) <= len(MarkerKeyPrefix) || key[:len(MarkerKeyPrefix)] != MarkerKeyPrefix {
		return "", false
	}
	return key[len(MarkerKeyPrefix):], true
}
