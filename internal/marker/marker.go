// Package marker implements the persisted write-ahead recovery marker.
//
// A Guard owns one marker slot. Begin persists the channel and the id range
// (low, high] that the coming fetch may partially populate; End commits the
// channel's high-water mark and clears the slot. If the process dies in
// between, RecoverIfPresent deletes the whole at-risk range on the next start.
package marker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msx98/telelog/internal/logger"
	"github.com/msx98/telelog/internal/metrics"
	"github.com/msx98/telelog/internal/models"
)

var (
	// ErrAlreadyActive is returned by Begin when the slot holds a live marker.
	ErrAlreadyActive = errors.New("recovery marker already active")
	// ErrNoActiveMarker is returned by End and Abort when the slot is empty.
	ErrNoActiveMarker = errors.New("no active recovery marker")
)

// Store is the persistence the marker needs.
type Store interface {
	GetPersistedMarker(ctx context.Context, slot string) (*models.Marker, error)
	ListPersistedMarkers(ctx context.Context) ([]models.Marker, error)
	SetPersistedMarker(ctx context.Context, marker models.Marker) error
	ClearMarker(ctx context.Context, slot string) error
	DeleteMessages(ctx context.Context, channelID, idLow, idHigh int64) (int64, error)
	SetHighWaterMark(ctx context.Context, channelID, id int64) error
}

// Recovery describes one repaired marker.
type Recovery struct {
	Slot        string
	ChannelID   int64
	ChannelName string
	RangeSize   int64
	Deleted     int64
	At          time.Time
}

// Guard serializes fetches within one slot.
type Guard struct {
	slot  string
	store Store
	log   *logger.Logger

	mu     sync.Mutex
	active *models.Marker
}

// NewGuard creates a guard for slot.
func NewGuard(slot string, store Store, log *logger.Logger) *Guard {
	if log == nil {
		log = logger.Get()
	}
	return &Guard{slot: slot, store: store, log: log}
}

// Slot returns the slot name.
func (g *Guard) Slot() string { return g.slot }

// Active returns a copy of the live marker, or nil.
func (g *Guard) Active() *models.Marker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return nil
	}
	m := *g.active
	return &m
}

// Begin persists a marker for channel. committed is the channel's
// high-water mark before the fetch, or models.NoMessageID.
func (g *Guard) Begin(ctx context.Context, channel models.Channel, committed int64) (models.Marker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active != nil {
		return models.Marker{}, fmt.Errorf("%w: slot %s holds channel %d", ErrAlreadyActive, g.slot, g.active.ChannelID)
	}
	// a marker left by a crashed run must be recovered first
	persisted, err := g.store.GetPersistedMarker(ctx, g.slot)
	if err != nil {
		return models.Marker{}, fmt.Errorf("read marker %s: %w", g.slot, err)
	}
	if persisted != nil {
		return models.Marker{}, fmt.Errorf("%w: slot %s holds persisted channel %d", ErrAlreadyActive, g.slot, persisted.ChannelID)
	}

	low := committed
	if low < models.NoMessageID {
		low = models.NoMessageID
	}
	high := low
	if top := channel.Top(); top > low {
		high = top
	}

	m := models.Marker{
		Slot:        g.slot,
		ChannelID:   channel.ChatID,
		ChannelName: channel.Title,
		RangeLow:    low,
		RangeHigh:   high,
	}
	if err := g.store.SetPersistedMarker(ctx, m); err != nil {
		return models.Marker{}, fmt.Errorf("persist marker %s: %w", g.slot, err)
	}
	g.active = &m

	g.log.Debug().
		Str("slot", g.slot).
		Int64("channel_id", m.ChannelID).
		Int64("range_low", m.RangeLow).
		Int64("range_high", m.RangeHigh).
		Msg("recovery marker set")
	return m, nil
}

// End commits top as the channel's high-water mark and clears the marker.
func (g *Guard) End(ctx context.Context, top int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == nil {
		return ErrNoActiveMarker
	}
	m := *g.active

	if top > models.NoMessageID {
		if err := g.store.SetHighWaterMark(ctx, m.ChannelID, top); err != nil {
			return fmt.Errorf("commit high-water mark for %d: %w", m.ChannelID, err)
		}
	}
	if err := g.store.ClearMarker(ctx, g.slot); err != nil {
		return fmt.Errorf("clear marker %s: %w", g.slot, err)
	}
	g.active = nil
	return nil
}

// Abort deletes the at-risk range of the live marker and clears it.
// Callers must make sure every write of the channel has been flushed.
func (g *Guard) Abort(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == nil {
		return 0, ErrNoActiveMarker
	}
	m := *g.active

	deleted, err := repair(ctx, g.store, m)
	if err != nil {
		return 0, err
	}
	g.active = nil

	g.log.Warn().
		Str("slot", g.slot).
		Int64("channel_id", m.ChannelID).
		Int64("range_low", m.RangeLow).
		Int64("range_high", m.RangeHigh).
		Int64("deleted", deleted).
		Msg("channel fetch aborted, at-risk range discarded")
	return deleted, nil
}

// Release forgets the live marker without touching the store. The persisted
// marker stays for startup recovery; used when a fetch is cancelled.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = nil
}

// RecoverIfPresent repairs a marker left in this slot by a crashed run.
func (g *Guard) RecoverIfPresent(ctx context.Context) (*Recovery, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active != nil {
		return nil, fmt.Errorf("%w: cannot recover slot %s while fetching", ErrAlreadyActive, g.slot)
	}
	m, err := g.store.GetPersistedMarker(ctx, g.slot)
	if err != nil {
		return nil, fmt.Errorf("read marker %s: %w", g.slot, err)
	}
	if m == nil {
		return nil, nil
	}
	return recoverMarker(ctx, g.store, g.log, *m)
}

// RecoverAll repairs every persisted marker, including slots of sessions
// that are no longer configured. It must run before any fetch starts.
func RecoverAll(ctx context.Context, store Store, log *logger.Logger) ([]Recovery, error) {
	if log == nil {
		log = logger.Get()
	}
	markers, err := store.ListPersistedMarkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}

	var out []Recovery
	for _, m := range markers {
		r, err := recoverMarker(ctx, store, log, m)
		if err != nil {
			return out, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func recoverMarker(ctx context.Context, store Store, log *logger.Logger, m models.Marker) (*Recovery, error) {
	deleted, err := repair(ctx, store, m)
	if err != nil {
		return nil, err
	}
	metrics.Recoveries.Inc()

	r := &Recovery{
		Slot:        m.Slot,
		ChannelID:   m.ChannelID,
		ChannelName: m.ChannelName,
		RangeSize:   m.Size(),
		Deleted:     deleted,
		At:          time.Now().UTC(),
	}
	log.Warn().
		Str("slot", m.Slot).
		Int64("channel_id", m.ChannelID).
		Str("channel_name", m.ChannelName).
		Int64("range_low", m.RangeLow).
		Int64("range_high", m.RangeHigh).
		Int64("deleted", deleted).
		Msg("recovered from interrupted fetch")
	return r, nil
}

// repair deletes (low, high] and clears the slot.
func repair(ctx context.Context, store Store, m models.Marker) (int64, error) {
	var deleted int64
	if m.RangeHigh > m.RangeLow {
		n, err := store.DeleteMessages(ctx, m.ChannelID, m.RangeLow, m.RangeHigh)
		if err != nil {
			return 0, fmt.Errorf("delete at-risk range (%d, %d] of %d: %w", m.RangeLow, m.RangeHigh, m.ChannelID, err)
		}
		deleted = n
		metrics.RecoveredMessages.Add(float64(n))
	}
	if err := store.ClearMarker(ctx, m.Slot); err != nil {
		return deleted, fmt.Errorf("clear marker %s: %w", m.Slot, err)
	}
	return deleted, nil
}
