package marker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msx98/telelog/internal/memstore"
	"github.com/msx98/telelog/internal/models"
)

func seed(t *testing.T, s *memstore.Store, chatID, from, to int64) {
	t.Helper()
	var msgs []models.Message
	for id := from; id <= to; id++ {
		msgs = append(msgs, models.Message{ChatID: chatID, MessageID: id})
	}
	_, err := s.UpsertMessages(context.Background(), msgs)
	require.NoError(t, err)
}

func TestGuard_RecoverIfPresent_DeletesAtRiskRange(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seed(t, s, 9, 95, 510)

	require.NoError(t, s.SetPersistedMarker(ctx, models.Marker{
		Slot: "default", ChannelID: 9, ChannelName: "x", RangeLow: 100, RangeHigh: 500,
	}))

	g := NewGuard("default", s, nil)
	r, err := g.RecoverIfPresent(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(9), r.ChannelID)
	assert.Equal(t, "x", r.ChannelName)
	assert.Equal(t, int64(400), r.RangeSize)
	assert.Equal(t, int64(400), r.Deleted)

	ids := s.MessageIDs(9)
	for _, id := range ids {
		assert.False(t, id > 100 && id <= 500, "id %d should have been deleted", id)
	}
	assert.Contains(t, ids, int64(100))
	assert.Contains(t, ids, int64(501))

	m, err := s.GetPersistedMarker(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, m)

	// nothing left to recover
	r, err = g.RecoverIfPresent(ctx)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestGuard_BeginEnd(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	g := NewGuard("a", s, nil)

	ch := models.Channel{ChatID: 42, Title: "news", TopAvailableMessageID: models.Int64Ptr(1010)}
	m, err := g.Begin(ctx, ch, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), m.RangeLow)
	assert.Equal(t, int64(1010), m.RangeHigh)

	persisted, err := s.GetPersistedMarker(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, m, *persisted)

	_, err = g.Begin(ctx, models.Channel{ChatID: 43}, models.NoMessageID)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	require.NoError(t, g.End(ctx, 1010))
	assert.Nil(t, g.Active())

	stored, err := s.GetStoredChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1010), stored[42].Committed())

	persisted, err = s.GetPersistedMarker(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, persisted)

	assert.ErrorIs(t, g.End(ctx, 1), ErrNoActiveMarker)
}

func TestGuard_BeginRanges(t *testing.T) {
	tests := []struct {
		name      string
		top       *int64
		committed int64
		wantLow   int64
		wantHigh  int64
	}{
		{name: "never written", top: models.Int64Ptr(50), committed: models.NoMessageID, wantLow: -1, wantHigh: 50},
		{name: "unknown top", top: nil, committed: 20, wantLow: 20, wantHigh: 20},
		{name: "top below committed", top: models.Int64Ptr(10), committed: 20, wantLow: 20, wantHigh: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard("s", memstore.New(), nil)
			m, err := g.Begin(context.Background(), models.Channel{ChatID: 1, TopAvailableMessageID: tt.top}, tt.committed)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLow, m.RangeLow)
			assert.Equal(t, tt.wantHigh, m.RangeHigh)
			assert.LessOrEqual(t, m.RangeLow, m.RangeHigh)
		})
	}
}

func TestGuard_BeginRefusesUnrecoveredMarker(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.SetPersistedMarker(ctx, models.Marker{Slot: "a", ChannelID: 5, RangeLow: 1, RangeHigh: 2}))

	g := NewGuard("a", s, nil)
	_, err := g.Begin(ctx, models.Channel{ChatID: 6}, models.NoMessageID)
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestGuard_Abort(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seed(t, s, 3, 1, 20)

	g := NewGuard("a", s, nil)
	_, err := g.Abort(ctx)
	assert.ErrorIs(t, err, ErrNoActiveMarker)

	_, err = g.Begin(ctx, models.Channel{ChatID: 3, TopAvailableMessageID: models.Int64Ptr(20)}, 10)
	require.NoError(t, err)

	deleted, err := g.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), deleted)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, s.MessageIDs(3))
	assert.Nil(t, g.Active())
}

func TestGuard_ReleaseKeepsPersistedMarker(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	g := NewGuard("a", s, nil)

	_, err := g.Begin(ctx, models.Channel{ChatID: 3, TopAvailableMessageID: models.Int64Ptr(20)}, 10)
	require.NoError(t, err)
	g.Release()

	assert.Nil(t, g.Active())
	persisted, err := s.GetPersistedMarker(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, int64(3), persisted.ChannelID)
}

func TestRecoverAll_SweepsEverySlot(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seed(t, s, 1, 1, 10)
	seed(t, s, 2, 1, 10)

	require.NoError(t, s.SetPersistedMarker(ctx, models.Marker{Slot: "alice", ChannelID: 1, RangeLow: 5, RangeHigh: 10}))
	require.NoError(t, s.SetPersistedMarker(ctx, models.Marker{Slot: "retired", ChannelID: 2, RangeLow: -1, RangeHigh: 10}))

	recovered, err := RecoverAll(ctx, s, nil)
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	assert.Equal(t, "alice", recovered[0].Slot)
	assert.Equal(t, int64(5), recovered[0].Deleted)
	assert.Equal(t, "retired", recovered[1].Slot)
	assert.Equal(t, int64(10), recovered[1].Deleted)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, s.MessageIDs(1))
	assert.Empty(t, s.MessageIDs(2))

	left, err := s.ListPersistedMarkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

type failingDeleteStore struct {
	*memstore.Store
}

func (f failingDeleteStore) DeleteMessages(context.Context, int64, int64, int64) (int64, error) {
	return 0, errors.New("disk full")
}

func TestRecoverAll_DeleteFailureKeepsMarker(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.SetPersistedMarker(ctx, models.Marker{Slot: "a", ChannelID: 1, RangeLow: 1, RangeHigh: 9}))

	_, err := RecoverAll(ctx, failingDeleteStore{s}, nil)
	require.Error(t, err)

	m, err := s.GetPersistedMarker(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, m)
}
