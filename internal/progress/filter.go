package progress

import (
	"time"

	"github.com/msx98/telelog/internal/models"
)

// DefaultGroupLookback is how far back groups are read unless fetched in full.
const DefaultGroupLookback = 4 * 7 * 24 * time.Hour

// Filter decides which discovered chats are archived and how far back.
type Filter struct {
	FetchGroups   bool
	FetchFull     map[int64]bool
	GroupLookback time.Duration
	Now           func() time.Time
}

// Allow reports whether the chat kind is archived at all.
func (f Filter) Allow(ch models.Channel) bool {
	switch ch.Kind {
	case models.ChatKindChannel:
		return true
	case models.ChatKindGroup, models.ChatKindSupergroup:
		return f.FetchGroups
	default:
		return false
	}
}

// MinDate returns the oldest message date to read, or the zero time.
func (f Filter) MinDate(ch models.Channel) time.Time {
	if !ch.Kind.IsGroup() || f.FetchFull[ch.ChatID] {
		return time.Time{}
	}
	lookback := f.GroupLookback
	if lookback <= 0 {
		lookback = DefaultGroupLookback
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	return now().Add(-lookback)
}

// Apply splits channels into archived and ignored ones.
func (f Filter) Apply(channels []models.Channel) (kept, ignored []models.Channel) {
	for _, ch := range channels {
		if f.Allow(ch) {
			kept = append(kept, ch)
		} else {
			ignored = append(ignored, ch)
		}
	}
	return kept, ignored
}
