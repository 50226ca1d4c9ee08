// Package progress computes per-channel fetch backlogs from the discovered
// catalogue and the committed state in the store.
package progress

import (
	"sort"
	"time"

	"github.com/msx98/telelog/internal/models"
)

// Backlog is the prioritized work derived from one discovery cycle.
type Backlog struct {
	// Pending is ordered: channels with a crash offset first, then by
	// ascending leftover.
	Pending  []int64
	Finished []int64
	// Skipped holds restricted channels and channels without a top message.
	Skipped []int64

	Leftovers map[int64]int64
	Committed map[int64]int64
	// StartBefore is the exclusive upper bound of the first history request.
	StartBefore map[int64]int64
	// CrashOffsets holds the offsets that were used as start points.
	CrashOffsets map[int64]int64
	// MinDates bounds how far back a channel is read; absent means no bound.
	MinDates map[int64]time.Time

	Channels map[int64]models.Channel
	Kicked   []models.StoredChannel
}

// TotalLeftover sums the leftovers of pending channels.
func (b *Backlog) TotalLeftover() int64 {
	var total int64
	for _, id := range b.Pending {
		total += b.Leftovers[id]
	}
	return total
}

// ComputeBacklog classifies channels into pending, finished and skipped.
//
// committed is the stored high-water mark or -1. leftover is
// top - committed. A crash offset (the lowest stored id above the committed
// mark) replaces top+1 as the start point but does not change the leftover.
func ComputeBacklog(channels []models.Channel, stored map[int64]models.StoredChannel, crashOffsets map[int64]int64) *Backlog {
	b := &Backlog{
		Leftovers:    make(map[int64]int64),
		Committed:    make(map[int64]int64),
		StartBefore:  make(map[int64]int64),
		CrashOffsets: make(map[int64]int64),
		MinDates:     make(map[int64]time.Time),
		Channels:     make(map[int64]models.Channel, len(channels)),
	}

	for _, ch := range channels {
		b.Channels[ch.ChatID] = ch
		if !ch.Accessible() {
			b.Skipped = append(b.Skipped, ch.ChatID)
			continue
		}

		committed := models.NoMessageID
		if s, ok := stored[ch.ChatID]; ok {
			committed = s.Committed()
		}
		top := ch.Top()
		leftover := top - committed

		b.Committed[ch.ChatID] = committed
		b.Leftovers[ch.ChatID] = leftover

		if leftover <= 0 {
			b.Finished = append(b.Finished, ch.ChatID)
			continue
		}

		start := top + 1
		if off, ok := crashOffsets[ch.ChatID]; ok && off > committed && off <= top {
			start = off
			b.CrashOffsets[ch.ChatID] = off
		}
		b.StartBefore[ch.ChatID] = start
		b.Pending = append(b.Pending, ch.ChatID)
	}

	sort.SliceStable(b.Pending, func(i, j int) bool {
		a, c := b.Pending[i], b.Pending[j]
		_, crashA := b.CrashOffsets[a]
		_, crashC := b.CrashOffsets[c]
		if crashA != crashC {
			return crashA
		}
		if b.Leftovers[a] != b.Leftovers[c] {
			return b.Leftovers[a] < b.Leftovers[c]
		}
		return a < c
	})
	sort.Slice(b.Finished, func(i, j int) bool { return b.Finished[i] < b.Finished[j] })
	sort.Slice(b.Skipped, func(i, j int) bool { return b.Skipped[i] < b.Skipped[j] })

	return b
}

// Remaining returns the channels still pending after removing done.
func (b *Backlog) Remaining(done map[int64]bool) []int64 {
	out := make([]int64, 0, len(b.Pending))
	for _, id := range b.Pending {
		if !done[id] {
			out = append(out, id)
		}
	}
	return out
}
