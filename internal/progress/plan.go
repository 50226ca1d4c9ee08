package progress

import (
	"context"
	"fmt"
	"sort"

	"github.com/msx98/telelog/internal/logger"
	"github.com/msx98/telelog/internal/models"
	"github.com/msx98/telelog/internal/store"
)

// Plan runs the sync step of a discovery cycle: it upserts the catalogue,
// reads committed state and crash offsets, and builds the backlog.
func Plan(ctx context.Context, st store.Store, channels []models.Channel, filter Filter, log *logger.Logger) (*Backlog, error) {
	if log == nil {
		log = logger.Get()
	}

	if len(channels) > 0 {
		if _, err := st.UpsertChannels(ctx, channels); err != nil {
			return nil, fmt.Errorf("upsert channels: %w", err)
		}
	}

	stored, err := st.GetStoredChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("get stored channels: %w", err)
	}
	crashOffsets, err := st.GetCrashOffsets(ctx)
	if err != nil {
		return nil, fmt.Errorf("get crash offsets: %w", err)
	}

	kept, ignored := filter.Apply(channels)
	backlog := ComputeBacklog(kept, stored, crashOffsets)
	for _, ch := range kept {
		if oldest := filter.MinDate(ch); !oldest.IsZero() {
			backlog.MinDates[ch.ChatID] = oldest
		}
	}
	backlog.Kicked = Kicked(channels, stored)

	for id, off := range backlog.CrashOffsets {
		log.Info().
			Int64("channel_id", id).
			Int64("crash_offset", off).
			Int64("committed", backlog.Committed[id]).
			Msg("resuming channel below crash offset")
	}
	log.Info().
		Int("discovered", len(channels)).
		Int("ignored", len(ignored)).
		Int("pending", len(backlog.Pending)).
		Int("finished", len(backlog.Finished)).
		Int("skipped", len(backlog.Skipped)).
		Int("kicked", len(backlog.Kicked)).
		Int64("leftover", backlog.TotalLeftover()).
		Msg("backlog computed")

	return backlog, nil
}

// Kicked returns stored channels that were not discovered this cycle.
func Kicked(discovered []models.Channel, stored map[int64]models.StoredChannel) []models.StoredChannel {
	seen := make(map[int64]bool, len(discovered))
	for _, ch := range discovered {
		seen[ch.ChatID] = true
	}
	var out []models.StoredChannel
	for id, s := range stored {
		if !seen[id] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// RecomputeHighWaterMarks sets every stored channel's committed mark to its
// max stored message id.
func RecomputeHighWaterMarks(ctx context.Context, st store.Store, log *logger.Logger) (int, error) {
	if log == nil {
		log = logger.Get()
	}
	stored, err := st.GetStoredChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("get stored channels: %w", err)
	}

	updated := 0
	for id, ch := range stored {
		maxID, err := st.GetMaxStoredMessageID(ctx, id)
		if err != nil {
			return updated, fmt.Errorf("max stored id of %d: %w", id, err)
		}
		if maxID == nil || *maxID == ch.Committed() {
			continue
		}
		if err := st.SetHighWaterMark(ctx, id, *maxID); err != nil {
			return updated, fmt.Errorf("set high-water mark of %d: %w", id, err)
		}
		log.Info().
			Int64("channel_id", id).
			Int64("old", ch.Committed()).
			Int64("new", *maxID).
			Msg("high-water mark recomputed")
		updated++
	}
	return updated, nil
}
