// Package status publishes crawl progress snapshots. Publishing is best
// effort: reporter failures are logged and never reach the crawl loop.
package status

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msx98/telelog/internal/logger"
)

// ChannelProgress is one pending or current channel on a snapshot.
type ChannelProgress struct {
	ChannelID int64  `json:"channel_id"`
	Title     string `json:"title"`
	Leftover  int64  `json:"leftover"`
	Fetched   int64  `json:"fetched"`
}

// Recovery is the last crash recovery surfaced to operators.
type Recovery struct {
	ChannelID   int64     `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	RangeSize   int64     `json:"range_size"`
	At          time.Time `json:"at"`
}

// Snapshot is a read-only view of crawl progress.
type Snapshot struct {
	RunID   uuid.UUID `json:"run_id"`
	Session string    `json:"session"`

	Current     *ChannelProgress  `json:"current,omitempty"`
	PendingHead []ChannelProgress `json:"pending_head,omitempty"`

	Pending  int     `json:"pending"`
	Finished int     `json:"finished"`
	Total    int     `json:"total"`
	Kicked   []int64 `json:"kicked,omitempty"`
	Failed   []int64 `json:"failed,omitempty"`

	MessagesWritten int64         `json:"messages_written"`
	StoredMessages  int64         `json:"stored_messages"`
	NewestMessage   *time.Time    `json:"newest_message,omitempty"`
	Rate            float64       `json:"rate"`
	ETA             time.Duration `json:"eta"`

	LastRecovery *Recovery `json:"last_recovery,omitempty"`
	LastFinish   time.Time `json:"last_finish,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Text renders the snapshot as a short human-readable message.
func (s Snapshot) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s\n", s.Session)
	if s.Current != nil {
		fmt.Fprintf(&b, "fetching %s (%d): %d/%d\n", s.Current.Title, s.Current.ChannelID, s.Current.Fetched, s.Current.Leftover)
	}
	fmt.Fprintf(&b, "channels: %d finished, %d pending, %d total\n", s.Finished, s.Pending, s.Total)
	fmt.Fprintf(&b, "messages: %d written at %.1f/s", s.MessagesWritten, s.Rate)
	if s.ETA > 0 {
		fmt.Fprintf(&b, ", eta %s", s.ETA.Round(time.Second))
	}
	b.WriteString("\n")
	if s.StoredMessages > 0 {
		fmt.Fprintf(&b, "stored: %d messages", s.StoredMessages)
		if s.NewestMessage != nil {
			fmt.Fprintf(&b, ", newest %s", s.NewestMessage.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	for _, p := range s.PendingHead {
		fmt.Fprintf(&b, "  next %s (%d): %d\n", p.Title, p.ChannelID, p.Leftover)
	}
	if len(s.Kicked) > 0 {
		fmt.Fprintf(&b, "kicked from %d channels\n", len(s.Kicked))
	}
	if len(s.Failed) > 0 {
		fmt.Fprintf(&b, "failed: %v\n", s.Failed)
	}
	if s.LastRecovery != nil {
		fmt.Fprintf(&b, "last recovery: %s (%d ids) at %s\n",
			s.LastRecovery.ChannelName, s.LastRecovery.RangeSize, s.LastRecovery.At.Format(time.RFC3339))
	}
	if !s.LastFinish.IsZero() {
		fmt.Fprintf(&b, "last finish: %s\n", s.LastFinish.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Reporter publishes snapshots.
type Reporter interface {
	Publish(ctx context.Context, snapshot Snapshot) error
}

// Fanout forwards snapshots to every reporter and swallows their errors.
type Fanout struct {
	reporters []Reporter
	log       *logger.Logger
}

// NewFanout creates a fanout over reporters; nil entries are ignored.
func NewFanout(log *logger.Logger, reporters ...Reporter) *Fanout {
	if log == nil {
		log = logger.Get()
	}
	f := &Fanout{log: log}
	for _, r := range reporters {
		if r != nil {
			f.reporters = append(f.reporters, r)
		}
	}
	return f
}

// Add appends a reporter.
func (f *Fanout) Add(r Reporter) {
	if r != nil {
		f.reporters = append(f.reporters, r)
	}
}

// Publish never fails.
func (f *Fanout) Publish(ctx context.Context, snapshot Snapshot) error {
	for _, r := range f.reporters {
		if err := r.Publish(ctx, snapshot); err != nil {
			f.log.Warn().Err(err).Str("session", snapshot.Session).Msg("status publish failed")
		}
	}
	return nil
}

// LogReporter writes snapshots to the structured log.
type LogReporter struct {
	log *logger.Logger
}

// NewLogReporter creates a log reporter.
func NewLogReporter(log *logger.Logger) *LogReporter {
	if log == nil {
		log = logger.Get()
	}
	return &LogReporter{log: log}
}

// Publish logs the snapshot counters.
func (r *LogReporter) Publish(_ context.Context, s Snapshot) error {
	ev := r.log.Info().
		Str("session", s.Session).
		Int("pending", s.Pending).
		Int("finished", s.Finished).
		Int64("written", s.MessagesWritten).
		Float64("rate", s.Rate).
		Dur("eta", s.ETA)
	if s.Current != nil {
		ev = ev.Int64("channel_id", s.Current.ChannelID).Int64("fetched", s.Current.Fetched)
	}
	ev.Msg("progress")
	return nil
}

// Board keeps the latest snapshot per session for the HTTP surface.
type Board struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{snapshots: make(map[string]Snapshot)}
}

// Publish stores the snapshot.
func (b *Board) Publish(_ context.Context, s Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[s.Session] = s
	return nil
}

// Snapshots returns the latest snapshots ordered by session.
func (b *Board) Snapshots() []Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Snapshot, 0, len(b.snapshots))
	for _, s := range b.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}
