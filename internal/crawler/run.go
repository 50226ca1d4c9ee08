package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msx98/telelog/internal/progress"
	"github.com/msx98/telelog/internal/status"
)

// pendingHeadSize is how many upcoming channels a snapshot lists.
const pendingHeadSize = 5

// RunOptions carries what Run reports alongside its own counters.
type RunOptions struct {
	RunID        uuid.UUID
	Reporter     status.Reporter
	LastRecovery *status.Recovery
}

// Result summarizes a Run.
type Result struct {
	Finished   []int64
	Failed     []int64
	Written    int64
	LastFinish time.Time
}

// Run fetches every pending channel of backlog in order. Channel failures
// are recorded and skipped; cancellation and fatal errors stop the run.
func (c *Crawler) Run(ctx context.Context, b *progress.Backlog, opts RunOptions) (*Result, error) {
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = status.NewLogReporter(c.log)
	}

	st := &runState{backlog: b, done: make(map[int64]bool)}
	publish := func() {
		_ = reporter.Publish(ctx, c.snapshot(ctx, st, opts))
	}

	tickCtx, stopTicker := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if c.cfg.StatusInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(c.cfg.StatusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-tickCtx.Done():
					return
				case <-ticker.C:
					publish()
				}
			}
		}()
	}
	defer func() {
		stopTicker()
		wg.Wait()
	}()

	publish()
	for _, id := range b.Pending {
		if err := ctx.Err(); err != nil {
			return st.result(c.Written()), err
		}

		_, err := c.FetchChannel(ctx, JobFor(b, id))
		switch {
		case err == nil:
			st.finish(id)
		case IsChannelError(err):
			st.fail(id)
		default:
			return st.result(c.Written()), err
		}
		publish()
	}

	return st.result(c.Written()), nil
}

type runState struct {
	mu         sync.Mutex
	backlog    *progress.Backlog
	done       map[int64]bool
	finished   []int64
	failed     []int64
	lastFinish time.Time
}

func (s *runState) finish(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = true
	s.finished = append(s.finished, id)
	s.lastFinish = time.Now().UTC()
}

func (s *runState) fail(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = true
	s.failed = append(s.failed, id)
}

func (s *runState) result(written int64) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Result{
		Finished:   append([]int64(nil), s.finished...),
		Failed:     append([]int64(nil), s.failed...),
		Written:    written,
		LastFinish: s.lastFinish,
	}
}

func (c *Crawler) snapshot(ctx context.Context, s *runState, opts RunOptions) status.Snapshot {
	s.mu.Lock()
	remaining := s.backlog.Remaining(s.done)
	snap := status.Snapshot{
		RunID:        opts.RunID,
		Session:      c.label,
		Pending:      len(remaining),
		Finished:     len(s.backlog.Finished) + len(s.finished),
		Total:        len(s.backlog.Pending) + len(s.backlog.Finished),
		Failed:       append([]int64(nil), s.failed...),
		LastRecovery: opts.LastRecovery,
		LastFinish:   s.lastFinish,
	}
	s.mu.Unlock()

	for _, k := range s.backlog.Kicked {
		snap.Kicked = append(snap.Kicked, k.ChatID)
	}
	if count, newest, err := c.store.GetCountStoredMessages(ctx); err == nil {
		snap.StoredMessages, snap.NewestMessage = count, newest
	}

	var left int64
	for _, id := range remaining {
		left += s.backlog.Leftovers[id]
	}
	c.Fill(&snap, s.backlog, remaining, left)
	return snap
}

// Fill sets the session-local fields of snap: current channel, pending
// head, written count, rate and ETA for left outstanding messages.
func (c *Crawler) Fill(snap *status.Snapshot, b *progress.Backlog, remaining []int64, left int64) {
	job, fetched := c.Current()
	if job != nil {
		snap.Current = &status.ChannelProgress{
			ChannelID: job.Channel.ChatID,
			Title:     job.Channel.Title,
			Leftover:  job.Leftover,
			Fetched:   fetched,
		}
		left -= fetched
	}
	for _, id := range remaining {
		if len(snap.PendingHead) == pendingHeadSize {
			break
		}
		if job != nil && id == job.Channel.ChatID {
			continue
		}
		snap.PendingHead = append(snap.PendingHead, status.ChannelProgress{
			ChannelID: id,
			Title:     b.Channels[id].Title,
			Leftover:  b.Leftovers[id],
		})
	}
	snap.Session = c.label
	snap.MessagesWritten = c.Written()
	snap.Rate = c.meter.Rate()
	snap.ETA = c.meter.ETA(left)
	snap.UpdatedAt = time.Now().UTC()
}
