// Package scheduler runs several crawler sessions against one shared
// backlog.
//
// A cycle has two barrier-synchronized startup phases. In discovery every
// session lists its dialogs into a shared catalogue. In sync the scheduler
// alone upserts the catalogue, computes the backlog and publishes it as the
// shared pending list. Then sessions claim channels from the pending list
// under one mutex until none they can read is left.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/msx98/telelog/internal/crawler"
	"github.com/msx98/telelog/internal/logger"
	"github.com/msx98/telelog/internal/metrics"
	"github.com/msx98/telelog/internal/progress"
	"github.com/msx98/telelog/internal/status"
	"github.com/msx98/telelog/internal/store"
)

// Config holds scheduler timing.
type Config struct {
	IdleBackoff         time.Duration
	StatusInterval      time.Duration
	RediscoveryInterval time.Duration
	// Once stops after the first cycle.
	Once   bool
	Filter progress.Filter
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		IdleBackoff:         5 * time.Second,
		StatusInterval:      30 * time.Second,
		RediscoveryInterval: 10 * time.Minute,
	}
}

// CycleResult summarizes one discovery-and-fetch cycle.
type CycleResult struct {
	RunID    uuid.UUID
	Finished map[string][]int64
	Failed   map[string][]int64
	Pending  []int64
	Kicked   []int64
}

// Scheduler coordinates sessions.
type Scheduler struct {
	cfg      Config
	store    store.Store
	sessions []*crawler.Crawler
	reporter status.Reporter
	log      *logger.Logger

	lastRecovery *status.Recovery
}

// New creates a scheduler over sessions. Each crawler must own its queue
// and marker slot.
func New(cfg Config, st store.Store, sessions []*crawler.Crawler, reporter status.Reporter, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Get()
	}
	if reporter == nil {
		reporter = status.NewLogReporter(log)
	}
	return &Scheduler{cfg: cfg, store: st, sessions: sessions, reporter: reporter, log: log}
}

// SetLastRecovery surfaces the last startup recovery on snapshots.
func (s *Scheduler) SetLastRecovery(r *status.Recovery) {
	s.lastRecovery = r
}

// Run repeats cycles until ctx is cancelled (or once, per config) and then
// closes every session's source. Cancellation is not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.closeSources()

	for {
		res, err := s.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.log.Info().
			Str("run_id", res.RunID.String()).
			Int("pending", len(res.Pending)).
			Int("kicked", len(res.Kicked)).
			Msg("cycle finished")

		if s.cfg.Once {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RediscoveryInterval):
		}
	}
}

// RunCycle runs discovery, sync and the work loop once.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleResult, error) {
	if len(s.sessions) == 0 {
		return nil, errors.New("scheduler: no sessions")
	}

	runID := uuid.New()
	names := make([]string, len(s.sessions))
	for i, c := range s.sessions {
		names[i] = c.Session()
	}
	st := newSharedState(names)

	discovered := NewBarrier(len(s.sessions) + 1)
	synced := NewBarrier(len(s.sessions) + 1)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.sessions {
		g.Go(func() error {
			return s.runSession(gctx, c, st, discovered, synced)
		})
	}
	g.Go(func() error {
		return s.coordinate(gctx, runID, st, discovered, synced)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &CycleResult{
		RunID:    runID,
		Finished: st.finished,
		Failed:   st.failed,
		Pending:  st.pendingSnapshot(),
	}
	if st.backlog != nil {
		for _, k := range st.backlog.Kicked {
			res.Kicked = append(res.Kicked, k.ChatID)
		}
	}
	return res, nil
}

func (s *Scheduler) runSession(ctx context.Context, c *crawler.Crawler, st *sharedState, discovered, synced *Barrier) error {
	defer st.sessionDone()
	name := c.Session()

	dialogs, err := c.Source().ListDialogs(ctx)
	if err != nil {
		return fmt.Errorf("session %s: list dialogs: %w", name, err)
	}
	st.addDialogs(name, dialogs)
	s.log.Info().Str("session", name).Int("dialogs", len(dialogs)).Msg("discovery done")

	if err := discovered.Wait(ctx); err != nil {
		return err
	}
	if err := synced.Wait(ctx); err != nil {
		return err
	}

	for {
		id, ok, more := st.claim(name)
		if !ok {
			if !more {
				s.log.Info().Str("session", name).Msg("no eligible channels left")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.IdleBackoff):
			}
			continue
		}

		_, err := c.FetchChannel(ctx, crawler.JobFor(st.backlog, id))
		switch {
		case err == nil:
			st.complete(name, id)
		case crawler.IsChannelError(err):
			st.drop(name, id)
		default:
			st.release(id)
			return err
		}
	}
}

// coordinate is the scheduler's own participant: it plans at the sync
// step and then monitors until the cycle settles.
func (s *Scheduler) coordinate(ctx context.Context, runID uuid.UUID, st *sharedState, discovered, synced *Barrier) error {
	if err := discovered.Wait(ctx); err != nil {
		return err
	}

	backlog, err := progress.Plan(ctx, s.store, st.dialogList(), s.cfg.Filter, s.log)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	st.setBacklog(backlog)
	metrics.PendingChannels.Set(float64(len(backlog.Pending)))

	if err := synced.Wait(ctx); err != nil {
		return err
	}

	interval := s.cfg.StatusInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.publish(ctx, runID, st)
	for !st.settled() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.publish(ctx, runID, st)
		case <-st.changed:
			metrics.PendingChannels.Set(float64(len(st.pendingSnapshot())))
		}
	}
	s.publish(ctx, runID, st)
	return nil
}

// publish sends one snapshot per session plus an aggregate.
func (s *Scheduler) publish(ctx context.Context, runID uuid.UUID, st *sharedState) {
	pending := st.pendingSnapshot()

	st.mu.Lock()
	backlog := st.backlog
	finished := 0
	var failed []int64
	for _, ids := range st.finished {
		finished += len(ids)
	}
	for _, ids := range st.failed {
		failed = append(failed, ids...)
	}
	lastFinish := st.lastFinish
	st.mu.Unlock()
	if backlog == nil {
		return
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })

	var kicked []int64
	for _, k := range backlog.Kicked {
		kicked = append(kicked, k.ChatID)
	}
	var left int64
	for _, id := range pending {
		left += backlog.Leftovers[id]
	}

	base := status.Snapshot{
		RunID:        runID,
		Pending:      len(pending),
		Finished:     len(backlog.Finished) + finished,
		Total:        len(backlog.Pending) + len(backlog.Finished),
		Kicked:       kicked,
		Failed:       failed,
		LastRecovery: s.lastRecovery,
		LastFinish:   lastFinish,
	}
	if count, newest, err := s.store.GetCountStoredMessages(ctx); err == nil {
		base.StoredMessages, base.NewestMessage = count, newest
	} else {
		s.log.Warn().Err(err).Msg("count stored messages")
	}

	aggregate := base
	aggregate.Session = "all"
	var rate float64
	for _, c := range s.sessions {
		snap := base
		c.Fill(&snap, backlog, pending, left)
		_ = s.reporter.Publish(ctx, snap)

		aggregate.MessagesWritten += snap.MessagesWritten
		rate += snap.Rate
	}
	aggregate.Rate = rate
	if rate > 0 && left > 0 {
		aggregate.ETA = time.Duration(float64(left) / rate * float64(time.Second))
	}
	aggregate.UpdatedAt = time.Now().UTC()
	if len(s.sessions) > 1 {
		_ = s.reporter.Publish(ctx, aggregate)
	}
}

func (s *Scheduler) closeSources() {
	for _, c := range s.sessions {
		if err := c.Source().Close(); err != nil {
			s.log.Warn().Err(err).Str("session", c.Session()).Msg("close source")
		}
	}
}
