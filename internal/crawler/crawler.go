// Package crawler drives one source account through its channel backlog.
//
// Per channel: set the recovery marker, stream history newest to oldest
// until the committed high-water mark, enqueue every message, then enqueue
// a completion that commits the mark from the store's max id and clear the
// marker once it ran.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/msx98/telelog/internal/logger"
	"github.com/msx98/telelog/internal/marker"
	"github.com/msx98/telelog/internal/metrics"
	"github.com/msx98/telelog/internal/models"
	"github.com/msx98/telelog/internal/progress"
	"github.com/msx98/telelog/internal/queue"
	"github.com/msx98/telelog/internal/source"
	"github.com/msx98/telelog/internal/store"
)

// Config holds crawler tuning.
type Config struct {
	// TransientRetries bounds retries of non rate-limit source errors per channel.
	TransientRetries uint64
	// TransientBackoff is the first retry delay.
	TransientBackoff time.Duration
	// CommitTimeout bounds the wait for the high-water-mark completion.
	CommitTimeout time.Duration
	// StatusInterval is how often Run republishes progress.
	StatusInterval time.Duration
}

// DefaultConfig returns the default crawler tuning.
func DefaultConfig() Config {
	return Config{
		TransientRetries: 5,
		TransientBackoff: time.Second,
		CommitTimeout:    5 * time.Minute,
		StatusInterval:   30 * time.Second,
	}
}

// Job is one channel to fetch.
type Job struct {
	Channel   models.Channel
	Committed int64
	// StartBefore is the exclusive upper bound of the first request.
	StartBefore int64
	// MinDate stops the walk at older messages when set.
	MinDate  time.Time
	Leftover int64
}

// JobFor builds the job for a pending channel of backlog.
func JobFor(b *progress.Backlog, channelID int64) Job {
	job := Job{
		Channel:     b.Channels[channelID],
		Committed:   models.NoMessageID,
		StartBefore: b.StartBefore[channelID],
		MinDate:     b.MinDates[channelID],
		Leftover:    b.Leftovers[channelID],
	}
	if c, ok := b.Committed[channelID]; ok {
		job.Committed = c
	}
	return job
}

// Crawler fetches channels for one session.
type Crawler struct {
	cfg   Config
	src   source.MessageSource
	queue *queue.Queue
	store store.Store
	guard *marker.Guard
	log   *logger.Logger
	meter *progress.Meter
	sleep func(ctx context.Context, d time.Duration) error
	label string

	mu      sync.Mutex
	current *Job
	// counts holds what the current fetch of each channel enqueued.
	counts  map[int64]int64
	written int64
}

// New creates a crawler. The queue and the guard belong to this session.
func New(cfg Config, src source.MessageSource, q *queue.Queue, st store.Store, guard *marker.Guard, log *logger.Logger) *Crawler {
	if log == nil {
		log = logger.Get()
	}
	label := src.Name()
	return &Crawler{
		cfg:    cfg,
		src:    src,
		queue:  q,
		store:  st,
		guard:  guard,
		log:    log.WithSession(label),
		meter:  progress.NewMeter(),
		sleep:  sleepCtx,
		label:  label,
		counts: make(map[int64]int64),
	}
}

// Source returns the session's message source.
func (c *Crawler) Source() source.MessageSource { return c.src }

// Queue returns the session's write queue.
func (c *Crawler) Queue() *queue.Queue { return c.queue }

// Session returns the source name.
func (c *Crawler) Session() string { return c.label }

// Meter returns the session's rate meter.
func (c *Crawler) Meter() *progress.Meter { return c.meter }

// Current returns the channel being fetched and how many messages were
// enqueued for it so far.
func (c *Crawler) Current() (*Job, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, 0
	}
	job := *c.current
	return &job, c.counts[job.Channel.ChatID]
}

// Written returns messages enqueued over the crawler's lifetime, less
// those of failed fetches.
func (c *Crawler) Written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// FetchChannel runs one channel to completion.
//
// A *ChannelError means the channel failed and its at-risk range was
// discarded. A context error means the fetch was cancelled and the marker
// stays for startup recovery. Any other error is fatal.
func (c *Crawler) FetchChannel(ctx context.Context, job Job) (int64, error) {
	id := job.Channel.ChatID
	log := c.log.With().Int64("channel_id", id).Str("title", job.Channel.Title).Logger()

	if _, err := c.guard.Begin(ctx, job.Channel, job.Committed); err != nil {
		if errors.Is(err, marker.ErrAlreadyActive) {
			return 0, &ChannelError{ChannelID: id, Err: err}
		}
		return 0, fmt.Errorf("begin channel %d: %w", id, err)
	}

	c.mu.Lock()
	c.current = &job
	c.counts[id] = 0
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}()

	log.Info().
		Int64("committed", job.Committed).
		Int64("top", job.Channel.Top()).
		Int64("start_before", job.StartBefore).
		Int64("leftover", job.Leftover).
		Msg("fetching channel")

	evictions := c.queue.Evictions()
	n, err := c.stream(ctx, job)
	if err == nil {
		err = c.commit(ctx, job, evictions)
	}

	switch {
	case err == nil:
		metrics.ChannelsCompleted.WithLabelValues(c.label, "ok").Inc()
		log.Info().Int64("fetched", n).Msg("channel done")
		return n, nil
	case ctx.Err() != nil:
		c.guard.Release()
		log.Info().Int64("fetched", n).Msg("channel fetch cancelled")
		return n, ctx.Err()
	case IsChannelError(err):
		return 0, c.fail(ctx, job, err)
	default:
		c.guard.Release()
		return n, err
	}
}

// stream walks the history and enqueues messages above the committed mark.
func (c *Crawler) stream(ctx context.Context, job Job) (int64, error) {
	id := job.Channel.ChatID
	before := job.StartBefore
	var n int64

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.cfg.TransientBackoff
	retry.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(retry, c.cfg.TransientRetries)
	policy.Reset()

	for {
		it := c.src.GetHistory(ctx, id, before)
		progressed := false
		for it.Next(ctx) {
			m := it.Message()
			if m.MessageID <= job.Committed {
				return n, nil
			}
			if !job.MinDate.IsZero() && !m.Date.IsZero() && m.Date.Before(job.MinDate) {
				return n, nil
			}
			m.ChatID = id
			if err := c.queue.EnqueueMessage(m); err != nil {
				return n, fmt.Errorf("enqueue message %d of %d: %w", m.MessageID, id, err)
			}
			n++
			before = m.MessageID
			progressed = true
			c.record(id)
		}

		err := it.Err()
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if progressed {
			policy.Reset()
		}

		if wait, ok := source.IsRateLimited(err); ok {
			metrics.FloodWaitSeconds.WithLabelValues(c.label).Observe(wait.Seconds())
			c.log.Warn().Int64("channel_id", id).Dur("wait", wait).Int64("cursor", before).Msg("rate limited, sleeping")
			if err := c.sleep(ctx, wait); err != nil {
				return n, err
			}
			continue
		}
		if source.IsPermanent(err) {
			return n, &ChannelError{ChannelID: id, Err: err}
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return n, &ChannelError{ChannelID: id, Err: fmt.Errorf("giving up after retries: %w", err)}
		}
		c.log.Warn().Err(err).Int64("channel_id", id).Dur("retry_in", wait).Msg("history request failed")
		if err := c.sleep(ctx, wait); err != nil {
			return n, err
		}
	}
}

// commit enqueues the high-water-mark completion behind every message of
// the channel, waits for it and ends the marker.
func (c *Crawler) commit(ctx context.Context, job Job, evictionsBefore int64) error {
	id := job.Channel.ChatID

	done := queue.NewCompletion(func(ctx context.Context) error {
		maxID, err := c.store.GetMaxStoredMessageID(ctx, id)
		if err != nil {
			return fmt.Errorf("max stored id: %w", err)
		}
		if maxID == nil {
			return nil
		}
		return c.store.SetHighWaterMark(ctx, id, *maxID)
	})
	if err := c.queue.EnqueueCompletion(done); err != nil {
		return fmt.Errorf("enqueue commit of %d: %w", id, err)
	}

	waitCtx := ctx
	if c.cfg.CommitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.CommitTimeout)
		defer cancel()
	}
	err := done.Wait(waitCtx)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, queue.ErrEvicted):
		return &ChannelError{ChannelID: id, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("commit of %d: %w", id, queue.ErrTimeout)
	case errors.Is(err, queue.ErrFailed):
		return err
	case err != nil:
		return &ChannelError{ChannelID: id, Err: err}
	}

	if c.queue.Evictions() != evictionsBefore {
		return &ChannelError{ChannelID: id, Err: errEvictedDuringFetch}
	}

	if err := c.guard.End(ctx, job.Channel.Top()); err != nil {
		return fmt.Errorf("end marker of %d: %w", id, err)
	}
	return nil
}

// fail discards the channel's at-risk range once its writes are flushed
// and returns the channel error, or a fatal error when cleanup fails.
func (c *Crawler) fail(ctx context.Context, job Job, cause error) error {
	id := job.Channel.ChatID
	metrics.ChannelsCompleted.WithLabelValues(c.label, "failed").Inc()

	c.mu.Lock()
	c.written -= c.counts[id]
	c.counts[id] = 0
	c.mu.Unlock()

	if err := c.queue.Barrier(ctx); err != nil {
		c.guard.Release()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("flush before abort of %d: %w", id, err)
	}
	if _, err := c.guard.Abort(ctx); err != nil {
		c.guard.Release()
		return fmt.Errorf("abort marker of %d: %w", id, err)
	}

	c.log.Error().Err(cause).Int64("channel_id", id).Msg("channel failed, dropped for this run")
	return cause
}

func (c *Crawler) record(channelID int64) {
	c.mu.Lock()
	c.counts[channelID]++
	c.written++
	c.mu.Unlock()
	c.meter.Add(1)
	metrics.MessagesFetched.WithLabelValues(c.label).Inc()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
