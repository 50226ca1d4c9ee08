// Package queue implements the batched, bounded write queue that sits between
// the crawl loop and the store.
//
// Producers enqueue normalized messages and completion callbacks. A single
// worker collects up to BatchSize items (or whatever arrived within
// FillTimeout of the first one) and writes them in FIFO segments: every
// message ahead of a completion is written before that completion runs.
// When the buffer is full the oldest item is evicted.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/msx98/telelog/internal/logger"
	"github.com/msx98/telelog/internal/metrics"
	"github.com/msx98/telelog/internal/models"
)

var (
	// ErrQueueStopped is returned by Enqueue after Stop.
	ErrQueueStopped = errors.New("write queue stopped")
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("write queue timeout")
	// ErrEvicted is reported by a completion dropped at capacity.
	ErrEvicted = errors.New("write queue item evicted")
	// ErrFailed wraps the store error that made the queue unusable.
	ErrFailed = errors.New("write queue failed")
)

// Writer is the subset of store.Store the queue writes to.
type Writer interface {
	UpsertMessages(ctx context.Context, messages []models.Message) (int64, error)
}

// Config holds queue tuning.
type Config struct {
	Name           string
	BatchSize      int
	FillTimeout    time.Duration
	CapacityFactor int
	// WriteRetries bounds the retries of one failed store write.
	WriteRetries uint64
}

// DefaultConfig returns conservative defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		BatchSize:      1000,
		FillTimeout:    time.Second,
		CapacityFactor: 10,
		WriteRetries:   5,
	}
}

// Completion is a deferred action run by the worker after every item
// enqueued before it has been written.
type Completion struct {
	run  func(ctx context.Context) error
	done chan error
	once sync.Once
}

// NewCompletion wraps fn; its outcome is delivered on Done.
func NewCompletion(fn func(ctx context.Context) error) *Completion {
	return &Completion{run: fn, done: make(chan error, 1)}
}

// Done receives exactly one result: fn's error, ErrEvicted or a queue failure.
func (c *Completion) Done() <-chan error {
	return c.done
}

// Wait blocks until the completion resolves or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Completion) resolve(err error) {
	c.once.Do(func() { c.done <- err })
}

// Item is a message or a completion.
type Item struct {
	Message    *models.Message
	Completion *Completion
}

// Queue is a bounded single-consumer write buffer.
type Queue struct {
	cfg      Config
	writer   Writer
	log      *logger.Logger
	items    chan Item
	capacity int

	// guards stopped against concurrent Enqueue
	stateMu sync.RWMutex
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}

	flushMu        sync.Mutex
	lastFlushTime  time.Time
	lastFlushCount int
	fatal          error

	evictions atomic.Int64
	written   atomic.Int64
}

// New creates a queue and starts its worker.
func New(cfg Config, writer Writer, log *logger.Logger) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.CapacityFactor <= 0 {
		cfg.CapacityFactor = 10
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = time.Second
	}
	if log == nil {
		log = logger.Get()
	}
	capacity := cfg.CapacityFactor * cfg.BatchSize
	q := &Queue{
		cfg:           cfg,
		writer:        writer,
		log:           log,
		items:         make(chan Item, capacity),
		capacity:      capacity,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		lastFlushTime: time.Now(),
	}
	go q.run()
	return q
}

// Capacity returns the buffer size.
func (q *Queue) Capacity() int { return q.capacity }

// Len returns the number of buffered items.
func (q *Queue) Len() int { return len(q.items) }

// Evictions returns how many items were dropped at capacity.
func (q *Queue) Evictions() int64 { return q.evictions.Load() }

// Written returns how many messages reached the store.
func (q *Queue) Written() int64 { return q.written.Load() }

// LastFlush returns the time and message count of the latest flush.
func (q *Queue) LastFlush() (time.Time, int) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.lastFlushTime, q.lastFlushCount
}

// Err returns the store error that failed the queue, if any.
func (q *Queue) Err() error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.fatal
}

// EnqueueMessage is a shorthand for Enqueue with a message item.
func (q *Queue) EnqueueMessage(m models.Message) error {
	return q.Enqueue(Item{Message: &m})
}

// EnqueueCompletion is a shorthand for Enqueue with a completion item.
func (q *Queue) EnqueueCompletion(c *Completion) error {
	return q.Enqueue(Item{Completion: c})
}

// Enqueue appends an item, evicting the oldest one when the buffer is full.
func (q *Queue) Enqueue(item Item) error {
	q.stateMu.RLock()
	defer q.stateMu.RUnlock()

	if q.stopped {
		return ErrQueueStopped
	}
	if err := q.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrFailed, err)
	}

	for {
		select {
		case q.items <- item:
			return nil
		default:
		}
		select {
		case old := <-q.items:
			q.evict(old)
		default:
		}
	}
}

func (q *Queue) evict(item Item) {
	n := q.evictions.Add(1)
	metrics.QueueEvictions.WithLabelValues(q.cfg.Name).Inc()
	if item.Completion != nil {
		item.Completion.resolve(ErrEvicted)
	}
	if n == 1 || n%1000 == 0 {
		q.log.Warn().
			Str("queue", q.cfg.Name).
			Int64("evictions", n).
			Msg("write queue at capacity, evicting oldest item")
	}
}

// Barrier enqueues a no-op completion and waits until everything ahead of
// it has been written.
func (q *Queue) Barrier(ctx context.Context) error {
	c := NewCompletion(func(context.Context) error { return nil })
	if err := q.EnqueueCompletion(c); err != nil {
		return err
	}
	return c.Wait(ctx)
}

// Stop rejects further items and tells the worker to drain and exit.
// It does not wait; see WaitForDrainAfterStop.
func (q *Queue) Stop() {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true
	close(q.stopCh)
}

// WaitForFlush polls until a flush finished after since, up to maxTries
// polls spaced by the fill timeout.
func (q *Queue) WaitForFlush(ctx context.Context, since time.Time, maxTries int) error {
	for try := 0; try < maxTries; try++ {
		if last, _ := q.LastFlush(); last.After(since) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.cfg.FillTimeout):
		}
	}
	if last, _ := q.LastFlush(); last.After(since) {
		return nil
	}
	return fmt.Errorf("%w: no flush after %s within %d tries", ErrTimeout, since.Format(time.RFC3339Nano), maxTries)
}

// WaitForDrainAfterStop waits until the worker has written every buffered
// item and exited. The wait is bounded by about 1.25 x capacity/batchSize
// fill timeouts.
func (q *Queue) WaitForDrainAfterStop() error {
	tries := int(math.Ceil(1.25 * float64(q.capacity) / float64(q.cfg.BatchSize)))
	if tries < 1 {
		tries = 1
	}
	for try := 0; try < tries; try++ {
		select {
		case <-q.done:
			return q.drainResult()
		case <-time.After(q.cfg.FillTimeout):
		}
	}
	select {
	case <-q.done:
		return q.drainResult()
	default:
	}
	return fmt.Errorf("%w: %d items left after %d tries", ErrTimeout, len(q.items), tries)
}

func (q *Queue) drainResult() error {
	if err := q.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrFailed, err)
	}
	return nil
}

// Close stops the queue and waits for it to drain.
func (q *Queue) Close() error {
	q.Stop()
	return q.WaitForDrainAfterStop()
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		batch, stopping := q.collect()
		q.flush(batch)
		if stopping && len(q.items) == 0 {
			return
		}
	}
}

// collect gathers one batch. It returns stopping=true once Stop was called,
// in which case it only takes what is already buffered.
func (q *Queue) collect() ([]Item, bool) {
	batch := make([]Item, 0, q.cfg.BatchSize)

	idle := time.NewTimer(q.cfg.FillTimeout)
	defer idle.Stop()

	select {
	case item := <-q.items:
		batch = append(batch, item)
	case <-idle.C:
		return batch, false
	case <-q.stopCh:
		return q.drainBuffered(batch), true
	}

	fill := time.NewTimer(q.cfg.FillTimeout)
	defer fill.Stop()

	for len(batch) < q.cfg.BatchSize {
		select {
		case item := <-q.items:
			batch = append(batch, item)
		case <-fill.C:
			return batch, false
		case <-q.stopCh:
			return q.drainBuffered(batch), true
		}
	}
	return batch, false
}

func (q *Queue) drainBuffered(batch []Item) []Item {
	for len(batch) < q.cfg.BatchSize {
		select {
		case item := <-q.items:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}

func (q *Queue) flush(batch []Item) {
	start := time.Now()
	ctx := context.Background()

	var (
		pending []models.Message
		count   int
	)
	writePending := func() {
		if len(pending) == 0 {
			return
		}
		if q.Err() != nil {
			// already failed: drop, completions report the failure
			pending = pending[:0]
			return
		}
		if err := q.write(ctx, pending); err != nil {
			q.fail(err)
		} else {
			count += len(pending)
		}
		pending = pending[:0]
	}

	for _, item := range batch {
		switch {
		case item.Message != nil:
			pending = append(pending, *item.Message)
		case item.Completion != nil:
			writePending()
			if err := q.Err(); err != nil {
				item.Completion.resolve(fmt.Errorf("%w: %w", ErrFailed, err))
				continue
			}
			item.Completion.resolve(item.Completion.run(ctx))
		}
	}
	writePending()

	q.flushMu.Lock()
	q.lastFlushTime = time.Now()
	q.lastFlushCount = count
	q.flushMu.Unlock()

	if len(batch) > 0 {
		metrics.QueueFlushes.WithLabelValues(q.cfg.Name).Inc()
		metrics.QueueFlushedMessages.WithLabelValues(q.cfg.Name).Add(float64(count))
		metrics.QueueFlushDuration.WithLabelValues(q.cfg.Name).Observe(time.Since(start).Seconds())
	}
	metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(len(q.items)))
}

// write upserts one segment, retrying transient failures with backoff.
func (q *Queue) write(ctx context.Context, messages []models.Message) error {
	segment := make([]models.Message, len(messages))
	copy(segment, messages)

	operation := func() error {
		_, err := q.writer.UpsertMessages(ctx, segment)
		return err
	}
	notify := func(err error, wait time.Duration) {
		q.log.Warn().
			Err(err).
			Str("queue", q.cfg.Name).
			Int("messages", len(segment)).
			Dur("retry_in", wait).
			Msg("store write failed, retrying")
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), q.cfg.WriteRetries)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return err
	}
	q.written.Add(int64(len(segment)))
	return nil
}

func (q *Queue) fail(err error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	if q.fatal != nil {
		return
	}
	q.fatal = err
	q.log.Error().Err(err).Str("queue", q.cfg.Name).Msg("store write failed permanently, queue is unusable")
}
