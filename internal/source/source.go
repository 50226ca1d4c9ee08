// Package source defines the message-source contract consumed by the crawler
// and the error taxonomy its implementations report.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msx98/telelog/internal/models"
)

// ErrChannelInaccessible marks permanent per-channel failures (access
// revoked, channel private or banned).
var ErrChannelInaccessible = errors.New("channel inaccessible")

// RateLimitedError is returned when the source asks the caller to wait.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry in %s", e.Wait)
}

// IsRateLimited reports whether err is a rate-limit condition and returns
// the requested wait.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}

// IsPermanent reports whether err means the channel cannot be read this run.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrChannelInaccessible)
}

// MessageSource yields dialogs and per-channel history, newest first.
type MessageSource interface {
	// Name identifies the account, used as the session label.
	Name() string
	ListDialogs(ctx context.Context) ([]models.Channel, error)
	// GetHistory streams messages with id < before, newest first.
	// before <= 0 starts at the newest message.
	GetHistory(ctx context.Context, chatID int64, before int64) HistoryIterator
	Close() error
}

// HistoryIterator walks one history request.
//
//	for it.Next(ctx) {
//		m := it.Message()
//	}
//	if err := it.Err(); err != nil { ... }
type HistoryIterator interface {
	Next(ctx context.Context) bool
	Message() models.Message
	Err() error
}

// SliceIterator iterates over an in-memory page, optionally ending with err.
type SliceIterator struct {
	messages []models.Message
	idx      int
	err      error
}

// NewSliceIterator returns an iterator over messages that reports err once
// they are consumed.
func NewSliceIterator(messages []models.Message, err error) *SliceIterator {
	return &SliceIterator{messages: messages, idx: -1, err: err}
}

// Next advances the iterator.
func (it *SliceIterator) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		if it.err == nil {
			it.err = ctx.Err()
		}
		it.idx = len(it.messages)
		return false
	}
	it.idx++
	return it.idx < len(it.messages)
}

// Message returns the current message.
func (it *SliceIterator) Message() models.Message {
	return it.messages[it.idx]
}

// Err returns the terminal error.
func (it *SliceIterator) Err() error {
	if it.idx < len(it.messages) {
		return nil
	}
	return it.err
}
