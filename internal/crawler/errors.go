package crawler

import (
	"errors"
	"fmt"
)

// ChannelError is a per-channel failure: the channel is dropped for the
// rest of the run but other channels continue.
type ChannelError struct {
	ChannelID int64
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %d: %v", e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsChannelError reports whether err is a per-channel failure.
func IsChannelError(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce)
}

// errEvictedDuringFetch is reported when the write queue dropped items
// while the channel was streaming.
var errEvictedDuringFetch = errors.New("write queue evicted items during fetch")
