package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrier_ReleasesAllParticipants(t *testing.T) {
	b := NewBarrier(3)
	var released atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Wait(context.Background()) == nil {
				released.Add(1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), released.Load())

	require.NoError(t, b.Wait(context.Background()))
	wg.Wait()
	assert.Equal(t, int32(2), released.Load())
}

func TestBarrier_Cancelled(t *testing.T) {
	b := NewBarrier(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}
