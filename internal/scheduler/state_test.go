package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msx98/telelog/internal/models"
	"github.com/msx98/telelog/internal/progress"
)

func stateWith(pending []int64, compat map[string][]int64) *sharedState {
	names := make([]string, 0, len(compat))
	for name := range compat {
		names = append(names, name)
	}
	st := newSharedState(names)
	for name, ids := range compat {
		var chans []models.Channel
		for _, id := range ids {
			chans = append(chans, models.Channel{ChatID: id, TopAvailableMessageID: models.Int64Ptr(10)})
		}
		st.addDialogs(name, chans)
	}
	st.setBacklog(&progress.Backlog{Pending: pending})
	return st
}

func TestSharedState_ClaimRespectsCompatibility(t *testing.T) {
	st := stateWith([]int64{1, 2, 3}, map[string][]int64{"s1": {1, 2}, "s2": {2, 3}})

	id, ok, _ := st.claim("s1")
	require.True(t, ok)
	assert.Equal(t, int64(1), id)

	id, ok, _ = st.claim("s2")
	require.True(t, ok)
	assert.Equal(t, int64(2), id)

	// s1 may not take 2 while s2 holds it, and never 3
	_, ok, more := st.claim("s1")
	assert.False(t, ok)
	assert.True(t, more)

	st.complete("s1", 1)
	st.drop("s2", 2)

	id, ok, _ = st.claim("s1")
	require.True(t, ok)
	assert.Equal(t, int64(2), id)

	id, ok, _ = st.claim("s2")
	require.True(t, ok)
	assert.Equal(t, int64(3), id)

	st.complete("s1", 2)
	st.complete("s2", 3)
	_, ok, more = st.claim("s1")
	assert.False(t, ok)
	assert.False(t, more)
	assert.True(t, st.settled())
	assert.Equal(t, []int64{2}, st.failed["s2"])
}

func TestSharedState_MutualExclusionUnderConcurrency(t *testing.T) {
	for round := 0; round < 50; round++ {
		st := stateWith([]int64{1, 2, 3}, map[string][]int64{"s1": {1, 2}, "s2": {2, 3}})

		var inUse [4]atomic.Int32
		var violations atomic.Int32
		var wg sync.WaitGroup
		for _, name := range []string{"s1", "s2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					id, ok, more := st.claim(name)
					if !ok {
						if !more {
							return
						}
						time.Sleep(time.Microsecond)
						continue
					}
					if inUse[id].Add(1) > 1 {
						violations.Add(1)
					}
					time.Sleep(50 * time.Microsecond)
					inUse[id].Add(-1)
					st.complete(name, id)
				}
			}()
		}
		wg.Wait()

		require.Zero(t, violations.Load())
		var done []int64
		for _, ids := range st.finished {
			done = append(done, ids...)
		}
		assert.ElementsMatch(t, []int64{1, 2, 3}, done)
		assert.NotContains(t, st.finished["s1"], int64(3))
		assert.NotContains(t, st.finished["s2"], int64(1))
	}
}

func TestSharedState_AddDialogsKeepsFreshestTop(t *testing.T) {
	st := newSharedState([]string{"a", "b"})
	st.addDialogs("a", []models.Channel{{ChatID: 1, TopAvailableMessageID: models.Int64Ptr(5)}})
	st.addDialogs("b", []models.Channel{{ChatID: 1, TopAvailableMessageID: models.Int64Ptr(9)}, {ChatID: 2}})

	list := st.dialogList()
	require.Len(t, list, 2)
	assert.Equal(t, int64(9), list[0].Top())
	assert.True(t, st.compat["a"][1])
	assert.True(t, st.compat["b"][2])
	assert.False(t, st.compat["a"][2])
}
