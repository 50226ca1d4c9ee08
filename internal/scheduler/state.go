package scheduler

import (
	"sync"
	"time"

	"github.com/msx98/telelog/internal/models"
	"github.com/msx98/telelog/internal/progress"
)

// sharedState is the pending list and per-session worker state of one
// cycle. Every field is guarded by mu.
type sharedState struct {
	mu sync.Mutex

	dialogs map[int64]models.Channel
	order   []int64

	backlog *progress.Backlog
	pending []int64
	compat  map[string]map[int64]bool
	busy    map[int64]string

	finished map[string][]int64
	failed   map[string][]int64
	active   int

	lastFinish time.Time
	changed    chan struct{}
}

func newSharedState(sessions []string) *sharedState {
	s := &sharedState{
		dialogs:  make(map[int64]models.Channel),
		compat:   make(map[string]map[int64]bool, len(sessions)),
		busy:     make(map[int64]string),
		finished: make(map[string][]int64),
		failed:   make(map[string][]int64),
		active:   len(sessions),
		changed:  make(chan struct{}, 1),
	}
	for _, name := range sessions {
		s.compat[name] = make(map[int64]bool)
	}
	return s
}

// addDialogs merges one session's catalogue. The freshest observation
// (highest top id) wins.
func (s *sharedState) addDialogs(session string, channels []models.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range channels {
		s.compat[session][ch.ChatID] = true
		old, seen := s.dialogs[ch.ChatID]
		if !seen {
			s.order = append(s.order, ch.ChatID)
		}
		if !seen || ch.Top() > old.Top() {
			s.dialogs[ch.ChatID] = ch
		}
	}
}

func (s *sharedState) dialogList() []models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Channel, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.dialogs[id])
	}
	return out
}

func (s *sharedState) setBacklog(b *progress.Backlog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = b
	s.pending = append([]int64(nil), b.Pending...)
}

// claim picks the first pending channel compatible with session that no
// other session holds. more reports whether any compatible channel is
// still pending, claimed or not.
func (s *sharedState) claim(session string) (id int64, ok bool, more bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	compat := s.compat[session]
	for _, cand := range s.pending {
		if !compat[cand] {
			continue
		}
		more = true
		if _, taken := s.busy[cand]; taken {
			continue
		}
		s.busy[cand] = session
		return cand, true, true
	}
	return 0, false, more
}

// complete removes a fetched channel from pending.
func (s *sharedState) complete(session string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.busy, id)
	for i, cand := range s.pending {
		if cand == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.finished[session] = append(s.finished[session], id)
	s.lastFinish = time.Now().UTC()
	s.notify()
}

// drop removes a failed channel from the session's compatible set; it
// stays pending for other sessions.
func (s *sharedState) drop(session string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.busy, id)
	delete(s.compat[session], id)
	s.failed[session] = append(s.failed[session], id)
	s.notify()
}

// release frees a claim without a verdict (cancellation).
func (s *sharedState) release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, id)
}

func (s *sharedState) sessionDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	s.notify()
}

// settled reports whether the monitor can stop: nothing pending or no
// session left to fetch it.
func (s *sharedState) settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 || s.active == 0
}

func (s *sharedState) pendingSnapshot() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.pending...)
}

func (s *sharedState) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
