package progress

import (
	"sync"
	"time"
)

// Meter tracks a rolling message rate since a start time.
type Meter struct {
	mu    sync.Mutex
	start time.Time
	total int64
	now   func() time.Time
}

// NewMeter starts a meter at the current time.
func NewMeter() *Meter {
	return &Meter{start: time.Now(), now: time.Now}
}

// Add records n more messages.
func (m *Meter) Add(n int64) {
	m.mu.Lock()
	m.total += n
	m.mu.Unlock()
}

// Total returns the number of recorded messages.
func (m *Meter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Rate returns messages per second since start.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := m.now().Sub(m.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.total) / elapsed
}

// ETA estimates the time left for remaining messages, zero when unknown.
func (m *Meter) ETA(remaining int64) time.Duration {
	rate := m.Rate()
	if rate <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}
