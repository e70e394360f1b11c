package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultMax is how many submissions a client may make per window.
	DefaultMax = 20
	// DefaultWindow is the length of the rolling rate-limit window.
	DefaultWindow = 60 * time.Second
)

// Memory is a process-local rolling-window limiter. It keeps the admitted hit
// times of every key and admits a hit only while fewer than max of them fall
// inside the trailing window.
type Memory struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	max    int
	window time.Duration
	now    func() time.Time

	prunedAt time.Time
}

// NewMemory creates a Memory limiter. Non-positive arguments fall back to the
// defaults.
func NewMemory(max int, window time.Duration) *Memory {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{
		hits:   make(map[string][]time.Time),
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it is within the limit.
// Rejected hits are not counted.
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	recent := trim(m.hits[key], now.Add(-m.window))
	if len(recent) >= m.max {
		m.hits[key] = recent
		return false, nil
	}
	m.hits[key] = append(recent, now)
	m.pruneLocked(now)
	return true, nil
}

// pruneLocked drops keys with no hit inside the window, at most once per
// window. Must be called with mu held.
func (m *Memory) pruneLocked(now time.Time) {
	if now.Sub(m.prunedAt) < m.window {
		return
	}
	m.prunedAt = now
	cutoff := now.Add(-m.window)
	for key, hits := range m.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(m.hits, key)
		}
	}
}

// trim drops hits at or before cutoff. hits is in ascending order.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
