package lim

import (
	"context"
	"sync"
	"time"

	"pastelink/svc/util"
)

type windowLog struct {
	stamps []time.Time
	window time.Duration
}

// MemoryWindows is the in-process WindowStore. It tracks at most maxKeys
// windows and refuses new clients once full.
type MemoryWindows struct {
	mu      sync.Mutex
	logs    map[string]*windowLog
	maxKeys int
}

func NewMemoryWindows(maxKeys int) *MemoryWindows {
	if maxKeys <= 0 {
		maxKeys = defaultMaxClients
	}
	return &MemoryWindows{logs: make(map[string]*windowLog), maxKeys: maxKeys}
}

func (m *MemoryWindows) SlidingWindow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wl, ok := m.logs[key]
	if !ok {
		if len(m.logs) >= m.maxKeys {
			m.evictIdleLocked(now)
		}
		if len(m.logs) >= m.maxKeys {
			util.Warn().Int("windows", len(m.logs)).Msg("rate limiter at capacity, rejecting request")
			return false, limit, now, nil
		}
		wl = &windowLog{window: window}
		m.logs[key] = wl
	}
	wl.window = window
	wl.prune(now)
	if len(wl.stamps) >= limit {
		return false, len(wl.stamps), wl.oldest(now), nil
	}
	wl.stamps = append(wl.stamps, now)
	return true, len(wl.stamps), wl.oldest(now), nil
}

// prune drops stamps at or before now-window. Stamps are appended in order,
// so the survivors are a suffix.
func (w *windowLog) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
func (w *windowLog) oldest(now time.Time) time.Time {
	if len(w.stamps) == 0 {
		return now
	}
	return w.stamps[0]
}

// EvictIdle removes windows with no entries left inside their window.
func (m *MemoryWindows) EvictIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictIdleLocked(now)
}
func (m *MemoryWindows) evictIdleLocked(now time.Time) int {
	evicted := 0
	for key, wl := range m.logs {
		wl.prune(now)
		if len(wl.stamps) == 0 {
			delete(m.logs, key)
			evicted++
		}
	}
	return evicted
}
func (m *MemoryWindows) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}
