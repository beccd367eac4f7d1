package cache

import (
	"context"
	"sync"
	"time"

	"pastelink/metrics"
	"pastelink/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 5 * time.Minute

// LRU is a process-local read-through cache of text snapshots keyed by
// code. Each instance has its own cache, so another instance may serve a
// snapshot for up to its TTL after a write here.
type LRU struct {
	c       *lru.Cache[string, item]
	mu      sync.Mutex
	group   singleflight.Group
	ttl     time.Duration
	enabled bool
	now     func() time.Time
	// epoch moves on every invalidation so a read that started before a
	// write cannot store its older snapshot afterwards.
	epoch uint64
}
type item struct {
	text *domain.Text
	exp  time.Time
}

func NewLRU(size int, ttl time.Duration, enabled bool) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, ttl: ttl, enabled: enabled, now: time.Now}, nil
}

// SetClock replaces the time source for entry expiry.
func (l *LRU) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Get returns a copy of the cached snapshot. Entries past their expiry are
// dropped on access.
func (l *LRU) Get(code string) (*domain.Text, bool) {
	if !l.enabled {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(code)
	if !ok {
		return nil, false
	}
	if !l.now().Before(it.exp) {
		l.c.Remove(code)
		return nil, false
	}
	return it.text.Clone(), true
}

// Set stores a copy of t. A zero ttl means the cache default.
func (l *LRU) Set(code string, t *domain.Text, ttl time.Duration) {
	if !l.enabled || t == nil {
		return
	}
	if ttl <= 0 {
		ttl = l.ttl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(code, item{
		text: t.Clone(),
		exp:  l.now().Add(ttl),
	})
}
func (l *LRU) setIfEpoch(code string, t *domain.Text, ttl time.Duration, epoch uint64) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.epoch != epoch {
		return
	}
	l.c.Add(code, item{text: t.Clone(), exp: l.now().Add(ttl)})
}
func (l *LRU) Invalidate(code string) {
	l.mu.Lock()
	l.epoch++
	l.c.Remove(code)
	l.mu.Unlock()
	l.group.Forget(code)
}
func (l *LRU) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch++
	l.c.Purge()
}
func (l *LRU) Len() int {
	return l.c.Len()
}

// Remember returns the cached snapshot for code or runs produce and caches
// its result. Concurrent misses on one code share a single produce call,
// which does not inherit the first caller's cancellation. Errors, including
// not found, are returned but never cached.
func (l *LRU) Remember(ctx context.Context, code string, produce func(ctx context.Context) (*domain.Text, error), ttl time.Duration) (*domain.Text, error) {
	if !l.enabled {
		return produce(ctx)
	}
	if t, ok := l.Get(code); ok {
		metrics.CacheHits.Inc()
		return t, nil
	}
	metrics.CacheMisses.Inc()
	v, err, _ := l.group.Do(code, func() (interface{}, error) {
		l.mu.Lock()
		epoch := l.epoch
		l.mu.Unlock()
		t, err := produce(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		l.setIfEpoch(code, t, ttl, epoch)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Text).Clone(), nil
}
