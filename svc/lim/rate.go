package lim

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"pastelink/metrics"
	"pastelink/svc/util"

	"golang.org/x/time/rate"
)

const (
	defaultMaxClients = 10000
	cleanupInterval   = time.Minute
)

// Subject identifies who is asking to perform which action. ClientID is the
// resolved client address, never a session or cookie value.
type Subject struct {
	Action   string
	ClientID string
	Admin    bool
}

// Rule admits at most Limit actions inside any rolling Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// WindowStore keeps one sliding-window log per key. SlidingWindow prunes
// entries at or before now-window, records now when fewer than limit remain
// and reports the resulting count with the oldest entry still in the window.
type WindowStore interface {
	SlidingWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, int, time.Time, error)
}

type Options struct {
	MaxClients     int
	GlobalRPS      float64
	Remote         WindowStore
	TrustedProxies []string
}

type Limiter struct {
	local          *MemoryWindows
	remote         WindowStore
	global         *rate.Limiter
	trustedProxies []string
	now            func() time.Time
	quit           chan struct{}
	stopOnce       sync.Once
}

func New(opts Options) *Limiter {
	for _, proxy := range opts.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trustedProxies: %s: %v", proxy, err))
			}
		} else if net.ParseIP(proxy) == nil {
			panic(fmt.Sprintf("invalid IP in trustedProxies: %s", proxy))
		}
	}
	l := &Limiter{
		local:          NewMemoryWindows(opts.MaxClients),
		remote:         opts.Remote,
		trustedProxies: opts.TrustedProxies,
		now:            time.Now,
		quit:           make(chan struct{}),
	}
	if opts.GlobalRPS > 0 {
		burst := int(opts.GlobalRPS)
		if burst < 1 {
			burst = 1
		}
		l.global = rate.NewLimiter(rate.Limit(opts.GlobalRPS), burst)
	}
	go l.cleanupLoop()
	return l
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if evicted := l.local.EvictIdle(l.now()); evicted > 0 {
				util.Debug().Int("evicted", evicted).Int("remaining", l.local.Len()).Msg("rate limiter cleanup")
			}
		case <-l.quit:
			return
		}
	}
}

// Check decides whether subject may perform its action now under rule.
// Admins always pass.
func (l *Limiter) Check(ctx context.Context, s Subject, r Rule) *Result {
	now := l.now()
	if s.Admin {
		return &Result{Allowed: true, Limit: r.Limit, Remaining: r.Limit, Reset: now}
	}
	if l.global != nil && !l.global.AllowN(now, 1) {
		metrics.RateLimitHits.WithLabelValues("global").Inc()
		return &Result{Allowed: false, Limit: r.Limit, Remaining: 0, Reset: now.Add(time.Second)}
	}
	key := "rl:" + s.Action + ":" + s.ClientID
	var (
		allowed bool
		count   int
		oldest  time.Time
		err     error
	)
	if l.remote != nil {
		allowed, count, oldest, err = l.remote.SlidingWindow(ctx, key, r.Limit, r.Window, now)
		if err != nil {
			util.Warn().Err(err).Str("action", s.Action).Msg("shared rate limit unavailable, using local window")
			allowed, count, oldest, _ = l.local.SlidingWindow(ctx, key, r.Limit, r.Window, now)
		}
	} else {
		allowed, count, oldest, _ = l.local.SlidingWindow(ctx, key, r.Limit, r.Window, now)
	}
	res := &Result{Allowed: allowed, Limit: r.Limit, Remaining: r.Limit - count}
	if res.Remaining < 0 || !allowed {
		res.Remaining = 0
	}
	if count == 0 || oldest.IsZero() {
		res.Reset = now.Add(r.Window)
	} else {
		res.Reset = oldest.Add(r.Window)
	}
	if !allowed {
		metrics.RateLimitHits.WithLabelValues(s.Action).Inc()
		util.Debug().Str("action", s.Action).Str("client", util.RedactIP(s.ClientID)).Msg("rate limit exceeded")
	}
	return res
}
