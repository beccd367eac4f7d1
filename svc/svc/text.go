package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"pastelink/cfg"
	"pastelink/metrics"
	"pastelink/pkg/domain"
	"pastelink/svc/cache"
	"pastelink/svc/db"
	"pastelink/svc/util"

	"github.com/pkg/errors"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var ErrShuttingDown = errors.New("service shutting down")

type Text struct {
	store          db.Store
	lru            *cache.LRU
	codes          *util.CodeGenerator
	sweeper        *Sweeper
	maxContent     int
	maxExpiryHours int
	cacheTTL       time.Duration
	now            func() time.Time
	shutdown       atomic.Bool
	opWg           sync.WaitGroup
}

type Option func(*Text)

func WithClock(now func() time.Time) Option {
	return func(t *Text) { t.now = now }
}
func WithCodeGenerator(g *util.CodeGenerator) Option {
	return func(t *Text) { t.codes = g }
}

func NewText(store db.Store, lru *cache.LRU, c *cfg.Cfg, opts ...Option) *Text {
	if store == nil || lru == nil || c == nil {
		panic("text service: nil dependency (store, lru or cfg)")
	}
	t := &Text{
		store:          store,
		lru:            lru,
		sweeper:        NewSweeper(store, lru),
		maxContent:     c.MaxContentLength,
		maxExpiryHours: c.MaxExpiryHours,
		cacheTTL:       c.CacheTTL,
		now:            time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.codes == nil {
		t.codes = util.NewCodeGenerator(store.Exists, util.WithExhaustedHook(metrics.CodeCapacityExhausted.Inc))
	}
	return t
}

// Shutdown rejects new writes and waits for in-flight ones.
func (s *Text) Shutdown() {
	s.shutdown.Store(true)
	s.opWg.Wait()
	util.Debug().Msg("text service shutdown complete")
}
func (s *Text) begin() error {
	if s.shutdown.Load() {
		return ErrShuttingDown
	}
	s.opWg.Add(1)
	return nil
}

func (s *Text) validate(p domain.CreateParams) error {
	if strings.TrimSpace(p.Content) == "" {
		return domain.ErrContentRequired
	}
	if utf8.RuneCountInString(p.Content) > s.maxContent {
		return domain.ErrContentTooLarge
	}
	if !domain.ValidTTLHours(p.TTLHours, s.maxExpiryHours) {
		return domain.ErrInvalidTTL
	}
	if !domain.ValidViewLimit(p.ViewLimit) {
		return domain.ErrInvalidViewLimit
	}
	return nil
}

// Create validates p, assigns a fresh code and persists the text. Nothing is
// written when validation fails.
func (s *Text) Create(ctx context.Context, p domain.CreateParams) (*domain.Text, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	if err := s.validate(p); err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	t := &domain.Text{
		Content:     p.Content,
		CreatedAt:   now,
		SourceIP:    p.ClientIP,
		IsEncrypted: p.IsEncrypted,
	}
	if p.TTLHours != nil {
		e := now.Add(time.Duration(*p.TTLHours) * time.Hour)
		t.ExpiresAt = &e
	}
	if p.ViewLimit != nil {
		v := uint64(*p.ViewLimit)
		t.ViewLimit = &v
	}
	_, err := s.codes.Assign(ctx, func(code string) error {
		t.Code = code
		return s.store.Create(ctx, t)
	})
	if err != nil {
		return nil, errors.Wrap(err, "create text")
	}
	metrics.TextCreated.Inc()
	util.Ctx(ctx).Info().
		Int64("id", t.ID).
		Bool("expires", t.ExpiresAt != nil).
		Bool("limited", t.ViewLimit != nil).
		Msg("text created")
	return t, nil
}

// Get returns the live text for code. Unknown, expired, exhausted and
// malformed codes are all reported as domain.ErrTextNotFound.
func (s *Text) Get(ctx context.Context, code string) (*domain.Text, error) {
	if !domain.ValidCode(code) {
		return nil, domain.ErrTextNotFound
	}
	t, err := s.lru.Remember(ctx, code, func(ctx context.Context) (*domain.Text, error) {
		return s.store.GetLive(ctx, code)
	}, s.cacheTTL)
	if err != nil {
		if errors.Is(err, domain.ErrTextNotFound) {
			return nil, domain.ErrTextNotFound
		}
		return nil, errors.Wrap(err, "get text")
	}
	// a cached snapshot can reach its expiry while cached
	if !domain.IsLive(t, s.now()) {
		s.lru.Invalidate(code)
		return nil, domain.ErrTextNotFound
	}
	return t, nil
}

// IncrementViews adds one view to any stored row with code and drops the
// cached snapshot.
func (s *Text) IncrementViews(ctx context.Context, code string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.opWg.Done()
	if !domain.ValidCode(code) {
		return domain.ErrTextNotFound
	}
	if err := s.store.IncrementViews(ctx, code); err != nil {
		if errors.Is(err, domain.ErrTextNotFound) {
			return domain.ErrTextNotFound
		}
		return errors.Wrap(err, "increment views")
	}
	s.lru.Invalidate(code)
	return nil
}

// View reads a live text and counts the read. The count is taken with a
// conditional update, so a text is never served more times than its limit
// even when readers race. The returned Views includes this view.
func (s *Text) View(ctx context.Context, code string) (*domain.Text, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	t, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	err = s.store.ConsumeView(ctx, code)
	s.lru.Invalidate(code)
	if err != nil {
		if errors.Is(err, domain.ErrTextNotFound) {
			return nil, domain.ErrTextNotFound
		}
		return nil, errors.Wrap(err, "count view")
	}
	t.Views++
	metrics.TextViewed.Inc()
	return t, nil
}

// Delete removes the text with the given id regardless of liveness.
func (s *Text) Delete(ctx context.Context, id int64) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.opWg.Done()
	if id <= 0 {
		return domain.ErrInvalidID
	}
	code, err := s.store.DeleteByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrTextNotFound) {
			return domain.ErrTextNotFound
		}
		return errors.Wrap(err, "delete text")
	}
	s.lru.Invalidate(code)
	metrics.TextDeleted.Inc()
	util.Ctx(ctx).Info().Int64("id", id).Msg("text deleted")
	return nil
}
func (s *Text) DeleteByCode(ctx context.Context, code string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.opWg.Done()
	if !domain.ValidCode(code) {
		return domain.ErrTextNotFound
	}
	if err := s.store.DeleteByCode(ctx, code); err != nil {
		if errors.Is(err, domain.ErrTextNotFound) {
			return domain.ErrTextNotFound
		}
		return errors.Wrap(err, "delete text")
	}
	s.lru.Invalidate(code)
	metrics.TextDeleted.Inc()
	return nil
}
func (s *Text) Sweep(ctx context.Context) (int, error) {
	return s.sweeper.Sweep(ctx)
}
func (s *Text) Sweeper() *Sweeper {
	return s.sweeper
}
func (s *Text) Stats(ctx context.Context) (domain.Stats, error) {
	st, err := s.store.Stats(ctx)
	return st, errors.Wrap(err, "stats")
}

// List pages through all stored texts, newest first, live or not.
func (s *Text) List(ctx context.Context, limit, offset int) ([]*domain.Text, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	texts, err := s.store.List(ctx, limit, offset)
	return texts, errors.Wrap(err, "list texts")
}
func (s *Text) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
