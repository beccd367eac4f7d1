package svc

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pastelink/cfg"
	"pastelink/pkg/domain"
	"pastelink/svc/cache"
	"pastelink/svc/db"
	"pastelink/svc/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Text
	store *db.SQLite
	lru   *cache.LRU
	mu    sync.Mutex
	now   time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}
func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		MaxContentLength: 100000,
		MaxExpiryHours:   168,
		CacheTTL:         5 * time.Minute,
	}
}

func newFixture(t *testing.T, c *cfg.Cfg, opts ...Option) *fixture {
	t.Helper()
	store, err := db.NewSQLiteWithConfig(filepath.Join(t.TempDir(), "svc.db"), 8, 4, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	lru, err := cache.NewLRU(100, c.CacheTTL, true)
	require.NoError(t, err)
	f := &fixture{store: store, lru: lru, now: time.Now().UTC()}
	store.SetClock(f.clock)
	lru.SetClock(f.clock)
	f.svc = NewText(store, lru, c, append([]Option{WithClock(f.clock)}, opts...)...)
	return f
}

func intp(v int) *int { return &v }

func params(content string, ttl, limit *int) domain.CreateParams {
	return domain.CreateParams{Content: content, TTLHours: ttl, ViewLimit: limit, ClientIP: "198.51.100.4"}
}

func TestCreateValidation(t *testing.T) {
	c := testCfg()
	c.MaxContentLength = 10
	f := newFixture(t, c)
	ctx := context.Background()

	cases := []struct {
		name string
		p    domain.CreateParams
		want error
	}{
		{"empty", params("", nil, nil), domain.ErrContentRequired},
		{"blank", params("  \n\t", nil, nil), domain.ErrContentRequired},
		{"too long", params(strings.Repeat("é", 11), nil, nil), domain.ErrContentTooLarge},
		{"ttl zero", params("hi", intp(0), nil), domain.ErrInvalidTTL},
		{"ttl negative", params("hi", intp(-1), nil), domain.ErrInvalidTTL},
		{"ttl too long", params("hi", intp(169), nil), domain.ErrInvalidTTL},
		{"limit zero", params("hi", nil, intp(0)), domain.ErrInvalidViewLimit},
		{"limit too high", params("hi", nil, intp(1_000_001)), domain.ErrInvalidViewLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.p)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, domain.IsValidation(err))
		})
	}
	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalRecords, "failed validation writes nothing")

	// length counts characters, not bytes
	_, err = f.svc.Create(ctx, params(strings.Repeat("é", 10), intp(168), intp(1_000_000)))
	assert.NoError(t, err)
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()

	created, err := f.svc.Create(ctx, params("hello world", intp(1), intp(2)))
	require.NoError(t, err)
	assert.Len(t, created.Code, domain.CodeLength)
	assert.NotZero(t, created.ID)
	require.NotNil(t, created.ExpiresAt)
	assert.Equal(t, created.CreatedAt.Add(time.Hour), *created.ExpiresAt)

	got, err := f.svc.Get(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Content)
	assert.Equal(t, uint64(0), got.Views)
}

func TestViewLimitLifecycle(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()
	created, err := f.svc.Create(ctx, params("hello world", intp(1), intp(2)))
	require.NoError(t, err)

	v1, err := f.svc.View(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1.Views)
	v2, err := f.svc.View(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2.Views)

	_, err = f.svc.Get(ctx, created.Code)
	assert.ErrorIs(t, err, domain.ErrTextNotFound)
	_, err = f.svc.View(ctx, created.Code)
	assert.ErrorIs(t, err, domain.ErrTextNotFound)

	deleted, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, 1)
	ok, err := f.store.Exists(ctx, created.Code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetThenIncrementFlow(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()
	created, err := f.svc.Create(ctx, params("hello world", intp(1), intp(2)))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := f.svc.Get(ctx, created.Code)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), got.Views, "cache must not serve a pre-increment count")
		require.NoError(t, f.svc.IncrementViews(ctx, created.Code))
	}
	_, err = f.svc.Get(ctx, created.Code)
	assert.ErrorIs(t, err, domain.ErrTextNotFound)
}

func TestExpiryHidesCachedText(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()
	created, err := f.svc.Create(ctx, params("short lived", intp(1), nil))
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, created.Code)
	require.NoError(t, err)
	_, cached := f.lru.Get(created.Code)
	require.True(t, cached)

	f.advance(time.Hour)
	_, err = f.svc.Get(ctx, created.Code)
	assert.ErrorIs(t, err, domain.ErrTextNotFound)

	deleted, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, cached = f.lru.Get(created.Code)
	assert.False(t, cached)
}

func TestSweepLeavesLiveTexts(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()
	keep, err := f.svc.Create(ctx, params("keep", intp(48), nil))
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, params("drop", intp(1), nil))
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	deleted, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = f.svc.Get(ctx, keep.Code)
	assert.NoError(t, err)

	deleted, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted, "sweep is idempotent")
}

func TestConcurrentCreatesGetDistinctCodes(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()
	const n = 30
	codes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := f.svc.Create(ctx, params(fmt.Sprintf("text %d", i), nil, nil))
			if assert.NoError(t, err) {
				codes <- created.Code
			}
		}(i)
	}
	wg.Wait()
	close(codes)
	seen := make(map[string]bool)
	for code := range codes {
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
	assert.Len(t, seen, n)
}

func TestConcurrentIncrements(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()
	created, err := f.svc.Create(ctx, params("popular", nil, nil))
	require.NoError(t, err)

	const k = 40
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.IncrementViews(ctx, created.Code))
		}()
	}
	wg.Wait()
	got, err := f.svc.Get(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, uint64(k), got.Views)
}

func TestConcurrentViewsRespectLimit(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()
	created, err := f.svc.Create(ctx, params("limited", nil, intp(5)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	served := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.View(ctx, created.Code); err == nil {
				mu.Lock()
				served++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, served)
}

func TestIncrementUnknownCode(t *testing.T) {
	f := newFixture(t, testCfg())
	assert.ErrorIs(t, f.svc.IncrementViews(context.Background(), "zzzzzz"), domain.ErrTextNotFound)
	assert.ErrorIs(t, f.svc.IncrementViews(context.Background(), "bad!"), domain.ErrTextNotFound)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()
	created, err := f.svc.Create(ctx, params("bye", nil, nil))
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, created.Code)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, created.ID))
	_, err = f.svc.Get(ctx, created.Code)
	assert.ErrorIs(t, err, domain.ErrTextNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, created.ID), domain.ErrTextNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, 0), domain.ErrInvalidID)

	other, err := f.svc.Create(ctx, params("bye again", nil, nil))
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteByCode(ctx, other.Code))
	assert.ErrorIs(t, f.svc.DeleteByCode(ctx, other.Code), domain.ErrTextNotFound)
}

func TestGetMalformedCode(t *testing.T) {
	f := newFixture(t, testCfg())
	for _, code := range []string{"", "abc", "../etc/passwd", "abcdefghijk"} {
		_, err := f.svc.Get(context.Background(), code)
		assert.ErrorIs(t, err, domain.ErrTextNotFound, code)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestCreateRetriesPastTakenCode(t *testing.T) {
	c := testCfg()
	f := newFixture(t, c)
	ctx := context.Background()
	first := NewText(f.store, f.lru, c, WithClock(f.clock),
		WithCodeGenerator(util.NewCodeGenerator(f.store.Exists, util.WithRandReader(zeroReader{}))))
	taken, err := first.Create(ctx, params("first", nil, nil))
	require.NoError(t, err)
	require.Equal(t, "000000", taken.Code)

	reader := bytes.NewReader(append(bytes.Repeat([]byte{0}, 6), bytes.Repeat([]byte{1}, 6)...))
	second := NewText(f.store, f.lru, c, WithClock(f.clock),
		WithCodeGenerator(util.NewCodeGenerator(f.store.Exists, util.WithRandReader(reader))))
	created, err := second.Create(ctx, params("second", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "111111", created.Code)
}

func TestCreateCapacityExhausted(t *testing.T) {
	c := testCfg()
	f := newFixture(t, c)
	ctx := context.Background()
	gen := util.NewCodeGenerator(f.store.Exists, util.WithRandReader(zeroReader{}), util.WithMaxAttempts(3))
	s := NewText(f.store, f.lru, c, WithClock(f.clock), WithCodeGenerator(gen))

	_, err := s.Create(ctx, params("first", nil, nil))
	require.NoError(t, err)
	_, err = s.Create(ctx, params("second", nil, nil))
	assert.ErrorIs(t, err, domain.ErrCapacityExhausted)
	assert.Equal(t, 503, domain.Status(err))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalRecords)
}

func TestStatsAndList(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx, params(fmt.Sprintf("t%d", i), intp(1), nil))
		require.NoError(t, err)
		f.advance(time.Second)
	}
	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalRecords)
	assert.Equal(t, int64(3), st.ExpiringCount)

	list, err := f.svc.List(ctx, 0, -5)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "t2", list[0].Content)
}

func TestShutdownRejectsWrites(t *testing.T) {
	f := newFixture(t, testCfg())
	f.svc.Shutdown()
	_, err := f.svc.Create(context.Background(), params("late", nil, nil))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

type unknownCodesStore struct {
	db.Store
}

func (unknownCodesStore) SweepDead(context.Context) (int, []string, error) {
	return 2, nil, nil
}

func TestSweepClearsCacheWhenCodesUnknown(t *testing.T) {
	lru, err := cache.NewLRU(10, time.Minute, true)
	require.NoError(t, err)
	lru.Set("abc123", &domain.Text{Code: "abc123", Content: "x"}, 0)
	sw := NewSweeper(unknownCodesStore{}, lru)

	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, lru.Len())
}

func TestStartSweeperStopsOnCancel(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx, cancel := context.WithCancel(context.Background())
	done := StartSweeper(ctx, f.svc.Sweeper(), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
