package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pastelink/pkg/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clockedStore interface {
	Store
	SetClock(func() time.Time)
	SetLimits(Limits)
}

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLiteWithConfig(filepath.Join(t.TempDir(), "texts.db"), 8, 4, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newText(code string, created time.Time, ttl time.Duration, limit uint64) *domain.Text {
	t := &domain.Text{
		Code:      code,
		Content:   "content of " + code,
		CreatedAt: created,
		SourceIP:  "203.0.113.9",
	}
	if ttl > 0 {
		e := created.Add(ttl)
		t.ExpiresAt = &e
	}
	if limit > 0 {
		t.ViewLimit = &limit
	}
	return t
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) clockedStore { return newTestSQLite(t) })
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) clockedStore {
		p, err := NewPostgres(dsn, 10, 5, 5*time.Second)
		require.NoError(t, err)
		_, err = p.db.Exec(`TRUNCATE texts`)
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		return p
	})
}

func runStoreSuite(t *testing.T, open func(t *testing.T) clockedStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		in := newText("abc123", now, time.Hour, 5)
		require.NoError(t, s.Create(ctx, in))
		assert.NotZero(t, in.ID)

		got, err := s.GetLive(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, in.ID, got.ID)
		assert.Equal(t, in.Content, got.Content)
		assert.Equal(t, uint64(0), got.Views)
		require.NotNil(t, got.ViewLimit)
		assert.Equal(t, uint64(5), *got.ViewLimit)
		assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, in.ExpiresAt.Equal(*got.ExpiresAt))
		assert.Equal(t, "203.0.113.9", got.SourceIP)
	})

	t.Run("duplicate code collides", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, newText("dup001", now, 0, 0)))
		err := s.Create(ctx, newText("dup001", now, 0, 0))
		assert.ErrorIs(t, err, domain.ErrCodeCollision)
	})

	t.Run("rejects out of range rows", func(t *testing.T) {
		s := open(t)
		zero := newText("bad001", now, 0, 0)
		var z uint64
		zero.ViewLimit = &z
		assert.ErrorIs(t, s.Create(ctx, zero), domain.ErrInvalidViewLimit)

		past := newText("bad002", now, 0, 0)
		e := now.Add(-time.Minute)
		past.ExpiresAt = &e
		assert.ErrorIs(t, s.Create(ctx, past), domain.ErrInvalidTTL)
	})

	t.Run("enforces configured limits", func(t *testing.T) {
		s := open(t)
		s.SetLimits(Limits{MaxContentLength: 5, MaxExpiry: 2 * time.Hour})

		long := newText("lim001", now, 0, 0)
		long.Content = "ééééé!"
		assert.ErrorIs(t, s.Create(ctx, long), domain.ErrContentTooLarge)

		fits := newText("lim002", now, 2*time.Hour, 0)
		fits.Content = "ééééé"
		require.NoError(t, s.Create(ctx, fits))

		tooLong := newText("lim003", now, 2*time.Hour+time.Second, 0)
		assert.ErrorIs(t, s.Create(ctx, tooLong), domain.ErrInvalidTTL)

		blank := newText("lim004", now, 0, 0)
		blank.Content = " \n\t"
		assert.ErrorIs(t, s.Create(ctx, blank), domain.ErrContentRequired)

		for _, code := range []string{"lim001", "lim003", "lim004"} {
			ok, err := s.Exists(ctx, code)
			require.NoError(t, err)
			assert.False(t, ok, code)
		}
	})

	t.Run("dead rows are not found but still exist", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, newText("exp001", now, time.Hour, 0)))
		require.NoError(t, s.Create(ctx, newText("lim001", now, 0, 1)))

		s.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
		_, err := s.GetLive(ctx, "exp001")
		assert.ErrorIs(t, err, domain.ErrTextNotFound)

		require.NoError(t, s.IncrementViews(ctx, "lim001"))
		_, err = s.GetLive(ctx, "lim001")
		assert.ErrorIs(t, err, domain.ErrTextNotFound)

		for _, code := range []string{"exp001", "lim001"} {
			ok, err := s.Exists(ctx, code)
			require.NoError(t, err)
			assert.True(t, ok, code)
		}
		ok, err := s.Exists(ctx, "nope00")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expiry boundary is exclusive", func(t *testing.T) {
		s := open(t)
		in := newText("edge01", now, time.Hour, 0)
		require.NoError(t, s.Create(ctx, in))
		s.SetClock(func() time.Time { return *in.ExpiresAt })
		_, err := s.GetLive(ctx, "edge01")
		assert.ErrorIs(t, err, domain.ErrTextNotFound)
	})

	t.Run("concurrent increments all land", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, newText("cnt001", now, 0, 0)))
		const k = 40
		var wg sync.WaitGroup
		errs := make(chan error, k)
		for i := 0; i < k; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.IncrementViews(ctx, "cnt001")
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		got, err := s.GetLive(ctx, "cnt001")
		require.NoError(t, err)
		assert.Equal(t, uint64(k), got.Views)

		assert.ErrorIs(t, s.IncrementViews(ctx, "nope00"), domain.ErrTextNotFound)
	})

	t.Run("consume view stops at the limit", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, newText("use001", now, 0, 3)))
		const k = 12
		var wg sync.WaitGroup
		var mu sync.Mutex
		served := 0
		for i := 0; i < k; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.ConsumeView(ctx, "use001")
				if err == nil {
					mu.Lock()
					served++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, domain.ErrTextNotFound)
			}()
		}
		wg.Wait()
		assert.Equal(t, 3, served)
		_, err := s.GetLive(ctx, "use001")
		assert.ErrorIs(t, err, domain.ErrTextNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t)
		a := newText("del001", now, 0, 0)
		require.NoError(t, s.Create(ctx, a))
		require.NoError(t, s.Create(ctx, newText("del002", now, 0, 0)))

		code, err := s.DeleteByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "del001", code)
		_, err = s.DeleteByID(ctx, a.ID)
		assert.ErrorIs(t, err, domain.ErrTextNotFound)

		require.NoError(t, s.DeleteByCode(ctx, "del002"))
		assert.ErrorIs(t, s.DeleteByCode(ctx, "del002"), domain.ErrTextNotFound)
		_, err = s.GetLive(ctx, "del002")
		assert.ErrorIs(t, err, domain.ErrTextNotFound)
	})

	t.Run("sweep removes only dead rows", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, newText("live01", now, 3*time.Hour, 0)))
		require.NoError(t, s.Create(ctx, newText("live02", now, 0, 0)))
		require.NoError(t, s.Create(ctx, newText("gone01", now, time.Hour, 0)))
		require.NoError(t, s.Create(ctx, newText("gone02", now, 0, 1)))
		require.NoError(t, s.IncrementViews(ctx, "gone02"))

		s.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
		n, codes, err := s.SweepDead(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.ElementsMatch(t, []string{"gone01", "gone02"}, codes)

		n, codes, err = s.SweepDead(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, codes)

		for _, code := range []string{"live01", "live02"} {
			_, err := s.GetLive(ctx, code)
			assert.NoError(t, err, code)
		}
	})

	t.Run("stats and list", func(t *testing.T) {
		s := open(t)
		for i := 0; i < 3; i++ {
			ttl := time.Duration(0)
			if i == 0 {
				ttl = time.Hour
			}
			limit := uint64(0)
			if i == 1 {
				limit = 10
			}
			require.NoError(t, s.Create(ctx, newText(fmt.Sprintf("lst00%d", i), now.Add(time.Duration(i)*time.Second), ttl, limit)))
		}
		require.NoError(t, s.IncrementViews(ctx, "lst000"))
		require.NoError(t, s.IncrementViews(ctx, "lst002"))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.Stats{TotalRecords: 3, TotalViews: 2, ExpiringCount: 1, LimitedCount: 1}, st)

		list, err := s.List(ctx, 2, 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "lst002", list[0].Code)
		assert.Equal(t, "lst001", list[1].Code)

		list, err = s.List(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "lst000", list[0].Code)
	})

	t.Run("ping", func(t *testing.T) {
		s := open(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestLiveClauseRendersPlaceholder(t *testing.T) {
	assert.Equal(t,
		"(expires_at IS NULL OR expires_at > ?) AND (view_limit IS NULL OR views < view_limit)",
		live("?"))
	assert.Equal(t,
		"NOT ((expires_at IS NULL OR expires_at > $1) AND (view_limit IS NULL OR views < view_limit))",
		dead("$1"))
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var b breaker
	boom := errors.New("io error")
	for i := 0; i < maxFailures; i++ {
		require.NoError(t, b.checkCircuit())
		b.recordError(boom)
	}
	assert.ErrorIs(t, b.checkCircuit(), ErrCircuitOpen)

	b.circuitOpened = time.Now().Add(-cooldownSeconds * time.Second).Unix()
	assert.NoError(t, b.checkCircuit())
	b.recordError(nil)
	assert.NoError(t, b.checkCircuit())
}

func TestBreakerIgnoresNoRowsAndCancel(t *testing.T) {
	var b breaker
	for i := 0; i < maxFailures*2; i++ {
		b.recordError(context.Canceled)
	}
	assert.NoError(t, b.checkCircuit())
}

func TestSQLiteCheckpoint(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Create(context.Background(), newText("wal001", time.Now().UTC(), 0, 0)))
	assert.NoError(t, s.Checkpoint(context.Background()))
}
