package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"pastelink/pkg/domain"

	"github.com/pkg/errors"
)

// Store persists texts. Every implementation must keep the code column
// unique, report a violated constraint as domain.ErrCodeCollision and apply
// the view increment as a single atomic statement.
type Store interface {
	Create(ctx context.Context, t *domain.Text) error
	GetLive(ctx context.Context, code string) (*domain.Text, error)
	Exists(ctx context.Context, code string) (bool, error)
	IncrementViews(ctx context.Context, code string) error
	ConsumeView(ctx context.Context, code string) error
	DeleteByCode(ctx context.Context, code string) error
	DeleteByID(ctx context.Context, id int64) (string, error)
	SweepDead(ctx context.Context) (int, []string, error)
	Stats(ctx context.Context) (domain.Stats, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Text, error)
	Ping(ctx context.Context) error
	Close() error
}

// liveClause is the SQL form of domain.IsLive. The single verb is the
// placeholder bound to the current time. Dead rows are NOT (liveClause).
const liveClause = `(expires_at IS NULL OR expires_at > %[1]s) AND (view_limit IS NULL OR views < view_limit)`

const (
	textColumns    = `id, code, content, views, view_limit, created_at, expires_at, ip_address, is_encrypted`
	sweepBatchSize = 500
	maxSweepRounds = 10000
)

func live(placeholder string) string {
	return fmt.Sprintf(liveClause, placeholder)
}
func dead(placeholder string) string {
	return "NOT (" + live(placeholder) + ")"
}

// Limits bounds what a store accepts on insert. Zero values leave the
// corresponding bound unchecked.
type Limits struct {
	MaxContentLength int
	MaxExpiry        time.Duration
}

// validateForInsert repeats the bounds checks the service already did so a
// direct store caller cannot persist an out-of-range row.
func validateForInsert(t *domain.Text, l Limits) error {
	if t == nil || t.Code == "" {
		return domain.ErrInvalidCode
	}
	if strings.TrimSpace(t.Content) == "" {
		return domain.ErrContentRequired
	}
	if l.MaxContentLength > 0 && utf8.RuneCountInString(t.Content) > l.MaxContentLength {
		return domain.ErrContentTooLarge
	}
	if t.ViewLimit != nil && (*t.ViewLimit == 0 || *t.ViewLimit > domain.MaxViewLimit) {
		return domain.ErrInvalidViewLimit
	}
	if t.ExpiresAt != nil {
		if !t.ExpiresAt.After(t.CreatedAt) {
			return domain.ErrInvalidTTL
		}
		if l.MaxExpiry > 0 && t.ExpiresAt.Sub(t.CreatedAt) > l.MaxExpiry {
			return domain.ErrInvalidTTL
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanText(row rowScanner) (*domain.Text, error) {
	var (
		t         domain.Text
		viewLimit sql.NullInt64
		expiresAt sql.NullTime
		ip        sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Code, &t.Content, &t.Views, &viewLimit, &t.CreatedAt, &expiresAt, &ip, &t.IsEncrypted); err != nil {
		return nil, err
	}
	if viewLimit.Valid {
		v := uint64(viewLimit.Int64)
		t.ViewLimit = &v
	}
	if expiresAt.Valid {
		e := expiresAt.Time.UTC()
		t.ExpiresAt = &e
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.SourceIP = ip.String
	return &t, nil
}

func collectCodes(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return codes, errors.Wrap(err, "scan code")
		}
		codes = append(codes, code)
	}
	return codes, errors.Wrap(rows.Err(), "iterate codes")
}

func nullableLimit(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func queryCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
