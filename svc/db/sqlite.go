package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"pastelink/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	defaultQueryTimeout = 5 * time.Second

	// sqliteTimeFormat is fixed width so TEXT comparison orders instants.
	sqliteTimeFormat = "2006-01-02 15:04:05.000000"
	sqliteDSNOptions = "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL"
)

type SQLite struct {
	breaker
	db           *sql.DB
	queryTimeout time.Duration
	now          func() time.Time
	limits       Limits
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// sqliteDSN adds per-connection pragmas. A PRAGMA run through db.Exec only
// reaches one pooled connection.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + sqliteDSNOptions
	}
	return path + "?" + sqliteDSNOptions
}

// SetClock replaces the time source used by the live filter.
func (s *SQLite) SetClock(now func() time.Time) {
	s.now = now
}

// SetLimits bounds content length and lifetime accepted by Create.
func (s *SQLite) SetLimits(l Limits) {
	s.limits = l
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS texts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code VARCHAR(10) NOT NULL UNIQUE,
		content TEXT NOT NULL,
		views INTEGER NOT NULL DEFAULT 0,
		view_limit INTEGER,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		ip_address VARCHAR(45),
		is_encrypted BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_texts_created_at ON texts(created_at);
	CREATE INDEX IF NOT EXISTS idx_texts_expires_at ON texts(expires_at);
	CREATE INDEX IF NOT EXISTS idx_texts_cleanup ON texts(expires_at, view_limit);
	`
	_, err := s.db.Exec(query)
	return err
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}
func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLite) Create(ctx context.Context, t *domain.Text) error {
	if err := validateForInsert(t, s.limits); err != nil {
		return err
	}
	if err := s.checkCircuit(); err != nil {
		return err
	}
	qctx, cancel := queryCtx(ctx, s.queryTimeout)
	defer cancel()
	var expiresAt any
	if t.ExpiresAt != nil {
		expiresAt = sqliteTime(*t.ExpiresAt)
	}
	q := `
	INSERT INTO texts (code, content, views, view_limit, created_at, expires_at, ip_address, is_encrypted)
	VALUES (?, ?, 0, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(qctx, q,
		t.Code, t.Content, nullableLimit(t.ViewLimit), sqliteTime(t.CreatedAt), expiresAt, t.SourceIP, t.IsEncrypted,
	)
	if isSQLiteUnique(err) {
		s.recordError(nil)
		return errors.Wrap(domain.ErrCodeCollision, "db create")
	}
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db create")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "db create id")
	}
	t.ID = id
	t.Views = 0
	return nil
}
func (s *SQLite) GetLive(ctx context.Context, code string) (*domain.Text, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	qctx, cancel := queryCtx(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT ` + textColumns + ` FROM texts WHERE code = ? AND ` + live("?")
	t, err := scanText(s.db.QueryRowContext(qctx, q, code, sqliteTime(s.now())))
	if err == sql.ErrNoRows {
		return nil, domain.ErrTextNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return t, nil
}
func (s *SQLite) Exists(ctx context.Context, code string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	qctx, cancel := queryCtx(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(qctx, `SELECT 1 FROM texts WHERE code = ? LIMIT 1`, code).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// IncrementViews bumps the counter of any row with the code, live or not,
// so that K concurrent calls always add exactly K.
func (s *SQLite) IncrementViews(ctx context.Context, code string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	qctx, cancel := queryCtx(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(qctx, `UPDATE texts SET views = views + 1 WHERE code = ?`, code)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "incr views")
	}
	return rowsOrNotFound(res)
}
// ConsumeView counts one view only while the row is live, so a view limit
// cannot be overrun by concurrent readers.
func (s *SQLite) ConsumeView(ctx context.Context, code string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	qctx, cancel := queryCtx(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(qctx,
		`UPDATE texts SET views = views + 1 WHERE code = ? AND `+live("?"), code, sqliteTime(s.now()))
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "consume view")
	}
	return rowsOrNotFound(res)
}
func (s *SQLite) DeleteByCode(ctx context.Context, code string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	qctx, cancel := queryCtx(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(qctx, `DELETE FROM texts WHERE code = ?`, code)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "delete text")
	}
	return rowsOrNotFound(res)
}
func (s *SQLite) DeleteByID(ctx context.Context, id int64) (string, error) {
	if err := s.checkCircuit(); err != nil {
		return "", err
	}
	qctx, cancel := queryCtx(ctx, s.queryTimeout)
	defer cancel()
	var code string
	err := s.db.QueryRowContext(qctx, `DELETE FROM texts WHERE id = ? RETURNING code`, id).Scan(&code)
	if err == sql.ErrNoRows {
		return "", domain.ErrTextNotFound
	}
	s.recordError(err)
	if err != nil {
		return "", errors.Wrap(err, "delete text")
	}
	return code, nil
}

// SweepDead deletes dead rows in batches and returns their codes so the
// caller can drop them from the cache.
func (s *SQLite) SweepDead(ctx context.Context) (int, []string, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, nil, err
	}
	q := `
	DELETE FROM texts WHERE id IN (
		SELECT id FROM texts WHERE ` + dead("?") + ` LIMIT ?
	) RETURNING code`
	var codes []string
	for i := 0; i < maxSweepRounds; i++ {
		if err := ctx.Err(); err != nil {
			return len(codes), codes, err
		}
		qctx, cancel := queryCtx(ctx, s.queryTimeout)
		rows, err := s.db.QueryContext(qctx, q, sqliteTime(s.now()), sweepBatchSize)
		if err != nil {
			cancel()
			s.recordError(err)
			return len(codes), codes, errors.Wrap(err, "sweep batch failed")
		}
		batch, err := collectCodes(rows)
		cancel()
		s.recordError(err)
		codes = append(codes, batch...)
		if err != nil {
			return len(codes), codes, err
		}
		if len(batch) < sweepBatchSize {
			break
		}
	}
	return len(codes), codes, nil
}
func (s *SQLite) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	if err := s.checkCircuit(); err != nil {
		return st, err
	}
	qctx, cancel := queryCtx(ctx, s.queryTimeout)
	defer cancel()
	err := s.db.QueryRowContext(qctx, statsQuery).Scan(&st.TotalRecords, &st.TotalViews, &st.ExpiringCount, &st.LimitedCount)
	s.recordError(err)
	return st, errors.Wrap(err, "stats")
}
func (s *SQLite) List(ctx context.Context, limit, offset int) ([]*domain.Text, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	qctx, cancel := queryCtx(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(qctx,
		`SELECT `+textColumns+` FROM texts ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list texts")
	}
	return collectTexts(rows)
}
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	ctx, cancel := queryCtx(ctx, s.queryTimeout)
	defer cancel()
	err := s.db.PingContext(ctx)
	s.recordError(err)
	return errors.Wrap(err, "ping sqlite")
}
func (s *SQLite) Close() error {
	return s.db.Close()
}

const statsQuery = `
SELECT COUNT(*), COALESCE(SUM(views), 0), COUNT(expires_at), COUNT(view_limit)
FROM texts`

func rowsOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return domain.ErrTextNotFound
	}
	return nil
}
func collectTexts(rows *sql.Rows) ([]*domain.Text, error) {
	defer rows.Close()
	texts := make([]*domain.Text, 0)
	for rows.Next() {
		t, err := scanText(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan text")
		}
		texts = append(texts, t)
	}
	return texts, errors.Wrap(rows.Err(), "iterate texts")
}
