package db

import (
	"context"
	"database/sql"
	"time"

	"pastelink/pkg/domain"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const pgUniqueViolation = "23505"

type Postgres struct {
	breaker
	db           *sql.DB
	queryTimeout time.Duration
	now          func() time.Time
	limits       Limits
}

func NewPostgres(dsn string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	p := &Postgres{db: db, queryTimeout: queryTimeout, now: time.Now}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return p, nil
}

func (p *Postgres) SetClock(now func() time.Time) {
	p.now = now
}

func (p *Postgres) SetLimits(l Limits) {
	p.limits = l
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS texts (
		id BIGSERIAL PRIMARY KEY,
		code VARCHAR(10) NOT NULL UNIQUE,
		content TEXT NOT NULL,
		views BIGINT NOT NULL DEFAULT 0,
		view_limit BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ,
		ip_address VARCHAR(45),
		is_encrypted BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_texts_created_at ON texts(created_at);
	CREATE INDEX IF NOT EXISTS idx_texts_expires_at ON texts(expires_at);
	CREATE INDEX IF NOT EXISTS idx_texts_cleanup ON texts(expires_at, view_limit);
	`)
	return err
}

func isPgUnique(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == pgUniqueViolation
}

func (p *Postgres) Create(ctx context.Context, t *domain.Text) error {
	if err := validateForInsert(t, p.limits); err != nil {
		return err
	}
	if err := p.checkCircuit(); err != nil {
		return err
	}
	qctx, cancel := queryCtx(ctx, p.queryTimeout)
	defer cancel()
	var expiresAt any
	if t.ExpiresAt != nil {
		expiresAt = t.ExpiresAt.UTC()
	}
	err := p.db.QueryRowContext(qctx, `
	INSERT INTO texts (code, content, views, view_limit, created_at, expires_at, ip_address, is_encrypted)
	VALUES ($1, $2, 0, $3, $4, $5, $6, $7)
	RETURNING id`,
		t.Code, t.Content, nullableLimit(t.ViewLimit), t.CreatedAt.UTC(), expiresAt, t.SourceIP, t.IsEncrypted,
	).Scan(&t.ID)
	if isPgUnique(err) {
		p.recordError(nil)
		return errors.Wrap(domain.ErrCodeCollision, "db create")
	}
	p.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db create")
	}
	t.Views = 0
	return nil
}
func (p *Postgres) GetLive(ctx context.Context, code string) (*domain.Text, error) {
	if err := p.checkCircuit(); err != nil {
		return nil, err
	}
	qctx, cancel := queryCtx(ctx, p.queryTimeout)
	defer cancel()
	q := `SELECT ` + textColumns + ` FROM texts WHERE code = $1 AND ` + live("$2")
	t, err := scanText(p.db.QueryRowContext(qctx, q, code, p.now().UTC()))
	if err == sql.ErrNoRows {
		return nil, domain.ErrTextNotFound
	}
	p.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return t, nil
}
func (p *Postgres) Exists(ctx context.Context, code string) (bool, error) {
	if err := p.checkCircuit(); err != nil {
		return false, err
	}
	qctx, cancel := queryCtx(ctx, p.queryTimeout)
	defer cancel()
	var exists bool
	err := p.db.QueryRowContext(qctx, `SELECT EXISTS(SELECT 1 FROM texts WHERE code = $1)`, code).Scan(&exists)
	p.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists, nil
}
func (p *Postgres) IncrementViews(ctx context.Context, code string) error {
	if err := p.checkCircuit(); err != nil {
		return err
	}
	qctx, cancel := queryCtx(ctx, p.queryTimeout)
	defer cancel()
	res, err := p.db.ExecContext(qctx, `UPDATE texts SET views = views + 1 WHERE code = $1`, code)
	p.recordError(err)
	if err != nil {
		return errors.Wrap(err, "incr views")
	}
	return rowsOrNotFound(res)
}
func (p *Postgres) ConsumeView(ctx context.Context, code string) error {
	if err := p.checkCircuit(); err != nil {
		return err
	}
	qctx, cancel := queryCtx(ctx, p.queryTimeout)
	defer cancel()
	res, err := p.db.ExecContext(qctx,
		`UPDATE texts SET views = views + 1 WHERE code = $1 AND `+live("$2"), code, p.now().UTC())
	p.recordError(err)
	if err != nil {
		return errors.Wrap(err, "consume view")
	}
	return rowsOrNotFound(res)
}
func (p *Postgres) DeleteByCode(ctx context.Context, code string) error {
	if err := p.checkCircuit(); err != nil {
		return err
	}
	qctx, cancel := queryCtx(ctx, p.queryTimeout)
	defer cancel()
	res, err := p.db.ExecContext(qctx, `DELETE FROM texts WHERE code = $1`, code)
	p.recordError(err)
	if err != nil {
		return errors.Wrap(err, "delete text")
	}
	return rowsOrNotFound(res)
}
func (p *Postgres) DeleteByID(ctx context.Context, id int64) (string, error) {
	if err := p.checkCircuit(); err != nil {
		return "", err
	}
	qctx, cancel := queryCtx(ctx, p.queryTimeout)
	defer cancel()
	var code string
	err := p.db.QueryRowContext(qctx, `DELETE FROM texts WHERE id = $1 RETURNING code`, id).Scan(&code)
	if err == sql.ErrNoRows {
		return "", domain.ErrTextNotFound
	}
	p.recordError(err)
	if err != nil {
		return "", errors.Wrap(err, "delete text")
	}
	return code, nil
}
func (p *Postgres) SweepDead(ctx context.Context) (int, []string, error) {
	if err := p.checkCircuit(); err != nil {
		return 0, nil, err
	}
	q := `
	DELETE FROM texts WHERE id IN (
		SELECT id FROM texts WHERE ` + dead("$1") + ` LIMIT $2
	) RETURNING code`
	var codes []string
	for i := 0; i < maxSweepRounds; i++ {
		if err := ctx.Err(); err != nil {
			return len(codes), codes, err
		}
		qctx, cancel := queryCtx(ctx, p.queryTimeout)
		rows, err := p.db.QueryContext(qctx, q, p.now().UTC(), sweepBatchSize)
		if err != nil {
			cancel()
			p.recordError(err)
			return len(codes), codes, errors.Wrap(err, "sweep batch failed")
		}
		batch, err := collectCodes(rows)
		cancel()
		p.recordError(err)
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
func (p *Postgres) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	if err := p.checkCircuit(); err != nil {
		return st, err
	}
	qctx, cancel := queryCtx(ctx, p.queryTimeout)
	defer cancel()
	err := p.db.QueryRowContext(qctx, statsQuery).Scan(&st.TotalRecords, &st.TotalViews, &st.ExpiringCount, &st.LimitedCount)
	p.recordError(err)
	return st, errors.Wrap(err, "stats")
}
func (p *Postgres) List(ctx context.Context, limit, offset int) ([]*domain.Text, error) {
	if err := p.checkCircuit(); err != nil {
		return nil, err
	}
	qctx, cancel := queryCtx(ctx, p.queryTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(qctx,
		`SELECT `+textColumns+` FROM texts ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	p.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list texts")
	}
	return collectTexts(rows)
}
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.checkCircuit(); err != nil {
		return err
	}
	return p.db.PingContext(ctx)
}
func (p *Postgres) Close() error {
	return p.db.Close()
}
