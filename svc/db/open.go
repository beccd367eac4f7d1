package db

import (
	"time"

	"pastelink/cfg"

	"github.com/pkg/errors"
)

// Open builds the store selected by DATABASE_DRIVER, bounded by the
// configured content and expiry limits.
func Open(c *cfg.Cfg) (Store, error) {
	limits := Limits{
		MaxContentLength: c.MaxContentLength,
		MaxExpiry:        time.Duration(c.MaxExpiryHours) * time.Hour,
	}
	switch c.DatabaseDriver {
	case "", "sqlite":
		s, err := NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		s.SetLimits(limits)
		return s, nil
	case "postgres":
		p, err := NewPostgres(c.DatabaseURL.Value(), c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		p.SetLimits(limits)
		return p, nil
	default:
		return nil, errors.Errorf("unknown database driver %q", c.DatabaseDriver)
	}
}
