package domain

import (
	"time"
)

const (
	CodeLength    = 6
	CodeAlphabet  = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	MaxViewLimit  = 1_000_000
	MaxCodeLength = 10
)

type Text struct {
	ID          int64      `json:"id"`
	Code        string     `json:"code"`
	Content     string     `json:"content"`
	Views       uint64     `json:"views"`
	ViewLimit   *uint64    `json:"view_limit,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	SourceIP    string     `json:"-"`
	IsEncrypted bool       `json:"is_encrypted"`
}

// IsLive reports whether t may still be served at now. A text is live while
// it has not reached its expiry instant and has views left under its limit.
// Reads and the sweep both go through this definition.
func IsLive(t *Text, now time.Time) bool {
	if t == nil {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	if t.ViewLimit != nil && t.Views >= *t.ViewLimit {
		return false
	}
	return true
}

func (t *Text) Clone() *Text {
	if t == nil {
		return nil
	}
	c := *t
	if t.ViewLimit != nil {
		v := *t.ViewLimit
		c.ViewLimit = &v
	}
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		c.ExpiresAt = &e
	}
	return &c
}

type CreateParams struct {
	Content     string
	TTLHours    *int
	ViewLimit   *int
	IsEncrypted bool
	ClientIP    string
}

type Stats struct {
	TotalRecords  int64  `json:"total_texts"`
	TotalViews    uint64 `json:"total_views"`
	ExpiringCount int64  `json:"expiring_texts"`
	LimitedCount  int64  `json:"limited_texts"`
}

func ValidTTLHours(h *int, maxHours int) bool {
	if h == nil {
		return true
	}
	return *h > 0 && *h <= maxHours
}

func ValidViewLimit(l *int) bool {
	if l == nil {
		return true
	}
	return *l > 0 && *l <= MaxViewLimit
}

func ValidCode(code string) bool {
	if len(code) < CodeLength || len(code) > MaxCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}
