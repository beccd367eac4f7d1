package domain

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func u64(v uint64) *uint64 { return &v }

func TestIsLive(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		text *Text
		want bool
	}{
		{"no limits", &Text{}, true},
		{"nil", nil, false},
		{"expires in future", &Text{ExpiresAt: &future}, true},
		{"expired", &Text{ExpiresAt: &past}, false},
		{"expires exactly now", &Text{ExpiresAt: &now}, false},
		{"views under limit", &Text{Views: 1, ViewLimit: u64(2)}, true},
		{"views at limit", &Text{Views: 2, ViewLimit: u64(2)}, false},
		{"views over limit", &Text{Views: 3, ViewLimit: u64(2)}, false},
		{"future but exhausted", &Text{ExpiresAt: &future, Views: 5, ViewLimit: u64(5)}, false},
		{"expired with views left", &Text{ExpiresAt: &past, Views: 0, ViewLimit: u64(5)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLive(tt.text, now))
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	exp := time.Now()
	orig := &Text{Code: "abc123", ViewLimit: u64(3), ExpiresAt: &exp}
	c := orig.Clone()
	*c.ViewLimit = 10
	*c.ExpiresAt = exp.Add(time.Hour)
	c.Views = 7

	assert.Equal(t, uint64(3), *orig.ViewLimit)
	assert.True(t, orig.ExpiresAt.Equal(exp))
	assert.Zero(t, orig.Views)
}

func TestValidators(t *testing.T) {
	i := func(v int) *int { return &v }

	assert.True(t, ValidTTLHours(nil, 168))
	assert.True(t, ValidTTLHours(i(1), 168))
	assert.True(t, ValidTTLHours(i(168), 168))
	assert.False(t, ValidTTLHours(i(0), 168))
	assert.False(t, ValidTTLHours(i(-1), 168))
	assert.False(t, ValidTTLHours(i(169), 168))

	assert.True(t, ValidViewLimit(nil))
	assert.True(t, ValidViewLimit(i(1)))
	assert.True(t, ValidViewLimit(i(MaxViewLimit)))
	assert.False(t, ValidViewLimit(i(0)))
	assert.False(t, ValidViewLimit(i(MaxViewLimit+1)))

	assert.True(t, ValidCode("Ab3dE9"))
	assert.True(t, ValidCode("Ab3dE9xyz0"))
	assert.False(t, ValidCode("Ab3dE"))
	assert.False(t, ValidCode("Ab3dE9xyz01"))
	assert.False(t, ValidCode("Ab3-E9"))
	assert.False(t, ValidCode("../../x"))
}

func TestErrorMapping(t *testing.T) {
	wrapped := errors.Wrap(ErrTextNotFound, "get text")

	assert.Equal(t, http.StatusNotFound, Status(wrapped))
	assert.Equal(t, "TEXT_NOT_FOUND", ToResp(wrapped).Error.Code)
	assert.True(t, errors.Is(wrapped, ErrTextNotFound))

	assert.Equal(t, http.StatusInternalServerError, Status(errors.New("boom")))
	assert.Equal(t, "INTERNAL_ERROR", ToResp(errors.New("boom")).Error.Code)

	assert.True(t, IsValidation(ErrInvalidTTL))
	assert.True(t, IsValidation(errors.Wrap(ErrContentTooLarge, "create")))
	assert.False(t, IsValidation(ErrTextNotFound))
	assert.False(t, IsValidation(errors.New("boom")))
}
