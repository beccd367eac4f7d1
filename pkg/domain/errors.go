package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrTextNotFound       = NewErr("TEXT_NOT_FOUND", "text not found", http.StatusNotFound)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrContentTooLarge    = NewErr("CONTENT_TOO_LARGE", "content too large", http.StatusRequestEntityTooLarge)
	ErrInvalidTTL         = NewErr("INVALID_EXPIRY", "invalid expiry hours", http.StatusBadRequest)
	ErrInvalidViewLimit   = NewErr("INVALID_VIEW_LIMIT", "invalid view limit", http.StatusBadRequest)
	ErrInvalidCode        = NewErr("INVALID_CODE", "invalid code", http.StatusBadRequest)
	ErrInvalidID          = NewErr("INVALID_ID", "invalid id", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrInvalidCredentials = NewErr("INVALID_CREDENTIALS", "invalid credentials", http.StatusUnauthorized)
	ErrForbidden          = NewErr("CSRF_TOKEN_INVALID", "invalid csrf token", http.StatusForbidden)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrCapacityExhausted  = NewErr("CAPACITY_EXHAUSTED", "code space exhausted", http.StatusServiceUnavailable)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrUnsupportedMedia   = NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)
	ErrUnavailable        = NewErr("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)

	// ErrCodeCollision is returned by stores when an insert violates the
	// unique code constraint. It never reaches clients.
	ErrCodeCollision = NewErr("CODE_COLLISION", "code collision", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsValidation reports whether err was raised by input validation and
// therefore happened before anything was persisted.
func IsValidation(err error) bool {
	e, ok := errors.Cause(err).(*Err)
	if !ok {
		return false
	}
	return e.Status == http.StatusBadRequest || e == ErrContentTooLarge
}
