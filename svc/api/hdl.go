package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"pastelink/cfg"
	"pastelink/pkg/domain"
	"pastelink/svc/auth"
	"pastelink/svc/lim"
	"pastelink/svc/svc"
	"pastelink/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

type Hdl struct {
	texts *svc.Text
	csrf  *auth.CSRFGuard
	admin *auth.Admin
	lim   *lim.Limiter
	mw    *Mw
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content     string `json:"content"`
	ExpiryHours *int   `json:"expiry_hours,omitempty"`
	ViewLimit   *int   `json:"view_limit,omitempty"`
	IsEncrypted bool   `json:"is_encrypted,omitempty"`
	CSRFToken   string `json:"csrf_token,omitempty"`
}
type CreateResp struct {
	ID        int64      `json:"id"`
	Code      string     `json:"code"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at"`
	ViewLimit *uint64    `json:"view_limit"`
}
type TextResp struct {
	Code        string     `json:"code"`
	Content     string     `json:"content"`
	Views       uint64     `json:"views"`
	ViewLimit   *uint64    `json:"view_limit,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsEncrypted bool       `json:"is_encrypted"`
}
type LoginReq struct {
	User      string `json:"user"`
	Pass      string `json:"pass"`
	CSRFToken string `json:"csrf_token,omitempty"`
}

func (h *Hdl) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, svc.ErrShuttingDown) {
		err = domain.ErrUnavailable
	}
	writeErr(w, err, util.GetRequestID(r.Context()))
}

// decodeJSON reads a single JSON object from a body of at most limit bytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return domain.ErrUnsupportedMedia
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ErrContentTooLarge
		}
		if err == io.EOF {
			return domain.ErrContentRequired
		}
		return domain.ErrInvalidRequest
	}
	return nil
}

func (h *Hdl) CSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.csrf.Issue(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (h *Hdl) CreateText(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	var req CreateReq
	if err := decodeJSON(w, r, h.mw.maxBody, &req); err != nil {
		log.Warn().Err(err).Msg("invalid create request")
		h.fail(w, r, err)
		return
	}
	t, err := h.texts.Create(r.Context(), domain.CreateParams{
		Content:     req.Content,
		TTLHours:    req.ExpiryHours,
		ViewLimit:   req.ViewLimit,
		IsEncrypted: req.IsEncrypted,
		ClientIP:    h.lim.ClientIP(r),
	})
	if err != nil {
		if domain.IsValidation(err) {
			log.Warn().Err(err).Msg("create rejected")
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResp{
		ID:        t.ID,
		Code:      t.Code,
		URL:       h.shareURL(r, t.Code),
		ExpiresAt: t.ExpiresAt,
		ViewLimit: t.ViewLimit,
	})
}

// shareURL prefers APP_URL and falls back to the request host.
func (h *Hdl) shareURL(r *http.Request, code string) string {
	base := strings.TrimRight(h.cfg.AppURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/texts/" + code
}

// ViewText serves a live text and counts the view.
func (h *Hdl) ViewText(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	t, err := h.texts.View(r.Context(), code)
	if err != nil {
		if errors.Is(err, domain.ErrTextNotFound) {
			hlog.FromRequest(r).Debug().Str("code", util.RedactToken(code)).Msg("text not found")
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TextResp{
		Code:        t.Code,
		Content:     t.Content,
		Views:       t.Views,
		ViewLimit:   t.ViewLimit,
		CreatedAt:   t.CreatedAt,
		ExpiresAt:   t.ExpiresAt,
		IsEncrypted: t.IsEncrypted,
	})
}

func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginReq
	if err := decodeJSON(w, r, 4096, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ns, err := h.admin.Login(r.Context(), sessionFrom(r.Context()), req.User, req.Pass, h.lim.ClientIP(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.mw.setCookie(w, ns)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "admin": true})
}
func (h *Hdl) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.Logout(r.Context(), sessionFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mw.clearCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
