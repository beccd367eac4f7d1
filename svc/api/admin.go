package api

import (
	"net/http"
	"strconv"
	"time"

	"pastelink/pkg/domain"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

type AdminText struct {
	ID          int64      `json:"id"`
	Code        string     `json:"code"`
	Content     string     `json:"content"`
	Views       uint64     `json:"views"`
	ViewLimit   *uint64    `json:"view_limit"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	IPAddress   string     `json:"ip_address"`
	IsEncrypted bool       `json:"is_encrypted"`
	Live        bool       `json:"live"`
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, domain.ErrInvalidRequest
	}
	return n, nil
}

func (h *Hdl) ListTexts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	texts, err := h.texts.List(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := time.Now()
	out := make([]AdminText, 0, len(texts))
	for _, t := range texts {
		out = append(out, AdminText{
			ID:          t.ID,
			Code:        t.Code,
			Content:     t.Content,
			Views:       t.Views,
			ViewLimit:   t.ViewLimit,
			CreatedAt:   t.CreatedAt,
			ExpiresAt:   t.ExpiresAt,
			IPAddress:   t.SourceIP,
			IsEncrypted: t.IsEncrypted,
			Live:        domain.IsLive(t, now),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"texts": out, "offset": offset})
}
func (h *Hdl) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.texts.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
func (h *Hdl) DeleteText(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, r, domain.ErrInvalidID)
		return
	}
	if err := h.texts.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int64("id", id).Msg("admin deleted text")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
func (h *Hdl) Sweep(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.texts.Sweep(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int("deleted", deleted).Msg("admin sweep")
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}
