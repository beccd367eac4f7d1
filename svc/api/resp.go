package api

import (
	"encoding/json"
	"net/http"

	"pastelink/pkg/domain"
	"pastelink/svc/util"

	"github.com/valyala/bytebufferpool"
)

// writeJSON encodes v into a pooled buffer first so an encoding failure can
// still become a clean 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if err := json.NewEncoder(bb).Encode(v); err != nil {
		util.Error().Err(err).Msg("response encoding failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR","message":"internal error"}}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(bb.B)
}

type errBody struct {
	Error     domain.ErrDetail `json:"error"`
	RequestID string           `json:"request_id,omitempty"`
}

// writeErr maps err onto its status. Anything that is not a domain error is
// logged with the request id and reported as a generic 500.
func writeErr(w http.ResponseWriter, err error, requestID string) {
	status := domain.Status(err)
	body := errBody{Error: domain.ToResp(err).Error, RequestID: requestID}
	if status >= http.StatusInternalServerError {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Int("status", status).
			Msg("request failed")
		if status == http.StatusInternalServerError {
			body.Error = domain.ToResp(domain.ErrInternalServer).Error
		}
	}
	writeJSON(w, status, body)
}
