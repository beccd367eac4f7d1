package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"pastelink/cfg"
	"pastelink/metrics"
	"pastelink/pkg/domain"
	"pastelink/svc/auth"
	"pastelink/svc/lim"
	"pastelink/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

type ctxKey int

const sessionKey ctxKey = iota

func withSession(ctx context.Context, s *auth.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}
func sessionFrom(ctx context.Context) *auth.Session {
	s, _ := ctx.Value(sessionKey).(*auth.Session)
	return s
}

type Mw struct {
	lim      *lim.Limiter
	sessions *auth.SessionGuard
	csrf     *auth.CSRFGuard
	admin    *auth.Admin
	cfg      *cfg.Cfg
	maxBody  int64
}

func NewMw(l *lim.Limiter, sessions *auth.SessionGuard, csrf *auth.CSRFGuard, admin *auth.Admin, c *cfg.Cfg) *Mw {
	return &Mw{
		lim:      l,
		sessions: sessions,
		csrf:     csrf,
		admin:    admin,
		cfg:      c,
		maxBody:  maxBodyBytes(c.MaxContentLength),
	}
}

// maxBodyBytes bounds a JSON body holding maxChars characters of content,
// each of which may be escaped to six bytes, plus room for the other fields.
func maxBodyBytes(maxChars int) int64 {
	return int64(maxChars)*6 + 4096
}

// RequestID keeps a well-formed incoming X-Request-ID and mints one otherwise.
func (m *Mw) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(util.RequestIDHeader)
		if !util.ValidRequestID(requestID) {
			requestID = util.NewRequestID()
		}
		ctx := util.SetRequestID(r.Context(), requestID)
		w.Header().Set(util.RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
func (m *Mw) ContextTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.ContextTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
func (m *Mw) SecurityHeaders(next http.Handler) http.Handler {
	if !m.cfg.SecurityHeaders {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
func (m *Mw) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				requestID := util.GetRequestID(r.Context())
				util.Error().
					Interface("panic", rvr).
					Str("request_id", requestID).
					Msg("panic recovered")
				writeErr(w, domain.ErrInternalServer, requestID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
func (m *Mw) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false
		if origin != "" {
			for _, o := range m.cfg.AllowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+auth.CSRFHeader)
			w.Header().Set("Access-Control-Max-Age", "300")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Session loads or creates the caller's session, bound to the client
// address, and refreshes the cookie whenever the id changes.
func (m *Mw) Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if c, err := r.Cookie(auth.CookieName); err == nil {
			id = c.Value
		}
		s, err := m.sessions.Load(r.Context(), id, m.lim.ClientIP(r))
		if err != nil {
			writeErr(w, err, util.GetRequestID(r.Context()))
			return
		}
		if s.ID != id {
			m.setCookie(w, s)
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), s)))
	})
}
func (m *Mw) setCookie(w http.ResponseWriter, s *auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    s.ID,
		Path:     "/",
		MaxAge:   int(m.sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   m.cfg.SessionSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
func (m *Mw) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.SessionSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// RateLimit admits requests for action under rule, keyed by client address.
// An admin session bypasses the check.
func (m *Mw) RateLimit(action string, rule lim.Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := m.lim.ClientIP(r)
			subject := lim.Subject{
				Action:   action,
				ClientID: ip,
				Admin:    m.admin.IsAdmin(sessionFrom(r.Context()), ip),
			}
			result := m.lim.Check(r.Context(), subject, rule)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
			if !result.Allowed {
				hlog.FromRequest(r).Warn().
					Str("ip", util.RedactIP(ip)).
					Str("action", action).
					Msg("rate limit exceeded")
				retry := int(math.Ceil(time.Until(result.Reset).Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeErr(w, domain.ErrRateLimitExceeded, util.GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRF rejects the request unless it carries the session's token in the
// X-CSRF-Token header or a csrf_token field of its JSON body. The body is
// buffered and handed on unchanged.
func (m *Mw) CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.csrf.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		requestID := util.GetRequestID(r.Context())
		token := r.Header.Get(auth.CSRFHeader)
		if token == "" && r.Body != nil {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.maxBody))
			if err != nil {
				writeErr(w, domain.ErrContentTooLarge, requestID)
				return
			}
			var probe struct {
				CSRFToken string `json:"csrf_token"`
			}
			if len(body) > 0 {
				_ = json.Unmarshal(body, &probe)
			}
			token = probe.CSRFToken
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		if !m.csrf.Validate(sessionFrom(r.Context()), token) {
			metrics.CSRFRejected.Inc()
			hlog.FromRequest(r).Warn().
				Str("ip", util.RedactIP(m.lim.ClientIP(r))).
				Str("path", r.URL.Path).
				Msg("csrf token rejected")
			writeErr(w, domain.ErrForbidden, requestID)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin passes only sessions that logged in as admin from the
// current client address.
func (m *Mw) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.admin.IsAdmin(sessionFrom(r.Context()), m.lim.ClientIP(r)) {
			writeErr(w, domain.ErrUnauthorized, util.GetRequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}
func (m *Mw) BasicAuthMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.MetricsUser == "" && m.cfg.MetricsPass.Value() == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userMatch := 0
		passMatch := 0
		if ok {
			userMatch = subtle.ConstantTimeCompare([]byte(user), []byte(m.cfg.MetricsUser))
			passMatch = subtle.ConstantTimeCompare([]byte(pass), []byte(m.cfg.MetricsPass.Value()))
		}
		if !ok || userMatch != 1 || passMatch != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Metrics records request durations labelled by route pattern.
func (m *Mw) Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		endpoint := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				endpoint = p
			}
		}
		metrics.RequestDuration.
			WithLabelValues(r.Method, endpoint, strconv.Itoa(ww.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}
func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
