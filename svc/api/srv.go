package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"pastelink/cfg"
	"pastelink/svc/auth"
	"pastelink/svc/db"
	"pastelink/svc/lim"
	"pastelink/svc/svc"
	"pastelink/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Deps are the collaborators the HTTP layer is built from. Redis is optional.
type Deps struct {
	Cfg      *cfg.Cfg
	Texts    *svc.Text
	Limiter  *lim.Limiter
	Sessions *auth.SessionGuard
	CSRF     *auth.CSRFGuard
	Admin    *auth.Admin
	Redis    *db.Redis
}

type Server struct {
	handler    http.Handler
	texts      *svc.Text
	cfg        *cfg.Cfg
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(d Deps) *Server {
	c := d.Cfg
	s := &Server{texts: d.Texts, cfg: c, rdb: d.Redis}
	mw := NewMw(d.Limiter, d.Sessions, d.CSRF, d.Admin, c)
	h := &Hdl{texts: d.Texts, csrf: d.CSRF, admin: d.Admin, lim: d.Limiter, mw: mw, cfg: c}
	general := lim.Rule{Limit: c.RateLimit.Requests, Window: c.RateLimit.Window}
	login := lim.Rule{Limit: c.RateLimit.LoginRequests, Window: c.RateLimit.LoginWindow}

	r := chi.NewRouter()
	r.Use(mw.Recoverer)
	r.Use(mw.Metrics)
	r.Use(mw.CORS)
	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))

	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)

		r.Group(func(r chi.Router) {
			r.Use(mw.Session)
			r.With(mw.RateLimit("view", general)).Get("/texts/{code}", h.ViewText)
			r.With(mw.RateLimit("csrf", general)).Get("/csrf", h.CSRFToken)
			r.With(mw.RateLimit("create", general), mw.CSRF).Post("/texts", h.CreateText)
			r.With(mw.RateLimit("login", login)).Post("/admin/login", h.Login)
			r.Post("/admin/logout", h.Logout)

			r.Group(func(r chi.Router) {
				r.Use(mw.RequireAdmin)
				r.Get("/admin/texts", h.ListTexts)
				r.Get("/admin/stats", h.Stats)
				r.With(mw.CSRF).Delete("/admin/texts/{id}", h.DeleteText)
				r.With(mw.CSRF).Post("/admin/sweep", h.Sweep)
			})
		})
	})

	s.handler = gzhttp.GzipHandler(r)
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
