package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzhttp"

	"github.com/andrew-d/transitroutes/internal/db"
	"github.com/andrew-d/transitroutes/internal/routes"
	"github.com/andrew-d/transitroutes/internal/users"
	"github.com/andrew-d/transitroutes/pwhash"
	"github.com/andrew-d/transitroutes/sessions"
)

// maxRequestBody bounds the size of request bodies.
const maxRequestBody = 64 << 10

type server struct {
	logger       *slog.Logger
	db           *db.DB
	users        *users.Store
	routes       *routes.Service
	smgr         *sessions.Manager[sessionData]
	sessionStore *dbSessionStore
	validate     *validator.Validate
	timeNow      func() time.Time
}

type serverOptions struct {
	Logger   *slog.Logger
	DB       *db.DB
	Hasher   *pwhash.Hasher
	Schedule routes.ScheduleLookup

	SessionLifetime time.Duration
	SecureCookie    bool
}

func newServer(opts serverOptions) (*server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := newDBSessionStore(opts.DB)
	smgr, err := sessions.New[sessionData](store)
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}
	smgr.Log = logger.With(slog.String("component", "sessions"))
	smgr.CookieOpts.Secure = opts.SecureCookie
	if opts.SessionLifetime > 0 {
		smgr.Lifetime = opts.SessionLifetime
	}

	return &server{
		logger:       logger,
		db:           opts.DB,
		users:        users.NewStore(logger.With(slog.String("component", "users")), opts.DB, opts.Hasher),
		routes:       routes.NewService(logger.With(slog.String("component", "routes")), opts.DB, opts.Schedule),
		smgr:         smgr,
		sessionStore: store,
		validate:     newValidator("json"),
		timeNow:      time.Now,
	}, nil
}

func (s *server) httpHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
	r.Use(s.recoverer)
	r.Use(middleware.RequestSize(maxRequestBody))

	r.Get("/livez", s.serveLivez)
	r.Get("/readyz", s.serveReadyz)

	r.Group(func(r chi.Router) {
		r.Use(s.smgr.Middleware)

		r.Post("/register", s.serveRegister)
		r.Post("/signin", s.serveSignin)
		r.Post("/signout", s.serveSignout)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Post("/", s.serveListRoutes)
			r.Post("/addRoute", s.serveAddRoute)
			r.Post("/getSpecificRoute", s.serveGetRoute)
			r.Post("/updateSpecificRoute", s.serveUpdateRoute)
			r.Post("/deleteSpecificRoute", s.serveDeleteRoute)
		})
	})
	return r
}

// recoverer turns a panicking handler into an "internal error" response.
func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			requestLogger(s.logger, r).Error("panic in handler",
				"path", r.URL.Path,
				"panic", fmt.Sprint(rec),
			)
			writeError(w, msgInternalError)
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) serveLivez(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (s *server) serveReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Error("readiness check failed", errAttr(err))
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}
