package main

import (
	"log/slog"
	"net/http"
	"time"
)

// sessionData is what we keep for each signed-in client.
type sessionData struct {
	OwnerEmail string    `json:"owner_email"`
	SignedInAt time.Time `json:"signed_in_at"`
}

const msgNotAuthenticated = "please sign in to access this route"

// requireSession only calls the wrapped handler if the request carries a
// valid session. Otherwise it responds with the authorization-failure
// envelope.
func (s *server) requireSession(next http.Handler) http.Handler {
	denied := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("no session found", "path", r.URL.Path)
		writeError(w, msgNotAuthenticated)
	})
	return s.smgr.Require(denied)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sd, ok := s.smgr.Get(r.Context()); ok {
			AddRequestLogAttrs(r, slog.String("owner", sd.OwnerEmail))
		}
		next.ServeHTTP(w, r)
	}))
}

// mustOwner returns the email of the signed-in user. It must only be called
// from handlers wrapped in requireSession.
func (s *server) mustOwner(r *http.Request) string {
	sd, err := s.smgr.Authenticate(r.Context())
	if err != nil || sd.OwnerEmail == "" {
		panic("mustOwner called without a valid session")
	}
	return sd.OwnerEmail
}
