// Package sessions implements server-side login sessions for HTTP clients.
//
// A Manager keeps the session data in a Store and gives the client only an
// opaque random token in a cookie. Handlers call Establish after a
// successful sign-in, Authenticate to gate protected operations, and
// Terminate on sign-out. Both Establish and Terminate write through to the
// store before returning, so a handler that reports success to the client
// knows the session change is durable.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "session"

var (
	// ErrNotFound is returned by the Find method of a session store when
	// the requested session is not found.
	ErrNotFound = errors.New("session not found")

	// ErrNotAuthenticated is returned by Authenticate when the request
	// has no valid session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Store is the interface that must be implemented by persistent session
// stores. Each Store can define how it marshals and unmarshals the provided
// type parameter T, if necessary.
//
// All methods must be safe for concurrent use.
type Store[T any] interface {
	// Find should return the data for a session token from the store,
	// storing it into the 'into' parameter. If the session token is not
	// found, tampered with, or is expired, the error return value should
	// be ErrNotFound.
	Find(ctx context.Context, token string, into *T) (err error)

	// Delete should remove the session token and corresponding data from the
	// store. If the token does not exist then Delete should do nothing and
	// return nil (and not an error).
	Delete(ctx context.Context, token string) (err error)

	// Commit should add the session token and data to the store, with the
	// given expiry time. If the session token already exists, then the
	// data and expiry time should be overwritten.
	Commit(ctx context.Context, token string, d *T, expiry time.Time) (err error)

	// List should return a list of all valid, non-expired session tokens
	// in the store along with their data.
	List(ctx context.Context) (tokens map[string]T, err error)
}

// CookieOpts configures the session cookie. A Manager is constructed with
// defaults, so you only need to modify these values to change them.
type CookieOpts struct {
	// Name is the name of the session cookie. The default is "session".
	Name string
	// Domain is the domain of the session cookie. By default, the domain is
	// the domain that the HTTP request was made to.
	Domain string
	// Path is the path of the session cookie. The default is "/".
	Path string
	// Secure indicates if the session cookie should only be sent over
	// HTTPS. The default is false.
	Secure bool
	// SameSite is the SameSite attribute of the session cookie. The default
	// is http.SameSiteStrictMode.
	SameSite http.SameSite
}

// Manager stores and provides accessors for session data for HTTP clients,
// via an opaque token in a cookie that acts as a key for a persistent session
// data store.
//
// The type parameter T is the type of the session data. It must be possible
// to copy with a shallow copy.
type Manager[T any] struct {
	ps      Store[T]
	timeNow func() time.Time

	// Log is the logger used by the session manager. The default value is
	// slog.Default().
	Log *slog.Logger

	// CookieOpts is the configuration for the session cookie.
	// This field cannot be modified when the Manager is in use.
	CookieOpts CookieOpts

	// Lifetime is how long a session lasts after it is established. The
	// default is 7 days.
	Lifetime time.Duration
}

// New creates a new session manager that uses the provided session store.
func New[T any](ps Store[T]) (*Manager[T], error) {
	if ps == nil {
		return nil, errors.New("sessions: nil store")
	}
	return &Manager[T]{
		ps:      ps,
		timeNow: time.Now,
		Log:     slog.Default(),
		CookieOpts: CookieOpts{
			Name:     sessionCookieName,
			Path:     "/",
			SameSite: http.SameSiteStrictMode,
		},
		Lifetime: 7 * 24 * time.Hour,
	}, nil
}

var contextKey = new(int)

// sessionData is the per-request session state stored in the request
// context by Middleware.
type sessionData[T any] struct {
	data  T
	token string // empty if the request carried no valid session
}

// Middleware loads the session referenced by the request's cookie, if any,
// into the request context. It must wrap every handler that uses Get,
// Authenticate, Establish or Terminate.
func (m *Manager[T]) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Cookie")

		sd := &sessionData[T]{}
		if cookie, err := r.Cookie(m.CookieOpts.Name); err == nil && cookie.Value != "" {
			switch err := m.ps.Find(r.Context(), cookie.Value, &sd.data); {
			case err == nil:
				sd.token = cookie.Value
			case errors.Is(err, ErrNotFound):
				// Unknown or expired; treated as signed out.
			default:
				m.Log.Error("error loading persistent session", "error", err)
				var zero T
				sd.data = zero
			}
		}

		ctx := context.WithValue(r.Context(), contextKey, sd)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Manager[T]) fromContext(ctx context.Context) (*sessionData[T], bool) {
	sd, ok := ctx.Value(contextKey).(*sessionData[T])
	return sd, ok
}

// Get returns the session data in the request context, and whether there is
// a valid session.
func (m *Manager[T]) Get(ctx context.Context) (T, bool) {
	sd, ok := m.fromContext(ctx)
	if !ok || sd.token == "" {
		var zero T
		return zero, false
	}
	return sd.data, true
}

// Authenticate returns the session data for the request, or
// ErrNotAuthenticated if there is no valid session.
func (m *Manager[T]) Authenticate(ctx context.Context) (T, error) {
	data, ok := m.Get(ctx)
	if !ok {
		return data, ErrNotAuthenticated
	}
	return data, nil
}

// Establish starts a new session holding data and sets the session cookie
// on w. Any session the request already had is discarded first, so a token
// issued before sign-in is never promoted to an authenticated one.
//
// The session is committed to the store before Establish returns; if that
// fails, no cookie is set and the error is returned.
func (m *Manager[T]) Establish(ctx context.Context, w http.ResponseWriter, data T) error {
	sd, ok := m.fromContext(ctx)
	if !ok {
		return errors.New("sessions: no session state in request context; is Middleware installed?")
	}

	if sd.token != "" {
		if err := m.ps.Delete(ctx, sd.token); err != nil {
			return fmt.Errorf("deleting previous session: %w", err)
		}
		sd.token = ""
	}

	token := newToken()
	expiry := m.timeNow().Add(m.Lifetime)
	if err := m.ps.Commit(ctx, token, &data, expiry); err != nil {
		m.Log.Error("error committing session", "error", err)
		return fmt.Errorf("committing session: %w", err)
	}

	sd.data = data
	sd.token = token
	m.setCookie(w, token)
	return nil
}

// Terminate destroys the request's session, if any, and clears the cookie.
// It is safe to call when there is no session. An error is returned only if
// the store fails to delete the session.
func (m *Manager[T]) Terminate(ctx context.Context, w http.ResponseWriter) error {
	sd, ok := m.fromContext(ctx)
	if !ok {
		return errors.New("sessions: no session state in request context; is Middleware installed?")
	}

	if sd.token != "" {
		if err := m.ps.Delete(ctx, sd.token); err != nil {
			m.Log.Error("error deleting session", "error", err)
			return fmt.Errorf("deleting session: %w", err)
		}
	}

	var zero T
	sd.data = zero
	sd.token = ""
	m.deleteCookie(w)
	return nil
}

// Require returns middleware that only calls the wrapped handler if the
// request has a valid session; otherwise denied is called.
func (m *Manager[T]) Require(denied http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := m.Get(r.Context()); !ok {
				denied.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Manager[T]) deleteCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.CookieOpts.Name,
		Value:    "",
		Path:     m.CookieOpts.Path,
		Domain:   m.CookieOpts.Domain,
		MaxAge:   -1, // negative = delete
		HttpOnly: true,
		SameSite: m.CookieOpts.SameSite,
		Secure:   m.CookieOpts.Secure,
	})
}

func (m *Manager[T]) setCookie(w http.ResponseWriter, token string) {
	// MaxAge instead of Expires, so a client with a skewed clock still
	// keeps the cookie for the right amount of time.
	http.SetCookie(w, &http.Cookie{
		Name:     m.CookieOpts.Name,
		Value:    token,
		Path:     m.CookieOpts.Path,
		Domain:   m.CookieOpts.Domain,
		MaxAge:   int(m.Lifetime.Seconds()),
		HttpOnly: true,
		SameSite: m.CookieOpts.SameSite,
		Secure:   m.CookieOpts.Secure,
	})
	w.Header().Add("Cache-Control", `no-cache="Set-Cookie"`)
}

func newToken() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // never fails on modern Go systems
	}
	return hex.EncodeToString(buf[:])
}
