package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
)

// requestState is attached to every request's context by RequestLogger.
type requestState struct {
	id    string
	attrs []slog.Attr // extra attributes for the access log line
}

var requestStateKey = &struct{}{}

// RequestLogger logs one "HTTP request" line per request once it has been
// served. Each request is given an ID, which is returned to the client in
// the X-Request-Id header and can be added to other log lines with
// requestLogger.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := &requestState{id: uuid.NewString()}
			w.Header().Set("X-Request-Id", st.id)

			r = r.WithContext(context.WithValue(r.Context(), requestStateKey, st))
			m := httpsnoop.CaptureMetrics(next, w, r)

			attrs := append([]slog.Attr{
				slog.String("request_id", st.id),
				slog.String("method", r.Method),
				slog.String("url", r.URL.String()),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int("status", m.Code),
				slog.Duration("duration", m.Duration),
				slog.Int64("bytes", m.Written),
			}, st.attrs...)

			level := slog.LevelInfo
			if m.Code >= 500 {
				level = slog.LevelWarn
			}
			log.LogAttrs(r.Context(), level, "HTTP request", attrs...)
		})
	}
}

// AddRequestLogAttrs adds attributes to the request's access log line.
func AddRequestLogAttrs(r *http.Request, attrs ...slog.Attr) {
	if st, ok := r.Context().Value(requestStateKey).(*requestState); ok {
		st.attrs = append(st.attrs, attrs...)
	}
}

// requestLogger returns log annotated with the request's ID, if it has one.
func requestLogger(log *slog.Logger, r *http.Request) *slog.Logger {
	if st, ok := r.Context().Value(requestStateKey).(*requestState); ok {
		return log.With(slog.String("request_id", st.id))
	}
	return log
}
