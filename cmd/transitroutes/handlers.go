package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/mitchellh/mapstructure"

	"github.com/andrew-d/transitroutes/internal/norm"
	"github.com/andrew-d/transitroutes/internal/routes"
	"github.com/andrew-d/transitroutes/internal/users"
)

const msgInternalError = "internal error"

// envelope is the body of every API response. Failures are reported with
// success=false and an HTTP 200 status, which is what existing clients
// expect.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type messageData struct {
	Message string `json:"message"`
}

type signinData struct {
	Message string `json:"message"`
	Email   string `json:"email"`
}

type deleteData struct {
	Message string `json:"message"`
	RouteID string `json:"routeId"`
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, data any) {
	writeEnvelope(w, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, msg string) {
	writeEnvelope(w, envelope{Success: false, Error: msg})
}

// writeFailure responds with the message for a known error, or a generic
// one for anything else. Unexpected errors are logged, never sent to the
// client.
func (s *server) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		msg string
		ie  *invalidRequestError
	)
	switch {
	case errors.As(err, &ie):
		msg = ie.Error()
	case errors.Is(err, users.ErrDuplicateEmail):
		msg = "email already registered"
	case errors.Is(err, users.ErrUserNotFound):
		msg = "user not found"
	case errors.Is(err, users.ErrInvalidCredentials):
		msg = "invalid password"
	case errors.Is(err, routes.ErrRouteNotFound):
		msg = "route not found or not owned by user"
	default:
		requestLogger(s.logger, r).Error("request failed", "op", op, "path", r.URL.Path, errAttr(err))
		writeError(w, msgInternalError)
		return
	}
	s.logger.Debug("request rejected", "op", op, "reason", msg)
	writeError(w, msg)
}

// invalidRequestError is returned when the request body can't be decoded or
// fails validation.
type invalidRequestError struct {
	err error
}

func (e *invalidRequestError) Error() string { return "invalid request: " + e.err.Error() }
func (e *invalidRequestError) Unwrap() error { return e.err }

// normalizer is implemented by request types that clean up their fields
// before validation.
type normalizer interface {
	normalize()
}

// decodeRequest decodes a JSON or urlencoded form body into into, then
// validates it. A missing body decodes to the zero value, which then fails
// validation for required fields.
func (s *server) decodeRequest(r *http.Request, into any) error {
	ct := r.Header.Get("Content-Type")
	mediaType := "application/json"
	if ct != "" {
		var err error
		mediaType, _, err = mime.ParseMediaType(ct)
		if err != nil {
			return &invalidRequestError{fmt.Errorf("bad content type: %w", err)}
		}
	}

	switch mediaType {
	case "application/json":
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(into); err != nil && !errors.Is(err, io.EOF) {
			return &invalidRequestError{errors.New("malformed JSON body")}
		}
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return &invalidRequestError{errors.New("malformed form body")}
		}
		vals := make(map[string]any, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				vals[k] = v[0]
			}
		}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "json",
			WeaklyTypedInput: true,
			Result:           into,
		})
		if err != nil {
			return err
		}
		if err := dec.Decode(vals); err != nil {
			return &invalidRequestError{errors.New("malformed form body")}
		}
	default:
		return &invalidRequestError{fmt.Errorf("unsupported content type %q", mediaType)}
	}

	if n, ok := into.(normalizer); ok {
		n.normalize()
	}
	if err := s.validate.Struct(into); err != nil {
		return &invalidRequestError{describeValidation(err)}
	}
	return nil
}

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

func (c *credentialsRequest) normalize() { c.Email = norm.Email(c.Email) }

type routeRequest struct {
	Name string `json:"name" validate:"required,max=200"`
	Stop string `json:"stop" validate:"required,max=200"`
}

func (rr *routeRequest) normalize() {
	rr.Name, rr.Stop = norm.Text(rr.Name), norm.Text(rr.Stop)
}

type routeIDRequest struct {
	RouteID string `json:"routeId" validate:"required,max=64"`
}

func (rr *routeIDRequest) normalize() { rr.RouteID = norm.Text(rr.RouteID) }

type updateRouteRequest struct {
	RouteID string `json:"routeId" validate:"required,max=64"`
	Name    string `json:"name" validate:"required,max=200"`
	Stop    string `json:"stop" validate:"required,max=200"`
}

func (ur *updateRouteRequest) normalize() {
	ur.RouteID = norm.Text(ur.RouteID)
	ur.Name, ur.Stop = norm.Text(ur.Name), norm.Text(ur.Stop)
}

func (s *server) serveRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decodeRequest(r, &req); err != nil {
		s.writeFailure(w, r, "register", err)
		return
	}
	if err := s.users.Register(r.Context(), req.Email, req.Password); err != nil {
		s.writeFailure(w, r, "register", err)
		return
	}
	writeData(w, messageData{Message: "user registered successfully"})
}

func (s *server) serveSignin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decodeRequest(r, &req); err != nil {
		s.writeFailure(w, r, "signin", err)
		return
	}

	id, err := s.users.Verify(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeFailure(w, r, "signin", err)
		return
	}

	sd := sessionData{
		OwnerEmail: id.Email,
		SignedInAt: s.timeNow().UTC(),
	}
	if err := s.smgr.Establish(r.Context(), w, sd); err != nil {
		s.writeFailure(w, r, "signin", err)
		return
	}

	s.logger.Info("user signed in", "email", id.Email)
	writeData(w, signinData{Message: "signed in successfully", Email: id.Email})
}

func (s *server) serveSignout(w http.ResponseWriter, r *http.Request) {
	if err := s.smgr.Terminate(r.Context(), w); err != nil {
		s.writeFailure(w, r, "signout", err)
		return
	}
	writeData(w, messageData{Message: "signed out successfully"})
}

func (s *server) serveAddRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := s.decodeRequest(r, &req); err != nil {
		s.writeFailure(w, r, "addRoute", err)
		return
	}
	route, err := s.routes.Create(r.Context(), s.mustOwner(r), req.Name, req.Stop)
	if err != nil {
		s.writeFailure(w, r, "addRoute", err)
		return
	}
	writeData(w, route)
}

func (s *server) serveListRoutes(w http.ResponseWriter, r *http.Request) {
	list, err := s.routes.List(r.Context(), s.mustOwner(r))
	if err != nil {
		s.writeFailure(w, r, "listRoutes", err)
		return
	}
	writeData(w, list)
}

func (s *server) serveGetRoute(w http.ResponseWriter, r *http.Request) {
	var req routeIDRequest
	if err := s.decodeRequest(r, &req); err != nil {
		s.writeFailure(w, r, "getSpecificRoute", err)
		return
	}
	route, err := s.routes.Get(r.Context(), s.mustOwner(r), req.RouteID)
	if err != nil {
		s.writeFailure(w, r, "getSpecificRoute", err)
		return
	}
	writeData(w, route)
}

func (s *server) serveUpdateRoute(w http.ResponseWriter, r *http.Request) {
	var req updateRouteRequest
	if err := s.decodeRequest(r, &req); err != nil {
		s.writeFailure(w, r, "updateSpecificRoute", err)
		return
	}
	route, err := s.routes.Update(r.Context(), s.mustOwner(r), req.RouteID, req.Name, req.Stop)
	if err != nil {
		s.writeFailure(w, r, "updateSpecificRoute", err)
		return
	}
	writeData(w, route)
}

func (s *server) serveDeleteRoute(w http.ResponseWriter, r *http.Request) {
	var req routeIDRequest
	if err := s.decodeRequest(r, &req); err != nil {
		s.writeFailure(w, r, "deleteSpecificRoute", err)
		return
	}
	if err := s.routes.Delete(r.Context(), s.mustOwner(r), req.RouteID); err != nil {
		s.writeFailure(w, r, "deleteSpecificRoute", err)
		return
	}
	writeData(w, deleteData{Message: "route deleted", RouteID: req.RouteID})
}
