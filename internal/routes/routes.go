// Package routes stores users' saved transit routes.
//
// Every operation takes the owner's email, which must come from the caller's
// authenticated session; a route belonging to someone else is
// indistinguishable from one that does not exist.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/andrew-d/transitroutes/internal/db"
	"github.com/andrew-d/transitroutes/internal/norm"
)

// ErrRouteNotFound is returned when a route does not exist or is not owned by
// the caller.
var ErrRouteNotFound = errors.New("route not found or not owned by user")

// idCounter is the name of the durable counter that route IDs are drawn from.
const idCounter = "route"

// Route is a saved route as returned to callers.
type Route struct {
	ID         string            `json:"routeId"`
	Name       string            `json:"name"`
	Stop       string            `json:"stop"`
	Schedule   []json.RawMessage `json:"schedule"`
	OwnerEmail string            `json:"ownerEmail"`
}

// ScheduleLookup returns the schedule for a stop. Implementations never fail;
// they return an empty schedule if nothing could be found.
type ScheduleLookup interface {
	Lookup(ctx context.Context, stopName string) []json.RawMessage
}

// Service implements route CRUD on top of the database.
type Service struct {
	db       *db.DB
	schedule ScheduleLookup
	log      *slog.Logger
	timeNow  func() time.Time
}

// NewService returns a Service. New routes are enriched with schedules from
// lookup.
func NewService(log *slog.Logger, database *db.DB, lookup ScheduleLookup) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:       database,
		schedule: lookup,
		log:      log,
		timeNow:  time.Now,
	}
}

// Create saves a new route for owner and returns it.
//
// The stop's schedule is fetched first, outside of any transaction. The ID
// allocation and insert then happen in a single transaction, so a failure
// leaves no route behind and does not use up an ID.
func (s *Service) Create(ctx context.Context, owner, name, stop string) (*Route, error) {
	owner = norm.Email(owner)
	name, stop = norm.Text(name), norm.Text(stop)

	sched := s.schedule.Lookup(ctx, stop)

	now := s.timeNow()
	r := &db.Route{
		Name:      name,
		Stop:      stop,
		Schedule:  sched,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.Write(ctx, func(tx *db.Tx) error {
		n, err := tx.NextSequence(ctx, idCounter)
		if err != nil {
			return err
		}
		r.ID = formatID(n)
		return tx.OwnedRoutes(owner).Insert(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("creating route: %w", err)
	}

	s.log.Info("created route",
		"route_id", r.ID,
		"owner", owner,
		"schedule_entries", len(r.Schedule))
	return fromDB(r), nil
}

// List returns all of owner's routes, oldest first. It returns an empty
// slice, not nil, when there are none.
func (s *Service) List(ctx context.Context, owner string) ([]*Route, error) {
	var rows []*db.Route
	err := s.db.Read(ctx, func(tx *db.Tx) (err error) {
		rows, err = tx.OwnedRoutes(norm.Email(owner)).List(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}

	ret := make([]*Route, 0, len(rows))
	for _, r := range rows {
		ret = append(ret, fromDB(r))
	}
	return ret, nil
}

// Get returns a single route.
func (s *Service) Get(ctx context.Context, owner, id string) (*Route, error) {
	var r *db.Route
	err := s.db.Read(ctx, func(tx *db.Tx) (err error) {
		r, err = tx.OwnedRoutes(norm.Email(owner)).Get(ctx, norm.Text(id))
		return err
	})
	if err := mapNotFound(err); err != nil {
		return nil, err
	}
	return fromDB(r), nil
}

// Update changes a route's name and stop. The schedule fetched when the
// route was created is kept as-is.
func (s *Service) Update(ctx context.Context, owner, id, name, stop string) (*Route, error) {
	var r *db.Route
	err := s.db.Write(ctx, func(tx *db.Tx) (err error) {
		r, err = tx.OwnedRoutes(norm.Email(owner)).Rename(ctx,
			norm.Text(id), norm.Text(name), norm.Text(stop), s.timeNow())
		return err
	})
	if err := mapNotFound(err); err != nil {
		return nil, err
	}

	s.log.Info("updated route", "route_id", r.ID, "owner", r.OwnerEmail)
	return fromDB(r), nil
}

// Delete removes a route. Deleting a route that does not exist, or that
// belongs to someone else, succeeds without doing anything.
func (s *Service) Delete(ctx context.Context, owner, id string) error {
	owner, id = norm.Email(owner), norm.Text(id)

	var deleted bool
	err := s.db.Write(ctx, func(tx *db.Tx) (err error) {
		deleted, err = tx.OwnedRoutes(owner).Delete(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting route: %w", err)
	}

	if deleted {
		s.log.Info("deleted route", "route_id", id, "owner", owner)
	} else {
		s.log.Debug("delete matched no route", "route_id", id, "owner", owner)
	}
	return nil
}

func mapNotFound(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return ErrRouteNotFound
	default:
		return fmt.Errorf("loading route: %w", err)
	}
}

func formatID(n int64) string {
	return "R" + strconv.FormatInt(n, 10)
}

func fromDB(r *db.Route) *Route {
	sched := r.Schedule
	if sched == nil {
		sched = []json.RawMessage{}
	}
	return &Route{
		ID:         r.ID,
		Name:       r.Name,
		Stop:       r.Stop,
		Schedule:   sched,
		OwnerEmail: r.OwnerEmail,
	}
}
