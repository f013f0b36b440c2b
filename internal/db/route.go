package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Route is a user's saved transit route.
type Route struct {
	ID         string
	OwnerEmail string
	Name       string
	Stop       string
	Schedule   []json.RawMessage // opaque entries from the stop lookup service
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RouteScope is the only way to read or modify routes. Every query it issues
// is filtered by the owner it was created with, so a caller cannot observe or
// touch another user's routes by supplying a different route ID.
type RouteScope struct {
	tx    *Tx
	owner string
}

// OwnedRoutes returns a RouteScope restricted to routes owned by owner. The
// owner must come from an authenticated session, never from client input.
//
// It panics if owner is empty.
func (tx *Tx) OwnedRoutes(owner string) RouteScope {
	if owner == "" {
		panic("db: OwnedRoutes called with empty owner")
	}
	return RouteScope{tx: tx, owner: owner}
}

// Owner returns the email address this scope is restricted to.
func (s RouteScope) Owner() string { return s.owner }

const routeColumns = `route_id, owner_email, name, stop, schedule, created_at, updated_at`

// Insert stores a new route. The route's OwnerEmail is overwritten with the
// scope's owner.
func (s RouteScope) Insert(ctx context.Context, r *Route) error {
	r.OwnerEmail = s.owner
	schedule, err := encodeSchedule(r.Schedule)
	if err != nil {
		return err
	}
	_, err = s.tx.ExecContext(ctx, `
		INSERT INTO routes (`+routeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, s.owner, r.Name, r.Stop, schedule, r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	if isUniqueViolation(err) {
		return fmt.Errorf("inserting route %q: %w", r.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting route %q: %w", r.ID, err)
	}
	return nil
}

// List returns every route in the scope, oldest first.
func (s RouteScope) List(ctx context.Context) ([]*Route, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT `+routeColumns+` FROM routes
		WHERE owner_email = ?
		ORDER BY created_at, rowid
	`, s.owner)
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	defer rows.Close()

	routes := []*Route{}
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	return routes, nil
}

// Get returns a single route. A route that does not exist and one owned by
// somebody else both produce an error wrapping ErrNotFound.
func (s RouteScope) Get(ctx context.Context, id string) (*Route, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT `+routeColumns+` FROM routes
		WHERE route_id = ? AND owner_email = ?
	`, id, s.owner)
	r, err := scanRoute(row)
	if err != nil {
		return nil, notFound("route", err)
	}
	return r, nil
}

// Rename sets a route's name and stop, leaving its ID and schedule alone,
// and returns the updated route. Not-found semantics match Get.
func (s RouteScope) Rename(ctx context.Context, id, name, stop string, now time.Time) (*Route, error) {
	row := s.tx.QueryRowContext(ctx, `
		UPDATE routes SET name = ?, stop = ?, updated_at = ?
		WHERE route_id = ? AND owner_email = ?
		RETURNING `+routeColumns,
		name, stop, now.UnixMilli(), id, s.owner)
	r, err := scanRoute(row)
	if err != nil {
		return nil, notFound("route", err)
	}
	return r, nil
}

// Delete removes a route, reporting whether anything was deleted.
func (s RouteScope) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.tx.ExecContext(ctx,
		`DELETE FROM routes WHERE route_id = ? AND owner_email = ?`,
		id, s.owner)
	if err != nil {
		return false, fmt.Errorf("deleting route %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting route %q: %w", id, err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoute(row rowScanner) (*Route, error) {
	var (
		r                    Route
		schedule             string
		createdMs, updatedMs int64
	)
	if err := row.Scan(&r.ID, &r.OwnerEmail, &r.Name, &r.Stop, &schedule, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(schedule), &r.Schedule); err != nil {
		return nil, fmt.Errorf("decoding schedule for route %q: %w", r.ID, err)
	}
	if r.Schedule == nil {
		r.Schedule = []json.RawMessage{}
	}
	r.CreatedAt = time.UnixMilli(createdMs)
	r.UpdatedAt = time.UnixMilli(updatedMs)
	return &r, nil
}

func encodeSchedule(entries []json.RawMessage) (string, error) {
	if entries == nil {
		return "[]", nil
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encoding schedule: %w", err)
	}
	return string(b), nil
}
