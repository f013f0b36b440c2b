package db

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

func TestNextSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	next := func(db *DB) int64 {
		t.Helper()
		var n int64
		if err := db.Write(ctx, func(tx *Tx) (err error) {
			n, err = tx.NextSequence(ctx, "route")
			return err
		}); err != nil {
			t.Fatalf("NextSequence: %v", err)
		}
		return n
	}

	db, err := NewDB(slogt.New(t), path)
	if err != nil {
		t.Fatal(err)
	}
	for want := int64(0); want < 3; want++ {
		if got := next(db); got != want {
			t.Errorf("NextSequence = %d, want %d", got, want)
		}
	}

	// A rolled-back increment is handed out again.
	sentinel := errors.New("abort")
	err = db.Write(ctx, func(tx *Tx) error {
		if _, err := tx.NextSequence(ctx, "route"); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("Write = %v, want sentinel", err)
	}
	db.Close()

	// The counter survives a restart.
	db, err = NewDB(slogt.New(t), path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if got := next(db); got != 3 {
		t.Errorf("after reopen NextSequence = %d, want 3", got)
	}

	// Counters are independent.
	var other int64
	if err := db.Write(ctx, func(tx *Tx) (err error) {
		other, err = tx.NextSequence(ctx, "other")
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if other != 0 {
		t.Errorf("independent counter = %d, want 0", other)
	}
}

func TestRouteScope(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustPutUser(t, db, "a@x.com")
	mustPutUser(t, db, "b@x.com")

	now := time.UnixMilli(1728846882000)
	route := &Route{
		ID:         "R0",
		OwnerEmail: "b@x.com", // ignored; the scope decides
		Name:       "Bus 1",
		Stop:       "Main St",
		Schedule:   []json.RawMessage{json.RawMessage(`{"departure":"08:00"}`)},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.Write(ctx, func(tx *Tx) error {
		return tx.OwnedRoutes("a@x.com").Insert(ctx, route)
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if route.OwnerEmail != "a@x.com" {
		t.Errorf("OwnerEmail = %q, want a@x.com", route.OwnerEmail)
	}

	t.Run("OwnerSees", func(t *testing.T) {
		err := db.Read(ctx, func(tx *Tx) error {
			scope := tx.OwnedRoutes("a@x.com")
			got, err := scope.Get(ctx, "R0")
			if err != nil {
				return err
			}
			if diff := cmp.Diff(route, got); diff != "" {
				t.Errorf("Get mismatch (-want +got):\n%s", diff)
			}

			list, err := scope.List(ctx)
			if err != nil {
				return err
			}
			if len(list) != 1 || list[0].ID != "R0" {
				t.Errorf("List = %v, want [R0]", list)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("OtherOwnerBlind", func(t *testing.T) {
		err := db.Read(ctx, func(tx *Tx) error {
			scope := tx.OwnedRoutes("b@x.com")
			if _, err := scope.Get(ctx, "R0"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get: got %v, want ErrNotFound", err)
			}
			list, err := scope.List(ctx)
			if err != nil {
				return err
			}
			if len(list) != 0 {
				t.Errorf("List returned %d routes, want 0", len(list))
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		err = db.Write(ctx, func(tx *Tx) error {
			scope := tx.OwnedRoutes("b@x.com")
			if _, err := scope.Rename(ctx, "R0", "stolen", "x", now); !errors.Is(err, ErrNotFound) {
				t.Errorf("Rename: got %v, want ErrNotFound", err)
			}
			deleted, err := scope.Delete(ctx, "R0")
			if err != nil {
				return err
			}
			if deleted {
				t.Error("Delete by other owner removed the route")
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Rename", func(t *testing.T) {
		later := now.Add(time.Minute)
		var got *Route
		err := db.Write(ctx, func(tx *Tx) (err error) {
			got, err = tx.OwnedRoutes("a@x.com").Rename(ctx, "R0", "Bus 1X", "Main St", later)
			return err
		})
		if err != nil {
			t.Fatalf("Rename: %v", err)
		}
		want := *route
		want.Name = "Bus 1X"
		want.UpdatedAt = later
		if diff := cmp.Diff(&want, got); diff != "" {
			t.Errorf("Rename mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		var deleted bool
		err := db.Write(ctx, func(tx *Tx) (err error) {
			deleted, err = tx.OwnedRoutes("a@x.com").Delete(ctx, "R0")
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if !deleted {
			t.Error("Delete reported nothing deleted")
		}
	})
}

func TestRouteScopeEmptyOwnerPanics(t *testing.T) {
	db := newTestDB(t)
	tx := db.MustTx(context.Background())
	defer tx.Rollback()

	defer func() {
		if recover() == nil {
			t.Error("OwnedRoutes(\"\") did not panic")
		}
	}()
	tx.OwnedRoutes("")
}

func TestRouteNilSchedule(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustPutUser(t, db, "a@x.com")

	err := db.Write(ctx, func(tx *Tx) error {
		return tx.OwnedRoutes("a@x.com").Insert(ctx, &Route{ID: "R9", Name: "n", Stop: "s"})
	})
	if err != nil {
		t.Fatal(err)
	}
	err = db.Read(ctx, func(tx *Tx) error {
		r, err := tx.OwnedRoutes("a@x.com").Get(ctx, "R9")
		if err != nil {
			return err
		}
		if r.Schedule == nil || len(r.Schedule) != 0 {
			t.Errorf("Schedule = %#v, want empty non-nil", r.Schedule)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
