// Package sessiontest contains a conformance test for sessions.Store
// implementations.
package sessiontest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/andrew-d/transitroutes/sessions"
)

// TestStore exercises store with the given sample value. setTime must change
// the clock that store uses to decide whether a session has expired.
func TestStore[T any](t *testing.T, store sessions.Store[T], sample T, setTime func(time.Time)) {
	t.Helper()

	now := time.Unix(1729223000, 0)
	setTime(now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const token = "token"

	if err := store.Commit(ctx, token, &sample, now.Add(time.Hour)); err != nil {
		t.Fatalf("store.Commit failed: %v", err)
	}

	var out T
	if err := store.Find(ctx, token, &out); err != nil {
		t.Fatalf("store.Find failed: %v", err)
	}
	if diff := cmp.Diff(sample, out); diff != "" {
		t.Fatalf("store.Find mismatch (-want +got):\n%s", diff)
	}

	// An unknown token, including one that differs only slightly, is
	// not found.
	if err := store.Find(ctx, token+"x", &out); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("store.Find(unknown) = %v, want ErrNotFound", err)
	}

	listed, err := store.List(ctx)
	if err != nil {
		t.Fatalf("store.List failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one session, got %d", len(listed))
	}
	if diff := cmp.Diff(map[string]T{token: sample}, listed); diff != "" {
		t.Fatalf("store.List mismatch (-want +got):\n%s", diff)
	}

	if err := store.Delete(ctx, token); err != nil {
		t.Fatalf("store.Delete failed: %v", err)
	}
	if err := store.Find(ctx, token, &out); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	listed, err = store.List(ctx)
	if err != nil {
		t.Fatalf("store.List failed: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected zero sessions, got %d", len(listed))
	}

	// Deleting again isn't an error.
	if err := store.Delete(ctx, token); err != nil {
		t.Fatalf("store.Delete failed: %v", err)
	}

	t.Run("Expiry", func(t *testing.T) {
		const token = "token-with-expiry"

		expiry := now.Add(time.Second)
		if err := store.Commit(ctx, token, &sample, expiry); err != nil {
			t.Fatalf("store.Commit failed: %v", err)
		}

		setTime(expiry.Add(time.Second))

		if err := store.Find(ctx, token, &out); !errors.Is(err, sessions.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		listed, err := store.List(ctx)
		if err != nil {
			t.Fatalf("store.List failed: %v", err)
		}
		if len(listed) != 0 {
			t.Fatalf("expected zero sessions, got %d", len(listed))
		}
	})
}
