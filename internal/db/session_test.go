package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.UnixMilli(1728846882000)

	live := &Session{Key: "k1", Token: "t1", Expiry: now.Add(time.Hour), Data: []byte(`{"owner_email":"a@x.com"}`)}
	dead := &Session{Key: "k2", Token: "t2", Expiry: now.Add(-time.Second), Data: []byte(`{}`)}

	if err := db.Write(ctx, func(tx *Tx) error {
		if err := tx.PutSession(ctx, live); err != nil {
			return err
		}
		return tx.PutSession(ctx, dead)
	}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	err := db.Read(ctx, func(tx *Tx) error {
		got, err := tx.GetSession(ctx, "k1")
		if err != nil {
			return err
		}
		if got.Token != "t1" || string(got.Data) != string(live.Data) || !got.Expiry.Equal(live.Expiry) {
			t.Errorf("GetSession = %+v, want %+v", got, live)
		}

		list, err := tx.ListSessions(ctx, now)
		if err != nil {
			return err
		}
		if len(list) != 1 || list[0].Key != "k1" {
			t.Errorf("ListSessions returned %d sessions, want only k1", len(list))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Overwrite in place.
	live.Data = []byte(`{"owner_email":"b@x.com"}`)
	if err := db.Write(ctx, func(tx *Tx) error { return tx.PutSession(ctx, live) }); err != nil {
		t.Fatalf("PutSession overwrite: %v", err)
	}

	var cleaned int64
	if err := db.Write(ctx, func(tx *Tx) (err error) {
		cleaned, err = tx.DeleteExpiredSessions(ctx, now)
		return err
	}); err != nil {
		t.Fatalf("DeleteExpiredSessions: %v", err)
	}
	if cleaned != 1 {
		t.Errorf("cleaned %d sessions, want 1", cleaned)
	}

	if err := db.Write(ctx, func(tx *Tx) error {
		if err := tx.DeleteSession(ctx, "k1"); err != nil {
			return err
		}
		// Deleting again is fine.
		return tx.DeleteSession(ctx, "k1")
	}); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	err = db.Read(ctx, func(tx *Tx) error {
		_, err := tx.GetSession(ctx, "k1")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession after delete: got %v, want ErrNotFound", err)
	}
}
