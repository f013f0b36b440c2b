package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andrew-d/transitroutes/internal/db"
	"github.com/andrew-d/transitroutes/sessions"
)

// dbSessionStore is a sessions.Store that keeps sessions in the database, so
// that they survive restarts and are shared by every server process using
// the same database file.
type dbSessionStore struct {
	db      *db.DB
	timeNow func() time.Time
}

var _ sessions.Store[sessionData] = (*dbSessionStore)(nil)

// newDBSessionStore returns a new dbSessionStore instance.
func newDBSessionStore(database *db.DB) *dbSessionStore {
	return &dbSessionStore{
		db:      database,
		timeNow: time.Now,
	}
}

// Find implements the Store interface.
func (dbs *dbSessionStore) Find(ctx context.Context, token string, into *sessionData) error {
	var sess *db.Session
	err := dbs.db.Read(ctx, func(tx *db.Tx) (err error) {
		sess, err = tx.GetSession(ctx, sessions.TokenKey(token))
		return err
	})
	if errors.Is(err, db.ErrNotFound) {
		return sessions.ErrNotFound
	} else if err != nil {
		return err
	}

	// Unlikely, but confirm that the token actually matches. This should
	// never happen since we use a cryptographic hash.
	if sess.Token != token {
		return sessions.ErrNotFound
	}
	if sess.Expiry.Before(dbs.timeNow()) {
		return sessions.ErrNotFound
	}

	if err := json.Unmarshal(sess.Data, into); err != nil {
		return fmt.Errorf("decoding session: %w", err)
	}
	return nil
}

// Delete implements the Store interface.
func (dbs *dbSessionStore) Delete(ctx context.Context, token string) error {
	return dbs.db.Write(ctx, func(tx *db.Tx) error {
		return tx.DeleteSession(ctx, sessions.TokenKey(token))
	})
}

// Commit implements the Store interface.
func (dbs *dbSessionStore) Commit(ctx context.Context, token string, d *sessionData, expiry time.Time) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return dbs.db.Write(ctx, func(tx *db.Tx) error {
		return tx.PutSession(ctx, &db.Session{
			Key:    sessions.TokenKey(token),
			Token:  token,
			Expiry: expiry,
			Data:   data,
		})
	})
}

// List implements the Store interface.
func (dbs *dbSessionStore) List(ctx context.Context) (map[string]sessionData, error) {
	var rows []*db.Session
	err := dbs.db.Read(ctx, func(tx *db.Tx) (err error) {
		rows, err = tx.ListSessions(ctx, dbs.timeNow())
		return err
	})
	if err != nil {
		return nil, err
	}

	tokens := make(map[string]sessionData, len(rows))
	for _, row := range rows {
		var sd sessionData
		if err := json.Unmarshal(row.Data, &sd); err != nil {
			return nil, fmt.Errorf("decoding session: %w", err)
		}
		tokens[row.Token] = sd
	}
	return tokens, nil
}

// CleanExpired removes all expired sessions from the store and returns how
// many were removed. It is the responsibility of the user of the store to
// call this method periodically.
func (dbs *dbSessionStore) CleanExpired(ctx context.Context) (int64, error) {
	var n int64
	err := dbs.db.Write(ctx, func(tx *db.Tx) (err error) {
		n, err = tx.DeleteExpiredSessions(ctx, dbs.timeNow())
		return err
	})
	return n, err
}
