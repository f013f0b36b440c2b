package db

import (
	"context"
	"fmt"
	"time"
)

// Session is a stored login session. Key is derived from the session token
// by the caller; the raw Token is kept alongside so that a lookup can confirm
// it matched the right row.
type Session struct {
	Key    string
	Token  string
	Expiry time.Time
	Data   []byte // JSON-encoded session payload
}

// GetSession retrieves a session by key, whether or not it has expired.
func (tx *Tx) GetSession(ctx context.Context, key string) (*Session, error) {
	var (
		s        Session
		expiryMs int64
		data     string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT key, token, expiry, data
		FROM sessions
		WHERE key = ?
	`, key).Scan(&s.Key, &s.Token, &expiryMs, &data)
	if err != nil {
		return nil, notFound("session", err)
	}
	s.Expiry = time.UnixMilli(expiryMs)
	s.Data = []byte(data)
	return &s, nil
}

// PutSession inserts or replaces a session.
func (tx *Tx) PutSession(ctx context.Context, s *Session) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (key, token, expiry, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE
		SET token = excluded.token, expiry = excluded.expiry, data = excluded.data
	`, s.Key, s.Token, s.Expiry.UnixMilli(), string(s.Data))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// DeleteSession removes a session. Deleting a session that does not exist is
// not an error.
func (tx *Tx) DeleteSession(ctx context.Context, key string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListSessions returns all sessions that have not expired as of now.
func (tx *Tx) ListSessions(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT key, token, expiry, data
		FROM sessions
		WHERE expiry >= ?
	`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var (
			s        Session
			expiryMs int64
			data     string
		)
		if err := rows.Scan(&s.Key, &s.Token, &expiryMs, &data); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.Expiry = time.UnixMilli(expiryMs)
		s.Data = []byte(data)
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// DeleteExpiredSessions removes every session that expired before now and
// returns how many were removed.
func (tx *Tx) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expiry < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return res.RowsAffected()
}
